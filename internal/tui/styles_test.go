package tui

import (
	"strings"
	"testing"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

func TestStateStyle(t *testing.T) {
	tests := []struct {
		state supervisor.State
		want  string
	}{
		{supervisor.StateStreaming, statusOK.Render("x")},
		{supervisor.StateStarting, statusInfo.Render("x")},
		{supervisor.StateRecovering, statusWarning.Render("x")},
		{supervisor.StateCircuitBroken, statusError.Render("x")},
		{supervisor.StateIdle, mutedStyle.Render("x")},
		{supervisor.StateStopped, mutedStyle.Render("x")},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := StateStyle(tt.state).Render("x"); got != tt.want {
				t.Errorf("StateStyle(%s) rendered %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestStateLabel(t *testing.T) {
	for _, s := range []supervisor.State{
		supervisor.StateIdle,
		supervisor.StateStarting,
		supervisor.StateStreaming,
		supervisor.StateRecovering,
		supervisor.StateCircuitBroken,
		supervisor.StateStopped,
	} {
		if got := StateLabel(s); !strings.Contains(got, s.String()) {
			t.Errorf("StateLabel(%s) = %q", s, got)
		}
	}
}

func TestBreakerStyle(t *testing.T) {
	tests := []struct {
		name             string
		count, threshold int
		want             string
	}{
		{"disabled", 3, 0, valueGoodStyle.Render("x")},
		{"clean", 0, 5, valueGoodStyle.Render("x")},
		{"counting", 2, 5, valueWarnStyle.Render("x")},
		{"tripped", 5, 5, valueBadStyle.Render("x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BreakerStyle(tt.count, tt.threshold).Render("x"); got != tt.want {
				t.Errorf("BreakerStyle(%d, %d) rendered %q, want %q", tt.count, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestFormatBreaker(t *testing.T) {
	if got := FormatBreaker(2, 5); got != "2/5" {
		t.Errorf("FormatBreaker(2, 5) = %q", got)
	}
	if got := FormatBreaker(2, 0); got != "off" {
		t.Errorf("FormatBreaker(2, 0) = %q", got)
	}
}

func TestRenderKeyValue(t *testing.T) {
	got := RenderKeyValue("Input", "rtsp://cam/stream")
	if !strings.Contains(got, "Input:") || !strings.Contains(got, "rtsp://cam/stream") {
		t.Errorf("RenderKeyValue() = %q", got)
	}
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name     string
		progress float64
		width    int
		percent  string
	}{
		{"empty", 0, 20, "0%"},
		{"half", 0.5, 20, "50%"},
		{"full", 1, 20, "100%"},
		{"over", 1.5, 20, "150%"},
		{"negative", -0.5, 20, "-50%"},
		{"tiny width", 0.5, 2, "50%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := RenderProgressBar(tt.progress, tt.width)
			if !strings.Contains(bar, tt.percent) {
				t.Errorf("RenderProgressBar(%v, %d) = %q, want %s", tt.progress, tt.width, bar, tt.percent)
			}
			cells := strings.Count(bar, "█") + strings.Count(bar, "░")
			if want := max(tt.width, 10); cells != want {
				t.Errorf("bar has %d cells, want %d", cells, want)
			}
		})
	}
}
