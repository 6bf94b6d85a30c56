package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewStartScheduler(t *testing.T) {
	s := NewStartScheduler(10, 500*time.Millisecond, 12345)
	if s.Rate() != 10 {
		t.Errorf("Rate() = %d, want 10", s.Rate())
	}
	if s.MaxJitter() != 500*time.Millisecond {
		t.Errorf("MaxJitter() = %v, want 500ms", s.MaxJitter())
	}
	if s.jitter == nil {
		t.Error("jitter source should not be nil")
	}
}

func TestStartScheduler_Delay(t *testing.T) {
	tests := []struct {
		name      string
		rate      int
		maxJitter time.Duration
		index     int
		min, max  time.Duration
	}{
		{"first channel is immediate", 5, time.Second, 0, 0, 0},
		{"rate only", 5, 0, 1, 200 * time.Millisecond, 200 * time.Millisecond},
		{"rate plus jitter", 5, 100 * time.Millisecond, 3, 200 * time.Millisecond, 300 * time.Millisecond},
		{"zero rate", 0, 0, 4, 0, 0},
		{"jitter only", 0, 50 * time.Millisecond, 2, 0, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStartScheduler(tt.rate, tt.maxJitter, 42)
			d := s.Delay(tt.index, "cam-1")
			if d < tt.min || d > tt.max {
				t.Errorf("Delay = %v, want [%v, %v]", d, tt.min, tt.max)
			}
		})
	}
}

func TestStartScheduler_Delay_Deterministic(t *testing.T) {
	a := NewStartScheduler(5, time.Second, 777)
	b := NewStartScheduler(5, time.Second, 777)

	for _, ch := range []string{"front-door", "garage", "yard"} {
		if a.Delay(1, ch) != b.Delay(1, ch) {
			t.Errorf("Delay(%q) differs between schedulers with the same seed", ch)
		}
		// Stable per channel, independent of position
		if a.Delay(1, ch)-200*time.Millisecond != a.Delay(5, ch)-200*time.Millisecond {
			t.Errorf("jitter for %q depends on index", ch)
		}
	}
}

func TestStartScheduler_Delay_VariesByChannel(t *testing.T) {
	s := NewStartScheduler(0, time.Second, 99)
	seen := make(map[time.Duration]bool)
	for _, ch := range []string{"a", "b", "c", "d", "e", "f"} {
		seen[s.Delay(1, ch)] = true
	}
	if len(seen) < 2 {
		t.Error("all channels got the same jitter")
	}
}

func TestStartScheduler_Wait(t *testing.T) {
	s := NewStartScheduler(20, 0, 1) // 50ms

	start := time.Now()
	if err := s.Wait(context.Background(), 1, "cam-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond || elapsed > 200*time.Millisecond {
		t.Errorf("Wait elapsed = %v, want ~50ms", elapsed)
	}
}

func TestStartScheduler_Wait_Cancelled(t *testing.T) {
	s := NewStartScheduler(1, 0, 1) // 1s

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := s.Wait(ctx, 1, "cam-1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Wait did not return promptly on cancel")
	}
}

func TestStartScheduler_Wait_CancelledBeforeFirst(t *testing.T) {
	s := NewStartScheduler(5, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Wait(ctx, 0, "cam-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v, want context.Canceled", err)
	}
}

func TestStartScheduler_EstimatedDuration(t *testing.T) {
	tests := []struct {
		name      string
		rate      int
		maxJitter time.Duration
		n         int
		want      time.Duration
	}{
		{"single channel", 5, time.Second, 1, 0},
		{"no rate", 0, time.Second, 10, 0},
		{"six channels", 5, 0, 6, time.Second},
		{"with jitter", 10, 200 * time.Millisecond, 11, time.Second + time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStartScheduler(tt.rate, tt.maxJitter, 1)
			if got := s.EstimatedDuration(tt.n); got != tt.want {
				t.Errorf("EstimatedDuration(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}
