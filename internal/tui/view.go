package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

// maxDetailStderr is how many stderr lines the detail pane shows.
const maxDetailStderr = 8

// =============================================================================
// Main View Rendering
// =============================================================================

func (m Model) renderView() string {
	sections := []string{
		m.renderHeader(),
		m.renderOverview(),
		m.renderChannelTable(),
	}

	if m.showDetail && m.detail != nil {
		sections = append(sections, m.renderDetail(*m.detail))
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-ffmpeg-videosource │ %s │ Streaming: %d/%d │ %s fps │ Elapsed: %s ",
		truncate(m.source, 40),
		m.Streaming(),
		len(m.channels),
		formatFPS(m.TotalFPS()),
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Overview
// =============================================================================

func (m Model) renderOverview() string {
	var progress float64
	if len(m.channels) > 0 {
		progress = float64(m.Streaming()) / float64(len(m.channels))
	}

	barWidth := max(m.width-30, 20)

	var status string
	switch {
	case len(m.channels) == 0:
		status = mutedStyle.Render("No channels configured")
	case m.Tripped() > 0:
		status = statusError.Render(fmt.Sprintf("✗ %d channel(s) circuit-broken", m.Tripped()))
	case m.Streaming() == len(m.channels):
		status = statusOK.Render("✓ All channels streaming")
	default:
		status = statusWarning.Render(fmt.Sprintf("Starting or recovering... %d/%d", m.Streaming(), len(m.channels)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Channels"),
		RenderProgressBar(progress, barWidth),
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Channel Table
// =============================================================================

const channelRowFormat = "%-16s %-14s %-6s %8s %7s %8s %6s %-18s %8s"

func (m Model) renderChannelTable() string {
	lines := []string{
		tableHeaderStyle.Render(fmt.Sprintf(channelRowFormat,
			"CHANNEL", "STATE", "TRANS", "RESTARTS", "BREAKER", "FRAMES", "FPS", "LAST FAILURE", "LAST FRAME")),
	}

	now := time.Now()
	for i, ci := range m.channels {
		lines = append(lines, m.renderChannelRow(i, ci, now))
	}
	if len(m.channels) == 0 {
		lines = append(lines, dimStyle.Render("  (none)"))
	}

	return boxStyle.Width(m.width - 2).Render(strings.Join(lines, "\n"))
}

func (m Model) renderChannelRow(i int, ci metrics.ChannelInfo, now time.Time) string {
	st := ci.Status

	transport := "-"
	if st.RTSP {
		transport = st.Transport.Current
	}

	lastFailure := "-"
	if st.LastFailure != nil {
		lastFailure = string(st.LastFailure.Reason)
	}

	// The state column is padded before styling so ANSI codes do not
	// break the alignment.
	state := StateStyle(st.State).Render(fmt.Sprintf("%-14s", "● "+st.State.String()))
	breaker := BreakerStyle(st.BreakerCount, st.BreakerThreshold).
		Render(fmt.Sprintf("%7s", FormatBreaker(st.BreakerCount, st.BreakerThreshold)))

	row := fmt.Sprintf("%-16s %s %-6s %8d %s %8s %6s %-18s %8s",
		truncate(st.Channel, 16),
		state,
		truncate(transport, 6),
		st.TotalRestarts,
		breaker,
		formatNumber(st.Frames),
		formatFPS(ci.FPS),
		truncate(lastFailure, 18),
		formatAge(st.LastFrameAt, now),
	)

	if i == m.selected {
		return tableRowSelectedStyle.Render("▸" + row)
	}
	return tableRowStyle.Render(" " + row)
}

// =============================================================================
// Detail Pane
// =============================================================================

func (m Model) renderDetail(ci metrics.ChannelInfo) string {
	st := ci.Status

	lines := []string{
		sectionHeaderStyle.Render("Channel " + st.Channel),
		RenderKeyValue("Input", truncate(st.Input, max(m.width-30, 20))),
		RenderKeyValue("State", StateLabel(st.State)),
		RenderKeyValue("Generation", fmt.Sprintf("%d (pid %d)", st.Generation, st.PID)),
		RenderKeyValue("Restarts", fmt.Sprintf("%d since streaming, %d total", st.Restarts, st.TotalRestarts)),
		RenderKeyValue("Breaker", FormatBreaker(st.BreakerCount, st.BreakerThreshold)),
		RenderKeyValue("Dropped frames", formatNumber(ci.Dropped)),
	}

	if st.RTSP {
		lines = append(lines, RenderKeyValue("Transport", renderTransportSequence(st.Transport)))
		if st.Transport.Changes > 0 {
			lines = append(lines, RenderKeyValue("Last fallback",
				fmt.Sprintf("%s (%s)", st.Transport.LastReason, formatAge(st.Transport.LastChange, time.Now()))))
		}
	}

	if f := st.LastFailure; f != nil {
		lines = append(lines, RenderKeyValue("Last failure", describeFailure(f)))
	}

	if len(ci.RecentStderr) > 0 {
		lines = append(lines, "", boldStyle.Render("Recent stderr"))
		stderr := ci.RecentStderr
		if len(stderr) > maxDetailStderr {
			stderr = stderr[len(stderr)-maxDetailStderr:]
		}
		for _, line := range stderr {
			lines = append(lines, dimStyle.Render("  "+truncate(line, max(m.width-8, 20))))
		}
	}

	return boxStyle.Width(m.width - 2).Render(strings.Join(lines, "\n"))
}

// renderTransportSequence shows the fallback sequence with the current stage
// highlighted.
func renderTransportSequence(t supervisor.TransportSnapshot) string {
	if len(t.Sequence) == 0 {
		return t.Current
	}
	parts := make([]string, len(t.Sequence))
	for i, name := range t.Sequence {
		if i == t.Index {
			parts[i] = "[" + name + "]"
		} else {
			parts[i] = name
		}
	}
	return strings.Join(parts, " → ")
}

func describeFailure(f *supervisor.Failure) string {
	var b strings.Builder
	b.WriteString(string(f.Reason))
	if f.ExitCode != nil {
		fmt.Fprintf(&b, " exit=%d", *f.ExitCode)
	}
	if f.Signal != "" {
		fmt.Fprintf(&b, " signal=%s", f.Signal)
	}
	if f.ErrorCode != "" {
		fmt.Fprintf(&b, " code=%s", f.ErrorCode)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	keys := "↑/↓ select • enter detail • b reset breaker • t reset transport • r restart • q quit"
	if m.metricsAddr != "" {
		keys += " │ API: " + m.metricsAddr
	}

	lines := []string{keys}
	if m.message != "" && time.Since(m.messageAt) < messageTTL {
		if m.messageOK {
			lines = append(lines, valueGoodStyle.Render(m.message))
		} else {
			lines = append(lines, valueBadStyle.Render(m.message))
		}
	}

	return footerStyle.Render(strings.Join(lines, "\n"))
}
