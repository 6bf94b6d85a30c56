package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

// refreshInterval is how often the channel table is refreshed.
const refreshInterval = 500 * time.Millisecond

// messageTTL is how long a command result stays in the footer.
const messageTTL = 5 * time.Second

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// ChannelsMsg carries an updated channel snapshot.
type ChannelsMsg struct {
	Channels []metrics.ChannelInfo
}

// CommandResultMsg reports the outcome of a channel command.
type CommandResultMsg struct {
	Channel string
	Action  string
	Err     error
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	source      string
	metricsAddr string

	// Controller lists channels and runs commands
	controller metrics.Controller

	// Current state
	channels   []metrics.ChannelInfo
	selected   int
	detail     *metrics.ChannelInfo
	showDetail bool
	startTime  time.Time
	lastUpdate time.Time

	message   string
	messageOK bool
	messageAt time.Time

	// Display options
	width  int
	height int

	// Quit flag
	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	Controller  metrics.Controller
	MetricsAddr string

	// Source is shown in the header (input URL or channels file).
	Source string
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		source:      cfg.Source,
		metricsAddr: cfg.MetricsAddr,
		controller:  cfg.Controller,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// tea.WithAltScreen() is passed when creating the program.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case ChannelsMsg:
		m.setChannels(msg.Channels)
		m.lastUpdate = time.Now()
		return m, nil

	case CommandResultMsg:
		if msg.Err != nil {
			m.setMessage(fmt.Sprintf("%s %s: %v", msg.Action, msg.Channel, msg.Err), false)
		} else {
			m.setMessage(fmt.Sprintf("%s %s: ok", msg.Action, msg.Channel), true)
		}
		m.refresh()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		m.refreshDetail()
	case "down", "j":
		if m.selected < len(m.channels)-1 {
			m.selected++
		}
		m.refreshDetail()
	case "enter", "d":
		m.showDetail = !m.showDetail
		m.refreshDetail()
	case "b":
		return m, m.command("reset-breaker", metrics.Controller.ResetBreaker)
	case "t":
		return m, m.command("reset-transport", metrics.Controller.ResetTransport)
	case "r":
		return m, m.command("restart", metrics.Controller.Restart)
	}
	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderView()
}

// =============================================================================
// State
// =============================================================================

func (m *Model) refresh() {
	if m.controller == nil {
		return
	}
	m.setChannels(m.controller.Channels())
	m.lastUpdate = time.Now()
}

func (m *Model) setChannels(channels []metrics.ChannelInfo) {
	m.channels = channels
	if m.selected >= len(channels) {
		m.selected = max(len(channels)-1, 0)
	}
	m.refreshDetail()
}

// refreshDetail fetches the selected channel with its recent stderr.
func (m *Model) refreshDetail() {
	m.detail = nil
	if !m.showDetail || m.controller == nil {
		return
	}
	name := m.Selected()
	if name == "" {
		return
	}
	ci, err := m.controller.Channel(name)
	if err != nil {
		return
	}
	m.detail = &ci
}

func (m *Model) setMessage(text string, ok bool) {
	m.message = text
	m.messageOK = ok
	m.messageAt = time.Now()
}

// command runs action against the selected channel off the UI goroutine.
func (m Model) command(action string, fn func(metrics.Controller, string) error) tea.Cmd {
	name := m.Selected()
	if name == "" || m.controller == nil {
		return nil
	}
	ctrl := m.controller
	return func() tea.Msg {
		return CommandResultMsg{Channel: name, Action: action, Err: fn(ctrl, name)}
	}
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after refreshInterval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Selected returns the name of the selected channel, or "".
func (m Model) Selected() string {
	if m.selected < 0 || m.selected >= len(m.channels) {
		return ""
	}
	return m.channels[m.selected].Status.Channel
}

// Streaming returns the number of channels currently streaming.
func (m Model) Streaming() int {
	n := 0
	for _, ci := range m.channels {
		if ci.Status.State == supervisor.StateStreaming {
			n++
		}
	}
	return n
}

// Tripped returns the number of channels with a tripped breaker.
func (m Model) Tripped() int {
	n := 0
	for _, ci := range m.channels {
		if ci.Status.State == supervisor.StateCircuitBroken {
			n++
		}
	}
	return n
}

// TotalFPS returns the summed frame rate of all channels.
func (m Model) TotalFPS() float64 {
	var fps float64
	for _, ci := range m.channels {
		fps += ci.FPS
	}
	return fps
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n uint64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatFPS formats a frame rate.
func formatFPS(fps float64) string {
	if fps >= 10 {
		return fmt.Sprintf("%.0f", fps)
	}
	return fmt.Sprintf("%.1f", fps)
}

// formatAge formats the time since t, "-" for the zero time.
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
