package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/parser"
)

const (
	// MaxLineLength is the maximum length of a single logged line before
	// truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per channel.
	MaxBufferedLines = 100

	// DefaultStderrRate is the default number of stderr lines per second
	// that reach the log.
	DefaultStderrRate = 5

	// DefaultStderrBurst is the default limiter burst.
	DefaultStderrBurst = 20
)

// StderrConfig configures a StderrHandler.
type StderrConfig struct {
	// Verbose logs uninteresting lines at debug level instead of dropping
	// them.
	Verbose bool

	// Rate is lines per second allowed into the log. Zero means
	// DefaultStderrRate; a negative value disables limiting.
	Rate float64

	// Burst is the limiter burst. Zero means DefaultStderrBurst.
	Burst int
}

// StderrHandler handles stderr lines of one channel's FFmpeg processes.
// It keeps recent lines for failure reports and the exit summary, and logs
// them through a rate limiter so a process repeating one line per I/O
// callback cannot flood the log.
type StderrHandler struct {
	channel string
	logger  *slog.Logger
	verbose bool
	limiter *rate.Limiter

	mu         sync.Mutex
	buffer     []string
	bufIdx     int
	total      uint64
	suppressed uint64
	pending    uint64 // suppressed since the last emitted line
	reasons    map[parser.Reason]int
}

// NewStderrHandler creates a new stderr handler for a channel.
func NewStderrHandler(channel string, logger *slog.Logger, cfg StderrConfig) *StderrHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	limit := rate.Limit(cfg.Rate)
	switch {
	case cfg.Rate == 0:
		limit = DefaultStderrRate
	case cfg.Rate < 0:
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultStderrBurst
	}

	return &StderrHandler{
		channel: channel,
		logger:  logger,
		verbose: cfg.Verbose,
		limiter: rate.NewLimiter(limit, burst),
		buffer:  make([]string, MaxBufferedLines),
		reasons: make(map[parser.Reason]int),
	}
}

// HandleLine processes a single line of stderr output from the given
// process generation. It matches supervisor.Callbacks.OnStderr once the
// channel argument is dropped.
func (h *StderrHandler) HandleLine(generation uint64, line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	reason, classified := parser.Classify(line)

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.total++
	if classified {
		h.reasons[reason]++
	}
	h.mu.Unlock()

	h.logLine(generation, line, reason)
}

func (h *StderrHandler) logLine(generation uint64, line string, reason parser.Reason) {
	level := classifyLevel(line, reason)
	if !h.verbose && level == slog.LevelDebug {
		return
	}
	if !h.logger.Enabled(context.Background(), level) {
		return
	}

	if !h.limiter.Allow() {
		h.mu.Lock()
		h.suppressed++
		h.pending++
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	skipped := h.pending
	h.pending = 0
	h.mu.Unlock()

	attrs := []any{
		"channel", h.channel,
		"generation", generation,
		"line", line,
	}
	if reason != parser.ReasonNone {
		attrs = append(attrs, "reason", reason.String())
	}
	if skipped > 0 {
		attrs = append(attrs, "suppressed", skipped)
	}
	h.logger.Log(context.Background(), level, "ffmpeg_stderr", attrs...)
}

// classifyLevel determines the log level for a line.
func classifyLevel(line string, reason parser.Reason) slog.Level {
	if reason != parser.ReasonNone {
		return slog.LevelWarn
	}

	lower := strings.ToLower(line)
	if strings.Contains(lower, "[error]") ||
		strings.Contains(lower, "error") && strings.Contains(lower, "failed") ||
		strings.Contains(lower, "invalid data found") ||
		strings.Contains(lower, "[warning]") ||
		strings.Contains(lower, "non-existing pps") ||
		strings.Contains(lower, "max delay reached") {
		return slog.LevelWarn
	}

	// Progress and codec chatter.
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n <= 0 {
		return nil
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}
	return lines
}

// CountReasons returns how many lines matched each failure reason.
func (h *StderrHandler) CountReasons() map[parser.Reason]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[parser.Reason]int, len(h.reasons))
	for r, n := range h.reasons {
		out[r] = n
	}
	return out
}

// Stats returns the total number of lines handled and how many were kept
// out of the log by the rate limiter.
func (h *StderrHandler) Stats() (total, suppressed uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total, h.suppressed
}
