// Package config provides configuration management for go-ffmpeg-videosource.
package config

import (
	"time"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

// Config holds all configuration options for the daemon.
type Config struct {
	// Channels
	Input         string `json:"input"`   // single-channel mode
	Channel       string `json:"channel"` // name for -input
	ChannelsFile  string `json:"channels_file"`
	WatchChannels bool   `json:"watch_channels"`

	// Orchestration
	StartRate       int           `json:"start_rate"`   // channels started per second
	StartJitter     time.Duration `json:"start_jitter"` // max per-channel start offset
	JitterSeed      int64         `json:"jitter_seed"`  // 0 = time based
	Duration        time.Duration `json:"duration"`     // 0 = forever
	BreakerCooldown time.Duration `json:"breaker_cooldown"`
	FrameBuffer     int           `json:"frame_buffer"` // per-subscriber frame queue

	// FFmpeg
	FFmpegPath        string        `json:"ffmpeg_path"`
	FFmpegLogLevel    string        `json:"ffmpeg_log_level"`
	RTSPTimeout       time.Duration `json:"rtsp_timeout"`
	FrameRate         float64       `json:"frame_rate"`
	Transport         string        `json:"transport"`
	TransportFallback []string      `json:"transport_fallback"`
	ExtraArgs         []string      `json:"extra_args"`

	// Supervision
	StartTimeout             time.Duration `json:"start_timeout"`
	WatchdogTimeout          time.Duration `json:"watchdog_timeout"`
	WatchdogBeforeFirstFrame bool          `json:"watchdog_before_first_frame"`
	StreamIdleTimeout        time.Duration `json:"stream_idle_timeout"`
	ForceKillTimeout         time.Duration `json:"force_kill_timeout"`
	MaxBufferBytes           int           `json:"max_buffer_bytes"`
	CircuitBreakerThreshold  int           `json:"circuit_breaker_threshold"`

	// Restart policy
	BackoffMin    time.Duration `json:"backoff_min"`
	BackoffMax    time.Duration `json:"backoff_max"`
	BackoffJitter float64       `json:"backoff_jitter"`

	// Observability
	MetricsAddr string  `json:"metrics_addr"`
	MetricsDump string  `json:"metrics_dump"` // write final metrics here on exit
	Verbose     bool    `json:"verbose"`
	LogFormat   string  `json:"log_format"` // json, text
	LogLevel    string  `json:"log_level"`
	StderrRate  float64 `json:"stderr_rate"` // ffmpeg stderr lines/s into the log

	// Dashboard
	TUIEnabled bool `json:"tui_enabled"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	Probe         bool `json:"probe"`
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	opts := supervisor.DefaultOptions()
	return &Config{
		// Channels
		Channel: "default",

		// Orchestration
		StartRate:       5,
		StartJitter:     500 * time.Millisecond,
		Duration:        0, // Forever
		BreakerCooldown: 0, // Manual reset only
		FrameBuffer:     8,

		// FFmpeg
		FFmpegPath:     "ffmpeg",
		FFmpegLogLevel: "warning",
		RTSPTimeout:    10 * time.Second,
		FrameRate:      opts.FrameRate,
		Transport:      opts.Transport,

		// Supervision
		StartTimeout:            opts.StartTimeout,
		WatchdogTimeout:         opts.WatchdogTimeout,
		StreamIdleTimeout:       opts.StreamIdleTimeout,
		ForceKillTimeout:        opts.ForceKillTimeout,
		MaxBufferBytes:          opts.MaxBufferBytes,
		CircuitBreakerThreshold: opts.CircuitBreakerThreshold,

		// Restart policy
		BackoffMin:    opts.Backoff.MinDelay,
		BackoffMax:    opts.Backoff.MaxDelay,
		BackoffJitter: opts.Backoff.JitterFactor,

		// Observability
		MetricsAddr: "0.0.0.0:17092",
		LogFormat:   "json",
		LogLevel:    "info",
		StderrRate:  5,

		// Dashboard
		TUIEnabled: false,
	}
}

// BaseOptions returns the supervisor options every channel starts from
// before channel file overrides are applied.
func (c *Config) BaseOptions(name string) supervisor.Options {
	opts := supervisor.DefaultOptions()
	opts.Channel = name
	opts.FrameRate = c.FrameRate
	opts.ExtraArgs = append([]string(nil), c.ExtraArgs...)
	opts.StartTimeout = c.StartTimeout
	opts.WatchdogTimeout = c.WatchdogTimeout
	opts.WatchdogBeforeFirstFrame = c.WatchdogBeforeFirstFrame
	opts.StreamIdleTimeout = c.StreamIdleTimeout
	opts.ForceKillTimeout = c.ForceKillTimeout
	opts.MaxBufferBytes = c.MaxBufferBytes
	opts.CircuitBreakerThreshold = c.CircuitBreakerThreshold
	opts.Transport = c.Transport
	opts.TransportFallback = append([]string(nil), c.TransportFallback...)
	opts.Backoff = supervisor.BackoffConfig{
		MinDelay:     c.BackoffMin,
		MaxDelay:     c.BackoffMax,
		JitterFactor: c.BackoffJitter,
	}
	return opts
}

// ChannelOptions resolves the options of every enabled channel. Without a
// channels file the single -input channel is returned.
func (c *Config) ChannelOptions(file *ChannelsFile) []supervisor.Options {
	if file == nil {
		opts := c.BaseOptions(c.Channel)
		opts.Input = c.Input
		return []supervisor.Options{opts}
	}

	out := make([]supervisor.Options, 0, len(file.Channels))
	for _, ch := range file.Channels {
		if ch.Disabled {
			continue
		}
		opts := file.Defaults.Apply(c.BaseOptions(ch.Name))
		opts = ch.Overrides.Apply(opts)
		opts.Input = ch.Input
		out = append(out, opts)
	}
	return out
}
