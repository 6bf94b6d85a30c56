package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validTransports = map[string]bool{
	"tcp": true, "udp": true, "udp_multicast": true, "http": true, "https": true,
}

var validInputSchemes = map[string]bool{
	"rtsp": true, "rtsps": true, "rtmp": true, "rtmps": true,
	"http": true, "https": true, "srt": true, "udp": true, "tcp": true, "file": true,
}

// FFmpeg log levels at which warnings still reach stderr.
var validFFmpegLogLevels = map[string]bool{
	"warning": true, "info": true, "verbose": true, "debug": true, "trace": true,
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Exactly one channel source
	switch {
	case cfg.Input == "" && cfg.ChannelsFile == "":
		errs = append(errs, ValidationError{
			Field:   "input",
			Message: "an input or -channels file is required",
		})
	case cfg.Input != "" && cfg.ChannelsFile != "":
		errs = append(errs, ValidationError{
			Field:   "input",
			Message: "-input and -channels are mutually exclusive",
		})
	}

	if cfg.Input != "" {
		if err := validateInput(cfg.Input); err != nil {
			errs = append(errs, ValidationError{Field: "input", Message: err.Error()})
		}
		if !channelNameRe.MatchString(cfg.Channel) {
			errs = append(errs, ValidationError{
				Field:   "channel",
				Message: fmt.Sprintf("invalid channel name %q", cfg.Channel),
			})
		}
	}

	if cfg.WatchChannels && cfg.ChannelsFile == "" {
		errs = append(errs, ValidationError{
			Field:   "watch",
			Message: "-watch requires -channels",
		})
	}

	if cfg.StartRate < 1 {
		errs = append(errs, ValidationError{Field: "start_rate", Message: "must be at least 1"})
	}
	if cfg.StartJitter < 0 {
		errs = append(errs, ValidationError{Field: "start_jitter", Message: "must not be negative"})
	}
	if cfg.FrameBuffer < 1 {
		errs = append(errs, ValidationError{Field: "frame_buffer", Message: "must be at least 1"})
	}
	if cfg.BreakerCooldown < 0 {
		errs = append(errs, ValidationError{Field: "breaker_cooldown", Message: "must not be negative"})
	}

	if cfg.FFmpegPath == "" {
		errs = append(errs, ValidationError{Field: "ffmpeg_path", Message: "must not be empty"})
	}
	if !validFFmpegLogLevels[cfg.FFmpegLogLevel] {
		errs = append(errs, ValidationError{
			Field:   "ffmpeg_log_level",
			Message: fmt.Sprintf("must be warning or more verbose for failure classification (got %q)", cfg.FFmpegLogLevel),
		})
	}
	if cfg.FrameRate < 0 {
		errs = append(errs, ValidationError{Field: "frame_rate", Message: "must not be negative"})
	}

	if !validTransports[cfg.Transport] {
		errs = append(errs, ValidationError{
			Field:   "transport",
			Message: fmt.Sprintf("must be one of: tcp, udp, udp_multicast, http, https (got %q)", cfg.Transport),
		})
	}
	for _, t := range cfg.TransportFallback {
		if !validTransports[t] {
			errs = append(errs, ValidationError{
				Field:   "transport_fallback",
				Message: fmt.Sprintf("unknown transport %q", t),
			})
		}
	}

	// Timeouts may be zero (disabled) but not negative
	timeouts := []struct {
		field string
		v     time.Duration
	}{
		{"rtsp_timeout", cfg.RTSPTimeout},
		{"start_timeout", cfg.StartTimeout},
		{"watchdog_timeout", cfg.WatchdogTimeout},
		{"stream_idle_timeout", cfg.StreamIdleTimeout},
		{"duration", cfg.Duration},
	}
	for _, t := range timeouts {
		if t.v < 0 {
			errs = append(errs, ValidationError{Field: t.field, Message: "must not be negative"})
		}
	}
	if cfg.ForceKillTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "force_kill_timeout", Message: "must be positive"})
	}

	if cfg.MaxBufferBytes < 0 {
		errs = append(errs, ValidationError{Field: "max_buffer_bytes", Message: "must not be negative"})
	}
	if cfg.CircuitBreakerThreshold < 0 {
		errs = append(errs, ValidationError{Field: "circuit_breaker_threshold", Message: "must not be negative (0 disables)"})
	}

	// Backoff settings
	if cfg.BackoffMin < 0 {
		errs = append(errs, ValidationError{Field: "backoff_min", Message: "must not be negative"})
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		errs = append(errs, ValidationError{Field: "backoff_max", Message: "must be >= backoff_min"})
	}
	if cfg.BackoffJitter < 0 || cfg.BackoffJitter > 1 {
		errs = append(errs, ValidationError{Field: "backoff_jitter", Message: "must be between 0 and 1"})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.TUIEnabled && cfg.PrintCmd {
		errs = append(errs, ValidationError{Field: "tui", Message: "cannot be combined with --print-cmd"})
	}
	if cfg.TUIEnabled && cfg.Probe {
		errs = append(errs, ValidationError{Field: "tui", Message: "cannot be combined with --probe"})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateInput checks an FFmpeg input locator. Plain paths are accepted;
// URLs need a known scheme and a host.
func validateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("must not be empty")
	}
	if !strings.Contains(input, "://") {
		return nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !validInputSchemes[scheme] {
		return fmt.Errorf("unsupported input scheme %q", u.Scheme)
	}
	if scheme != "file" && u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Duration = 10 * time.Second
	cfg.Verbose = true
	cfg.TUIEnabled = false
}
