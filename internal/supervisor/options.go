package supervisor

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Options configures one video source. Options may be changed while running
// with UpdateOptions.
type Options struct {
	// Channel names the source in logs, metrics and events.
	Channel string

	// Input is the source locator passed to FFmpeg.
	Input string

	// FrameRate is the target output frame rate. Zero keeps the source rate.
	FrameRate float64

	// ExtraArgs are appended to FFmpeg's output options.
	ExtraArgs []string

	// StartTimeout bounds the wait for the first frame after spawn.
	StartTimeout time.Duration

	// WatchdogTimeout bounds the gap between frames. Zero disables it.
	WatchdogTimeout time.Duration

	// WatchdogBeforeFirstFrame arms the watchdog as soon as the stream is
	// attached instead of on the first frame.
	WatchdogBeforeFirstFrame bool

	// StreamIdleTimeout bounds the gap between frames once streaming.
	StreamIdleTimeout time.Duration

	// ForceKillTimeout is the grace period between SIGTERM and SIGKILL.
	ForceKillTimeout time.Duration

	Backoff BackoffConfig

	// MaxBufferBytes caps buffered stdout bytes without a frame boundary.
	// Zero disables the check.
	MaxBufferBytes int

	// CircuitBreakerThreshold is the number of consecutive candidate
	// failures that stops the source. Zero disables the breaker.
	CircuitBreakerThreshold int

	// Transport is the initial RTSP transport.
	Transport string

	// TransportFallback overrides DefaultTransportSequence.
	TransportFallback []string

	// Rand supplies backoff jitter. Nil derives a per-channel source.
	Rand Rand
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Channel:                 "default",
		FrameRate:               1,
		StartTimeout:            15 * time.Second,
		WatchdogTimeout:         10 * time.Second,
		StreamIdleTimeout:       30 * time.Second,
		ForceKillTimeout:        5 * time.Second,
		Backoff:                 DefaultBackoffConfig(),
		MaxBufferBytes:          10 * 1024 * 1024,
		CircuitBreakerThreshold: DefaultBreakerThreshold,
		Transport:               DefaultTransport,
	}
}

// ValidationError represents an invalid option value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the options for consistency.
func (o Options) Validate() error {
	var errs []error

	if o.Input == "" {
		errs = append(errs, ValidationError{"Input", "must not be empty"})
	}
	if o.FrameRate < 0 {
		errs = append(errs, ValidationError{"FrameRate", "must not be negative"})
	}
	if o.Backoff.MinDelay < 0 {
		errs = append(errs, ValidationError{"Backoff.MinDelay", "must not be negative"})
	}
	if o.Backoff.MaxDelay < o.Backoff.MinDelay {
		errs = append(errs, ValidationError{"Backoff.MaxDelay", "must be >= MinDelay"})
	}
	if o.Backoff.JitterFactor < 0 || o.Backoff.JitterFactor > 1 {
		errs = append(errs, ValidationError{"Backoff.JitterFactor", "must be between 0 and 1"})
	}

	timeouts := []struct {
		name string
		v    time.Duration
	}{
		{"StartTimeout", o.StartTimeout},
		{"WatchdogTimeout", o.WatchdogTimeout},
		{"StreamIdleTimeout", o.StreamIdleTimeout},
		{"ForceKillTimeout", o.ForceKillTimeout},
	}
	for _, t := range timeouts {
		if t.v < 0 {
			errs = append(errs, ValidationError{t.name, "must not be negative"})
		}
	}

	if o.MaxBufferBytes < 0 {
		errs = append(errs, ValidationError{"MaxBufferBytes", "must not be negative"})
	}
	if o.CircuitBreakerThreshold < 0 {
		errs = append(errs, ValidationError{"CircuitBreakerThreshold", "must not be negative (0 disables)"})
	}

	return errors.Join(errs...)
}

// OptionsPatch is a partial update. Nil fields are left unchanged.
type OptionsPatch struct {
	Input                    *string
	FrameRate                *float64
	ExtraArgs                *[]string
	StartTimeout             *time.Duration
	WatchdogTimeout          *time.Duration
	WatchdogBeforeFirstFrame *bool
	StreamIdleTimeout        *time.Duration
	ForceKillTimeout         *time.Duration
	Backoff                  *BackoffConfig
	MaxBufferBytes           *int
	CircuitBreakerThreshold  *int
	Transport                *string
	TransportFallback        *[]string
}

// Merge returns o with every non-nil field of p applied.
func (o Options) Merge(p OptionsPatch) Options {
	if p.Input != nil {
		o.Input = *p.Input
	}
	if p.FrameRate != nil {
		o.FrameRate = *p.FrameRate
	}
	if p.ExtraArgs != nil {
		o.ExtraArgs = append([]string(nil), (*p.ExtraArgs)...)
	}
	if p.StartTimeout != nil {
		o.StartTimeout = *p.StartTimeout
	}
	if p.WatchdogTimeout != nil {
		o.WatchdogTimeout = *p.WatchdogTimeout
	}
	if p.WatchdogBeforeFirstFrame != nil {
		o.WatchdogBeforeFirstFrame = *p.WatchdogBeforeFirstFrame
	}
	if p.StreamIdleTimeout != nil {
		o.StreamIdleTimeout = *p.StreamIdleTimeout
	}
	if p.ForceKillTimeout != nil {
		o.ForceKillTimeout = *p.ForceKillTimeout
	}
	if p.Backoff != nil {
		o.Backoff = *p.Backoff
	}
	if p.MaxBufferBytes != nil {
		o.MaxBufferBytes = *p.MaxBufferBytes
	}
	if p.CircuitBreakerThreshold != nil {
		o.CircuitBreakerThreshold = *p.CircuitBreakerThreshold
	}
	if p.Transport != nil {
		o.Transport = *p.Transport
	}
	if p.TransportFallback != nil {
		o.TransportFallback = append([]string(nil), (*p.TransportFallback)...)
	}
	return o
}

// Empty reports whether the patch changes nothing.
func (p OptionsPatch) Empty() bool {
	return p == OptionsPatch{}
}

// Diff returns the patch that turns o into n. Channel and Rand are not
// patchable and are ignored.
func (o Options) Diff(n Options) OptionsPatch {
	var p OptionsPatch
	if o.Input != n.Input {
		p.Input = &n.Input
	}
	if o.FrameRate != n.FrameRate {
		p.FrameRate = &n.FrameRate
	}
	if !slices.Equal(o.ExtraArgs, n.ExtraArgs) {
		p.ExtraArgs = &n.ExtraArgs
	}
	if o.StartTimeout != n.StartTimeout {
		p.StartTimeout = &n.StartTimeout
	}
	if o.WatchdogTimeout != n.WatchdogTimeout {
		p.WatchdogTimeout = &n.WatchdogTimeout
	}
	if o.WatchdogBeforeFirstFrame != n.WatchdogBeforeFirstFrame {
		p.WatchdogBeforeFirstFrame = &n.WatchdogBeforeFirstFrame
	}
	if o.StreamIdleTimeout != n.StreamIdleTimeout {
		p.StreamIdleTimeout = &n.StreamIdleTimeout
	}
	if o.ForceKillTimeout != n.ForceKillTimeout {
		p.ForceKillTimeout = &n.ForceKillTimeout
	}
	if o.Backoff != n.Backoff {
		p.Backoff = &n.Backoff
	}
	if o.MaxBufferBytes != n.MaxBufferBytes {
		p.MaxBufferBytes = &n.MaxBufferBytes
	}
	if o.CircuitBreakerThreshold != n.CircuitBreakerThreshold {
		p.CircuitBreakerThreshold = &n.CircuitBreakerThreshold
	}
	if o.Transport != n.Transport {
		p.Transport = &n.Transport
	}
	if !slices.Equal(o.TransportFallback, n.TransportFallback) {
		p.TransportFallback = &n.TransportFallback
	}
	return p
}
