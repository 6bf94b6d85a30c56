package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

// ErrUnknownChannel is returned when a channel name is not configured.
var ErrUnknownChannel = errors.New("unknown channel")

var channelNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ChannelsFile is the YAML channel definition file.
//
//	defaults:
//	  frame_rate: 2
//	  watchdog_timeout: 10s
//	channels:
//	  - name: front-door
//	    input: rtsp://10.0.0.7:554/stream1
//	    transport: udp
//	  - name: lobby
//	    input: rtsp://10.0.0.8/live
//	    disabled: true
type ChannelsFile struct {
	Defaults Overrides     `yaml:"defaults,omitempty"`
	Channels []ChannelSpec `yaml:"channels"`
}

// ChannelSpec defines one channel.
type ChannelSpec struct {
	Name      string    `yaml:"name"`
	Input     string    `yaml:"input"`
	Disabled  bool      `yaml:"disabled,omitempty"`
	Overrides Overrides `yaml:",inline"`
}

// Overrides are optional per-channel settings. Unset fields keep the value
// from the command line.
type Overrides struct {
	FrameRate                *float64  `yaml:"frame_rate,omitempty"`
	Transport                *string   `yaml:"transport,omitempty"`
	TransportFallback        []string  `yaml:"transport_fallback,omitempty"`
	ExtraArgs                []string  `yaml:"extra_args,omitempty"`
	StartTimeout             *Duration `yaml:"start_timeout,omitempty"`
	WatchdogTimeout          *Duration `yaml:"watchdog_timeout,omitempty"`
	WatchdogBeforeFirstFrame *bool     `yaml:"watchdog_before_first_frame,omitempty"`
	StreamIdleTimeout        *Duration `yaml:"stream_idle_timeout,omitempty"`
	ForceKillTimeout         *Duration `yaml:"force_kill_timeout,omitempty"`
	BackoffMin               *Duration `yaml:"backoff_min,omitempty"`
	BackoffMax               *Duration `yaml:"backoff_max,omitempty"`
	BackoffJitter            *float64  `yaml:"backoff_jitter,omitempty"`
	MaxBufferBytes           *int      `yaml:"max_buffer_bytes,omitempty"`
	CircuitBreakerThreshold  *int      `yaml:"circuit_breaker_threshold,omitempty"`
}

// Apply returns opts with every set override applied.
func (o Overrides) Apply(opts supervisor.Options) supervisor.Options {
	if o.FrameRate != nil {
		opts.FrameRate = *o.FrameRate
	}
	if o.Transport != nil {
		opts.Transport = *o.Transport
	}
	if o.TransportFallback != nil {
		opts.TransportFallback = append([]string(nil), o.TransportFallback...)
	}
	if o.ExtraArgs != nil {
		opts.ExtraArgs = append([]string(nil), o.ExtraArgs...)
	}
	if o.StartTimeout != nil {
		opts.StartTimeout = o.StartTimeout.Duration
	}
	if o.WatchdogTimeout != nil {
		opts.WatchdogTimeout = o.WatchdogTimeout.Duration
	}
	if o.WatchdogBeforeFirstFrame != nil {
		opts.WatchdogBeforeFirstFrame = *o.WatchdogBeforeFirstFrame
	}
	if o.StreamIdleTimeout != nil {
		opts.StreamIdleTimeout = o.StreamIdleTimeout.Duration
	}
	if o.ForceKillTimeout != nil {
		opts.ForceKillTimeout = o.ForceKillTimeout.Duration
	}
	if o.BackoffMin != nil {
		opts.Backoff.MinDelay = o.BackoffMin.Duration
	}
	if o.BackoffMax != nil {
		opts.Backoff.MaxDelay = o.BackoffMax.Duration
	}
	if o.BackoffJitter != nil {
		opts.Backoff.JitterFactor = *o.BackoffJitter
	}
	if o.MaxBufferBytes != nil {
		opts.MaxBufferBytes = *o.MaxBufferBytes
	}
	if o.CircuitBreakerThreshold != nil {
		opts.CircuitBreakerThreshold = *o.CircuitBreakerThreshold
	}
	return opts
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// LoadChannels reads, parses and validates a channels file.
func LoadChannels(path string) (*ChannelsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading channels %s: %w", path, err)
	}
	file, err := ParseChannels(data)
	if err != nil {
		return nil, fmt.Errorf("channels %s: %w", path, err)
	}
	return file, nil
}

// ParseChannels parses and validates channels file content.
func ParseChannels(data []byte) (*ChannelsFile, error) {
	var file ChannelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks channel names, inputs and override values.
func (f *ChannelsFile) Validate() error {
	var errs []error

	if len(f.Channels) == 0 {
		errs = append(errs, ValidationError{Field: "channels", Message: "at least one channel is required"})
	}
	errs = append(errs, f.Defaults.validate("defaults")...)

	seen := make(map[string]bool, len(f.Channels))
	for i, ch := range f.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		if !channelNameRe.MatchString(ch.Name) {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("invalid channel name %q", ch.Name),
			})
		}
		if seen[ch.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate channel %q", ch.Name),
			})
		}
		seen[ch.Name] = true

		if err := validateInput(ch.Input); err != nil {
			errs = append(errs, ValidationError{Field: field + ".input", Message: err.Error()})
		}
		errs = append(errs, ch.Overrides.validate(field)...)
	}

	return errors.Join(errs...)
}

func (o Overrides) validate(prefix string) []error {
	var errs []error
	if o.Transport != nil && !validTransports[*o.Transport] {
		errs = append(errs, ValidationError{
			Field:   prefix + ".transport",
			Message: fmt.Sprintf("unknown transport %q", *o.Transport),
		})
	}
	for _, t := range o.TransportFallback {
		if !validTransports[t] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".transport_fallback",
				Message: fmt.Sprintf("unknown transport %q", t),
			})
		}
	}
	if o.FrameRate != nil && *o.FrameRate < 0 {
		errs = append(errs, ValidationError{Field: prefix + ".frame_rate", Message: "must not be negative"})
	}
	if o.BackoffJitter != nil && (*o.BackoffJitter < 0 || *o.BackoffJitter > 1) {
		errs = append(errs, ValidationError{Field: prefix + ".backoff_jitter", Message: "must be between 0 and 1"})
	}
	if o.CircuitBreakerThreshold != nil && *o.CircuitBreakerThreshold < 0 {
		errs = append(errs, ValidationError{Field: prefix + ".circuit_breaker_threshold", Message: "must not be negative"})
	}
	return errs
}

// Names returns the names of all enabled channels, in file order.
func (f *ChannelsFile) Names() []string {
	names := make([]string, 0, len(f.Channels))
	for _, ch := range f.Channels {
		if !ch.Disabled {
			names = append(names, ch.Name)
		}
	}
	return names
}

// Lookup returns the named channel.
func (f *ChannelsFile) Lookup(name string) (ChannelSpec, error) {
	for _, ch := range f.Channels {
		if ch.Name == name {
			return ch, nil
		}
	}
	return ChannelSpec{}, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}
