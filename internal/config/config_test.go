package config

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

func TestStringList_String(t *testing.T) {
	testCases := []struct {
		input    stringList
		expected string
	}{
		{stringList{}, ""},
		{stringList{"tcp"}, "tcp"},
		{stringList{"tcp", "udp"}, "tcp, udp"},
	}

	for _, tc := range testCases {
		if result := tc.input.String(); result != tc.expected {
			t.Errorf("String() = %q, want %q", result, tc.expected)
		}
	}
}

func TestStringList_Set(t *testing.T) {
	var s stringList

	// Values are kept verbatim, commas included
	for _, v := range []string{"-vf", "scale=640:-1,format=rgb24", ""} {
		if err := s.Set(v); err != nil {
			t.Fatalf("Set(%q) returned error: %v", v, err)
		}
	}
	if len(s) != 3 || s[1] != "scale=640:-1,format=rgb24" {
		t.Errorf("stringList = %q", s)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"udp", "tcp, http,", ""})
	if strings.Join(got, "|") != "udp|tcp|http" {
		t.Errorf("splitList = %q", got)
	}
	if splitList(nil) != nil {
		t.Error("splitList(nil) should be nil")
	}
}

func TestFlagType(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Bool("b", false, "")
	fs.Int("i", 5, "")
	fs.Int64("i64", 0, "")
	fs.Float64("f", 1.5, "")
	fs.Duration("d", 5*time.Second, "")
	fs.String("s", "ffmpeg", "")
	fs.String("empty", "", "")
	fs.Var(&stringList{}, "list", "")

	testCases := []struct {
		name     string
		expected string
	}{
		{"b", ""},
		{"i", "int"},
		{"i64", "int"},
		{"f", "float"},
		{"d", "duration"},
		{"s", "string"},
		{"empty", "string"},
		{"list", "string"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := flagType(fs.Lookup(tc.name)); got != tc.expected {
				t.Errorf("flagType(%s) = %q, want %q", tc.name, got, tc.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Channel != "default" {
		t.Errorf("Channel = %q, want default", cfg.Channel)
	}
	if cfg.FFmpegPath != "ffmpeg" {
		t.Errorf("FFmpegPath = %q, want ffmpeg", cfg.FFmpegPath)
	}
	if cfg.StartRate != 5 {
		t.Errorf("StartRate = %d, want 5", cfg.StartRate)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Errorf("LogFormat/LogLevel = %q/%q", cfg.LogFormat, cfg.LogLevel)
	}

	opts := supervisor.DefaultOptions()
	if cfg.BackoffMin != opts.Backoff.MinDelay || cfg.BackoffMax != opts.Backoff.MaxDelay {
		t.Errorf("backoff = %v..%v, want supervisor defaults", cfg.BackoffMin, cfg.BackoffMax)
	}
	if cfg.CircuitBreakerThreshold != opts.CircuitBreakerThreshold {
		t.Errorf("CircuitBreakerThreshold = %d", cfg.CircuitBreakerThreshold)
	}
	if cfg.Transport != "tcp" {
		t.Errorf("Transport = %q, want tcp", cfg.Transport)
	}

	// Defaults plus an input must be valid
	cfg.Input = "rtsp://10.0.0.7/stream1"
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate(defaults) = %v", err)
	}
}

func TestParseArgs(t *testing.T) {
	var out bytes.Buffer
	cfg, err := ParseArgs([]string{
		"-fps", "2.5",
		"-transport", "udp",
		"-transport-fallback", "udp,tcp",
		"-transport-fallback", "http",
		"-extra-arg", "-pix_fmt", "-extra-arg", "rgb24",
		"-breaker-threshold", "0",
		"-backoff-min", "250ms",
		"-channel", "front-door",
		"--check",
		"rtsp://10.0.0.7/stream1",
	}, &out)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}

	if cfg.Input != "rtsp://10.0.0.7/stream1" {
		t.Errorf("Input = %q", cfg.Input)
	}
	if cfg.FrameRate != 2.5 {
		t.Errorf("FrameRate = %v", cfg.FrameRate)
	}
	if cfg.Transport != "udp" {
		t.Errorf("Transport = %q", cfg.Transport)
	}
	if strings.Join(cfg.TransportFallback, ",") != "udp,tcp,http" {
		t.Errorf("TransportFallback = %v", cfg.TransportFallback)
	}
	if strings.Join(cfg.ExtraArgs, " ") != "-pix_fmt rgb24" {
		t.Errorf("ExtraArgs = %v", cfg.ExtraArgs)
	}
	if cfg.CircuitBreakerThreshold != 0 {
		t.Errorf("CircuitBreakerThreshold = %d", cfg.CircuitBreakerThreshold)
	}
	if cfg.BackoffMin != 250*time.Millisecond {
		t.Errorf("BackoffMin = %v", cfg.BackoffMin)
	}
	if cfg.Channel != "front-door" || !cfg.Check {
		t.Errorf("Channel/Check = %q/%v", cfg.Channel, cfg.Check)
	}
}

func TestParseArgs_InputTwice(t *testing.T) {
	var out bytes.Buffer
	_, err := ParseArgs([]string{"-input", "rtsp://a/1", "rtsp://b/2"}, &out)
	if err == nil {
		t.Fatal("expected error for two different inputs")
	}

	// Same value twice is harmless
	cfg, err := ParseArgs([]string{"-input", "rtsp://a/1", "rtsp://a/1"}, &out)
	if err != nil || cfg.Input != "rtsp://a/1" {
		t.Errorf("ParseArgs = %v, %v", cfg, err)
	}
}

func TestParseArgs_UnknownFlag(t *testing.T) {
	var out bytes.Buffer
	if _, err := ParseArgs([]string{"-no-such-flag"}, &out); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestParseArgs_Usage(t *testing.T) {
	var out bytes.Buffer
	_, err := ParseArgs([]string{"-h"}, &out)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err = %v, want flag.ErrHelp", err)
	}

	usage := out.String()
	for _, want := range []string{
		"Channels:",
		"Supervision:",
		"-breaker-threshold int",
		"-watchdog-timeout duration",
		"-fps float",
		"-probe",
		"(default 5)",
	} {
		if !strings.Contains(usage, want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Input = "rtsp://10.0.0.7:554/stream1"
	return cfg
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
		field  string // expected failing field, "" = valid
	}{
		{"valid", func(c *Config) {}, ""},
		{"file path input", func(c *Config) { c.Input = "/var/video/sample.mp4" }, ""},
		{"file URL input", func(c *Config) { c.Input = "file:///var/video/sample.mp4" }, ""},
		{"channels file only", func(c *Config) { c.Input = ""; c.ChannelsFile = "channels.yaml"; c.WatchChannels = true }, ""},
		{"no input", func(c *Config) { c.Input = "" }, "input"},
		{"input and channels", func(c *Config) { c.ChannelsFile = "channels.yaml" }, "input"},
		{"bad scheme", func(c *Config) { c.Input = "gopher://host/x" }, "input"},
		{"missing host", func(c *Config) { c.Input = "rtsp:///stream" }, "input"},
		{"bad channel name", func(c *Config) { c.Channel = "-bad name" }, "channel"},
		{"watch without file", func(c *Config) { c.WatchChannels = true }, "watch"},
		{"start rate", func(c *Config) { c.StartRate = 0 }, "start_rate"},
		{"start jitter", func(c *Config) { c.StartJitter = -time.Second }, "start_jitter"},
		{"frame buffer", func(c *Config) { c.FrameBuffer = 0 }, "frame_buffer"},
		{"breaker cooldown", func(c *Config) { c.BreakerCooldown = -time.Second }, "breaker_cooldown"},
		{"ffmpeg path", func(c *Config) { c.FFmpegPath = "" }, "ffmpeg_path"},
		{"ffmpeg quiet", func(c *Config) { c.FFmpegLogLevel = "error" }, "ffmpeg_log_level"},
		{"frame rate", func(c *Config) { c.FrameRate = -1 }, "frame_rate"},
		{"transport", func(c *Config) { c.Transport = "sctp" }, "transport"},
		{"fallback", func(c *Config) { c.TransportFallback = []string{"udp", "quic"} }, "transport_fallback"},
		{"watchdog", func(c *Config) { c.WatchdogTimeout = -time.Second }, "watchdog_timeout"},
		{"kill timeout", func(c *Config) { c.ForceKillTimeout = 0 }, "force_kill_timeout"},
		{"max buffer", func(c *Config) { c.MaxBufferBytes = -1 }, "max_buffer_bytes"},
		{"breaker threshold", func(c *Config) { c.CircuitBreakerThreshold = -1 }, "circuit_breaker_threshold"},
		{"backoff order", func(c *Config) { c.BackoffMax = c.BackoffMin - 1 }, "backoff_max"},
		{"backoff jitter", func(c *Config) { c.BackoffJitter = 1.5 }, "backoff_jitter"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"tui with print-cmd", func(c *Config) { c.TUIEnabled = true; c.PrintCmd = true }, "tui"},
		{"tui with probe", func(c *Config) { c.TUIEnabled = true; c.Probe = true }, "tui"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(cfg)
			err := Validate(cfg)

			if tc.field == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error on %s", tc.field)
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %v is not a ValidationError", err)
			}
			if !strings.Contains(err.Error(), tc.field+":") {
				t.Errorf("error %q does not mention %s", err, tc.field)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.StartRate = 0
	cfg.LogFormat = "xml"
	cfg.Transport = "sctp"

	err := Validate(cfg)
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		t.Fatalf("expected joined error, got %T", err)
	}
	if n := len(joined.Unwrap()); n != 3 {
		t.Errorf("got %d errors, want 3: %v", n, err)
	}
}

func TestApplyCheckMode(t *testing.T) {
	cfg := validConfig()
	cfg.TUIEnabled = true
	ApplyCheckMode(cfg)

	if cfg.Duration != 10*time.Second || !cfg.Verbose || cfg.TUIEnabled {
		t.Errorf("ApplyCheckMode: duration=%v verbose=%v tui=%v", cfg.Duration, cfg.Verbose, cfg.TUIEnabled)
	}
}

// =============================================================================
// Channels file
// =============================================================================

const channelsYAML = `
defaults:
  frame_rate: 2
  watchdog_timeout: 20s
channels:
  - name: front-door
    input: rtsp://10.0.0.7:554/stream1
    transport: udp
    transport_fallback: [udp, tcp]
    backoff_min: 500ms
  - name: lobby
    input: rtsp://10.0.0.8/live
    frame_rate: 0.5
    circuit_breaker_threshold: 0
  - name: archive
    input: /var/video/sample.mp4
    disabled: true
`

func TestParseChannels(t *testing.T) {
	file, err := ParseChannels([]byte(channelsYAML))
	if err != nil {
		t.Fatalf("ParseChannels: %v", err)
	}

	if len(file.Channels) != 3 {
		t.Fatalf("len(Channels) = %d, want 3", len(file.Channels))
	}
	if got := strings.Join(file.Names(), ","); got != "front-door,lobby" {
		t.Errorf("Names() = %q", got)
	}
	if file.Defaults.WatchdogTimeout == nil || file.Defaults.WatchdogTimeout.Duration != 20*time.Second {
		t.Errorf("defaults watchdog = %v", file.Defaults.WatchdogTimeout)
	}

	ch, err := file.Lookup("front-door")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ch.Overrides.Transport == nil || *ch.Overrides.Transport != "udp" {
		t.Errorf("transport override = %v", ch.Overrides.Transport)
	}
	if ch.Overrides.BackoffMin == nil || ch.Overrides.BackoffMin.Duration != 500*time.Millisecond {
		t.Errorf("backoff_min override = %v", ch.Overrides.BackoffMin)
	}

	if _, err := file.Lookup("garage"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Lookup(garage) = %v, want ErrUnknownChannel", err)
	}
}

func TestParseChannels_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		want string
	}{
		{"syntax", "channels: [", "parsing"},
		{"empty", "channels: []", "at least one channel"},
		{"bad duration", "channels:\n  - name: a\n    input: /x\n    watchdog_timeout: soon\n", "invalid duration"},
		{"bad name", "channels:\n  - name: 'a b'\n    input: /x\n", "invalid channel name"},
		{"duplicate", "channels:\n  - name: a\n    input: /x\n  - name: a\n    input: /y\n", "duplicate channel"},
		{"missing input", "channels:\n  - name: a\n", "channels[0].input"},
		{"bad transport", "channels:\n  - name: a\n    input: /x\n    transport: sctp\n", "unknown transport"},
		{"bad default jitter", "defaults:\n  backoff_jitter: 2\nchannels:\n  - name: a\n    input: /x\n", "defaults.backoff_jitter"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseChannels([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestLoadChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(channelsYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	file, err := LoadChannels(path)
	if err != nil {
		t.Fatalf("LoadChannels: %v", err)
	}
	if len(file.Names()) != 2 {
		t.Errorf("Names() = %v", file.Names())
	}

	_, err = LoadChannels(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadChannels(missing) = %v, want ErrNotExist", err)
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	v, err := Duration{90 * time.Second}.MarshalYAML()
	if err != nil || v != "1m30s" {
		t.Errorf("MarshalYAML = %v, %v", v, err)
	}
}

func TestChannelOptions_SingleInput(t *testing.T) {
	cfg := validConfig()
	cfg.Channel = "cam"
	cfg.TransportFallback = []string{"udp"}

	opts := cfg.ChannelOptions(nil)
	if len(opts) != 1 {
		t.Fatalf("len = %d, want 1", len(opts))
	}
	o := opts[0]
	if o.Channel != "cam" || o.Input != cfg.Input {
		t.Errorf("Channel/Input = %q/%q", o.Channel, o.Input)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("resolved options invalid: %v", err)
	}

	// The resolved options must not alias config slices
	cfg.TransportFallback[0] = "http"
	if o.TransportFallback[0] != "udp" {
		t.Error("ChannelOptions aliases TransportFallback")
	}
}

func TestChannelOptions_Overrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChannelsFile = "channels.yaml"
	cfg.FrameRate = 1
	cfg.WatchdogTimeout = 10 * time.Second

	file, err := ParseChannels([]byte(channelsYAML))
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.ChannelOptions(file)
	if len(opts) != 2 {
		t.Fatalf("len = %d, want 2 (disabled channel skipped)", len(opts))
	}

	front, lobby := opts[0], opts[1]

	// Defaults block beats flags, channel beats defaults
	if front.FrameRate != 2 || lobby.FrameRate != 0.5 {
		t.Errorf("FrameRate = %v/%v, want 2/0.5", front.FrameRate, lobby.FrameRate)
	}
	if front.WatchdogTimeout != 20*time.Second || lobby.WatchdogTimeout != 20*time.Second {
		t.Errorf("WatchdogTimeout = %v/%v", front.WatchdogTimeout, lobby.WatchdogTimeout)
	}
	if front.Transport != "udp" || lobby.Transport != cfg.Transport {
		t.Errorf("Transport = %q/%q", front.Transport, lobby.Transport)
	}
	if front.Backoff.MinDelay != 500*time.Millisecond || front.Backoff.MaxDelay != cfg.BackoffMax {
		t.Errorf("front backoff = %+v", front.Backoff)
	}
	if lobby.CircuitBreakerThreshold != 0 || front.CircuitBreakerThreshold != cfg.CircuitBreakerThreshold {
		t.Errorf("breaker = %d/%d", front.CircuitBreakerThreshold, lobby.CircuitBreakerThreshold)
	}
	for _, o := range opts {
		if err := o.Validate(); err != nil {
			t.Errorf("%s: %v", o.Channel, err)
		}
	}
}

// =============================================================================
// Watcher
// =============================================================================

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.yaml")
	if err := os.WriteFile(path, []byte(channelsYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var loaded []*ChannelsFile
	w := NewWatcher(path, logging.NewLoggerWithWriter(nil, "text", "debug"), func(f *ChannelsFile) {
		mu.Lock()
		loaded = append(loaded, f)
		mu.Unlock()
	})
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(loaded)
	}

	// Invalid content is ignored. Unrelated files in the directory too.
	writeUntil := func(name, content string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			time.Sleep(100 * time.Millisecond)
			if cond() {
				return
			}
		}
		t.Fatal("condition not met")
	}

	if err := os.WriteFile(path, []byte("channels: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if n := count(); n != 0 {
		t.Fatalf("reloaded %d times on invalid content", n)
	}

	updated := "channels:\n  - name: garage\n    input: rtsp://10.0.0.9/live\n"
	writeUntil(path, updated, func() bool { return count() > 0 })

	mu.Lock()
	last := loaded[len(loaded)-1]
	mu.Unlock()
	if got := strings.Join(last.Names(), ","); got != "garage" {
		t.Errorf("reloaded channels = %q, want garage", got)
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope", "channels.yaml"), nil, nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error watching a missing directory")
	}
}
