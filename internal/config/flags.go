package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// stringList is a custom flag type for repeatable flags.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ", ")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// splitList flattens comma separated entries, dropping empty ones.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// ParseFlags parses the process command line and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs parses args and returns a Config. Usage output goes to out.
func ParseArgs(args []string, out io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	var fallback, extra stringList

	fs := flag.NewFlagSet("go-ffmpeg-videosource", flag.ContinueOnError)
	fs.SetOutput(out)

	// Custom usage message
	fs.Usage = func() {
		fmt.Fprintf(out, `go-ffmpeg-videosource - supervised FFmpeg video ingestion

Usage:
  go-ffmpeg-videosource [flags] <INPUT>
  go-ffmpeg-videosource [flags] -channels channels.yaml

Channels:
`)
		// Print flags by category
		printFlagCategory(fs, out, []string{"input", "channel", "channels", "watch"})

		fmt.Fprintf(out, "\nOrchestration:\n")
		printFlagCategory(fs, out, []string{"start-rate", "start-jitter", "seed", "duration", "breaker-cooldown", "frame-buffer"})

		fmt.Fprintf(out, "\nFFmpeg:\n")
		printFlagCategory(fs, out, []string{"ffmpeg", "ffmpeg-loglevel", "rtsp-timeout", "fps", "transport", "transport-fallback", "extra-arg"})

		fmt.Fprintf(out, "\nSupervision:\n")
		printFlagCategory(fs, out, []string{"start-timeout", "watchdog-timeout", "watchdog-before-first-frame", "idle-timeout", "kill-timeout", "max-buffer", "breaker-threshold"})

		fmt.Fprintf(out, "\nRestart Policy:\n")
		printFlagCategory(fs, out, []string{"backoff-min", "backoff-max", "backoff-jitter"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "metrics-dump", "v", "log-format", "log-level", "stderr-rate"})

		fmt.Fprintf(out, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, out, []string{"print-cmd", "probe", "check", "skip-preflight"})

		fmt.Fprintf(out, "\nDashboard:\n")
		printFlagCategory(fs, out, []string{"tui"})

		fmt.Fprintf(out, `
Flag Convention:
  Single-dash flags (-fps, -transport) are normal options.
  Double-dash flags (--check, --print-cmd) are diagnostic modes.

Examples:
  # One RTSP camera at 2 frames per second
  go-ffmpeg-videosource -fps 2 rtsp://10.0.0.7:554/stream1

  # Many cameras from a file, reloaded on change
  go-ffmpeg-videosource -channels /etc/videosource/channels.yaml -watch

  # Show the FFmpeg command for a channel
  go-ffmpeg-videosource --print-cmd -transport udp rtsp://10.0.0.7/live

`)
	}

	// Channels
	fs.StringVar(&cfg.Input, "input", cfg.Input, "Single input URL or path (alternative to the positional argument)")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "Channel name for -input")
	fs.StringVar(&cfg.ChannelsFile, "channels", cfg.ChannelsFile, "YAML channels file")
	fs.BoolVar(&cfg.WatchChannels, "watch", cfg.WatchChannels, "Reload the channels file when it changes")

	// Orchestration
	fs.IntVar(&cfg.StartRate, "start-rate", cfg.StartRate, "Channels to start per second")
	fs.DurationVar(&cfg.StartJitter, "start-jitter", cfg.StartJitter, "Random jitter per channel start")
	fs.Int64Var(&cfg.JitterSeed, "seed", cfg.JitterSeed, "Seed for start and backoff jitter (0 = time based)")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Run duration (0 = forever)")
	fs.DurationVar(&cfg.BreakerCooldown, "breaker-cooldown", cfg.BreakerCooldown, "Reset a tripped breaker and restart after this long (0 = manual)")
	fs.IntVar(&cfg.FrameBuffer, "frame-buffer", cfg.FrameBuffer, "Frames queued per subscriber before dropping")

	// FFmpeg
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "Path to FFmpeg binary")
	fs.StringVar(&cfg.FFmpegLogLevel, "ffmpeg-loglevel", cfg.FFmpegLogLevel, `FFmpeg -loglevel ("warning" or more verbose)`)
	fs.DurationVar(&cfg.RTSPTimeout, "rtsp-timeout", cfg.RTSPTimeout, "FFmpeg RTSP socket timeout")
	fs.Float64Var(&cfg.FrameRate, "fps", cfg.FrameRate, "Output frame rate (0 = source rate)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, `Initial RTSP transport: "tcp", "udp", "udp_multicast", "http", "https"`)
	fs.Var(&fallback, "transport-fallback", "RTSP transport fallback order (comma separated, can repeat)")
	fs.Var(&extra, "extra-arg", "Extra FFmpeg output argument (can repeat)")

	// Supervision
	fs.DurationVar(&cfg.StartTimeout, "start-timeout", cfg.StartTimeout, "Max wait for the first frame (0 = disabled)")
	fs.DurationVar(&cfg.WatchdogTimeout, "watchdog-timeout", cfg.WatchdogTimeout, "Max gap between frames (0 = disabled)")
	fs.BoolVar(&cfg.WatchdogBeforeFirstFrame, "watchdog-before-first-frame", cfg.WatchdogBeforeFirstFrame, "Arm the watchdog before the first frame")
	fs.DurationVar(&cfg.StreamIdleTimeout, "idle-timeout", cfg.StreamIdleTimeout, "Max idle time while streaming (0 = disabled)")
	fs.DurationVar(&cfg.ForceKillTimeout, "kill-timeout", cfg.ForceKillTimeout, "Grace between SIGTERM and SIGKILL")
	fs.IntVar(&cfg.MaxBufferBytes, "max-buffer", cfg.MaxBufferBytes, "Max buffered stdout bytes without a frame (0 = unlimited)")
	fs.IntVar(&cfg.CircuitBreakerThreshold, "breaker-threshold", cfg.CircuitBreakerThreshold, "Consecutive failures that stop a channel (0 = disabled)")

	// Restart policy
	fs.DurationVar(&cfg.BackoffMin, "backoff-min", cfg.BackoffMin, "Initial restart delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Max restart delay")
	fs.Float64Var(&cfg.BackoffJitter, "backoff-jitter", cfg.BackoffJitter, "Restart delay jitter factor (0-1)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics and control address (empty = disabled)")
	fs.StringVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Write final metrics in text format to this file on exit")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.Float64Var(&cfg.StderrRate, "stderr-rate", cfg.StderrRate, "FFmpeg stderr lines per second per channel written to the log (-1 = unlimited)")

	// Safety & Diagnostics (double-dash convention)
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print FFmpeg command per channel and exit")
	fs.BoolVar(&cfg.Probe, "probe", cfg.Probe, "Probe each channel's input with ffprobe and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config and run for 10 seconds")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Dashboard
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.TransportFallback = splitList(fallback)
	cfg.ExtraArgs = extra

	// Positional argument: input
	if rest := fs.Args(); len(rest) >= 1 {
		if cfg.Input != "" && cfg.Input != rest[0] {
			return nil, fmt.Errorf("input given twice: -input %q and %q", cfg.Input, rest[0])
		}
		cfg.Input = rest[0]
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
			fmt.Fprintf(out, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(out)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	if g, ok := f.Value.(flag.Getter); ok {
		switch g.Get().(type) {
		case bool:
			return ""
		case time.Duration:
			return "duration"
		case string:
			return "string"
		case int, int64:
			return "int"
		case float64:
			return "float"
		}
	}

	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}
	return "string"
}
