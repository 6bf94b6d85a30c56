// Package main provides the go-ffmpeg-videosource CLI entry point.
//
// go-ffmpeg-videosource keeps FFmpeg video sources (RTSP cameras, files,
// HTTP streams) running as a stream of PNG frames, restarting them with
// backoff, falling back across RTSP transports, and stopping channels that
// keep failing behind a circuit breaker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-ffmpeg-videosource
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-ffmpeg-videosource %s\n", version)
			return 0
		}
	}
	metrics.Version = version

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
		logger.Info("check_mode_enabled", "duration", cfg.Duration)
	}

	if cfg.PrintCmd {
		if err := orchestrator.PrintCommands(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if cfg.Probe {
		fmt.Println("Probing inputs:")
		if err := orchestrator.ProbeInputs(context.Background(), os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	logger.Info("starting",
		"version", version,
		"input", cfg.Input,
		"channels_file", cfg.ChannelsFile,
		"start_rate", cfg.StartRate,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		if cfg.TUIEnabled {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     go-ffmpeg-videosource                         ║")
	fmt.Println("║        Supervised FFmpeg Video Sources as PNG Frame Streams       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	if cfg.ChannelsFile != "" {
		fmt.Printf("  Channels:    %s", cfg.ChannelsFile)
		if cfg.WatchChannels {
			fmt.Print(" (watching)")
		}
		fmt.Println()
	} else {
		fmt.Printf("  Input:       %s (%s)\n", cfg.Input, cfg.Channel)
	}
	fmt.Printf("  Start rate:  %d/sec\n", cfg.StartRate)
	if cfg.CircuitBreakerThreshold > 0 {
		fmt.Printf("  Breaker:     %d consecutive failures", cfg.CircuitBreakerThreshold)
		if cfg.BreakerCooldown > 0 {
			fmt.Printf(", auto reset after %s", cfg.BreakerCooldown)
		}
		fmt.Println()
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
		fmt.Printf("  Channels:    http://%s/channels\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
