package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/framebus"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/preflight"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/tui"
)

const (
	// sampleInterval is how often non-event gauges are refreshed.
	sampleInterval = time.Second

	// shutdownTimeout bounds the graceful stop of all channels.
	shutdownTimeout = 10 * time.Second
)

// Orchestrator coordinates all components of the video source daemon.
type Orchestrator struct {
	config   *config.Config
	logger   *slog.Logger
	channels *config.ChannelsFile // nil in single-input mode
	out      io.Writer

	factory       process.Factory
	manager       *ChannelManager
	scheduler     *StartScheduler
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	bus           *framebus.Bus

	// startMu serializes staggered starts from Run and reloads.
	startMu sync.Mutex

	startTime time.Time
}

// New creates a new Orchestrator with the given configuration. The channels
// file, if any, is loaded and validated here.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	return newOrchestrator(cfg, logger, process.NewFFmpegFactory(FFmpegConfig(cfg)))
}

func newOrchestrator(cfg *config.Config, logger *slog.Logger, factory process.Factory) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var file *config.ChannelsFile
	if cfg.ChannelsFile != "" {
		f, err := config.LoadChannels(cfg.ChannelsFile)
		if err != nil {
			return nil, err
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("channels file %s: %w", cfg.ChannelsFile, err)
		}
		file = f
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollectorWithRegistry(registry)
	bus := framebus.New()

	orch := &Orchestrator{
		config:    cfg,
		logger:    logger,
		channels:  file,
		out:       os.Stdout,
		factory:   factory,
		scheduler: NewStartScheduler(cfg.StartRate, cfg.StartJitter, cfg.JitterSeed),
		registry:  registry,
		metrics:   collector,
		bus:       bus,
	}

	jitter := supervisor.NewJitterSourceFromTime()
	if cfg.JitterSeed != 0 {
		jitter = supervisor.NewJitterSource(cfg.JitterSeed)
	}

	orch.manager = NewChannelManager(ManagerConfig{
		Factory:   factory,
		Logger:    logger,
		Collector: collector,
		Bus:       bus,
		Jitter:    jitter,
		Stderr: logging.StderrConfig{
			Verbose: cfg.Verbose,
			Rate:    cfg.StderrRate,
		},
		FrameBuffer:     cfg.FrameBuffer,
		BreakerCooldown: cfg.BreakerCooldown,
		Callbacks: ManagerCallbacks{
			OnChannelStateChange: orch.onStateChange,
		},
	})

	if cfg.MetricsAddr != "" {
		orch.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, orch.manager, logger)
	}

	return orch, nil
}

// FFmpegConfig maps the daemon configuration to the process factory's.
func FFmpegConfig(cfg *config.Config) *process.FFmpegConfig {
	return &process.FFmpegConfig{
		BinaryPath:  cfg.FFmpegPath,
		LogLevel:    cfg.FFmpegLogLevel,
		RTSPTimeout: cfg.RTSPTimeout,
	}
}

// Run starts every channel and blocks until a signal, the configured
// duration, the TUI quitting, or ctx cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()
	desired := o.config.ChannelOptions(o.channels)

	// Run preflight checks
	if !o.config.SkipPreflight {
		result := preflight.RunAll(len(desired), o.config.FFmpegPath)
		if !o.config.TUIEnabled {
			preflight.PrintResults(o.out, result)
		}
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	// Start metrics server
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var errs []error
	names := make([]string, 0, len(desired))
	for _, opts := range desired {
		if err := o.manager.Add(opts); err != nil {
			errs = append(errs, err)
			continue
		}
		names = append(names, opts.Channel)
	}
	if len(names) == 0 {
		o.shutdown()
		return errors.Join(append(errs, errors.New("no channels to run"))...)
	}
	for _, err := range errs {
		o.logger.Error("channel_add_failed", "error", err)
	}

	o.logger.Info("start_beginning",
		"channels", len(names),
		"rate", o.scheduler.Rate(),
		"estimated_duration", o.scheduler.EstimatedDuration(len(names)).String(),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.startChannels(ctx, names)
	}()
	go func() {
		defer wg.Done()
		o.sampleLoop(ctx)
	}()

	if o.config.WatchChannels && o.config.ChannelsFile != "" {
		watcher := config.NewWatcher(o.config.ChannelsFile, o.logger, func(f *config.ChannelsFile) {
			o.reload(ctx, f)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("channels_watch_failed", "error", err)
			}
		}()
	}

	var tuiDone chan error
	if o.config.TUIEnabled {
		tuiDone = make(chan error, 1)
		go func() {
			tuiDone <- o.runTUI(ctx)
		}()
	}

	// Setup duration timer if configured
	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		t := time.NewTimer(o.config.Duration)
		defer t.Stop()
		durationTimer = t.C
	}

	// Wait for completion signal
	select {
	case sig := <-sigCh:
		o.logger.Info("received_signal", "signal", sig.String())
	case <-durationTimer:
		o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
	case err := <-tuiDone:
		tuiDone = nil
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			o.logger.Error("tui_failed", "error", err)
		}
		o.logger.Info("tui_quit")
	case <-ctx.Done():
		o.logger.Info("context_cancelled")
	}

	// Stop starting, reloading and sampling before channels go away
	cancel()
	wg.Wait()
	if tuiDone != nil {
		<-tuiDone
	}

	o.shutdown()
	o.printExitSummary(o.out)

	return nil
}

// shutdown stops channels, the frame bus and the metrics server, then
// writes the metrics dump.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := o.manager.Shutdown(ctx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}
	o.manager.Sample()

	if err := o.bus.Close(); err != nil {
		o.logger.Warn("frame_bus_close_error", "error", err)
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}

	if o.config.MetricsDump != "" {
		if err := metrics.DumpFile(o.config.MetricsDump, o.registry); err != nil {
			o.logger.Error("metrics_dump_failed", "path", o.config.MetricsDump, "error", err)
		} else {
			o.logger.Info("metrics_dumped", "path", o.config.MetricsDump)
		}
	}
}

// startChannels starts channels at the configured rate.
func (o *Orchestrator) startChannels(ctx context.Context, names []string) {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	for i, name := range names {
		if err := o.scheduler.Wait(ctx, i, name); err != nil {
			o.logger.Info("start_cancelled", "started", i, "target", len(names))
			return
		}

		if err := o.manager.Start(name); err != nil {
			// Removed by a reload meanwhile
			o.logger.Debug("start_skipped", "channel", name, "error", err)
			continue
		}

		if (i+1)%10 == 0 || i == len(names)-1 {
			o.logger.Info("start_progress",
				"started", i+1,
				"target", len(names),
				"streaming", o.manager.ActiveCount(),
			)
		}
	}
}

// reload applies a changed channels file.
func (o *Orchestrator) reload(ctx context.Context, file *config.ChannelsFile) {
	desired := o.config.ChannelOptions(file)

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	res, err := o.manager.Reconcile(stopCtx, desired)
	if err != nil {
		o.logger.Error("channels_reload_incomplete", "error", err)
	}
	o.logger.Info("channels_reloaded",
		"added", res.Added,
		"updated", res.Updated,
		"removed", res.Removed,
	)

	if len(res.Added) > 0 {
		o.startChannels(ctx, res.Added)
	}
}

// sampleLoop refreshes polled gauges until ctx is done.
func (o *Orchestrator) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.manager.Sample()
		}
	}
}

// runTUI runs the dashboard until the user quits or ctx is done.
func (o *Orchestrator) runTUI(ctx context.Context) error {
	model := tui.New(tui.Config{
		Controller:  o.manager,
		MetricsAddr: o.config.MetricsAddr,
		Source:      o.sourceLabel(),
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (o *Orchestrator) sourceLabel() string {
	if o.channels != nil {
		return o.config.ChannelsFile
	}
	return o.config.Input
}

// Callback handlers

func (o *Orchestrator) onStateChange(channel string, oldState, newState supervisor.State) {
	if o.config.Verbose {
		o.logger.Debug("channel_state_changed",
			"channel", channel,
			"from", oldState.String(),
			"to", newState.String(),
			"streaming", o.manager.ActiveCount(),
		)
	}
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary(w io.Writer) {
	summary := o.metrics.GenerateSummary()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                   go-ffmpeg-videosource Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(time.Since(o.startTime)))
	fmt.Fprintf(w, "Channels:               %d\n", o.manager.Count())
	fmt.Fprintf(w, "Frames:                 %d\n", summary.TotalFrames)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Lifecycle:")
	fmt.Fprintf(w, "  Total Restarts:       %d\n", summary.TotalRestarts)
	fmt.Fprintf(w, "  Transport Changes:    %d\n", summary.TransportChanges)
	fmt.Fprintf(w, "  Breaker Trips:        %d\n", summary.TotalFatals)
	fmt.Fprintln(w)

	if summary.UptimeP50 > 0 || summary.UptimeP95 > 0 {
		fmt.Fprintln(w, "Process Uptime:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", formatDuration(summary.UptimeP50))
		fmt.Fprintf(w, "  P95:                  %s\n", formatDuration(summary.UptimeP95))
		fmt.Fprintf(w, "  P99:                  %s\n", formatDuration(summary.UptimeP99))
		fmt.Fprintln(w)
	}

	if summary.RestartDelayP50 > 0 {
		fmt.Fprintln(w, "Restart Delay:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", summary.RestartDelayP50.Round(time.Millisecond))
		fmt.Fprintf(w, "  P95:                  %s\n", summary.RestartDelayP95.Round(time.Millisecond))
		fmt.Fprintf(w, "  P99:                  %s\n", summary.RestartDelayP99.Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	if len(summary.RestartReasons) > 0 {
		fmt.Fprintln(w, "Restart Reasons:")
		for _, reason := range sortedReasons(summary.RestartReasons) {
			fmt.Fprintf(w, "  %-24s %d\n", reason.String(), summary.RestartReasons[reason])
		}
		fmt.Fprintln(w)
	}

	if infos := o.manager.Channels(); len(infos) > 0 {
		fmt.Fprintln(w, "Channels:")
		for _, ci := range infos {
			st := ci.Status
			last := "-"
			if st.LastFailure != nil {
				last = st.LastFailure.Reason.String()
			}
			fmt.Fprintf(w, "  %-20s %-15s frames=%-8d restarts=%-4d last=%s\n",
				st.Channel, st.State.String(), st.Frames, st.TotalRestarts, last)
		}
		fmt.Fprintln(w)
	}

	if o.config.MetricsAddr != "" {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", o.config.MetricsAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// sortedReasons orders reasons by count, most frequent first.
func sortedReasons(counts map[parser.Reason]int64) []parser.Reason {
	out := make([]parser.Reason, 0, len(counts))
	for r := range counts {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b parser.Reason) int {
		if counts[a] != counts[b] {
			if counts[a] > counts[b] {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a), string(b))
	})
	return out
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// PrintCommands writes the FFmpeg command line of every enabled channel.
func PrintCommands(w io.Writer, cfg *config.Config) error {
	file, err := loadChannelsFile(cfg)
	if err != nil {
		return err
	}

	factory := process.NewFFmpegFactory(FFmpegConfig(cfg))
	fmt.Fprintln(w, "# FFmpeg command that would be run for each channel:")
	for _, opts := range cfg.ChannelOptions(file) {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "# %s\n", opts.Channel)
		fmt.Fprintln(w, factory.CommandString(requestFor(opts)))
	}
	return nil
}

// inputProber inspects a channel input without starting it.
type inputProber interface {
	Probe(ctx context.Context, req process.Request) (process.InputInfo, error)
}

// ProbeInputs runs ffprobe against every enabled channel and writes one
// line per channel. It fails if any input could not be probed.
func ProbeInputs(ctx context.Context, w io.Writer, cfg *config.Config) error {
	return probeInputs(ctx, w, cfg, process.NewFFmpegFactory(FFmpegConfig(cfg)))
}

func probeInputs(ctx context.Context, w io.Writer, cfg *config.Config, prober inputProber) error {
	file, err := loadChannelsFile(cfg)
	if err != nil {
		return err
	}

	var failed int
	for _, opts := range cfg.ChannelOptions(file) {
		info, err := prober.Probe(ctx, requestFor(opts))
		if err != nil {
			failed++
			fmt.Fprintf(w, "  ✗ %-20s %v\n", opts.Channel, err)
			continue
		}
		fmt.Fprintf(w, "  ✓ %-20s %s\n", opts.Channel, info)
	}
	if failed > 0 {
		return fmt.Errorf("%d input(s) failed to probe", failed)
	}
	return nil
}

func loadChannelsFile(cfg *config.Config) (*config.ChannelsFile, error) {
	if cfg.ChannelsFile == "" {
		return nil, nil
	}
	f, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("channels file %s: %w", cfg.ChannelsFile, err)
	}
	return f, nil
}

// requestFor builds the spawn request for a channel's first attempt.
func requestFor(opts supervisor.Options) process.Request {
	req := process.Request{
		Input:     opts.Input,
		FrameRate: opts.FrameRate,
		ExtraArgs: opts.ExtraArgs,
	}
	if process.IsRTSP(opts.Input) {
		req.Transport = opts.Transport
	}
	return req
}

// Manager returns the channel manager for external access.
func (o *Orchestrator) Manager() *ChannelManager {
	return o.manager
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Bus returns the frame bus for external access.
func (o *Orchestrator) Bus() *framebus.Bus {
	return o.bus
}

// Registry returns the Prometheus registry backing /metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
