package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/framebus"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

const (
	// recentStderrLines is the number of stderr lines reported per channel.
	recentStderrLines = 20

	// defaultFrameBuffer is the per-subscriber queue when none is set.
	defaultFrameBuffer = 8
)

// ChannelManager coordinates one supervisor per channel.
// It handles adding, starting and removing channels, automatic circuit
// breaker resets, and coordinated shutdown. It implements metrics.Controller.
type ChannelManager struct {
	factory   process.Factory
	logger    *slog.Logger
	collector *metrics.Collector
	bus       *framebus.Bus
	jitter    *supervisor.JitterSource
	stderrCfg logging.StderrConfig

	// Frames queued per stream subscriber before dropping
	frameBuffer int

	// Automatic breaker reset delay (0 = manual reset only)
	cooldown time.Duration

	// Supervisors run under baseCtx until Shutdown
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.RWMutex
	channels map[string]*managedChannel
	order    []string

	wg sync.WaitGroup

	callbacks ManagerCallbacks

	// Counters
	activeCount atomic.Int64
	fatalCount  atomic.Int64
}

// managedChannel is one supervised channel.
type managedChannel struct {
	name   string
	sup    *supervisor.Supervisor
	stderr *logging.StderrHandler
	cancel context.CancelFunc

	// opts is the last applied configuration, guarded by ChannelManager.mu.
	opts supervisor.Options

	cooldownMu sync.Mutex
	cooldown   *time.Timer
}

// ManagerCallbacks contains optional callbacks for manager events.
type ManagerCallbacks struct {
	// OnChannelStateChange is called when any channel changes state.
	OnChannelStateChange func(channel string, oldState, newState supervisor.State)

	// OnChannelFatal is called when a channel's circuit breaker trips.
	OnChannelFatal func(fc supervisor.FatalContext)
}

// ManagerConfig holds configuration for the ChannelManager.
type ManagerConfig struct {
	Factory process.Factory
	Logger  *slog.Logger

	// Collector and Bus are optional.
	Collector *metrics.Collector
	Bus       *framebus.Bus

	// Jitter seeds per-channel backoff. Defaults to a time-seeded source.
	Jitter *supervisor.JitterSource

	Stderr          logging.StderrConfig
	FrameBuffer     int
	BreakerCooldown time.Duration
	Callbacks       ManagerCallbacks
}

// ReconcileResult lists the channels changed by Reconcile.
type ReconcileResult struct {
	Added   []string
	Updated []string
	Removed []string
}

// NewChannelManager creates a new ChannelManager.
func NewChannelManager(cfg ManagerConfig) *ChannelManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	jitter := cfg.Jitter
	if jitter == nil {
		jitter = supervisor.NewJitterSourceFromTime()
	}
	frameBuffer := cfg.FrameBuffer
	if frameBuffer <= 0 {
		frameBuffer = defaultFrameBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelManager{
		factory:     cfg.Factory,
		logger:      logger,
		collector:   cfg.Collector,
		bus:         cfg.Bus,
		jitter:      jitter,
		stderrCfg:   cfg.Stderr,
		frameBuffer: frameBuffer,
		cooldown:    cfg.BreakerCooldown,
		baseCtx:     ctx,
		baseCancel:  cancel,
		channels:    make(map[string]*managedChannel),
		callbacks:   cfg.Callbacks,
	}
}

// Add creates a supervisor for opts and runs its event loop. The channel
// stays idle until Start.
func (m *ChannelManager) Add(opts supervisor.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.baseCtx.Err() != nil {
		return errors.New("channel manager is shut down")
	}
	if _, ok := m.channels[opts.Channel]; ok {
		return fmt.Errorf("channel %q already exists", opts.Channel)
	}

	mc := &managedChannel{
		name:   opts.Channel,
		opts:   opts,
		stderr: logging.NewStderrHandler(opts.Channel, m.logger, m.stderrCfg),
	}

	supCfg := supervisor.Config{
		Options:   opts,
		Factory:   m.factory,
		Logger:    m.logger,
		Callbacks: m.channelCallbacks(mc),
		Jitter:    m.jitter,
	}
	if m.collector != nil {
		supCfg.Recorder = m.collector
	}
	sup, err := supervisor.New(supCfg)
	if err != nil {
		return err
	}
	mc.sup = sup

	if m.collector != nil {
		sup.Subscribe(m.collector.Callbacks(mc.name))
		m.collector.SetState(mc.name, supervisor.StateIdle)
	}

	m.channels[mc.name] = mc
	m.order = append(m.order, mc.name)
	if m.collector != nil {
		m.collector.SetChannelCount(len(m.channels))
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	mc.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := sup.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("supervisor_ended", "channel", mc.name, "error", err)
		}
	}()

	m.logger.Debug("channel_added", "channel", mc.name, "input", opts.Input)
	return nil
}

// channelCallbacks wires one channel's supervisor events into the manager.
func (m *ChannelManager) channelCallbacks(mc *managedChannel) supervisor.Callbacks {
	cb := supervisor.Callbacks{
		OnStderr: func(_ string, generation uint64, line string) {
			mc.stderr.HandleLine(generation, line)
		},
		OnStateChange: m.handleStateChange,
		OnFatal: func(fc supervisor.FatalContext) {
			m.handleFatal(mc, fc)
		},
	}
	if m.bus != nil {
		cb.OnFrame = m.bus.PublishFrame
	}
	return cb
}

// handleStateChange keeps the streaming count.
func (m *ChannelManager) handleStateChange(channel string, oldState, newState supervisor.State) {
	wasActive := oldState == supervisor.StateStreaming
	isActive := newState == supervisor.StateStreaming

	if !wasActive && isActive {
		m.activeCount.Add(1)
	} else if wasActive && !isActive {
		m.activeCount.Add(-1)
	}

	if m.callbacks.OnChannelStateChange != nil {
		m.callbacks.OnChannelStateChange(channel, oldState, newState)
	}
}

// handleFatal runs on the channel's event loop when its breaker trips.
func (m *ChannelManager) handleFatal(mc *managedChannel, fc supervisor.FatalContext) {
	m.fatalCount.Add(1)

	m.logger.Error("channel_fatal",
		"channel", fc.Channel,
		"incident_id", fc.IncidentID,
		"reason", fc.Reason.String(),
		"attempts", fc.Attempts,
		"recent_stderr", mc.stderr.RecentLines(5),
	)

	if m.cooldown > 0 {
		mc.cooldownMu.Lock()
		if mc.cooldown != nil {
			mc.cooldown.Stop()
		}
		mc.cooldown = time.AfterFunc(m.cooldown, func() {
			m.logger.Info("breaker_cooldown_elapsed",
				"channel", mc.name,
				"incident_id", fc.IncidentID,
			)
			mc.sup.ResetCircuitBreaker(true)
		})
		mc.cooldownMu.Unlock()

		m.logger.Info("breaker_cooldown_scheduled",
			"channel", mc.name,
			"cooldown", m.cooldown.String(),
		)
	}

	if m.callbacks.OnChannelFatal != nil {
		m.callbacks.OnChannelFatal(fc)
	}
}

func (mc *managedChannel) cancelCooldown() {
	mc.cooldownMu.Lock()
	if mc.cooldown != nil {
		mc.cooldown.Stop()
		mc.cooldown = nil
	}
	mc.cooldownMu.Unlock()
}

// lookup returns the named channel or an error wrapping
// config.ErrUnknownChannel.
func (m *ChannelManager) lookup(name string) (*managedChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownChannel, name)
	}
	return mc, nil
}

// Start starts the named channel.
func (m *ChannelManager) Start(name string) error {
	mc, err := m.lookup(name)
	if err != nil {
		return err
	}
	mc.sup.Start()
	return nil
}

// Update applies opts to a running channel. It reports whether anything
// changed. An input change restarts an active channel so it takes effect
// immediately.
func (m *ChannelManager) Update(opts supervisor.Options) (bool, error) {
	m.mu.Lock()
	mc, ok := m.channels[opts.Channel]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %q", config.ErrUnknownChannel, opts.Channel)
	}
	patch := mc.opts.Diff(opts)
	if patch.Empty() {
		m.mu.Unlock()
		return false, nil
	}
	if err := opts.Validate(); err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("channel %q: %w", opts.Channel, err)
	}
	mc.opts = opts
	m.mu.Unlock()

	mc.sup.UpdateOptions(patch)
	if patch.Input != nil && mc.sup.State().IsActive() {
		mc.sup.StopAsync(supervisor.StopOptions{})
		mc.sup.Start()
	}
	return true, nil
}

// Remove stops the named channel and forgets it.
func (m *ChannelManager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	mc, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", config.ErrUnknownChannel, name)
	}
	delete(m.channels, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	count := len(m.channels)
	m.mu.Unlock()

	mc.cancelCooldown()
	err := mc.sup.Stop(ctx)

	// Ending the loop kills a process that outlived ctx.
	mc.cancel()
	<-mc.sup.Done()

	if m.collector != nil {
		m.collector.RemoveChannel(name)
		m.collector.SetChannelCount(count)
	}
	if m.bus != nil {
		m.bus.RemoveChannel(name)
	}

	m.logger.Info("channel_removed", "channel", name)
	return err
}

// Reconcile makes the managed set match desired. Existing channels are
// updated in place, unknown ones are added but not started, and channels
// missing from desired are removed.
func (m *ChannelManager) Reconcile(ctx context.Context, desired []supervisor.Options) (ReconcileResult, error) {
	var (
		res  ReconcileResult
		errs []error
	)

	want := make(map[string]bool, len(desired))
	for _, opts := range desired {
		want[opts.Channel] = true
	}

	for _, name := range m.Names() {
		if want[name] {
			continue
		}
		if err := m.Remove(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("removing %q: %w", name, err))
		}
		res.Removed = append(res.Removed, name)
	}

	for _, opts := range desired {
		if m.Has(opts.Channel) {
			changed, err := m.Update(opts)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if changed {
				res.Updated = append(res.Updated, opts.Channel)
			}
			continue
		}
		if err := m.Add(opts); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Added = append(res.Added, opts.Channel)
	}

	return res, errors.Join(errs...)
}

// Shutdown gracefully stops every channel, then ends their event loops.
// Processes still running when ctx expires are killed.
func (m *ChannelManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	chans := make([]*managedChannel, 0, len(m.channels))
	for _, name := range m.order {
		chans = append(chans, m.channels[name])
	}
	m.mu.RUnlock()

	m.logger.Info("shutdown_initiated",
		"channels", len(chans),
		"streaming", m.ActiveCount(),
	)

	var stopErr error
	waits := make([]<-chan struct{}, 0, len(chans))
	for _, mc := range chans {
		mc.cancelCooldown()
		waits = append(waits, mc.sup.StopAsync(supervisor.StopOptions{}))
	}
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if stopErr != nil {
			break
		}
	}

	// Cancelling the base context kills whatever is left.
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if stopErr != nil {
			m.logger.Warn("shutdown_timeout", "error", stopErr)
			return stopErr
		}
		m.logger.Info("all_channels_stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown_timeout")
		return ctx.Err()
	}
}

// Sample pushes per-channel gauges that are not event driven.
func (m *ChannelManager) Sample() {
	if m.collector == nil {
		return
	}
	dropped := m.droppedByChannel()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, mc := range m.channels {
		st := mc.sup.Status()
		m.collector.UpdateChannel(name, st.BreakerCount, m.fps(name), dropped[name])
	}
}

func (m *ChannelManager) fps(name string) float64 {
	if m.bus == nil {
		return 0
	}
	return m.bus.FPS(name)
}

// droppedByChannel sums frames dropped by channel-specific subscribers.
func (m *ChannelManager) droppedByChannel() map[string]uint64 {
	out := make(map[string]uint64)
	if m.bus == nil {
		return out
	}
	for _, sub := range m.bus.Stats().Subscribers {
		if sub.Channel != "" {
			out[sub.Channel] += sub.Dropped
		}
	}
	return out
}

// =============================================================================
// Accessors
// =============================================================================

// Names returns channel names in the order they were added.
func (m *ChannelManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Has reports whether name is managed.
func (m *ChannelManager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[name]
	return ok
}

// Count returns the number of managed channels.
func (m *ChannelManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// ActiveCount returns the number of channels currently streaming.
func (m *ChannelManager) ActiveCount() int {
	return int(m.activeCount.Load())
}

// FatalCount returns the number of circuit breaker trips.
func (m *ChannelManager) FatalCount() int {
	return int(m.fatalCount.Load())
}

// Options returns the last applied options of a channel.
func (m *ChannelManager) Options(name string) (supervisor.Options, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.channels[name]
	if !ok {
		return supervisor.Options{}, fmt.Errorf("%w: %q", config.ErrUnknownChannel, name)
	}
	return mc.opts, nil
}

// =============================================================================
// metrics.Controller
// =============================================================================

var _ metrics.Controller = (*ChannelManager)(nil)

func (m *ChannelManager) info(mc *managedChannel, dropped map[string]uint64, withStderr bool) metrics.ChannelInfo {
	ci := metrics.ChannelInfo{
		Status:  mc.sup.Status(),
		FPS:     m.fps(mc.name),
		Dropped: dropped[mc.name],
	}
	if withStderr {
		ci.RecentStderr = mc.stderr.RecentLines(recentStderrLines)
	}
	return ci
}

// Channels returns every channel in the order they were added.
func (m *ChannelManager) Channels() []metrics.ChannelInfo {
	dropped := m.droppedByChannel()

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]metrics.ChannelInfo, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.info(m.channels[name], dropped, false))
	}
	return out
}

// Channel returns one channel including its recent stderr.
func (m *ChannelManager) Channel(name string) (metrics.ChannelInfo, error) {
	mc, err := m.lookup(name)
	if err != nil {
		return metrics.ChannelInfo{}, err
	}
	return m.info(mc, m.droppedByChannel(), true), nil
}

// LatestFrame returns the most recent frame of a channel.
func (m *ChannelManager) LatestFrame(name string) (framebus.Frame, error) {
	if _, err := m.lookup(name); err != nil {
		return framebus.Frame{}, err
	}
	if m.bus == nil {
		return framebus.Frame{}, framebus.ErrNoFrame
	}
	return m.bus.Latest(name)
}

// StreamFrames subscribes to the channel's frames and calls fn for each one
// until ctx is done, fn fails or the manager shuts down. Frames arriving
// while fn is busy are dropped once the subscriber queue is full.
func (m *ChannelManager) StreamFrames(ctx context.Context, name string, fn func(framebus.Frame) error) error {
	if _, err := m.lookup(name); err != nil {
		return err
	}
	if m.bus == nil {
		return framebus.ErrNoFrame
	}

	id := framebus.NewSubscriberID()
	frames := make(chan framebus.Frame, m.frameBuffer)
	if err := m.bus.Subscribe(id, name, frames); err != nil {
		return err
	}
	defer m.bus.Unsubscribe(id)

	m.logger.Debug("frame_stream_opened", "channel", name, "subscriber", id)
	defer m.logger.Debug("frame_stream_closed", "channel", name, "subscriber", id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.baseCtx.Done():
			return nil
		case f := <-frames:
			if err := fn(f); err != nil {
				return err
			}
		}
	}
}

// ResetBreaker clears the circuit breaker and restarts the channel.
func (m *ChannelManager) ResetBreaker(name string) error {
	mc, err := m.lookup(name)
	if err != nil {
		return err
	}
	mc.cancelCooldown()
	mc.sup.ResetCircuitBreaker(true)
	return nil
}

// ResetTransport returns an RTSP channel to its first transport.
func (m *ChannelManager) ResetTransport(name string) error {
	mc, err := m.lookup(name)
	if err != nil {
		return err
	}
	mc.sup.ResetTransportFallback()
	return nil
}

// Restart stops the channel's process and starts a fresh one. A tripped
// breaker is cleared by the stop.
func (m *ChannelManager) Restart(name string) error {
	mc, err := m.lookup(name)
	if err != nil {
		return err
	}
	mc.cancelCooldown()
	mc.sup.StopAsync(supervisor.StopOptions{})
	mc.sup.Start()
	return nil
}
