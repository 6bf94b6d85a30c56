package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/frame"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/framebus"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

const testWait = 3 * time.Second

// =============================================================================
// Fake process and factory
// =============================================================================

type fakeProcess struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	once   sync.Once
	exited chan struct{}
	exit   process.Exit

	mu      sync.Mutex
	signals []syscall.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() (process.Exit, error) {
	<-p.exited
	return p.exit, nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.exited:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		p.finish(process.Exit{Code: -1, Signal: process.SignalName(sig)})
	}
	return nil
}

func (p *fakeProcess) finish(exit process.Exit) {
	p.once.Do(func() {
		p.exit = exit
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) signaled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals) > 0
}

type fakeFactory struct {
	mu       sync.Mutex
	errs     []error
	requests []process.Request
	spawned  chan *fakeProcess
}

func newFakeFactory(errs ...error) *fakeFactory {
	return &fakeFactory{errs: errs, spawned: make(chan *fakeProcess, 64)}
}

func (f *fakeFactory) Spawn(_ context.Context, req process.Request) (process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	p := newFakeProcess(2000 + len(f.requests))
	f.spawned <- p
	return p, nil
}

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeFactory) inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Input
	}
	return out
}

func (f *fakeFactory) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-f.spawned:
		return p
	case <-time.After(testWait):
		t.Fatal("timed out waiting for spawn")
		return nil
	}
}

// =============================================================================
// Helpers
// =============================================================================

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pngChunk(typ string, data []byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(data)))
	out = append(out, typ...)
	out = append(out, data...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(append([]byte(typ), data...)))
}

func testPNG() []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 1)
	binary.BigEndian.PutUint32(ihdr[4:8], 1)
	ihdr[8], ihdr[9] = 8, 2

	out := append([]byte{}, frame.Signature...)
	out = append(out, pngChunk("IHDR", ihdr)...)
	out = append(out, pngChunk("IDAT", []byte{1, 2, 3})...)
	return append(out, pngChunk("IEND", nil)...)
}

func testChannelOptions(name string) supervisor.Options {
	o := supervisor.DefaultOptions()
	o.Channel = name
	o.Input = "/var/video/" + name + ".mp4"
	o.StartTimeout = 0
	o.WatchdogTimeout = 0
	o.StreamIdleTimeout = 0
	o.ForceKillTimeout = time.Second
	o.Backoff = supervisor.BackoffConfig{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return o
}

type testManager struct {
	*ChannelManager
	factory  *fakeFactory
	registry *prometheus.Registry
	bus      *framebus.Bus
}

func newTestManager(t *testing.T, factory *fakeFactory, cooldown time.Duration, cb ManagerCallbacks) *testManager {
	t.Helper()
	registry := prometheus.NewRegistry()
	bus := framebus.New()
	m := NewChannelManager(ManagerConfig{
		Factory:         factory,
		Collector:       metrics.NewCollectorWithRegistry(registry),
		Bus:             bus,
		Jitter:          supervisor.NewJitterSource(42),
		FrameBuffer:     4,
		BreakerCooldown: cooldown,
		Callbacks:       cb,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testManager{ChannelManager: m, factory: factory, registry: registry, bus: bus}
}

// gaugeValue returns the value of a channel-labelled metric, or -1.
// supervisorOf returns the supervisor of a managed channel, or nil.
func supervisorOf(m *ChannelManager, name string) *supervisor.Supervisor {
	mc, err := m.lookup(name)
	if err != nil {
		return nil
	}
	return mc.sup
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, name, channel string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "channel" && lp.GetValue() == channel {
					if m.GetGauge() != nil {
						return m.GetGauge().GetValue()
					}
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}

// =============================================================================
// Tests
// =============================================================================

func TestChannelManager_AddStartRemove(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})

	if err := m.Add(testChannelOptions("cam-1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got := supervisorOf(m.ChannelManager, "cam-1").State(); got != supervisor.StateIdle {
		t.Errorf("state after Add = %v, want idle", got)
	}

	if err := m.Start("cam-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p := m.factory.next(t)
	p.stdoutW.Write(testPNG())
	p.stderrW.Write([]byte("Past duration 0.999 too large\n"))

	waitFor(t, "streaming", func() bool { return m.ActiveCount() == 1 })

	if _, err := m.LatestFrame("cam-1"); err != nil {
		t.Errorf("LatestFrame() error = %v", err)
	}
	infos := m.Channels()
	if len(infos) != 1 || infos[0].Status.State != supervisor.StateStreaming {
		t.Fatalf("Channels() = %+v", infos)
	}
	if infos[0].RecentStderr != nil {
		t.Error("Channels() should not carry stderr")
	}
	waitFor(t, "stderr", func() bool {
		ci, err := m.Channel("cam-1")
		return err == nil && len(ci.RecentStderr) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if err := m.Remove(ctx, "cam-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !p.signaled() {
		t.Error("process was not signalled")
	}
	if m.Has("cam-1") || m.Count() != 0 {
		t.Error("channel still managed after Remove")
	}
	if _, err := m.bus.Latest("cam-1"); !errors.Is(err, framebus.ErrNoFrame) {
		t.Errorf("bus still holds a frame: %v", err)
	}
	if v := gaugeValue(t, m.registry, "videosource_frames_total", "cam-1"); v != -1 {
		t.Errorf("frames_total series survived Remove: %v", v)
	}
}

func TestChannelManager_DuplicateAndUnknown(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})

	if err := m.Add(testChannelOptions("cam-1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add(testChannelOptions("cam-1")); err == nil {
		t.Error("duplicate Add() succeeded")
	}

	bad := testChannelOptions("cam-2")
	bad.Input = ""
	if err := m.Add(bad); err == nil {
		t.Error("Add() with empty input succeeded")
	}
	if m.Has("cam-2") {
		t.Error("invalid channel was added")
	}

	ctx := context.Background()
	unknown := map[string]error{
		"Start":          m.Start("nope"),
		"Remove":         m.Remove(ctx, "nope"),
		"ResetBreaker":   m.ResetBreaker("nope"),
		"ResetTransport": m.ResetTransport("nope"),
		"Restart":        m.Restart("nope"),
		"StreamFrames":   m.StreamFrames(ctx, "nope", func(framebus.Frame) error { return nil }),
	}
	_, unknown["Channel"] = m.Channel("nope")
	_, unknown["LatestFrame"] = m.LatestFrame("nope")
	_, unknown["Options"] = m.Options("nope")
	_, unknown["Update"] = m.Update(testChannelOptions("nope"))

	for op, err := range unknown {
		if !errors.Is(err, config.ErrUnknownChannel) {
			t.Errorf("%s(nope) error = %v, want ErrUnknownChannel", op, err)
		}
	}
	if supervisorOf(m.ChannelManager, "nope") != nil {
		t.Error("Supervisor(nope) should be nil")
	}
}

func TestChannelManager_AddAfterShutdown(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := m.Add(testChannelOptions("cam-1")); err == nil {
		t.Error("Add() after Shutdown succeeded")
	}
}

func TestChannelManager_Reconcile(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})
	for _, name := range []string{"a", "b"} {
		if err := m.Add(testChannelOptions(name)); err != nil {
			t.Fatalf("Add(%s) error = %v", name, err)
		}
	}

	changed := testChannelOptions("a")
	changed.FrameRate = 5
	desired := []supervisor.Options{changed, testChannelOptions("c")}

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	res, err := m.Reconcile(ctx, desired)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if !slices.Equal(res.Added, []string{"c"}) ||
		!slices.Equal(res.Updated, []string{"a"}) ||
		!slices.Equal(res.Removed, []string{"b"}) {
		t.Errorf("Reconcile() = %+v", res)
	}
	if got := m.Names(); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("Names() = %v, want [a c]", got)
	}
	if opts, _ := m.Options("a"); opts.FrameRate != 5 {
		t.Errorf("a FrameRate = %v, want 5", opts.FrameRate)
	}
	if got := supervisorOf(m.ChannelManager, "c").State(); got != supervisor.StateIdle {
		t.Errorf("added channel state = %v, want idle", got)
	}

	// Same set again is a no-op.
	res, err = m.Reconcile(ctx, desired)
	if err != nil || len(res.Added)+len(res.Updated)+len(res.Removed) != 0 {
		t.Errorf("second Reconcile() = %+v, %v", res, err)
	}

	invalid := testChannelOptions("a")
	invalid.Input = ""
	if _, err := m.Reconcile(ctx, []supervisor.Options{invalid, testChannelOptions("c")}); err == nil {
		t.Error("Reconcile() with invalid options succeeded")
	}
	if opts, _ := m.Options("a"); opts.Input == "" {
		t.Error("invalid options were applied")
	}
}

func TestChannelManager_UpdateInputRestartsActiveChannel(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})
	if err := m.Add(testChannelOptions("cam-1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	m.Start("cam-1")
	first := m.factory.next(t)

	moved := testChannelOptions("cam-1")
	moved.Input = "rtsp://10.0.0.9/stream"
	changed, err := m.Update(moved)
	if err != nil || !changed {
		t.Fatalf("Update() = %v, %v", changed, err)
	}

	m.factory.next(t)
	if !first.signaled() {
		t.Error("old process was not stopped")
	}
	if inputs := m.factory.inputs(); inputs[len(inputs)-1] != "rtsp://10.0.0.9/stream" {
		t.Errorf("spawn inputs = %v", inputs)
	}
}

func TestChannelManager_BreakerCooldown(t *testing.T) {
	notFound := &exec.Error{Name: "ffmpeg", Err: exec.ErrNotFound}

	var (
		mu     sync.Mutex
		fatals []supervisor.FatalContext
	)
	cb := ManagerCallbacks{
		OnChannelFatal: func(fc supervisor.FatalContext) {
			mu.Lock()
			fatals = append(fatals, fc)
			mu.Unlock()
		},
	}
	m := newTestManager(t, newFakeFactory(notFound, notFound), 20*time.Millisecond, cb)

	opts := testChannelOptions("cam-1")
	opts.CircuitBreakerThreshold = 2
	if err := m.Add(opts); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	m.Start("cam-1")

	waitFor(t, "breaker trip", func() bool { return m.FatalCount() == 1 })

	// The cooldown resets the breaker and spawns again.
	m.factory.next(t)
	waitFor(t, "restart after cooldown", func() bool {
		return supervisorOf(m.ChannelManager, "cam-1").State() != supervisor.StateCircuitBroken
	})

	mu.Lock()
	defer mu.Unlock()
	if len(fatals) != 1 || fatals[0].Channel != "cam-1" || fatals[0].IncidentID == "" {
		t.Errorf("fatals = %+v", fatals)
	}
}

func TestChannelManager_ResetBreakerCancelsCooldown(t *testing.T) {
	notFound := &exec.Error{Name: "ffmpeg", Err: exec.ErrNotFound}
	m := newTestManager(t, newFakeFactory(notFound, notFound), time.Hour, ManagerCallbacks{})

	opts := testChannelOptions("cam-1")
	opts.CircuitBreakerThreshold = 2
	m.Add(opts)
	m.Start("cam-1")

	waitFor(t, "breaker trip", func() bool {
		return supervisorOf(m.ChannelManager, "cam-1").State() == supervisor.StateCircuitBroken
	})

	m.mu.RLock()
	mc := m.channels["cam-1"]
	m.mu.RUnlock()
	mc.cooldownMu.Lock()
	scheduled := mc.cooldown != nil
	mc.cooldownMu.Unlock()
	if !scheduled {
		t.Fatal("cooldown was not scheduled")
	}

	if err := m.ResetBreaker("cam-1"); err != nil {
		t.Fatalf("ResetBreaker() error = %v", err)
	}
	m.factory.next(t)

	mc.cooldownMu.Lock()
	defer mc.cooldownMu.Unlock()
	if mc.cooldown != nil {
		t.Error("manual reset should cancel the cooldown")
	}
}

func TestChannelManager_Restart(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})
	m.Add(testChannelOptions("cam-1"))
	m.Start("cam-1")
	first := m.factory.next(t)

	if err := m.Restart("cam-1"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	second := m.factory.next(t)

	if !first.signaled() {
		t.Error("old process was not stopped")
	}
	if second.signaled() {
		t.Error("new process should be running")
	}
}

func TestChannelManager_Sample(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})
	m.Add(testChannelOptions("cam-1"))
	m.Start("cam-1")
	p := m.factory.next(t)
	p.stdoutW.Write(testPNG())
	waitFor(t, "streaming", func() bool { return m.ActiveCount() == 1 })

	m.Sample()

	if v := gaugeValue(t, m.registry, "videosource_breaker_failures", "cam-1"); v != 0 {
		t.Errorf("breaker_failures = %v, want 0", v)
	}
	if v := gaugeValue(t, m.registry, "videosource_frames_per_second", "cam-1"); v < 0 {
		t.Errorf("frames_per_second missing")
	}
	if v := gaugeValue(t, m.registry, "videosource_frames_total", "cam-1"); v != 1 {
		t.Errorf("frames_total = %v, want 1", v)
	}
}

func TestChannelManager_StreamFrames(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})
	m.Add(testChannelOptions("cam-1"))
	m.Start("cam-1")
	p := m.factory.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan framebus.Frame, 4)
	done := make(chan error, 1)
	go func() {
		done <- m.StreamFrames(ctx, "cam-1", func(f framebus.Frame) error {
			got <- f
			return nil
		})
	}()

	waitFor(t, "subscription", func() bool { return len(m.bus.Stats().Subscribers) == 1 })
	p.stdoutW.Write(testPNG())

	select {
	case f := <-got:
		if f.Channel != "cam-1" || f.TraceID == "" || len(f.Data) == 0 {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(testWait):
		t.Fatal("no frame streamed")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("StreamFrames() = %v, want context.Canceled", err)
		}
	case <-time.After(testWait):
		t.Fatal("StreamFrames did not return")
	}
	if n := len(m.bus.Stats().Subscribers); n != 0 {
		t.Errorf("%d subscribers left", n)
	}
}

func TestChannelManager_StreamFramesEndsOnShutdown(t *testing.T) {
	m := newTestManager(t, newFakeFactory(), 0, ManagerCallbacks{})
	m.Add(testChannelOptions("cam-1"))

	done := make(chan error, 1)
	go func() {
		done <- m.StreamFrames(context.Background(), "cam-1", func(framebus.Frame) error { return nil })
	}()
	waitFor(t, "subscription", func() bool { return len(m.bus.Stats().Subscribers) == 1 })

	m.Shutdown(context.Background())

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("StreamFrames() = %v, want nil", err)
		}
	case <-time.After(testWait):
		t.Fatal("StreamFrames did not return on shutdown")
	}
}

func TestChannelManager_Shutdown(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []supervisor.State
	)
	cb := ManagerCallbacks{
		OnChannelStateChange: func(_ string, _, newState supervisor.State) {
			mu.Lock()
			transitions = append(transitions, newState)
			mu.Unlock()
		},
	}
	m := newTestManager(t, newFakeFactory(), 0, cb)

	var procs []*fakeProcess
	for _, name := range []string{"a", "b"} {
		m.Add(testChannelOptions(name))
		m.Start(name)
		procs = append(procs, m.factory.next(t))
	}

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for i, p := range procs {
		if !p.signaled() {
			t.Errorf("process %d was not stopped", i)
		}
	}
	for _, name := range m.Names() {
		select {
		case <-supervisorOf(m.ChannelManager, name).Done():
		default:
			t.Errorf("%s event loop still running", name)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(transitions, supervisor.StateStopped) {
		t.Errorf("transitions = %v, want a stop", transitions)
	}
}
