package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/frame"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/process"
)

const (
	// readChunkSize is the stdout read size.
	readChunkSize = 64 * 1024

	// shutdownGrace bounds how long Run waits for the process after its
	// context is cancelled.
	shutdownGrace = 5 * time.Second

	// drainBatch is the number of messages handled between status updates.
	drainBatch = 256

	// maxInflightChunks bounds the stdout chunks of one generation waiting
	// in the mailbox. The reader stops reading once it is reached.
	maxInflightChunks = 16
)

// ErrCorruptedFrame wraps data-integrity failures of the frame stream.
var ErrCorruptedFrame = errors.New("Corrupted frame")

// StopOptions controls StopAsync.
type StopOptions struct {
	// Immediate sends SIGKILL instead of SIGTERM plus grace period.
	Immediate bool
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Options   Options
	Factory   process.Factory
	Logger    *slog.Logger
	Callbacks Callbacks

	// Recorder is optional.
	Recorder Recorder

	// Jitter derives the backoff Rand when Options.Rand is nil.
	// Defaults to a time-seeded source.
	Jitter *JitterSource
}

// Status is a point-in-time snapshot of a supervisor, safe to read from any
// goroutine.
type Status struct {
	Channel          string
	Input            string
	State            State
	Generation       uint64
	PID              int
	Restarts         int
	TotalRestarts    int
	BreakerCount     int
	BreakerThreshold int
	Frames           uint64
	LastFrameAt      time.Time
	LastFailure      *Failure
	Transport        TransportSnapshot
	RTSP             bool
}

// Supervisor keeps one FFmpeg video source running.
//
// All state is owned by the event loop started with Run. Public methods
// only enqueue commands, so they never block and may be called from
// callbacks.
type Supervisor struct {
	channel  string
	factory  process.Factory
	logger   *slog.Logger
	recorder Recorder

	listenersMu sync.Mutex
	listeners   []Callbacks

	mailMu  sync.Mutex
	mailbox []any
	notify  chan struct{}

	running  atomic.Bool
	loopDone chan struct{}

	stopMu     sync.Mutex
	stopDone   chan struct{}
	loopClosed bool

	statusMu sync.RWMutex
	status   Status

	// Owned by the event loop.
	ctx                  context.Context
	closing              bool
	opts                 Options
	state                State
	shouldStop           bool
	stopWaiters          []chan struct{}
	startWhenFinalized   bool
	restartWhenFinalized bool

	generation uint64
	current    *generation
	pending    *pendingRestart

	backoff  *Backoff
	breaker  *Breaker
	fallback *TransportFallback
	memory   *parser.Memory
	splitter frame.Splitter

	timers   [timerCount]timerHandle
	tokenSeq uint64

	frameSeq      uint64
	lastFrameAt   time.Time
	totalRestarts int
	lastFailure   *Failure
}

// generation is one spawned process and everything scoped to it.
type generation struct {
	id          uint64
	proc        process.Process
	pid         int
	startedAt   time.Time
	frames      uint64
	terminating bool // SIGTERM sent
	killed      bool // SIGKILL sent
	exited      bool

	// chunks holds one slot per stdout chunk posted but not yet handled.
	chunks chan struct{}

	// waitDone is closed once Wait has returned and the exit was posted.
	waitDone chan struct{}
}

// pendingRestart is the recovery decision for a failed generation. Later
// failures of the same generation are folded into it.
type pendingRestart struct {
	generation uint64
	ctx        RecoverContext
	reasons    map[parser.Reason]struct{}
}

func (p *pendingRestart) absorb(f Failure) {
	p.reasons[f.Reason] = struct{}{}
	if p.ctx.ErrorCode == "" {
		p.ctx.ErrorCode = f.ErrorCode
	}
	if p.ctx.ExitCode == nil {
		p.ctx.ExitCode = f.ExitCode
	}
	if p.ctx.Signal == "" {
		p.ctx.Signal = f.Signal
	}
}

// Mailbox messages.
type (
	startCmd          struct{}
	updateCmd         struct{ patch OptionsPatch }
	resetBreakerCmd   struct{ restart bool }
	resetTransportCmd struct{}

	stopCmd struct {
		immediate bool
		done      chan struct{}
	}
	stdoutMsg struct {
		gen   uint64
		data  []byte
		slots chan struct{}
	}
	stderrMsg struct {
		gen  uint64
		line string
	}
	exitMsg struct {
		gen     uint64
		exit    process.Exit
		waitErr error
		readErr error
	}
)

// New creates a new Supervisor with the given configuration.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Factory == nil {
		return nil, errors.New("supervisor: nil process factory")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: invalid options for %q: %w", cfg.Options.Channel, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := cfg.Options
	rng := opts.Rand
	if rng == nil {
		js := cfg.Jitter
		if js == nil {
			js = NewJitterSourceFromTime()
		}
		rng = js.ForChannel(opts.Channel)
	}

	s := &Supervisor{
		channel:  opts.Channel,
		factory:  cfg.Factory,
		logger:   logger.With("channel", opts.Channel),
		recorder: cfg.Recorder,
		notify:   make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		opts:     opts,
		state:    StateIdle,
		backoff:  NewBackoff(rng, opts.Backoff),
		breaker:  NewBreaker(opts.CircuitBreakerThreshold),
		fallback: NewTransportFallback(opts.Transport, opts.TransportFallback),
		memory:   parser.NewMemory(),
	}
	s.listeners = []Callbacks{cfg.Callbacks}
	s.publishStatus()
	return s, nil
}

// =============================================================================
// Public API
// =============================================================================

// Channel returns the channel name.
func (s *Supervisor) Channel() string {
	return s.channel
}

// Subscribe adds a listener. Listeners are called in registration order.
func (s *Supervisor) Subscribe(cb Callbacks) {
	s.listenersMu.Lock()
	next := make([]Callbacks, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, cb)
	s.listenersMu.Unlock()
}

// Start spawns the process. It is a no-op while the source is already
// starting, streaming or recovering, and it is refused while the circuit
// breaker is tripped. A Start issued during Stop takes effect once the old
// process has exited.
func (s *Supervisor) Start() {
	s.post(startCmd{})
}

// StopAsync stops the source and returns a channel that is closed once the
// process has exited. Concurrent callers share the same channel.
func (s *Supervisor) StopAsync(opts StopOptions) <-chan struct{} {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.loopClosed {
		done := make(chan struct{})
		close(done)
		return done
	}
	if s.stopDone == nil {
		s.stopDone = make(chan struct{})
		s.post(stopCmd{immediate: opts.Immediate, done: s.stopDone})
	} else if opts.Immediate {
		// Escalate an in-flight graceful stop.
		s.post(stopCmd{immediate: true})
	}
	return s.stopDone
}

// Stop gracefully stops the source and waits for the process to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	select {
	case <-s.StopAsync(StopOptions{}):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateOptions merges p into the running options. Armed timers are re-armed
// with changed values and the transport fallback is remapped. Invalid
// results are rejected and logged.
func (s *Supervisor) UpdateOptions(p OptionsPatch) {
	s.post(updateCmd{patch: p})
}

// ResetCircuitBreaker clears the breaker and, if restart is true, starts the
// source again.
func (s *Supervisor) ResetCircuitBreaker(restart bool) {
	s.post(resetBreakerCmd{restart: restart})
}

// ResetTransportFallback returns to the first transport of the sequence. It
// takes effect at the next spawn.
func (s *Supervisor) ResetTransportFallback() {
	s.post(resetTransportCmd{})
}

// Status returns the latest published snapshot.
func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// State returns the current state.
func (s *Supervisor) State() State {
	return s.Status().State
}

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.loopDone
}

// Run processes events until ctx is cancelled, then kills the process and
// waits briefly for it to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor: already running")
	}
	defer close(s.loopDone)

	s.ctx = ctx
	s.logger.Debug("supervisor_starting")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.logger.Debug("supervisor_stopped", "reason", "context_cancelled")
			return ctx.Err()
		case <-s.notify:
			s.drain()
		}
	}
}

// =============================================================================
// Mailbox
// =============================================================================

func (s *Supervisor) post(msg any) {
	s.mailMu.Lock()
	s.mailbox = append(s.mailbox, msg)
	s.mailMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Supervisor) pop() (any, bool) {
	s.mailMu.Lock()
	defer s.mailMu.Unlock()

	if len(s.mailbox) == 0 {
		return nil, false
	}
	msg := s.mailbox[0]
	s.mailbox[0] = nil
	s.mailbox = s.mailbox[1:]
	return msg, true
}

// drain handles queued messages in batches so that status stays fresh and
// cancellation is noticed under a continuous frame stream.
// It reports whether messages remain.
func (s *Supervisor) drain() bool {
	for i := 0; i < drainBatch; i++ {
		msg, ok := s.pop()
		if !ok {
			s.publishStatus()
			return false
		}
		s.handle(msg)
	}
	s.publishStatus()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Supervisor) handle(msg any) {
	switch m := msg.(type) {
	case startCmd:
		s.handleStart()
	case stopCmd:
		s.handleStop(m)
	case updateCmd:
		s.handleUpdate(m.patch)
	case resetBreakerCmd:
		s.handleResetBreaker(m.restart)
	case resetTransportCmd:
		s.handleResetTransport()
	case stdoutMsg:
		s.handleStdout(m)
	case stderrMsg:
		s.handleStderr(m)
	case exitMsg:
		s.handleExit(m)
	case timerMsg:
		s.handleTimer(m)
	}
}

func (s *Supervisor) shutdown() {
	s.closing = true
	s.handleStop(stopCmd{immediate: true})

	if g := s.current; g != nil {
		// Keep handling output so a reader waiting for a chunk slot can
		// reach EOF.
		grace := time.NewTimer(shutdownGrace)
		defer grace.Stop()
	wait:
		for {
			select {
			case <-g.waitDone:
				break wait
			case <-s.notify:
				s.drain()
			case <-grace.C:
				s.logger.Warn("shutdown_wait_timeout", "generation", g.id, "pid", g.pid)
				break wait
			}
		}
	}
	for s.drain() {
	}

	// No stop can be posted after this; pick up any that raced in.
	s.stopMu.Lock()
	s.loopClosed = true
	s.stopMu.Unlock()
	for s.drain() {
	}

	for k := range s.timers {
		s.disarm(timerKind(k))
	}
	s.releaseStopWaiters()
}

// =============================================================================
// Commands
// =============================================================================

func (s *Supervisor) handleStart() {
	switch {
	case s.closing:
		s.logger.Debug("start_ignored", "reason", "shutting down")
	case s.state == StateCircuitBroken:
		s.logger.Warn("start_refused", "reason", "circuit breaker tripped")
	case !s.shouldStop && s.state.IsActive():
		s.logger.Debug("start_ignored", "state", s.state.String())
	case s.current != nil:
		// Previous process still finalizing.
		s.startWhenFinalized = true
	default:
		s.begin()
	}
}

// begin resets all counters and spawns generation 1.
func (s *Supervisor) begin() {
	s.shouldStop = false
	s.startWhenFinalized = false
	s.restartWhenFinalized = false
	s.pending = nil
	s.disarm(timerRestart)

	s.backoff.Reset()
	s.breaker.Reset()
	s.memory.Reset()
	s.generation = 0

	s.logger.Info("channel_starting",
		"input", s.opts.Input,
		"frame_rate", s.opts.FrameRate,
	)
	s.spawn()
}

func (s *Supervisor) handleStop(m stopCmd) {
	if m.done != nil {
		s.stopWaiters = append(s.stopWaiters, m.done)
	}
	s.shouldStop = true
	s.startWhenFinalized = false
	s.restartWhenFinalized = false
	s.pending = nil
	s.disarm(timerStart)
	s.disarm(timerWatchdog)
	s.disarm(timerIdle)
	s.disarm(timerRestart)

	g := s.current
	if g == nil || g.exited {
		s.completeStop()
		return
	}

	s.logger.Info("channel_stopping",
		"generation", g.id,
		"pid", g.pid,
		"immediate", m.immediate,
	)
	s.terminate(g, m.immediate)
}

func (s *Supervisor) completeStop() {
	if s.state != StateStopped {
		s.setState(StateStopped)
		s.logger.Info("channel_stopped",
			"generations", s.generation,
			"frames", s.frameSeq,
			"restarts", s.totalRestarts,
		)
	}
	s.releaseStopWaiters()

	if s.startWhenFinalized {
		s.begin()
	}
}

func (s *Supervisor) releaseStopWaiters() {
	s.stopMu.Lock()
	for _, ch := range s.stopWaiters {
		close(ch)
	}
	s.stopWaiters = nil
	s.stopDone = nil
	s.stopMu.Unlock()
}

func (s *Supervisor) handleUpdate(p OptionsPatch) {
	if p.Empty() {
		return
	}
	next := s.opts.Merge(p)
	if err := next.Validate(); err != nil {
		s.logger.Error("options_rejected", "error", err)
		return
	}
	prev := s.opts
	s.opts = next

	s.backoff.SetConfig(next.Backoff)
	s.breaker.SetThreshold(next.CircuitBreakerThreshold)
	if p.Transport != nil || p.TransportFallback != nil {
		s.fallback.Remap(next.Transport, next.TransportFallback)
	}

	s.rearm(timerStart, prev.StartTimeout, next.StartTimeout)
	s.rearm(timerWatchdog, prev.WatchdogTimeout, next.WatchdogTimeout)
	s.rearm(timerIdle, prev.StreamIdleTimeout, next.StreamIdleTimeout)
	s.rearm(timerKill, prev.ForceKillTimeout, next.ForceKillTimeout)

	s.logger.Info("options_updated",
		"input", next.Input,
		"transport", s.fallback.Current(),
		"start_timeout", next.StartTimeout.String(),
		"watchdog_timeout", next.WatchdogTimeout.String(),
		"stream_idle_timeout", next.StreamIdleTimeout.String(),
	)
}

func (s *Supervisor) handleResetBreaker(restart bool) {
	wasTripped := s.breaker.Tripped()
	s.breaker.Reset()
	s.logger.Info("circuit_breaker_reset", "was_tripped", wasTripped, "restart", restart)

	if wasTripped {
		s.setState(StateStopped)
	}
	if restart {
		s.handleStart()
	}
}

func (s *Supervisor) handleResetTransport() {
	from := s.fallback.Current()
	s.fallback.Reset()
	s.memory.ClearPersistent()
	s.logger.Info("transport_reset", "from", from, "to", s.fallback.Current())
}

// =============================================================================
// Process lifecycle
// =============================================================================

func (s *Supervisor) request() process.Request {
	req := process.Request{
		Input:     s.opts.Input,
		FrameRate: s.opts.FrameRate,
		ExtraArgs: s.opts.ExtraArgs,
	}
	if process.IsRTSP(s.opts.Input) {
		req.Transport = s.fallback.Current()
	}
	return req
}

func (s *Supervisor) spawn() {
	s.pending = nil
	s.restartWhenFinalized = false
	s.generation++
	gen := s.generation

	s.memory.ClearPersistent()
	s.splitter.Reset()
	s.setState(StateStarting)

	req := s.request()
	p, err := s.factory.Spawn(s.ctx, req)
	if err != nil {
		f := Failure{
			Reason:     parser.ReasonStartError,
			Generation: gen,
			ErrorCode:  process.ErrorCode(err),
			Err:        err,
			At:         time.Now(),
		}
		if process.IsNotFound(err) {
			f.Reason = parser.ReasonFFmpegMissing
			f.ErrorCode = "ENOENT"
		}
		s.logger.Error("failed_to_start_process",
			"generation", gen,
			"error", err,
			"error_code", f.ErrorCode,
		)
		s.fail(f)
		return
	}

	g := &generation{
		id:        gen,
		proc:      p,
		pid:       p.PID(),
		startedAt: time.Now(),
		chunks:    make(chan struct{}, maxInflightChunks),
		waitDone:  make(chan struct{}),
	}
	s.current = g

	if s.opts.StartTimeout > 0 {
		s.arm(timerStart, s.opts.StartTimeout)
	}
	if s.opts.WatchdogBeforeFirstFrame && s.opts.WatchdogTimeout > 0 {
		s.arm(timerWatchdog, s.opts.WatchdogTimeout)
	}

	go s.pump(g)

	s.logger.Info("channel_started",
		"generation", gen,
		"pid", g.pid,
		"transport", req.Transport,
	)

	info := StreamInfo{
		Channel:    s.channel,
		Generation: gen,
		PID:        g.pid,
		Transport:  req.Transport,
	}
	if cs, ok := s.factory.(interface{ CommandString(process.Request) string }); ok {
		info.Request = cs.CommandString(req)
	}
	s.emitStream(info)
}

// pump reads one generation's output. It runs on its own goroutine and only
// communicates through the mailbox. The exit is posted after both pipes are
// drained, so it is always the generation's last message.
func (s *Supervisor) pump(g *generation) {
	defer close(g.waitDone)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		lr := parser.NewLineReader(g.proc.Stderr(), func(line string) {
			s.post(stderrMsg{gen: g.id, line: line})
		})
		if err := lr.Run(); err != nil {
			s.logger.Debug("stderr_read_error", "generation", g.id, "error", err)
		}
	}()

	var readErr error
	stdout := g.proc.Stdout()
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && s.acquireChunk(g) {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.post(stdoutMsg{gen: g.id, data: chunk, slots: g.chunks})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				readErr = err
			}
			break
		}
	}

	<-stderrDone
	exit, waitErr := g.proc.Wait()
	s.post(exitMsg{gen: g.id, exit: exit, waitErr: waitErr, readErr: readErr})
}

// acquireChunk blocks until g may post another stdout chunk. It returns
// false once the event loop has exited; the chunk is then discarded.
func (s *Supervisor) acquireChunk(g *generation) bool {
	select {
	case g.chunks <- struct{}{}:
		return true
	case <-s.loopDone:
		return false
	}
}

func (s *Supervisor) handleStdout(m stdoutMsg) {
	if m.slots != nil {
		defer func() { <-m.slots }()
	}

	g := s.current
	if g == nil || g.id != m.gen || g.exited {
		return
	}
	if s.shouldStop || s.state == StateCircuitBroken {
		return
	}
	if s.pending != nil && s.pending.generation == g.id {
		// Generation already failed; drop the rest of its output.
		return
	}

	s.emitChunk(g.id, m.data)
	s.splitter.Write(m.data)
	for {
		data, err := s.splitter.Next()
		if err != nil {
			s.corrupted(g, err)
			return
		}
		if data == nil {
			break
		}
		s.onFrame(g, data)
	}

	if limit := s.opts.MaxBufferBytes; limit > 0 && s.splitter.Len() > limit {
		s.corrupted(g, fmt.Errorf("%d bytes buffered without a frame boundary (limit %d)", s.splitter.Len(), limit))
	}
}

func (s *Supervisor) corrupted(g *generation, cause error) {
	s.splitter.Reset()
	s.fail(Failure{
		Reason:     parser.ReasonCorruptedFrame,
		Generation: g.id,
		Err:        fmt.Errorf("%w: %w", ErrCorruptedFrame, cause),
		At:         time.Now(),
	})
}

func (s *Supervisor) onFrame(g *generation, data []byte) {
	now := time.Now()
	g.frames++
	s.frameSeq++
	s.lastFrameAt = now

	if g.frames == 1 {
		s.memory.ClearPersistent()
		s.disarm(timerStart)
		s.backoff.Reset()
		s.fallback.MarkValidated()
		s.setState(StateStreaming)
		s.logger.Info("first_frame",
			"generation", g.id,
			"startup", now.Sub(g.startedAt).String(),
			"bytes", len(data),
		)
	}

	s.breaker.RecordSuccess()
	if s.opts.WatchdogTimeout > 0 {
		s.arm(timerWatchdog, s.opts.WatchdogTimeout)
	}
	if s.opts.StreamIdleTimeout > 0 {
		s.arm(timerIdle, s.opts.StreamIdleTimeout)
	}

	s.emitFrame(Frame{
		Channel:    s.channel,
		Generation: g.id,
		Seq:        s.frameSeq,
		Data:       data,
		At:         now,
	})
}

func (s *Supervisor) handleStderr(m stderrMsg) {
	s.emitStderr(m.gen, m.line)

	g := s.current
	if g == nil || g.id != m.gen {
		return
	}
	reason, ok := parser.Classify(m.line)
	if !ok {
		return
	}
	s.fail(Failure{
		Reason:     reason,
		Generation: g.id,
		Err:        errors.New(m.line),
		At:         time.Now(),
	})
}

func (s *Supervisor) handleExit(m exitMsg) {
	g := s.current
	if g == nil || g.id != m.gen {
		return
	}
	g.exited = true
	s.disarm(timerKill)
	uptime := time.Since(g.startedAt)

	f := Failure{
		Generation: g.id,
		Signal:     m.exit.Signal,
		At:         time.Now(),
	}
	if m.waitErr == nil && m.exit.Signal == "" {
		code := m.exit.Code
		f.ExitCode = &code
	}
	switch {
	case m.readErr != nil:
		f.Reason = parser.ReasonStreamError
		f.Err = m.readErr
	case m.waitErr != nil:
		f.Reason = parser.ReasonFFmpegError
		f.Err = m.waitErr
	case !m.exit.Success():
		f.Reason = parser.ReasonFFmpegExit
		if m.exit.Signal != "" {
			f.Err = fmt.Errorf("ffmpeg killed by %s", m.exit.Signal)
		} else {
			f.Err = fmt.Errorf("ffmpeg exited with code %d", m.exit.Code)
		}
	case g.frames > 0:
		f.Reason = parser.ReasonFFmpegEnded
	default:
		f.Reason = parser.ReasonStreamClosed
	}

	s.logger.Info("process_exited",
		"generation", g.id,
		"pid", g.pid,
		"exit_code", m.exit.Code,
		"signal", m.exit.Signal,
		"uptime", uptime.String(),
		"frames", g.frames,
	)

	s.fail(f)
	s.finalize(g, uptime)
}

// finalize retires the current generation. Restarts happen only from here
// or from the restart timer when no process is alive.
func (s *Supervisor) finalize(g *generation, uptime time.Duration) {
	s.current = nil
	s.splitter.Reset()
	s.disarm(timerStart)
	s.disarm(timerWatchdog)
	s.disarm(timerIdle)
	s.disarm(timerKill)

	s.emitEnd(EndInfo{
		Channel:    s.channel,
		Generation: g.id,
		Frames:     g.frames,
		Uptime:     uptime,
	})

	switch {
	case s.shouldStop:
		s.completeStop()
	case s.startWhenFinalized:
		s.begin()
	case s.pending != nil && s.restartWhenFinalized:
		s.spawn()
	}
}

func (s *Supervisor) terminate(g *generation, immediate bool) {
	if g == nil || g.exited || g.killed {
		return
	}
	if immediate || s.opts.ForceKillTimeout <= 0 {
		g.killed = true
		s.disarm(timerKill)
		s.signal(g, syscall.SIGKILL)
		return
	}
	if g.terminating {
		return
	}
	g.terminating = true
	s.signal(g, syscall.SIGTERM)
	s.arm(timerKill, s.opts.ForceKillTimeout)
}

func (s *Supervisor) signal(g *generation, sig syscall.Signal) {
	s.logger.Debug("signalling_process", "generation", g.id, "pid", g.pid, "signal", process.SignalName(sig))
	if err := g.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("signal_failed",
			"generation", g.id,
			"pid", g.pid,
			"signal", process.SignalName(sig),
			"error", err,
		)
	}
}

// =============================================================================
// Failure pipeline
// =============================================================================

// fail turns a failure into at most one recovery decision per generation:
// dedup, absorb into a pending restart, transport fallback, breaker,
// backoff, recover event, terminate. The restart itself waits for the
// generation to be finalized.
func (s *Supervisor) fail(f Failure) {
	if s.shouldStop || !s.state.IsActive() {
		return
	}
	if f.At.IsZero() {
		f.At = time.Now()
	}

	if !s.memory.Observe(f.Reason, f.Generation) {
		s.logger.Debug("duplicate_failure_suppressed", "reason", f.Reason.String(), "generation", f.Generation)
		return
	}
	if p := s.pending; p != nil && p.generation == f.Generation {
		p.absorb(f)
		s.logger.Debug("failure_absorbed",
			"reason", f.Reason.String(),
			"generation", f.Generation,
			"recovering_for", p.ctx.Reason.String(),
		)
		return
	}

	s.lastFailure = &f
	s.emitError(&SourceError{
		Channel:    s.channel,
		Reason:     f.Reason,
		Generation: f.Generation,
		Err:        f.Err,
	})

	if !s.advanceTransport(f) && s.breaker.Record(f.Reason) {
		s.trip(f)
		return
	}

	d := s.backoff.Next()
	rc := RecoverContext{
		Reason:     f.Reason,
		Attempt:    d.Attempt,
		Delay:      d.Value,
		Meta:       d,
		Channel:    s.channel,
		Generation: f.Generation,
		ErrorCode:  f.ErrorCode,
		ExitCode:   f.ExitCode,
		Signal:     f.Signal,
	}
	if process.IsRTSP(s.opts.Input) {
		rc.Transport = s.fallback.Current()
	}
	s.pending = &pendingRestart{
		generation: f.Generation,
		ctx:        rc,
		reasons:    map[parser.Reason]struct{}{f.Reason: {}},
	}
	s.totalRestarts++

	s.setState(StateRecovering)
	s.disarm(timerStart)
	s.disarm(timerWatchdog)
	s.disarm(timerIdle)
	s.arm(timerRestart, d.Value)

	s.logger.Warn("restart_scheduled",
		"reason", f.Reason.String(),
		"attempt", d.Attempt,
		"delay", d.Value.String(),
		"base_delay", d.Base.String(),
		"jitter", d.Jitter.String(),
		"generation", f.Generation,
		"error_code", f.ErrorCode,
		"error", f.Err,
	)
	if s.recorder != nil {
		s.recorder.RecordRestart(s.channel, f.Reason, d.Value)
	}
	s.emitRecover(rc)

	s.terminate(s.current, f.Reason.TerminatesImmediately())
}

// advanceTransport moves an RTSP source to its next transport. A change is
// a fresh start: backoff and breaker counts are reset.
func (s *Supervisor) advanceTransport(f Failure) bool {
	if !f.Reason.DrivesTransportFallback() || !process.IsRTSP(s.opts.Input) {
		return false
	}
	from, to, ok := s.fallback.Advance(f.Reason, f.At)
	if !ok {
		return false
	}

	attempts := s.backoff.Attempts()
	s.backoff.Reset()
	s.breaker.ResetCount()
	s.memory.ClearPersistent()

	tc := TransportChange{
		Channel:              s.channel,
		From:                 from,
		To:                   to,
		Reason:               f.Reason,
		Attempt:              attempts,
		Stage:                s.fallback.Index(),
		ResetsBackoff:        true,
		ResetsCircuitBreaker: true,
		At:                   f.At,
	}
	s.logger.Warn("transport_changed",
		"from", from,
		"to", to,
		"reason", f.Reason.String(),
		"stage", tc.Stage,
		"attempt", attempts,
	)
	s.emitTransportChange(tc)
	return true
}

func (s *Supervisor) trip(f Failure) {
	fc := FatalContext{
		Reason:      parser.ReasonCircuitBreaker,
		Channel:     s.channel,
		Attempts:    s.breaker.Count(),
		LastFailure: f,
		History:     s.breaker.History(),
		IncidentID:  uuid.NewString(),
		At:          time.Now(),
	}

	s.pending = nil
	s.restartWhenFinalized = false
	s.disarm(timerStart)
	s.disarm(timerWatchdog)
	s.disarm(timerIdle)
	s.disarm(timerRestart)
	s.setState(StateCircuitBroken)

	s.logger.Error("circuit_breaker_tripped",
		"incident_id", fc.IncidentID,
		"attempts", fc.Attempts,
		"threshold", s.breaker.Threshold(),
		"last_reason", f.Reason.String(),
		"error", f.Err,
	)

	s.terminate(s.current, true)
	if s.recorder != nil {
		s.recorder.RecordRestart(s.channel, parser.ReasonCircuitBreaker, 0)
	}
	s.emitFatal(fc)
}

// =============================================================================
// Timers
// =============================================================================

func (s *Supervisor) handleTimer(m timerMsg) {
	h := &s.timers[m.kind]
	if h.token == 0 || h.token != m.token {
		return // stale
	}
	h.token = 0
	h.t = nil
	s.logger.Debug("timer_fired", "timer", m.kind.String())

	switch m.kind {
	case timerKill:
		if g := s.current; g != nil && !g.exited && !g.killed {
			s.logger.Warn("force_killing_process",
				"generation", g.id,
				"pid", g.pid,
				"grace", s.opts.ForceKillTimeout.String(),
			)
			g.killed = true
			s.signal(g, syscall.SIGKILL)
		}
		return
	case timerRestart:
		if s.shouldStop || s.pending == nil {
			return
		}
		if s.current != nil {
			s.restartWhenFinalized = true
			return
		}
		s.spawn()
		return
	}

	if s.shouldStop {
		return
	}
	g := s.current
	if g == nil || g.exited {
		return
	}

	switch m.kind {
	case timerStart:
		s.fail(Failure{
			Reason:     parser.ReasonStartTimeout,
			Generation: g.id,
			Err:        fmt.Errorf("no frame within %s of spawn", s.opts.StartTimeout),
		})
	case timerWatchdog:
		s.fail(Failure{
			Reason:     parser.ReasonWatchdogTimeout,
			Generation: g.id,
			Err:        fmt.Errorf("no frame for %s", s.opts.WatchdogTimeout),
		})
	case timerIdle:
		s.fail(Failure{
			Reason:     parser.ReasonStreamIdle,
			Generation: g.id,
			Err:        fmt.Errorf("stream idle for %s", s.opts.StreamIdleTimeout),
		})
	}
}

// =============================================================================
// Status
// =============================================================================

func (s *Supervisor) setState(newState State) {
	oldState := s.state
	if oldState == newState {
		return
	}
	s.state = newState
	s.logger.Debug("state_changed", "from", oldState.String(), "to", newState.String())
	s.emitStateChange(oldState, newState)
}

func (s *Supervisor) publishStatus() {
	st := Status{
		Channel:          s.channel,
		Input:            s.opts.Input,
		State:            s.state,
		Generation:       s.generation,
		Restarts:         s.backoff.Attempts(),
		TotalRestarts:    s.totalRestarts,
		BreakerCount:     s.breaker.Count(),
		BreakerThreshold: s.breaker.Threshold(),
		Frames:           s.frameSeq,
		LastFrameAt:      s.lastFrameAt,
		Transport:        s.fallback.Snapshot(),
		RTSP:             process.IsRTSP(s.opts.Input),
	}
	if g := s.current; g != nil && !g.exited {
		st.PID = g.pid
	}
	if s.lastFailure != nil {
		f := *s.lastFailure
		st.LastFailure = &f
	}

	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}
