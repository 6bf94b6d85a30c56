package supervisor

import (
	"fmt"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/parser"
)

// Frame is one demultiplexed PNG image.
type Frame struct {
	Channel    string
	Generation uint64

	// Seq counts frames across the whole lifetime of the supervisor.
	Seq uint64

	// Data is the complete PNG. Listeners share it and must not modify it.
	Data []byte
	At   time.Time
}

// Failure describes one classified failure of a process generation.
type Failure struct {
	Reason     parser.Reason
	Generation uint64
	ErrorCode  string
	ExitCode   *int
	Signal     string
	Err        error
	At         time.Time
}

// RecoverContext is emitted once per recovery decision.
type RecoverContext struct {
	Reason  parser.Reason
	Attempt int
	Delay   time.Duration

	// Meta carries the backoff computation behind Delay.
	Meta Delay

	Channel    string
	Generation uint64
	Transport  string
	ErrorCode  string
	ExitCode   *int
	Signal     string
}

// FatalContext is emitted when the circuit breaker trips.
type FatalContext struct {
	Reason      parser.Reason
	Channel     string
	Attempts    int
	LastFailure Failure

	// History lists the consecutive candidate reasons that tripped the breaker.
	History []parser.Reason

	// IncidentID correlates the fatal event across logs and alerts.
	IncidentID string
	At         time.Time
}

// TransportChange is emitted when the RTSP transport fallback advances.
type TransportChange struct {
	Channel string
	From    string
	To      string
	Reason  parser.Reason

	// Attempt is the restart count on the old transport.
	Attempt int

	// Stage is the index of To in the fallback sequence.
	Stage int

	ResetsBackoff        bool
	ResetsCircuitBreaker bool
	At                   time.Time
}

// StreamInfo is emitted once per process generation when its output is
// attached.
type StreamInfo struct {
	Channel    string
	Generation uint64
	PID        int
	Transport  string
	Request    string
}

// EndInfo is emitted when a process generation is fully finalized.
type EndInfo struct {
	Channel    string
	Generation uint64
	Frames     uint64
	Uptime     time.Duration
}

// Callbacks contains optional callback functions for supervisor events.
// All callbacks run on the supervisor's event loop, in registration order.
// They may call any Supervisor method but must not block: a slow listener
// stalls the event loop, and once maxInflightChunks stdout chunks are
// queued, the process's stdout as well.
type Callbacks struct {
	// OnFrame is called for every demultiplexed frame.
	OnFrame func(f Frame)

	// OnError is called for every new failure before recovery is decided.
	OnError func(err error)

	// OnEnd is called when a process generation has exited and its output
	// is drained.
	OnEnd func(info EndInfo)

	// OnRecover is called when a restart is scheduled.
	OnRecover func(ctx RecoverContext)

	// OnFatal is called when the circuit breaker trips.
	OnFatal func(ctx FatalContext)

	// OnTransportChange is called when the RTSP transport changes.
	OnTransportChange func(tc TransportChange)

	// OnStream is called when a new process's output is attached.
	OnStream func(info StreamInfo)

	// OnChunk is called with every raw stdout chunk of the current process
	// before it is split into frames. Listeners share data and must not
	// modify it.
	OnChunk func(channel string, generation uint64, data []byte)

	// OnStateChange is called when the source state changes.
	OnStateChange func(channel string, oldState, newState State)

	// OnStderr is called for every line FFmpeg writes to stderr.
	OnStderr func(channel string, generation uint64, line string)
}

// Recorder receives restart accounting.
type Recorder interface {
	// RecordRestart is called once per recover event and once with
	// parser.ReasonCircuitBreaker when the breaker trips.
	RecordRestart(channel string, reason parser.Reason, delay time.Duration)
}

// SourceError is the error passed to OnError.
type SourceError struct {
	Channel    string
	Reason     parser.Reason
	Generation uint64
	Err        error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s (generation %d)", e.Channel, e.Reason, e.Generation)
	}
	return fmt.Sprintf("%s: %s (generation %d): %v", e.Channel, e.Reason, e.Generation, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
