// Package supervisor keeps a single FFmpeg video source alive: it spawns the
// process, demultiplexes its frames, watches it with timers and restarts it
// with backoff until told to stop or until the circuit breaker trips.
package supervisor

// State represents the current state of a supervised source.
type State int

const (
	// StateIdle is the initial state before the source has started.
	StateIdle State = iota

	// StateStarting indicates a process was spawned and no frame has
	// arrived yet.
	StateStarting

	// StateStreaming indicates frames are flowing.
	StateStreaming

	// StateRecovering indicates a failure was handled and a restart is
	// scheduled.
	StateRecovering

	// StateCircuitBroken indicates automatic restarts were abandoned after
	// repeated failures. Only ResetCircuitBreaker leaves this state.
	StateCircuitBroken

	// StateStopped indicates Stop completed. Start leaves this state.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateRecovering:
		return "recovering"
	case StateCircuitBroken:
		return "circuit-broken"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AllStates lists every state, in declaration order.
var AllStates = []State{
	StateIdle,
	StateStarting,
	StateStreaming,
	StateRecovering,
	StateCircuitBroken,
	StateStopped,
}

// IsActive returns true if the state represents an active source
// (either streaming or in the process of starting/restarting).
func (s State) IsActive() bool {
	return s == StateStarting || s == StateStreaming || s == StateRecovering
}

// IsTerminal returns true if the source will not restart on its own.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateCircuitBroken
}
