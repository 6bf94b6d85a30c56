package supervisor

import "time"

// timerKind identifies one of the supervisor's owned timers.
type timerKind int

const (
	timerStart timerKind = iota
	timerWatchdog
	timerIdle
	timerKill
	timerRestart

	timerCount
)

// String returns a human-readable name for the timer.
func (k timerKind) String() string {
	switch k {
	case timerStart:
		return "start"
	case timerWatchdog:
		return "watchdog"
	case timerIdle:
		return "stream-idle"
	case timerKill:
		return "kill"
	case timerRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// timerHandle is an owned timer. A fire is delivered through the mailbox
// and ignored unless its token still matches.
type timerHandle struct {
	t     *time.Timer
	token uint64
}

func (h *timerHandle) armed() bool {
	return h.token != 0
}

type timerMsg struct {
	kind  timerKind
	token uint64
}

// arm cancels kind if armed and arms it again for d.
func (s *Supervisor) arm(kind timerKind, d time.Duration) {
	s.disarm(kind)
	s.tokenSeq++
	token := s.tokenSeq

	h := &s.timers[kind]
	h.token = token
	h.t = time.AfterFunc(d, func() {
		s.post(timerMsg{kind: kind, token: token})
	})
}

func (s *Supervisor) disarm(kind timerKind) {
	h := &s.timers[kind]
	if h.t != nil {
		h.t.Stop()
		h.t = nil
	}
	h.token = 0
}

// rearm restarts an armed timer when its configured duration changed.
func (s *Supervisor) rearm(kind timerKind, old, next time.Duration) {
	if old == next || !s.timers[kind].armed() {
		return
	}
	if next <= 0 && kind != timerKill {
		s.disarm(kind)
		return
	}
	s.arm(kind, max(next, 0))
}
