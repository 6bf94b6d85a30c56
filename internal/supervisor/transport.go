package supervisor

import (
	"time"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/parser"
)

// DefaultTransport is the RTSP transport used when none is configured.
const DefaultTransport = "tcp"

// DefaultTransportSequence is appended after the configured transport when
// no explicit fallback sequence is given.
var DefaultTransportSequence = []string{"tcp", "udp"}

// TransportFallback walks an ordered, de-duplicated list of RTSP transports.
// It only ever moves forward; Reset returns to the first entry.
type TransportFallback struct {
	base       string
	sequence   []string
	index      int
	lastReason parser.Reason
	lastChange time.Time
	changes    int
}

// TransportSnapshot is a read-only view of the fallback state.
type TransportSnapshot struct {
	Base       string
	Sequence   []string
	Index      int
	Current    string
	LastReason parser.Reason
	LastChange time.Time
	Changes    int
}

// NewTransportFallback builds the sequence [base] + override, or
// [base] + DefaultTransportSequence when override is empty.
func NewTransportFallback(base string, override []string) *TransportFallback {
	if base == "" {
		base = DefaultTransport
	}
	return &TransportFallback{
		base:     base,
		sequence: buildTransportSequence(base, override),
	}
}

func buildTransportSequence(base string, override []string) []string {
	tail := override
	if len(tail) == 0 {
		tail = DefaultTransportSequence
	}

	seen := make(map[string]struct{}, len(tail)+1)
	seq := make([]string, 0, len(tail)+1)
	for _, t := range append([]string{base}, tail...) {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		seq = append(seq, t)
	}
	return seq
}

// Current returns the active transport.
func (f *TransportFallback) Current() string {
	return f.sequence[f.index]
}

// Index returns the position of the active transport.
func (f *TransportFallback) Index() int {
	return f.index
}

// Advance moves to the next transport that differs from the current one.
// It returns ok=false, leaving the state untouched, when none is left.
func (f *TransportFallback) Advance(reason parser.Reason, now time.Time) (from, to string, ok bool) {
	from = f.Current()
	for i := f.index + 1; i < len(f.sequence); i++ {
		if f.sequence[i] == from {
			continue
		}
		f.index = i
		f.lastReason = reason
		f.lastChange = now
		f.changes++
		return from, f.sequence[i], true
	}
	return from, from, false
}

// Remap rebuilds the sequence for new settings and keeps the current
// transport if it is still present, otherwise falls back to index 0.
func (f *TransportFallback) Remap(base string, override []string) {
	if base == "" {
		base = DefaultTransport
	}
	current := f.Current()
	f.base = base
	f.sequence = buildTransportSequence(base, override)
	f.index = 0
	for i, t := range f.sequence {
		if t == current {
			f.index = i
			break
		}
	}
}

// MarkValidated records that the current transport delivered a frame.
// The position is kept; the source never moves backwards on success.
func (f *TransportFallback) MarkValidated() {
	f.lastReason = parser.ReasonNone
}

// Reset returns to the first transport. The change counter is kept.
func (f *TransportFallback) Reset() {
	f.index = 0
	f.lastReason = parser.ReasonNone
}

// Snapshot returns a copy of the current state.
func (f *TransportFallback) Snapshot() TransportSnapshot {
	seq := make([]string, len(f.sequence))
	copy(seq, f.sequence)
	return TransportSnapshot{
		Base:       f.base,
		Sequence:   seq,
		Index:      f.index,
		Current:    f.Current(),
		LastReason: f.lastReason,
		LastChange: f.lastChange,
		Changes:    f.changes,
	}
}
