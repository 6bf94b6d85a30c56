package parser

// Memory deduplicates failure classifications across process generations.
//
// RTSP reasons are persistent: each is reported once until ClearPersistent
// is called (on spawn, first frame or transport change), however many times
// FFmpeg repeats the line. Every other reason is transient and keyed by
// (reason, generation), so the same reason in a new process is reported
// again. Transient entries from older generations are dropped when a newer
// generation is first seen.
//
// Memory is not safe for concurrent use; the supervisor owns it.
type Memory struct {
	persistent map[Reason]struct{}
	transient  map[transientKey]struct{}
	generation uint64
}

type transientKey struct {
	reason     Reason
	generation uint64
}

// NewMemory returns empty classification memory.
func NewMemory() *Memory {
	return &Memory{
		persistent: make(map[Reason]struct{}),
		transient:  make(map[transientKey]struct{}),
	}
}

// Observe records reason for generation and reports whether it is new.
// A false return means the failure was already reported and must not be
// acted on again.
func (m *Memory) Observe(reason Reason, generation uint64) bool {
	if reason.IsRTSP() {
		if _, seen := m.persistent[reason]; seen {
			return false
		}
		m.persistent[reason] = struct{}{}
		return true
	}

	if generation > m.generation {
		m.rollover(generation)
	}
	key := transientKey{reason: reason, generation: generation}
	if _, seen := m.transient[key]; seen {
		return false
	}
	m.transient[key] = struct{}{}
	return true
}

func (m *Memory) rollover(generation uint64) {
	m.generation = generation
	for k := range m.transient {
		if k.generation < generation {
			delete(m.transient, k)
		}
	}
}

// ClearPersistent forgets every RTSP reason.
func (m *Memory) ClearPersistent() {
	clear(m.persistent)
}

// Reset forgets everything, including the last seen generation.
func (m *Memory) Reset() {
	clear(m.persistent)
	clear(m.transient)
	m.generation = 0
}

// Len returns the number of (persistent, transient) entries held.
func (m *Memory) Len() (persistent, transient int) {
	return len(m.persistent), len(m.transient)
}
