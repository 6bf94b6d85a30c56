package framebus

import "time"

const (
	defaultFPSWindow = 5 * time.Second

	// maxFPSSamples bounds memory for very high frame rates.
	maxFPSSamples = 512
)

// fpsMeter measures a frame rate over a sliding time window.
type fpsMeter struct {
	window  time.Duration
	samples []time.Time // ring
	start   int
	n       int
}

func newFPSMeter(window time.Duration) *fpsMeter {
	return &fpsMeter{
		window:  window,
		samples: make([]time.Time, maxFPSSamples),
	}
}

// Observe records one frame at t.
func (m *fpsMeter) Observe(t time.Time) {
	if m.n == len(m.samples) {
		m.start = (m.start + 1) % len(m.samples)
		m.n--
	}
	m.samples[(m.start+m.n)%len(m.samples)] = t
	m.n++
}

// Rate returns frames per second over the window ending at now.
func (m *fpsMeter) Rate(now time.Time) float64 {
	cutoff := now.Add(-m.window)
	for m.n > 0 && m.samples[m.start].Before(cutoff) {
		m.start = (m.start + 1) % len(m.samples)
		m.n--
	}
	if m.n < 2 {
		return 0
	}

	first := m.samples[m.start]
	last := m.samples[(m.start+m.n-1)%len(m.samples)]
	span := last.Sub(first)
	if span <= 0 {
		return 0
	}
	return float64(m.n-1) / span.Seconds()
}
