package supervisor

import "github.com/randomizedcoder/go-ffmpeg-videosource/internal/parser"

// DefaultBreakerThreshold is the number of consecutive candidate failures
// that trips the breaker.
const DefaultBreakerThreshold = 5

// maxBreakerHistory bounds the failure history carried in a fatal event.
const maxBreakerHistory = 32

// IsBreakerCandidate reports whether reason counts towards tripping the
// circuit breaker.
func IsBreakerCandidate(reason parser.Reason) bool {
	switch reason {
	case parser.ReasonStartTimeout,
		parser.ReasonWatchdogTimeout,
		parser.ReasonStreamIdle,
		parser.ReasonRTSPTimeout,
		parser.ReasonRTSPConnectionFailure,
		parser.ReasonRTSPAuthFailure,
		parser.ReasonRTSPNotFound,
		parser.ReasonFFmpegMissing:
		return true
	default:
		return false
	}
}

// Breaker counts consecutive candidate failures.
//
// A non-candidate reason resets the count, except ffmpeg-exit directly
// after a candidate: that exit is treated as part of the same episode.
// A threshold of zero disables tripping.
type Breaker struct {
	threshold int
	count     int
	last      parser.Reason
	tripped   bool
	history   []parser.Reason
}

// NewBreaker creates a breaker with the given threshold.
func NewBreaker(threshold int) *Breaker {
	if threshold < 0 {
		threshold = 0
	}
	return &Breaker{threshold: threshold}
}

// Record accounts one failure and reports whether the breaker is now tripped.
func (b *Breaker) Record(reason parser.Reason) bool {
	if b.tripped {
		return true
	}

	switch {
	case IsBreakerCandidate(reason):
		b.count++
		b.history = append(b.history, reason)
		if len(b.history) > maxBreakerHistory {
			b.history = b.history[len(b.history)-maxBreakerHistory:]
		}
	case reason == parser.ReasonFFmpegExit && IsBreakerCandidate(b.last):
		// Same episode; keep counting.
	default:
		b.count = 0
		b.history = b.history[:0]
	}
	b.last = reason

	if b.threshold > 0 && b.count >= b.threshold {
		b.tripped = true
	}
	return b.tripped
}

// RecordSuccess clears the count after a frame was received.
func (b *Breaker) RecordSuccess() {
	b.count = 0
	b.last = parser.ReasonNone
	b.history = b.history[:0]
}

// ResetCount clears the count without touching the tripped flag.
func (b *Breaker) ResetCount() {
	b.count = 0
	b.history = b.history[:0]
}

// Reset clears the count and the tripped flag.
func (b *Breaker) Reset() {
	b.ResetCount()
	b.last = parser.ReasonNone
	b.tripped = false
}

// SetThreshold changes the threshold. It does not trip the breaker by itself.
func (b *Breaker) SetThreshold(threshold int) {
	if threshold < 0 {
		threshold = 0
	}
	b.threshold = threshold
}

func (b *Breaker) Threshold() int { return b.threshold }
func (b *Breaker) Count() int     { return b.count }
func (b *Breaker) Tripped() bool  { return b.tripped }

// History returns a copy of the consecutive candidate reasons being counted.
func (b *Breaker) History() []parser.Reason {
	out := make([]parser.Reason, len(b.history))
	copy(out, b.history)
	return out
}
