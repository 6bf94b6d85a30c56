package supervisor

import (
	"math"
	"time"
)

// BackoffConfig holds the configuration for exponential backoff.
type BackoffConfig struct {
	MinDelay     time.Duration // First restart delay and lower clamp (default: 1s)
	MaxDelay     time.Duration // Upper clamp (default: 30s)
	JitterFactor float64       // Jitter as a fraction of the base delay (default: 0.2 = ±20%)
}

// DefaultBackoffConfig returns sensible defaults for backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MinDelay:     time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// Rand is the randomness consumed by the backoff calculator.
// *math/rand.Rand satisfies it.
type Rand interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
}

// Delay is one backoff decision together with the values that produced it.
// All durations are whole milliseconds.
type Delay struct {
	Attempt int

	// Value is the delay to wait before restarting.
	Value time.Duration

	// Base is the un-jittered exponential delay for Attempt.
	Base time.Duration

	// MinDelay and MaxDelay are the clamp bounds in effect.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Jitter is Value - Base.
	Jitter time.Duration

	// MinJitter and MaxJitter are the extremes Jitter could have taken for
	// this Base after clamping.
	MinJitter time.Duration
	MaxJitter time.Duration
}

// ComputeDelay returns the restart delay for attempt (1-based).
//
//	base(1) = min
//	base(n) = min(max, round(min * 2^(n-1)))
//	delay   = clamp(base + round(r * round(base * jitter)), min, max), r in [-1, 1]
//
// A nil rng applies no jitter.
func ComputeDelay(attempt int, cfg BackoffConfig, rng Rand) Delay {
	minMs := cfg.MinDelay.Milliseconds()
	maxMs := cfg.MaxDelay.Milliseconds()
	if minMs < 0 {
		minMs = 0
	}
	if maxMs < minMs {
		maxMs = minMs
	}
	if attempt < 1 {
		attempt = 1
	}

	base := minMs
	if attempt > 1 {
		exp := float64(minMs) * math.Pow(2, float64(attempt-1))
		if exp >= float64(maxMs) {
			base = maxMs
		} else {
			base = int64(math.Round(exp))
		}
	}

	jitterRange := int64(0)
	if cfg.JitterFactor > 0 {
		jitterRange = int64(math.Round(float64(base) * cfg.JitterFactor))
	}

	applied := int64(0)
	if jitterRange > 0 && rng != nil {
		r := rng.Float64()*2 - 1
		applied = int64(math.Round(r * float64(jitterRange)))
	}

	value := clampMs(base+applied, minMs, maxMs)
	lo := clampMs(base-jitterRange, minMs, maxMs)
	hi := clampMs(base+jitterRange, minMs, maxMs)

	return Delay{
		Attempt:   attempt,
		Value:     ms(value),
		Base:      ms(base),
		MinDelay:  ms(minMs),
		MaxDelay:  ms(maxMs),
		Jitter:    ms(value - base),
		MinJitter: ms(lo - base),
		MaxJitter: ms(hi - base),
	}
}

func clampMs(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Backoff tracks the restart attempt counter of one source.
// Each instance is tied to a specific channel for deterministic jitter.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      Rand
}

// NewBackoff creates a new Backoff calculator drawing jitter from rng.
func NewBackoff(rng Rand, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rng,
	}
}

// Next increments the attempt counter and returns the delay for it.
func (b *Backoff) Next() Delay {
	b.attempts++
	return ComputeDelay(b.attempts, b.config, b.rng)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// SetConfig replaces the delay bounds. The attempt counter is kept.
func (b *Backoff) SetConfig(cfg BackoffConfig) {
	b.config = cfg
}
