// Package orchestrator provides the core orchestration logic for go-ffmpeg-videosource.
package orchestrator

import (
	"context"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

// StartScheduler controls the rate at which channels are started.
// Cameras often share one NVR or uplink, so channels are not all started
// at once, and each gets a per-channel jitter that stays stable across runs
// with the same seed.
type StartScheduler struct {
	rate      int                      // channels per second
	maxJitter time.Duration            // maximum jitter per channel
	jitter    *supervisor.JitterSource // deterministic jitter source
}

// NewStartScheduler creates a scheduler. A zero seed uses the current time.
func NewStartScheduler(rate int, maxJitter time.Duration, seed int64) *StartScheduler {
	js := supervisor.NewJitterSource(seed)
	if seed == 0 {
		js = supervisor.NewJitterSourceFromTime()
	}
	return &StartScheduler{
		rate:      rate,
		maxJitter: maxJitter,
		jitter:    js,
	}
}

// Delay returns how long to wait before starting the channel at position
// index. The first channel starts immediately.
func (s *StartScheduler) Delay(index int, channel string) time.Duration {
	if index == 0 {
		return 0
	}

	// rate=5 means 1 channel per 200ms
	var base time.Duration
	if s.rate > 0 {
		base = time.Second / time.Duration(s.rate)
	}
	return base + s.jitter.ChannelJitter(channel, s.maxJitter)
}

// Wait blocks for Delay(index, channel). Returns ctx.Err() if cancelled.
func (s *StartScheduler) Wait(ctx context.Context, index int, channel string) error {
	d := s.Delay(index, channel)
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EstimatedDuration returns the estimated time to start n channels.
func (s *StartScheduler) EstimatedDuration(n int) time.Duration {
	if s.rate <= 0 || n <= 1 {
		return 0
	}
	base := time.Duration(n-1) * time.Second / time.Duration(s.rate)
	return base + time.Duration(n-1)*s.maxJitter/2
}

// Rate returns the configured rate (channels per second).
func (s *StartScheduler) Rate() int {
	return s.rate
}

// MaxJitter returns the configured maximum jitter.
func (s *StartScheduler) MaxJitter() time.Duration {
	return s.maxJitter
}
