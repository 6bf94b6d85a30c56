package supervisor

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// JitterSource provides deterministic, per-channel jitter values.
// Using a per-channel seed ensures that channels keep their relative
// timing offsets across restarts, preventing synchronized reconnect storms
// against a shared camera or NVR.
type JitterSource struct {
	configSeed int64
}

// NewJitterSource creates a new jitter source with the given config seed.
func NewJitterSource(configSeed int64) *JitterSource {
	return &JitterSource{
		configSeed: configSeed,
	}
}

// NewJitterSourceFromTime creates a jitter source seeded from the current time.
func NewJitterSourceFromTime() *JitterSource {
	return NewJitterSource(time.Now().UnixNano())
}

// ForChannel returns a random number generator seeded for a specific channel.
// The same channel name will always produce the same sequence of values.
func (j *JitterSource) ForChannel(channel string) *rand.Rand {
	return rand.New(rand.NewSource(channelSeed(channel) ^ j.configSeed))
}

// ChannelJitter returns a jitter duration for a channel within [0, maxJitter).
func (j *JitterSource) ChannelJitter(channel string, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	rng := j.ForChannel(channel)
	return time.Duration(rng.Int63n(int64(maxJitter)))
}

func channelSeed(channel string) int64 {
	h := fnv.New64a()
	h.Write([]byte(channel))
	return int64(h.Sum64())
}
