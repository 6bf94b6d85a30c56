// Package framebus provides non-blocking frame distribution to multiple subscribers.
//
// Frames published to the bus are distributed to every subscriber whose
// channel filter matches, using Go channels. If a subscriber's channel is
// full, the frame is dropped for that subscriber rather than queued, so one
// slow consumer never delays the supervisors or the other consumers.
//
// The bus also remembers the latest frame of every video channel and
// measures its frame rate, which back the HTTP frame endpoint and the
// dashboard.
//
// # Basic Usage
//
//	bus := framebus.New()
//	defer bus.Close()
//
//	ch := make(chan framebus.Frame, 5)
//	bus.Subscribe("detector-1", "front-door", ch)
//
//	sup.Subscribe(supervisor.Callbacks{OnFrame: bus.PublishFrame})
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package framebus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with unknown id.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrNilChannel is returned when Subscribe is called with a nil channel.
	ErrNilChannel = errors.New("subscriber channel cannot be nil")

	// ErrNoFrame is returned by Latest before a channel produced a frame.
	ErrNoFrame = errors.New("no frame yet")
)

// Frame is one PNG image on the bus.
type Frame struct {
	// TraceID identifies this frame across consumers and logs.
	TraceID string

	Channel    string
	Generation uint64
	Seq        uint64

	// Data is the complete PNG. Subscribers share it and must not modify it.
	Data      []byte
	Timestamp time.Time
}

// BusStats contains global and per-subscriber metrics.
type BusStats struct {
	// TotalPublished is the number of Publish() calls
	TotalPublished uint64

	// TotalSent is the sum of frames sent to all subscribers
	TotalSent uint64

	// TotalDropped is the sum of frames dropped across all subscribers
	TotalDropped uint64

	Subscribers map[string]SubscriberStats
	Channels    map[string]ChannelStats
}

// SubscriberStats tracks metrics for a single subscriber.
type SubscriberStats struct {
	// Channel is the subscriber's filter; empty receives every channel.
	Channel string
	Sent    uint64
	Dropped uint64
}

// ChannelStats tracks metrics for one video channel.
type ChannelStats struct {
	Published uint64
	FPS       float64
	LastFrame time.Time
}

type subscriber struct {
	channel string
	ch      chan<- Frame
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type channelState struct {
	published uint64
	latest    Frame
	meter     *fpsMeter
}

// Bus distributes frames to subscribers with a drop policy.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	chMu     sync.Mutex
	channels map[string]*channelState

	// Global counter (atomic - no lock needed in Publish)
	totalPublished atomic.Uint64

	now func() time.Time
}

// New creates a new frame bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		channels:    make(map[string]*channelState),
		now:         time.Now,
	}
}

// NewSubscriberID returns a random subscriber id.
func NewSubscriberID() string {
	return "sub-" + uuid.NewString()
}

// Subscribe registers ch to receive frames of the named video channel, or
// of every channel when channel is empty.
func (b *Bus) Subscribe(id, channel string, ch chan<- Frame) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{channel: channel, ch: ch}
	return nil
}

// Unsubscribe removes a subscriber by id.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	return nil
}

// Publish sends frame to all matching subscribers without blocking. A
// missing TraceID or Timestamp is filled in. Publishing on a closed bus
// returns ErrBusClosed.
func (b *Bus) Publish(frame Frame) error {
	if frame.TraceID == "" {
		frame.TraceID = uuid.NewString()
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	b.totalPublished.Add(1)
	b.record(frame)

	for _, sub := range b.subscribers {
		if sub.channel != "" && sub.channel != frame.Channel {
			continue
		}
		select {
		case sub.ch <- frame:
			sub.sent.Add(1)
		default:
			// Channel full - drop frame
			sub.dropped.Add(1)
		}
	}
	return nil
}

// PublishFrame publishes a supervisor frame. It matches
// supervisor.Callbacks.OnFrame.
func (b *Bus) PublishFrame(f supervisor.Frame) {
	_ = b.Publish(Frame{
		Channel:    f.Channel,
		Generation: f.Generation,
		Seq:        f.Seq,
		Data:       f.Data,
		Timestamp:  f.At,
	})
}

func (b *Bus) record(frame Frame) {
	b.chMu.Lock()
	defer b.chMu.Unlock()

	st, ok := b.channels[frame.Channel]
	if !ok {
		st = &channelState{meter: newFPSMeter(defaultFPSWindow)}
		b.channels[frame.Channel] = st
	}
	st.published++
	st.latest = frame
	st.meter.Observe(frame.Timestamp)
}

// Latest returns the most recent frame of a channel.
func (b *Bus) Latest(channel string) (Frame, error) {
	b.chMu.Lock()
	defer b.chMu.Unlock()

	st, ok := b.channels[channel]
	if !ok {
		return Frame{}, ErrNoFrame
	}
	return st.latest, nil
}

// FPS returns the measured frame rate of a channel. It decays to zero when
// frames stop.
func (b *Bus) FPS(channel string) float64 {
	b.chMu.Lock()
	defer b.chMu.Unlock()

	st, ok := b.channels[channel]
	if !ok {
		return 0
	}
	return st.meter.Rate(b.now())
}

// RemoveChannel forgets the latest frame and rate of a channel.
func (b *Bus) RemoveChannel(channel string) {
	b.chMu.Lock()
	delete(b.channels, channel)
	b.chMu.Unlock()
}

// Stats returns current bus statistics snapshot.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	result := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		sent := sub.sent.Load()
		dropped := sub.dropped.Load()

		result.TotalSent += sent
		result.TotalDropped += dropped
		result.Subscribers[id] = SubscriberStats{
			Channel: sub.channel,
			Sent:    sent,
			Dropped: dropped,
		}
	}
	b.mu.RUnlock()

	now := b.now()
	b.chMu.Lock()
	result.Channels = make(map[string]ChannelStats, len(b.channels))
	for name, st := range b.channels {
		result.Channels[name] = ChannelStats{
			Published: st.published,
			FPS:       st.meter.Rate(now),
			LastFrame: st.latest.Timestamp,
		}
	}
	b.chMu.Unlock()

	return result
}

// Close stops the bus. Subscribe, Unsubscribe and Publish return
// ErrBusClosed afterwards; Stats and Latest keep working. Subscriber
// channels are not closed. Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// DropRate returns the fraction of deliveries that were dropped, 0.0 to 1.0.
func DropRate(stats BusStats) float64 {
	total := stats.TotalSent + stats.TotalDropped
	if total == 0 {
		return 0.0
	}
	return float64(stats.TotalDropped) / float64(total)
}
