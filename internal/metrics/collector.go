// Package metrics provides Prometheus metrics and the HTTP control surface
// for go-ffmpeg-videosource.
//
// All series are labelled by channel. Channel counts are small (cameras,
// not viewers), so per-channel cardinality is acceptable.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-videosource/internal/supervisor"
)

const namespace = "videosource"

// Version is reported by videosource_info.
var Version = "dev"

// Collector manages all Prometheus metrics for the daemon. It implements
// supervisor.Recorder and provides per-channel callbacks.
type Collector struct {
	// Overview
	info     *prometheus.GaugeVec
	channels prometheus.Gauge

	// Frames
	framesTotal     *prometheus.CounterVec
	frameBytesTotal *prometheus.CounterVec
	framesDropped   *prometheus.GaugeVec
	fps             *prometheus.GaugeVec

	// Failures and recovery
	errorsTotal      *prometheus.CounterVec
	restartsTotal    *prometheus.CounterVec
	restartDelay     prometheus.Histogram
	transportChanges *prometheus.CounterVec
	fatalTotal       *prometheus.CounterVec

	// Process lifecycle
	processStarts *prometheus.CounterVec
	processUptime prometheus.Histogram
	state         *prometheus.GaugeVec
	breakerCount  *prometheus.GaugeVec

	// Timing
	startTime time.Time

	// For summary generation
	mu             sync.Mutex
	totalFrames    uint64
	totalRestarts  int64
	totalFatals    int64
	totalChanges   int64
	restartReasons map[parser.Reason]int64
	delayDigest    *tdigest.TDigest
	delayCount     int
	uptimeDigest   *tdigest.TDigest
	uptimeCount    int
	known          map[string]struct{}
}

// NewCollector creates a collector registered with the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Build information (value always 1)",
		}, []string{"version"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Configured channels",
		}),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames demultiplexed from FFmpeg output",
		}, []string{"channel"}),
		frameBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "PNG bytes demultiplexed from FFmpeg output",
		}, []string{"channel"}),
		framesDropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_dropped",
			Help:      "Frames dropped by slow frame bus subscribers",
		}, []string{"channel"}),
		fps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_per_second",
			Help:      "Measured frame rate",
		}, []string{"channel"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failures reported, by reason",
		}, []string{"channel", "reason"}),
		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Restart decisions, by reason (circuit-breaker counts trips)",
		}, []string{"channel", "reason"}),
		restartDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restart_delay_seconds",
			Help:      "Backoff delay before restarts",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		transportChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_changes_total",
			Help:      "RTSP transport fallbacks",
		}, []string{"channel", "from", "to"}),
		fatalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_total",
			Help:      "Circuit breaker trips",
		}, []string{"channel"}),

		processStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "FFmpeg processes whose output was attached",
		}, []string{"channel"}),
		processUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_uptime_seconds",
			Help:      "Lifetime of finished FFmpeg processes",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Current channel state (1 for the active state)",
		}, []string{"channel", "state"}),
		breakerCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_failures",
			Help:      "Consecutive failures counted by the circuit breaker",
		}, []string{"channel"}),

		startTime:      time.Now(),
		restartReasons: make(map[parser.Reason]int64),
		delayDigest:    tdigest.NewWithCompression(100),
		uptimeDigest:   tdigest.NewWithCompression(100),
		known:          make(map[string]struct{}),
	}

	registry.MustRegister(
		c.info,
		c.channels,
		c.framesTotal,
		c.frameBytesTotal,
		c.framesDropped,
		c.fps,
		c.errorsTotal,
		c.restartsTotal,
		c.restartDelay,
		c.transportChanges,
		c.fatalTotal,
		c.processStarts,
		c.processUptime,
		c.state,
		c.breakerCount,
	)

	c.info.WithLabelValues(Version).Set(1)
	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RecordRestart implements supervisor.Recorder.
func (c *Collector) RecordRestart(channel string, reason parser.Reason, delay time.Duration) {
	c.restartsTotal.WithLabelValues(channel, reason.String()).Inc()
	if reason == parser.ReasonCircuitBreaker {
		c.fatalTotal.WithLabelValues(channel).Inc()

		c.mu.Lock()
		c.totalFatals++
		c.restartReasons[reason]++
		c.mu.Unlock()
		return
	}
	c.restartDelay.Observe(delay.Seconds())

	c.mu.Lock()
	c.totalRestarts++
	c.restartReasons[reason]++
	c.delayDigest.Add(delay.Seconds(), 1)
	c.delayCount++
	c.mu.Unlock()
}

// Callbacks returns supervisor callbacks that keep the channel's metrics
// current.
func (c *Collector) Callbacks(channel string) supervisor.Callbacks {
	c.mu.Lock()
	c.known[channel] = struct{}{}
	c.mu.Unlock()

	frames := c.framesTotal.WithLabelValues(channel)
	bytes := c.frameBytesTotal.WithLabelValues(channel)
	starts := c.processStarts.WithLabelValues(channel)

	return supervisor.Callbacks{
		OnFrame: func(f supervisor.Frame) {
			frames.Inc()
			bytes.Add(float64(len(f.Data)))

			c.mu.Lock()
			c.totalFrames++
			c.mu.Unlock()
		},
		OnError: func(err error) {
			reason := "unknown"
			var se *supervisor.SourceError
			if errors.As(err, &se) {
				reason = se.Reason.String()
			}
			c.errorsTotal.WithLabelValues(channel, reason).Inc()
		},
		OnEnd: func(info supervisor.EndInfo) {
			c.processUptime.Observe(info.Uptime.Seconds())

			c.mu.Lock()
			c.uptimeDigest.Add(info.Uptime.Seconds(), 1)
			c.uptimeCount++
			c.mu.Unlock()
		},
		OnTransportChange: func(tc supervisor.TransportChange) {
			c.transportChanges.WithLabelValues(channel, tc.From, tc.To).Inc()

			c.mu.Lock()
			c.totalChanges++
			c.mu.Unlock()
		},
		OnStream: func(supervisor.StreamInfo) {
			starts.Inc()
		},
		OnStateChange: func(_ string, _, newState supervisor.State) {
			c.SetState(channel, newState)
		},
	}
}

// SetState marks newState as the channel's current state.
func (c *Collector) SetState(channel string, newState supervisor.State) {
	for _, st := range supervisor.AllStates {
		v := 0.0
		if st == newState {
			v = 1
		}
		c.state.WithLabelValues(channel, st.String()).Set(v)
	}
}

// UpdateChannel refreshes gauges sampled from outside the event loop.
func (c *Collector) UpdateChannel(channel string, breakerCount int, fps float64, dropped uint64) {
	c.breakerCount.WithLabelValues(channel).Set(float64(breakerCount))
	c.fps.WithLabelValues(channel).Set(fps)
	c.framesDropped.WithLabelValues(channel).Set(float64(dropped))
}

// SetChannelCount updates the configured channel count.
func (c *Collector) SetChannelCount(n int) {
	c.channels.Set(float64(n))
}

// =============================================================================
// Cleanup Methods
// =============================================================================

// RemoveChannel deletes every series of a channel that left the
// configuration.
func (c *Collector) RemoveChannel(channel string) {
	c.mu.Lock()
	delete(c.known, channel)
	c.mu.Unlock()

	labels := prometheus.Labels{"channel": channel}
	c.framesTotal.DeletePartialMatch(labels)
	c.frameBytesTotal.DeletePartialMatch(labels)
	c.framesDropped.DeletePartialMatch(labels)
	c.fps.DeletePartialMatch(labels)
	c.errorsTotal.DeletePartialMatch(labels)
	c.restartsTotal.DeletePartialMatch(labels)
	c.transportChanges.DeletePartialMatch(labels)
	c.fatalTotal.DeletePartialMatch(labels)
	c.processStarts.DeletePartialMatch(labels)
	c.state.DeletePartialMatch(labels)
	c.breakerCount.DeletePartialMatch(labels)
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration         time.Duration
	Channels         int
	TotalFrames      uint64
	TotalRestarts    int64
	TotalFatals      int64
	TransportChanges int64
	RestartReasons   map[parser.Reason]int64

	RestartDelayP50 time.Duration
	RestartDelayP95 time.Duration
	RestartDelayP99 time.Duration

	UptimeP50 time.Duration
	UptimeP95 time.Duration
	UptimeP99 time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:         time.Since(c.startTime),
		Channels:         len(c.known),
		TotalFrames:      c.totalFrames,
		TotalRestarts:    c.totalRestarts,
		TotalFatals:      c.totalFatals,
		TransportChanges: c.totalChanges,
		RestartReasons:   make(map[parser.Reason]int64, len(c.restartReasons)),
	}
	for r, n := range c.restartReasons {
		s.RestartReasons[r] = n
	}

	if c.delayCount > 0 {
		s.RestartDelayP50 = quantile(c.delayDigest, 0.50)
		s.RestartDelayP95 = quantile(c.delayDigest, 0.95)
		s.RestartDelayP99 = quantile(c.delayDigest, 0.99)
	}
	if c.uptimeCount > 0 {
		s.UptimeP50 = quantile(c.uptimeDigest, 0.50)
		s.UptimeP95 = quantile(c.uptimeDigest, 0.95)
		s.UptimeP99 = quantile(c.uptimeDigest, 0.99)
	}
	return s
}

// TotalRestarts returns the total number of restarts.
func (c *Collector) TotalRestarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRestarts
}

func quantile(td *tdigest.TDigest, q float64) time.Duration {
	return time.Duration(td.Quantile(q) * float64(time.Second))
}
