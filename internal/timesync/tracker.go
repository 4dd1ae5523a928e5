package timesync

import (
	"math"
	"sync"
	"time"
)

// MessageType tags time sync frames on the rider socket.
const MessageType = "time_sync"

// DefaultSmoothing weights each new sample in the moving averages.
const DefaultSmoothing = 0.2

// Reply answers a rider's time sync probe.
type Reply struct {
	Type        string `json:"type"`
	ClientMs    int64  `json:"client_ms"`
	ServerMs    int64  `json:"server_ms"`
	SimulatedMs int64  `json:"simulated_ms"`
	// OffsetMs is the server clock minus the client clock at receipt.
	OffsetMs int64 `json:"offset_ms"`
}

// Stats summarises the drift and latency observed across riders.
type Stats struct {
	Probes         uint64
	OffsetMs       float64
	LatencySamples uint64
	LatencyMs      float64
	MaxLatencyMs   float64
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.now = clock
		}
	}
}

// WithSmoothing sets the moving average weight in (0, 1].
func WithSmoothing(alpha float64) Option {
	return func(t *Tracker) {
		if alpha > 0 && alpha <= 1 {
			t.alpha = alpha
		}
	}
}

// Tracker answers clock probes and smooths control latency samples.
type Tracker struct {
	now   func() time.Time
	alpha float64

	mu    sync.Mutex
	stats Stats
}

// NewTracker builds a tracker with the default smoothing.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now, alpha: DefaultSmoothing}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Respond builds the reply for a probe sent at clientMs while the ride has
// simulated simulatedMs.
func (t *Tracker) Respond(clientMs, simulatedMs int64) Reply {
	serverMs := t.now().UnixMilli()
	reply := Reply{Type: MessageType, ClientMs: clientMs, ServerMs: serverMs, SimulatedMs: simulatedMs}
	if clientMs > 0 {
		reply.OffsetMs = serverMs - clientMs
	}

	t.mu.Lock()
	t.stats.Probes++
	if clientMs > 0 {
		t.stats.OffsetMs = t.smooth(t.stats.OffsetMs, float64(reply.OffsetMs), t.stats.Probes == 1)
	}
	t.mu.Unlock()
	return reply
}

// ObserveLatency folds the delay between a control frame's capture and its
// arrival into the running average. Negative delays are clock skew and
// are ignored.
func (t *Tracker) ObserveLatency(delay time.Duration) {
	if delay < 0 {
		return
	}
	ms := float64(delay) / float64(time.Millisecond)
	t.mu.Lock()
	t.stats.LatencySamples++
	t.stats.LatencyMs = t.smooth(t.stats.LatencyMs, ms, t.stats.LatencySamples == 1)
	t.stats.MaxLatencyMs = math.Max(t.stats.MaxLatencyMs, ms)
	t.mu.Unlock()
}

// Snapshot returns the current averages.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) smooth(current, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return current + t.alpha*(sample-current)
}
