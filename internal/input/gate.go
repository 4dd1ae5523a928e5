package input

import (
	"sync"
	"time"

	"hillrider/broker/internal/logging"
	"hillrider/broker/internal/physics"
)

// Clock exposes the current time for freshness and rate decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

const (
	// DefaultMaxAge drops control frames captured longer ago than this.
	DefaultMaxAge = 500 * time.Millisecond
	// DefaultMinInterval throttles repeated frames that carry no change.
	DefaultMinInterval = time.Second / 120
)

// Config controls the freshness and throughput gates applied to control frames.
type Config struct {
	MaxAge      time.Duration
	MinInterval time.Duration
}

// DefaultConfig returns the stock gate settings.
func DefaultConfig() Config {
	return Config{MaxAge: DefaultMaxAge, MinInterval: DefaultMinInterval}
}

// DropReason enumerates why a frame was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a frame passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
	// Changed is true when the accepted controls differ from the previous frame.
	Changed bool
}

// Frame is one control update received from a rider.
type Frame struct {
	RideID     string
	SequenceID uint64
	SentAt     time.Time
	Controls   physics.Input
}

type rideState struct {
	lastSequence uint64
	lastAccepted time.Time
	controls     physics.Input
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
}

// Total returns the sum of every drop reason.
func (c DropCounters) Total() uint64 { return c.Sequence + c.Stale + c.RateLimited }

func (c *DropCounters) add(reason DropReason) {
	switch reason {
	case DropReasonSequence:
		c.Sequence++
	case DropReasonStale:
		c.Stale++
	case DropReasonRateLimited:
		c.RateLimited++
	}
}

// Gate validates sequencing, freshness, and throughput for inbound control
// frames. One gate is shared by every ride on a server.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *logging.Logger
	rides   map[string]*rideState
	drops   map[string]DropCounters
	retired DropCounters
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for latency calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	//1.- Normalise negative intervals to disable the corresponding checks.
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:    cfg,
		clock:  systemClock{},
		logger: logger,
		rides:  make(map[string]*rideState),
		drops:  make(map[string]DropCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies sequencing, freshness, and throughput guards to the frame.
func (g *Gate) Evaluate(frame Frame) Decision {
	if g == nil || frame.RideID == "" {
		return Decision{Accepted: true, Changed: true}
	}
	now := g.clock.Now()
	decision := Decision{}
	if !frame.SentAt.IsZero() {
		if delay := now.Sub(frame.SentAt); delay > 0 {
			decision.Delay = delay
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.rides[frame.RideID]
	if state == nil {
		state = &rideState{}
		g.rides[frame.RideID] = state
	}
	changed := state.lastSequence == 0 || frame.Controls != state.controls

	//1.- Sequence ids start at one and must strictly increase.
	switch {
	case frame.SequenceID == 0 || frame.SequenceID <= state.lastSequence:
		decision.Reason = DropReasonSequence
	//2.- Frames captured too long ago would replay outdated controls.
	case g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge:
		decision.Reason = DropReasonStale
	//3.- Repeats that arrive too quickly add nothing; changes always pass.
	case !changed && g.cfg.MinInterval > 0 && now.Sub(state.lastAccepted) < g.cfg.MinInterval:
		decision.Reason = DropReasonRateLimited
	}
	if decision.Reason != DropReasonNone {
		counters := g.drops[frame.RideID]
		counters.add(decision.Reason)
		g.drops[frame.RideID] = counters
		g.logger.Debug("control frame dropped",
			logging.String("ride_id", frame.RideID),
			logging.Uint64("sequence_id", frame.SequenceID),
			logging.String("reason", decision.Reason.String()),
		)
		return decision
	}

	//4.- Promote the frame as the latest accepted controls.
	state.lastSequence = frame.SequenceID
	state.lastAccepted = now
	state.controls = frame.Controls
	decision.Accepted = true
	decision.Changed = changed
	return decision
}

// Forget clears cached sequencing for a finished ride. Its drop counters are
// folded into the retired totals.
func (g *Gate) Forget(rideID string) {
	if g == nil || rideID == "" {
		return
	}
	g.mu.Lock()
	delete(g.rides, rideID)
	if counters, ok := g.drops[rideID]; ok {
		g.retired.Sequence += counters.Sequence
		g.retired.Stale += counters.Stale
		g.retired.RateLimited += counters.RateLimited
		delete(g.drops, rideID)
	}
	g.mu.Unlock()
}

// Metrics returns a copy of the per-ride drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(g.drops))
	for rideID, counters := range g.drops {
		clone[rideID] = counters
	}
	return clone
}

// Totals sums drops across live and finished rides.
func (g *Gate) Totals() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	total := g.retired
	for _, counters := range g.drops {
		total.Sequence += counters.Sequence
		total.Stale += counters.Stale
		total.RateLimited += counters.RateLimited
	}
	return total
}
