package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises observed step durations.
type TickMetricsSnapshot struct {
	Samples int           `json:"samples"`
	Average time.Duration `json:"average_ns"`
	Max     time.Duration `json:"max_ns"`
	Last    time.Duration `json:"last_ns"`
	// Overruns counts steps that took longer than the monitor budget.
	Overruns int `json:"overruns"`
}

// AverageFPS derives the frames-per-second equivalent of the sampled step duration.
func (s TickMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// Merge folds another snapshot into s, used to aggregate across rides.
func (s TickMetricsSnapshot) Merge(other TickMetricsSnapshot) TickMetricsSnapshot {
	total := s.Samples + other.Samples
	if total == 0 {
		return s
	}
	merged := TickMetricsSnapshot{
		Samples:  total,
		Average:  (s.Average*time.Duration(s.Samples) + other.Average*time.Duration(other.Samples)) / time.Duration(total),
		Max:      s.Max,
		Last:     other.Last,
		Overruns: s.Overruns + other.Overruns,
	}
	if other.Max > merged.Max {
		merged.Max = other.Max
	}
	return merged
}

// TickMonitor accumulates timing statistics for a simulation loop.
type TickMonitor struct {
	mu       sync.Mutex
	budget   time.Duration
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	overruns int
}

// NewTickMonitor constructs an empty monitor. A zero budget disables overrun counting.
func NewTickMonitor(budget ...time.Duration) *TickMonitor {
	m := &TickMonitor{}
	if len(budget) > 0 && budget[0] > 0 {
		m.budget = budget[0]
	}
	return m
}

// Observe records the duration of a completed step.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration < 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate the sample count and aggregate duration for average calculations.
	m.samples++
	m.total += duration
	//2.- Track the worst-case step and anything that blew the frame budget.
	if duration > m.max {
		m.max = duration
	}
	if m.budget > 0 && duration > m.budget {
		m.overruns++
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	average := time.Duration(0)
	if m.samples > 0 {
		average = m.total / time.Duration(m.samples)
	}
	return TickMetricsSnapshot{Samples: m.samples, Average: average, Max: m.max, Last: m.last, Overruns: m.overruns}
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last, m.overruns = 0, 0, 0, 0, 0
	m.mu.Unlock()
}
