package networking

import (
	"sync"
	"time"
)

// DefaultSnapshotBytesPerSecond caps the snapshot stream sent to one rider.
const DefaultSnapshotBytesPerSecond = 256 << 10

// StreamUsage reports the throttle state of one ride stream.
type StreamUsage struct {
	RideID         string  `json:"ride_id"`
	AvailableBytes float64 `json:"available_bytes"`
	SentBytes      int64   `json:"sent_bytes"`
	Skipped        int64   `json:"skipped"`
}

type bucket struct {
	tokens  float64
	last    time.Time
	sent    int64
	skipped int64
}

// SnapshotThrottle is a per-ride token bucket. Snapshots that do not fit are
// skipped; the next one carries the full state anyway.
type SnapshotThrottle struct {
	mu      sync.Mutex
	rate    float64
	now     func() time.Time
	buckets map[string]*bucket
	skipped int64
}

// NewSnapshotThrottle allows bytesPerSecond per ride with a one second burst.
// A non-positive rate disables throttling.
func NewSnapshotThrottle(bytesPerSecond float64, clock func() time.Time) *SnapshotThrottle {
	if clock == nil {
		clock = time.Now
	}
	return &SnapshotThrottle{rate: bytesPerSecond, now: clock, buckets: make(map[string]*bucket)}
}

func (t *SnapshotThrottle) refill(b *bucket, now time.Time) {
	//1.- Ignore clock steps backwards.
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * t.rate
		if b.tokens > t.rate {
			b.tokens = t.rate
		}
	}
	if now.After(b.last) {
		b.last = now
	}
}

// Allow charges size bytes to the ride's budget and reports whether the
// snapshot may be sent.
func (t *SnapshotThrottle) Allow(rideID string, size int) bool {
	if t == nil || !(t.rate > 0) || rideID == "" || size <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b := t.buckets[rideID]
	if b == nil {
		b = &bucket{tokens: t.rate, last: now}
		t.buckets[rideID] = b
	}
	t.refill(b, now)
	if float64(size) > b.tokens {
		b.skipped++
		t.skipped++
		return false
	}
	b.tokens -= float64(size)
	b.sent += int64(size)
	return true
}

// Forget drops the bucket of a closed ride. Its skip count stays in Skipped.
func (t *SnapshotThrottle) Forget(rideID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.buckets, rideID)
	t.mu.Unlock()
}

// Skipped returns the number of snapshots withheld since start.
func (t *SnapshotThrottle) Skipped() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

// Usage reports the live buckets after refilling them to the current time.
func (t *SnapshotThrottle) Usage() map[string]StreamUsage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buckets) == 0 {
		return nil
	}
	now := t.now()
	usage := make(map[string]StreamUsage, len(t.buckets))
	for rideID, b := range t.buckets {
		t.refill(b, now)
		usage[rideID] = StreamUsage{RideID: rideID, AvailableBytes: b.tokens, SentBytes: b.sent, Skipped: b.skipped}
	}
	return usage
}
