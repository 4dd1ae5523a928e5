package networking

import (
	"testing"
	"time"
)

func TestSnapshotThrottleEnforcesRate(t *testing.T) {
	current := time.Unix(0, 0)
	throttle := NewSnapshotThrottle(100, func() time.Time { return current })

	if !throttle.Allow("ride-1", 60) {
		t.Fatalf("expected initial burst to be allowed")
	}
	if throttle.Allow("ride-1", 50) {
		t.Fatalf("expected snapshot to be skipped while tokens are depleted")
	}
	if !throttle.Allow("ride-2", 90) {
		t.Fatalf("expected rides to have independent budgets")
	}

	current = current.Add(500 * time.Millisecond)
	if !throttle.Allow("ride-1", 50) {
		t.Fatalf("expected snapshot to pass after partial refill")
	}

	current = current.Add(10 * time.Second)
	usage := throttle.Usage()
	sample, ok := usage["ride-1"]
	if !ok {
		t.Fatalf("missing usage sample for ride")
	}
	if sample.Skipped != 1 || sample.SentBytes != 110 {
		t.Fatalf("unexpected usage %+v", sample)
	}
	if sample.AvailableBytes != 100 {
		t.Fatalf("expected bucket to refill only up to one second of budget, got %v", sample.AvailableBytes)
	}

	throttle.Forget("ride-1")
	if _, ok := throttle.Usage()["ride-1"]; ok {
		t.Fatalf("expected forgotten ride to leave usage")
	}
	if throttle.Skipped() != 1 {
		t.Fatalf("expected skip total to survive forget, got %d", throttle.Skipped())
	}
}

func TestSnapshotThrottleDisabled(t *testing.T) {
	throttle := NewSnapshotThrottle(0, nil)
	for i := 0; i < 10; i++ {
		if !throttle.Allow("ride", 1<<20) {
			t.Fatalf("disabled throttle should allow everything")
		}
	}
	var nilThrottle *SnapshotThrottle
	if !nilThrottle.Allow("ride", 10) || nilThrottle.Skipped() != 0 {
		t.Fatalf("nil throttle should allow")
	}
}

func TestSnapshotThrottleIgnoresClockRewind(t *testing.T) {
	current := time.Unix(100, 0)
	throttle := NewSnapshotThrottle(100, func() time.Time { return current })
	throttle.Allow("ride", 100)
	current = current.Add(-time.Second)
	if throttle.Allow("ride", 10) {
		t.Fatalf("a clock rewind must not mint tokens")
	}
}
