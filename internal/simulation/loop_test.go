package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsAtLeastTargetTicks(t *testing.T) {
	var ticks int32
	monitor := NewTickMonitor()
	loop := NewLoop(60, func(time.Duration) {
		atomic.AddInt32(&ticks, 1)
	}, WithMonitor(monitor))
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	time.Sleep(80 * time.Millisecond)
	cancel()
	loop.Stop()
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected loop to tick at least once")
	}
	if got := monitor.Snapshot().Samples; got != int(atomic.LoadInt32(&ticks)) {
		t.Fatalf("expected one monitor sample per tick, got %d for %d ticks", got, ticks)
	}
}

func TestLoopStepDuration(t *testing.T) {
	loop := NewLoop(120, func(time.Duration) {})
	step := loop.StepDuration()
	expected := time.Second / 120
	if step != expected {
		t.Fatalf("unexpected step duration %v", step)
	}
	if NewLoop(0, nil).StepDuration() != time.Second/60 {
		t.Fatalf("expected invalid rates to fall back to 60 Hz")
	}
	if StepFor(120) != step {
		t.Fatalf("expected StepFor to match the loop timestep")
	}
}

func TestLoopStopsWhenContextCancelled(t *testing.T) {
	loop := NewLoop(200, nil)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	done := loop.Done()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("loop did not exit after cancellation")
	}
	loop.Stop()
}

func TestLoopDropsBacklogAfterStall(t *testing.T) {
	var ticks int32
	stall := make(chan struct{})
	loop := NewLoop(1000, func(time.Duration) {
		if atomic.AddInt32(&ticks, 1) == 1 {
			<-stall
		}
	}, WithMaxCatchUp(2))
	loop.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	close(stall)
	time.Sleep(20 * time.Millisecond)
	loop.Stop()
	if loop.Dropped() <= 0 {
		t.Fatalf("expected the stall backlog to be dropped")
	}
}

func TestTickMonitorAggregates(t *testing.T) {
	monitor := NewTickMonitor()
	monitor.Observe(2 * time.Millisecond)
	monitor.Observe(4 * time.Millisecond)
	monitor.Observe(-time.Millisecond)
	snapshot := monitor.Snapshot()
	if snapshot.Samples != 2 || snapshot.Average != 3*time.Millisecond || snapshot.Max != 4*time.Millisecond || snapshot.Last != 4*time.Millisecond {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	monitor.Reset()
	if monitor.Snapshot().Samples != 0 {
		t.Fatalf("expected reset to clear samples")
	}
}

func TestTickMonitorCountsOverruns(t *testing.T) {
	monitor := NewTickMonitor(5 * time.Millisecond)
	monitor.Observe(time.Millisecond)
	monitor.Observe(9 * time.Millisecond)
	if got := monitor.Snapshot().Overruns; got != 1 {
		t.Fatalf("expected one overrun, got %d", got)
	}
}

func TestSnapshotMerge(t *testing.T) {
	a := TickMetricsSnapshot{Samples: 1, Average: 2 * time.Millisecond, Max: 2 * time.Millisecond}
	b := TickMetricsSnapshot{Samples: 3, Average: 4 * time.Millisecond, Max: 6 * time.Millisecond, Overruns: 1}
	merged := a.Merge(b)
	if merged.Samples != 4 || merged.Average != 3500*time.Microsecond || merged.Max != 6*time.Millisecond || merged.Overruns != 1 {
		t.Fatalf("unexpected merge %+v", merged)
	}
}
