package simulation

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxCatchUp caps how many fixed steps run for a single wake-up.
const DefaultMaxCatchUp = 5

// StepFunc advances the simulation by a fixed timestep.
type StepFunc func(step time.Duration)

// LoopOption customises a Loop at construction time.
type LoopOption func(*Loop)

// WithMonitor records the wall time spent in every step.
func WithMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) { l.monitor = monitor }
}

// WithMaxCatchUp bounds the steps replayed after a stall; the remaining
// backlog is dropped so a slow host does not spiral.
func WithMaxCatchUp(steps int) LoopOption {
	return func(l *Loop) {
		if steps > 0 {
			l.maxCatchUp = steps
		}
	}
}

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step       time.Duration
	stepFunc   StepFunc
	monitor    *TickMonitor
	maxCatchUp int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	dropped time.Duration
}

// StepFor returns the fixed timestep a loop running at targetHz uses. Offline
// tools call it to reproduce a live ride exactly.
func StepFor(targetHz float64) time.Duration {
	if !(targetHz > 0) {
		targetHz = 60
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return interval
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc, opts ...LoopOption) *Loop {
	if step == nil {
		step = func(time.Duration) {}
	}
	l := &Loop{
		step:       StepFor(targetHz),
		stepFunc:   step,
		maxCatchUp: DefaultMaxCatchUp,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Start begins ticking until the context is cancelled or Stop is invoked.
// Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.step)
	defer ticker.Stop()
	last := time.Now()
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			//1.- Accumulate elapsed time and run fixed steps while catching up.
			accumulator += now.Sub(last)
			last = now
			steps := 0
			for accumulator >= l.step && steps < l.maxCatchUp {
				started := time.Now()
				l.stepFunc(l.step)
				l.monitor.Observe(time.Since(started))
				accumulator -= l.step
				steps++
			}
			//2.- Forget any backlog beyond the catch-up budget.
			if accumulator >= l.step {
				l.mu.Lock()
				l.dropped += accumulator - accumulator%l.step
				l.mu.Unlock()
				accumulator %= l.step
			}
		}
	}
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Done is closed once the loop goroutine exits. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Dropped reports how much simulated time was discarded after stalls.
func (l *Loop) Dropped() time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
