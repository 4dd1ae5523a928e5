package main

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	grpcstream "hillrider/broker/internal/grpc"
	httpapi "hillrider/broker/internal/http"
	"hillrider/broker/internal/logging"
	"hillrider/broker/internal/match"
	"hillrider/broker/internal/physics"
	"hillrider/broker/internal/replay"
	"hillrider/broker/internal/simulation"
)

const subscriberBuffer = 16

// rideHooks report ride activity back to the broker counters.
type rideHooks struct {
	snapshot func()
	bonuses  func(n int)
	finished func()
}

// ride owns one Session and the loop that advances it. Only the loop
// goroutine touches the session while the ride is running.
type ride struct {
	id            string
	rider         string
	tickHz        float64
	snapshotEvery uint64
	session       *match.Session
	loop          *simulation.Loop
	log           *logging.Logger
	hooks         rideHooks
	startedAt     time.Time

	inputMu sync.Mutex
	latched physics.Input

	// Loop goroutine state.
	recorder    *replay.Writer
	recordDir   string
	recorded    physics.Input
	recordedAny bool

	mu      sync.Mutex
	summary httpapi.RideInfo
	latest  *grpcstream.SnapshotEvent
	subs    map[uint64]chan grpcstream.SnapshotEvent
	nextSub uint64
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

func newRide(session *match.Session, rider string, tickHz float64, snapshotEvery int, recorder *replay.Writer, monitor *simulation.TickMonitor, logger *logging.Logger, hooks rideHooks) *ride {
	if snapshotEvery <= 0 {
		snapshotEvery = 1
	}
	r := &ride{
		id:            session.ID(),
		rider:         rider,
		tickHz:        tickHz,
		snapshotEvery: uint64(snapshotEvery),
		session:       session,
		log:           logger.With(logging.String("ride_id", session.ID())),
		hooks:         hooks,
		startedAt:     time.Now(),
		recorder:      recorder,
		subs:          make(map[uint64]chan grpcstream.SnapshotEvent),
		done:          make(chan struct{}),
	}
	if recorder != nil {
		r.recordDir = recorder.Directory()
	}
	r.summary = r.info()
	r.loop = simulation.NewLoop(tickHz, r.step, simulation.WithMonitor(monitor))
	return r
}

// start publishes the spawn snapshot and begins ticking.
func (r *ride) start(ctx context.Context) {
	view := r.session.View()
	r.record(0, 0, replay.EventRideStarted, map[string]any{
		"seed":          r.session.Seed(),
		"rider":         r.rider,
		"bounded":       view.Bounded,
		"course_length": view.CourseLength,
		"tick_hz":       r.tickHz,
	})
	if payload, err := json.Marshal(view); err == nil {
		r.recordFrame(0, 0, payload)
		r.publish(grpcstream.SnapshotEvent{Tick: 0, Payload: payload})
	}
	r.loop.Start(ctx)
}

// latch stores the controls applied from the next tick on.
func (r *ride) latch(in physics.Input) {
	r.inputMu.Lock()
	r.latched = in
	r.inputMu.Unlock()
}

func (r *ride) step(step time.Duration) {
	r.inputMu.Lock()
	in := r.latched
	r.inputMu.Unlock()

	//1.- Record control changes against the tick they first apply to.
	elapsedMs := simulatedMs(r.session.Elapsed())
	if !r.recordedAny || in != r.recorded {
		r.record(r.session.TickCount()+1, elapsedMs, replay.EventInput, in)
		r.recorded, r.recordedAny = in, true
	}

	result := r.session.Tick(step.Seconds(), in)
	elapsedMs = simulatedMs(r.session.Elapsed())

	//2.- Log gameplay milestones for the replay and the broker counters.
	if len(result.Collected) > 0 {
		r.record(result.Tick, elapsedMs, replay.EventBonusCollected, map[string]any{
			"ids":     result.Collected,
			"awarded": result.Awarded,
			"score":   r.session.Bike().Score,
		})
		if r.hooks.bonuses != nil {
			r.hooks.bonuses(len(result.Collected))
		}
	}
	if result.Finished {
		bike := r.session.Bike()
		r.record(result.Tick, elapsedMs, replay.EventRideFinished, map[string]any{
			"score":    bike.Score,
			"distance": bike.Distance,
			"elapsed":  r.session.Elapsed(),
		})
		r.log.Info("ride finished course", logging.Int("score", bike.Score), logging.Float64("elapsed", r.session.Elapsed()))
		if r.hooks.finished != nil {
			r.hooks.finished()
		}
	}

	//3.- Build a view only when a snapshot or replay frame is due.
	snapshotDue := result.Tick%r.snapshotEvery == 0 || result.Finished
	frameDue := r.recorder != nil && r.recorder.FrameDue(elapsedMs)
	if snapshotDue || frameDue {
		payload, err := json.Marshal(r.session.View())
		if err != nil {
			r.log.Error("encode snapshot failed", logging.Error(err))
		} else {
			if frameDue {
				r.recordFrame(result.Tick, elapsedMs, payload)
			}
			if snapshotDue {
				r.publish(grpcstream.SnapshotEvent{Tick: result.Tick, Payload: payload})
			}
		}
	}

	r.mu.Lock()
	r.summary = r.info()
	r.mu.Unlock()
}

func (r *ride) info() httpapi.RideInfo {
	bike := r.session.Bike()
	return httpapi.RideInfo{
		RideID:       r.id,
		Rider:        r.rider,
		Tick:         r.session.TickCount(),
		Elapsed:      r.session.Elapsed(),
		Score:        bike.Score,
		Distance:     bike.Distance,
		Bounded:      r.session.TerrainParams().Bounded(),
		Finished:     r.session.Finished(),
		Seed:         r.session.Seed(),
		Watchers:     len(r.subs),
		ReplayBundle: r.recordDir,
	}
}

// Info returns the latest ride summary.
func (r *ride) Info() httpapi.RideInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.summary
	info.Watchers = len(r.subs)
	return info
}

func (r *ride) publish(event grpcstream.SnapshotEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.latest = &event
	for _, ch := range r.subs {
		deliver(ch, event)
	}
	if r.hooks.snapshot != nil {
		r.hooks.snapshot()
	}
}

// deliver drops the oldest queued snapshot when a subscriber falls behind.
func deliver(ch chan grpcstream.SnapshotEvent, event grpcstream.SnapshotEvent) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
	}
}

// subscribe returns a channel of snapshots that starts with the latest one.
// The channel closes when the ride ends or cancel is called.
func (r *ride) subscribe(ctx context.Context) (<-chan grpcstream.SnapshotEvent, func()) {
	ch := make(chan grpcstream.SnapshotEvent, subscriberBuffer)
	r.mu.Lock()
	if r.closed {
		if r.latest != nil {
			ch <- *r.latest
		}
		close(ch)
		r.mu.Unlock()
		return ch, func() {}
	}
	r.nextSub++
	id := r.nextSub
	r.subs[id] = ch
	if r.latest != nil {
		ch <- *r.latest
	}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
			r.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-r.done:
			}
		}()
	}
	return ch, cancel
}

// close stops the loop, flushes a final snapshot to every subscriber, and
// seals the replay bundle. It must not be called from the loop goroutine.
func (r *ride) close(reason string) {
	r.closeOnce.Do(func() {
		r.loop.Stop()

		view := r.session.View()
		payload, err := json.Marshal(view)
		if err != nil {
			r.log.Error("encode final snapshot failed", logging.Error(err))
		}
		final := grpcstream.SnapshotEvent{Tick: view.Tick, Payload: payload, Final: true}

		r.mu.Lock()
		r.summary = r.info()
		r.latest = &final
		for id, ch := range r.subs {
			deliver(ch, final)
			close(ch)
			delete(r.subs, id)
		}
		r.closed = true
		r.mu.Unlock()

		elapsedMs := simulatedMs(view.Elapsed)
		r.record(view.Tick, elapsedMs, replay.EventRideClosed, map[string]any{
			"reason":   reason,
			"score":    view.Bike.Score,
			"distance": view.Bike.Distance,
			"elapsed":  view.Elapsed,
		})
		if r.recorder != nil {
			if err == nil {
				if ferr := r.recorder.ForceFrame(view.Tick, elapsedMs, payload); ferr != nil {
					r.log.Warn("replay final frame failed", logging.Error(ferr))
				}
			}
			if cerr := r.recorder.Close(); cerr != nil {
				r.log.Warn("replay close failed", logging.Error(cerr))
			}
			r.recorder = nil
		}
		r.log.Info("ride closed",
			logging.String("reason", reason),
			logging.Uint64("tick", view.Tick),
			logging.Int("score", view.Bike.Score),
			logging.Float64("distance", view.Bike.Distance),
			logging.Duration("wall", time.Since(r.startedAt)),
		)
		close(r.done)
	})
}

// Done is closed once the ride has shut down.
func (r *ride) Done() <-chan struct{} { return r.done }

func (r *ride) record(tick uint64, elapsedMs int64, eventType string, payload any) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.AppendEvent(tick, elapsedMs, eventType, payload); err != nil {
		r.abandonRecording(err)
	}
}

func (r *ride) recordFrame(tick uint64, elapsedMs int64, payload []byte) {
	if r.recorder == nil {
		return
	}
	if _, err := r.recorder.AppendFrame(tick, elapsedMs, payload); err != nil {
		r.abandonRecording(err)
	}
}

// abandonRecording stops writing the bundle after the first I/O failure.
func (r *ride) abandonRecording(err error) {
	r.log.Warn("replay recording stopped", logging.Error(err), logging.String("bundle", r.recordDir))
	_ = r.recorder.Close()
	r.recorder = nil
}

func simulatedMs(elapsed float64) int64 {
	return int64(math.Round(elapsed * 1000))
}
