package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hillrider/broker/internal/auth"
	"hillrider/broker/internal/config"
	grpcstream "hillrider/broker/internal/grpc"
	httpapi "hillrider/broker/internal/http"
	"hillrider/broker/internal/input"
	"hillrider/broker/internal/logging"
	"hillrider/broker/internal/match"
	"hillrider/broker/internal/networking"
	"hillrider/broker/internal/replay"
	"hillrider/broker/internal/simulation"
	"hillrider/broker/internal/timesync"
)

var (
	errRideCapacity = errors.New("ride capacity reached")
	errRideRate     = errors.New("ride admission rate exceeded")
	errBrokerClosed = errors.New("broker is shutting down")
)

const replyBuffer = 4

// BrokerOption customises a Broker at construction time.
type BrokerOption func(*Broker)

// WithSeedSource overrides how fresh ride seeds are drawn.
func WithSeedSource(source func() uint64) BrokerOption {
	return func(b *Broker) {
		if source != nil {
			b.seeds = source
		}
	}
}

// WithClock overrides the broker time source.
func WithClock(clock func() time.Time) BrokerOption {
	return func(b *Broker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// Broker admits riders over WebSocket and runs one simulated ride per
// connection.
type Broker struct {
	cfg      *config.Config
	log      *logging.Logger
	upgrader websocket.Upgrader
	limiter  *httpapi.SlidingWindowLimiter
	gate     *input.Gate
	monitor  *simulation.TickMonitor
	riders   *auth.RiderTokens
	throttle *networking.SnapshotThrottle
	clock    *timesync.Tracker
	seeds    func() uint64
	now      func() time.Time
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	rides      map[string]*ride
	closing    bool
	startupErr error

	ridesStarted  atomic.Uint64
	ridesFinished atomic.Uint64
	ridesRejected atomic.Uint64
	snapshots     atomic.Uint64
	bonuses       atomic.Uint64
	authFailures  atomic.Uint64
}

// NewBroker wires the admission, input, and simulation layers together.
func NewBroker(cfg *config.Config, logger *logging.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = logging.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:     cfg,
		log:     logger,
		gate:    input.NewGate(input.DefaultConfig(), logger.With(logging.String("component", "input_gate"))),
		monitor: simulation.NewTickMonitor(simulation.StepFor(cfg.TickHz)),
		seeds:   rand.Uint64,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		rides:   make(map[string]*ride),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.started = b.now()
	b.limiter = httpapi.NewSlidingWindowLimiter(cfg.RideWindow, cfg.RideBurst, b.now)
	b.throttle = networking.NewSnapshotThrottle(float64(cfg.RiderBandwidth), b.now)
	b.clock = timesync.NewTracker(timesync.WithClock(b.now))
	if cfg.RiderSecret != "" {
		riders, err := auth.NewRiderTokens(cfg.RiderSecret, config.DefaultRiderTokenLeeway)
		if err != nil {
			b.startupErr = fmt.Errorf("rider tokens: %w", err)
		} else {
			b.riders = riders.WithClock(b.now)
		}
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

func (b *Broker) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// admit applies the concurrent cap and the admission rate.
func (b *Broker) admit() error {
	b.mu.RLock()
	closing, active := b.closing, len(b.rides)
	b.mu.RUnlock()
	if closing {
		return errBrokerClosed
	}
	if b.cfg.MaxRides > 0 && active >= b.cfg.MaxRides {
		return errRideCapacity
	}
	if !b.limiter.Allow() {
		return errRideRate
	}
	return nil
}

// rideSettings resolves the course for a new ride. An explicit seed pins
// the course; otherwise the configured or a fresh seed is used.
func (b *Broker) rideSettings(query string) (match.Settings, error) {
	seed := b.cfg.Ride.Seed
	if !b.cfg.Ride.SeedFixed {
		seed = b.seeds()
	}
	if raw := strings.TrimSpace(query); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return match.Settings{}, fmt.Errorf("seed must be an unsigned integer, got %q", raw)
		}
		seed = parsed
	}
	return b.cfg.Ride.Settings(seed), nil
}

// startRide creates, registers, and starts a ride. rider is empty when
// rider tokens are not required.
func (b *Broker) startRide(settings match.Settings, rider string) (*ride, error) {
	session := match.NewSession(settings)
	var recorder *replay.Writer
	if dir := strings.TrimSpace(b.cfg.ReplayDir); dir != "" {
		header, err := replayHeader(session, b.cfg.TickHz)
		if err != nil {
			return nil, err
		}
		recorder, _, err = replay.NewWriter(dir, header, b.now)
		if err != nil {
			b.log.Warn("replay recording unavailable", logging.Error(err), logging.String("ride_id", session.ID()))
			recorder = nil
		}
	}

	r := newRide(session, rider, b.cfg.TickHz, b.cfg.SnapshotEvery, recorder, b.monitor, b.log, rideHooks{
		snapshot: func() { b.snapshots.Add(1) },
		bonuses:  func(n int) { b.bonuses.Add(uint64(n)) },
		finished: func() { b.ridesFinished.Add(1) },
	})

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		r.close("shutdown")
		return nil, errBrokerClosed
	}
	b.rides[r.id] = r
	b.mu.Unlock()

	b.ridesStarted.Add(1)
	r.start(b.ctx)
	r.log.Info("ride started",
		logging.Uint64("seed", session.Seed()),
		logging.String("policy", string(settings.Terrain.Policy)),
		logging.Bool("bounded", settings.Terrain.Bounded()),
		logging.String("rider", rider),
	)
	return r, nil
}

// endRide stops a ride and forgets it.
func (b *Broker) endRide(r *ride, reason string) {
	if r == nil {
		return
	}
	//1.- Seal the bundle while the ride is still registered so retention
	// sweeps keep treating it as live.
	r.close(reason)
	b.mu.Lock()
	if current, ok := b.rides[r.id]; ok && current == r {
		delete(b.rides, r.id)
	}
	b.mu.Unlock()
	b.gate.Forget(r.id)
	b.throttle.Forget(r.id)
}

func (b *Broker) lookup(rideID string) (*ride, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rides[strings.TrimSpace(rideID)]
	return r, ok
}

// handleMessage dispatches one socket frame. Clock probes produce a reply
// for the writer; control frames are latched.
func (b *Broker) handleMessage(r *ride, raw []byte) ([]byte, error) {
	payload, err := decodeControlPayload(raw)
	if err != nil {
		return nil, err
	}
	if payload.Type == controlTypeTimeSync {
		return json.Marshal(b.clock.Respond(payload.ClientMs, simulatedMs(r.Info().Elapsed)))
	}
	return nil, b.latchControl(r, payload)
}

// applyControl runs a raw control frame through the gate and latches it.
func (b *Broker) applyControl(r *ride, raw []byte) error {
	payload, err := decodeControlPayload(raw)
	if err != nil {
		return err
	}
	if payload.Type != controlTypeInput {
		return fmt.Errorf("%w: %q", errControlUnknownType, payload.Type)
	}
	return b.latchControl(r, payload)
}

func (b *Broker) latchControl(r *ride, payload *controlPayload) error {
	decision := b.gate.Evaluate(payload.Frame(r.id))
	if !decision.Accepted {
		return fmt.Errorf("control frame rejected: %s", decision.Reason)
	}
	if decision.Delay > 0 {
		b.clock.ObserveLatency(decision.Delay)
	}
	if decision.Changed {
		r.latch(payload.Controls())
	}
	return nil
}

// serveWS admits a rider and streams the ride over the upgraded socket.
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = b.log
	}

	//1.- Identify the rider when tokens are required.
	var rider string
	if b.riders != nil {
		claims, err := b.riders.Authenticate(r)
		if err != nil {
			b.authFailures.Add(1)
			logger.Warn("rider token rejected", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rider = claims.Rider
	}

	//2.- Refuse riders before upgrading when the server is saturated.
	if err := b.admit(); err != nil {
		b.ridesRejected.Add(1)
		logger.Warn("ride rejected", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
		switch {
		case errors.Is(err, errRideRate):
			seconds := int(math.Ceil(b.limiter.RetryAfter().Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}
	settings, err := b.rideSettings(r.URL.Query().Get("seed"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	//3.- Start the ride first so the welcome message can name it.
	rd, err := b.startRide(settings, rider)
	if err != nil {
		logger.Error("ride start failed", logging.Error(err))
		http.Error(w, "ride unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		b.endRide(rd, "upgrade_failed")
		return
	}
	conn.SetReadLimit(b.cfg.MaxPayloadBytes)

	connLogger := logger.With(logging.String("ride_id", rd.id), logging.String("remote_addr", r.RemoteAddr))
	replies := make(chan []byte, replyBuffer)
	go b.writePump(conn, rd, replies, connLogger)
	go b.readPump(conn, rd, replies, connLogger)
}

// welcomeMessage is the first frame a rider receives.
type welcomeMessage struct {
	Type     string         `json:"type"`
	RideID   string         `json:"ride_id"`
	Rider    string         `json:"rider,omitempty"`
	Seed     uint64         `json:"seed"`
	TickHz   float64        `json:"tick_hz"`
	Settings match.Settings `json:"settings"`
}

// snapshotMessage wraps an encoded match.View.
type snapshotMessage struct {
	Type  string          `json:"type"`
	Final bool            `json:"final,omitempty"`
	View  json.RawMessage `json:"view"`
}

func (b *Broker) writePump(conn *websocket.Conn, rd *ride, replies <-chan []byte, logger *logging.Logger) {
	snapshots, cancel := rd.subscribe(context.Background())
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	writeWait := b.cfg.PingInterval
	write := func(messageType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	hello, err := json.Marshal(welcomeMessage{
		Type:     "welcome",
		RideID:   rd.id,
		Rider:    rd.rider,
		Seed:     rd.session.Seed(),
		TickHz:   rd.tickHz,
		Settings: rd.session.Settings(),
	})
	if err == nil {
		err = write(websocket.TextMessage, hello)
	}
	if err != nil {
		logger.Warn("welcome write failed", logging.Error(err))
		b.endRide(rd, "write_failed")
		return
	}

	for {
		select {
		case event, ok := <-snapshots:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "ride closed"))
				return
			}
			msg, err := json.Marshal(snapshotMessage{Type: "snapshot", Final: event.Final, View: event.Payload})
			if err != nil {
				logger.Error("encode snapshot message failed", logging.Error(err))
				continue
			}
			if !event.Final && !b.throttle.Allow(rd.id, len(msg)) {
				continue
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				logger.Debug("snapshot write failed", logging.Error(err))
				b.endRide(rd, "write_failed")
				return
			}
		case reply := <-replies:
			if err := write(websocket.TextMessage, reply); err != nil {
				logger.Debug("time sync write failed", logging.Error(err))
				b.endRide(rd, "write_failed")
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", logging.Error(err))
				b.endRide(rd, "ping_failed")
				return
			}
		}
	}
}

func (b *Broker) readPump(conn *websocket.Conn, rd *ride, replies chan<- []byte, logger *logging.Logger) {
	defer conn.Close()
	readWait := 2 * b.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", logging.Error(err))
			}
			b.endRide(rd, "disconnect")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		reply, err := b.handleMessage(rd, raw)
		if err != nil {
			logger.Debug("control frame dropped", logging.Error(err))
			continue
		}
		if reply != nil {
			select {
			case replies <- reply:
			default:
				logger.Debug("time sync reply dropped")
			}
		}
	}
}

// Shutdown closes every ride and refuses new ones.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closing = true
	rides := make([]*ride, 0, len(b.rides))
	for _, r := range b.rides {
		rides = append(rides, r)
	}
	b.mu.Unlock()
	for _, r := range rides {
		b.endRide(r, "shutdown")
	}
	b.cancel()
}

// RideCounts reports active rides and the configured cap.
func (b *Broker) RideCounts() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rides), b.cfg.MaxRides
}

// StartupError reports a fatal setup problem, if any.
func (b *Broker) StartupError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startupErr
}

func (b *Broker) setStartupError(err error) {
	b.mu.Lock()
	b.startupErr = err
	b.mu.Unlock()
}

// Uptime reports how long the broker has been running.
func (b *Broker) Uptime() time.Duration { return b.now().Sub(b.started) }

// RideInfos lists live ride summaries.
func (b *Broker) RideInfos() []httpapi.RideInfo {
	b.mu.RLock()
	rides := make([]*ride, 0, len(b.rides))
	for _, r := range b.rides {
		rides = append(rides, r)
	}
	b.mu.RUnlock()
	infos := make([]httpapi.RideInfo, 0, len(rides))
	for _, r := range rides {
		infos = append(infos, r.Info())
	}
	return infos
}

// CloseRide ends a live ride on operator request.
func (b *Broker) CloseRide(ctx context.Context, rideID string) error {
	r, ok := b.lookup(rideID)
	if !ok {
		return httpapi.ErrRideNotFound
	}
	b.endRide(r, "operator")
	return nil
}

// Counters returns cumulative broker totals.
func (b *Broker) Counters() httpapi.Counters {
	return httpapi.Counters{
		RidesStarted:     b.ridesStarted.Load(),
		RidesFinished:    b.ridesFinished.Load(),
		RidesRejected:    b.ridesRejected.Load(),
		Snapshots:        b.snapshots.Load(),
		Bonuses:          b.bonuses.Load(),
		SnapshotsSkipped: uint64(b.throttle.Skipped()),
		AuthFailures:     b.authFailures.Load(),
	}
}

// TickStats aggregates step timings across every ride.
func (b *Broker) TickStats() simulation.TickMetricsSnapshot { return b.monitor.Snapshot() }

// ClockSync reports rider clock drift and control latency.
func (b *Broker) ClockSync() timesync.Stats { return b.clock.Snapshot() }

// InputDrops totals rejected control frames.
func (b *Broker) InputDrops() input.DropCounters { return b.gate.Totals() }

// replayInUse keeps the retention sweeper away from bundles still being written.
func (b *Broker) replayInUse(dir string) bool {
	cleaned := filepath.Clean(dir)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.rides {
		if r.recordDir != "" && filepath.Clean(r.recordDir) == cleaned {
			return true
		}
	}
	return false
}

// replayHeader captures everything needed to rebuild the ride offline.
func replayHeader(session *match.Session, tickHz float64) (replay.Header, error) {
	settings, err := json.Marshal(session.Settings())
	if err != nil {
		return replay.Header{}, fmt.Errorf("encode ride settings: %w", err)
	}
	params := session.TerrainParams()
	return replay.Header{
		SchemaVersion: replay.HeaderSchemaVersion,
		RideID:        session.ID(),
		Seed:          session.Seed(),
		Policy:        string(params.Policy),
		Bounded:       params.Bounded(),
		TickHz:        tickHz,
		TerrainParams: replay.TerrainParameters(params.Describe()),
		Settings:      settings,
	}, nil
}

var (
	_ httpapi.ReadinessProvider = (*Broker)(nil)
	_ httpapi.RideDirectory     = (*Broker)(nil)
	_ grpcstream.RideBridge     = (*Broker)(nil)
)
