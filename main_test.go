package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hillrider/broker/internal/auth"
	"hillrider/broker/internal/config"
	grpcstream "hillrider/broker/internal/grpc"
	httpapi "hillrider/broker/internal/http"
	"hillrider/broker/internal/logging"
	"hillrider/broker/internal/match"
	"hillrider/broker/internal/replay"
	"hillrider/broker/internal/timesync"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxPayloadBytes: 4096,
		PingInterval:    time.Second,
		MaxRides:        4,
		RideWindow:      time.Second,
		RideBurst:       10,
		TickHz:          120,
		SnapshotEvery:   1,
		Ride:            config.DefaultRideConfig(),
	}
}

func newTestBroker(t *testing.T, cfg *config.Config) *Broker {
	t.Helper()
	broker := NewBroker(cfg, logging.NewTestLogger(), WithSeedSource(func() uint64 { return 7 }))
	t.Cleanup(broker.Shutdown)
	return broker
}

func newTestServer(t *testing.T, broker *Broker, cfg *config.Config) string {
	t.Helper()
	srv := httptest.NewServer(logging.HTTPTraceMiddleware(logging.NewTestLogger())(newServeMux(broker, cfg, nil, logging.NewTestLogger())))
	t.Cleanup(srv.Close)
	return srv.URL
}

func dial(t *testing.T, baseURL, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readView(t *testing.T, conn *websocket.Conn) (match.View, bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg snapshotMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "snapshot", msg.Type)
	var view match.View
	require.NoError(t, json.Unmarshal(msg.View, &view))
	return view, msg.Final
}

func TestWebSocketRideAcceleratesOnInput(t *testing.T) {
	cfg := testConfig()
	broker := newTestBroker(t, cfg)
	baseURL := newTestServer(t, broker, cfg)

	conn, _, err := dial(t, baseURL, "")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var hello welcomeMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "welcome", hello.Type)
	assert.Equal(t, uint64(7), hello.Seed)
	assert.NotEmpty(t, hello.RideID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "input", "sequence_id": 1, "accelerate": true}))

	start := hello.Settings.StartX
	moved := false
	for i := 0; i < 600 && !moved; i++ {
		view, _ := readView(t, conn)
		assert.Equal(t, hello.RideID, view.RideID)
		assert.GreaterOrEqual(t, view.Bike.VX, 0.0)
		moved = view.Bike.X > start+5
	}
	require.True(t, moved, "bike should move forward while accelerating")

	rides := broker.RideInfos()
	require.Len(t, rides, 1)
	assert.Equal(t, hello.RideID, rides[0].RideID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		active, _ := broker.RideCounts()
		return active == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketSeedQueryPinsCourse(t *testing.T) {
	cfg := testConfig()
	broker := newTestBroker(t, cfg)
	baseURL := newTestServer(t, broker, cfg)

	conn, _, err := dial(t, baseURL, "?seed=99")
	require.NoError(t, err)
	defer conn.Close()
	var hello welcomeMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, uint64(99), hello.Seed)

	_, resp, err := dial(t, baseURL, "?seed=abc")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketAdmissionLimits(t *testing.T) {
	t.Run("capacity", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxRides = 1
		broker := newTestBroker(t, cfg)
		baseURL := newTestServer(t, broker, cfg)

		conn, _, err := dial(t, baseURL, "")
		require.NoError(t, err)
		defer conn.Close()

		_, resp, err := dial(t, baseURL, "")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, uint64(1), broker.Counters().RidesRejected)
	})

	t.Run("rate", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxRides = 0
		cfg.RideBurst = 1
		cfg.RideWindow = time.Minute
		broker := newTestBroker(t, cfg)
		baseURL := newTestServer(t, broker, cfg)

		conn, _, err := dial(t, baseURL, "")
		require.NoError(t, err)
		defer conn.Close()

		_, resp, err := dial(t, baseURL, "")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	})
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://ride.example"}
	broker := newTestBroker(t, cfg)
	baseURL := newTestServer(t, broker, cfg)

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://ride.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketRequiresRiderToken(t *testing.T) {
	cfg := testConfig()
	cfg.RiderSecret = "rider-secret"
	broker := newTestBroker(t, cfg)
	baseURL := newTestServer(t, broker, cfg)

	_, resp, err := dial(t, baseURL, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := auth.NewRiderTokens("other-secret", 0)
	require.NoError(t, err)
	bad, err := forged.Issue("mallory", time.Minute)
	require.NoError(t, err)
	_, resp, err = dial(t, baseURL, "?"+auth.QueryParam+"="+bad)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, uint64(2), broker.Counters().AuthFailures)

	tokens, err := auth.NewRiderTokens(cfg.RiderSecret, 0)
	require.NoError(t, err)
	good, err := tokens.Issue("rider-42", time.Minute)
	require.NoError(t, err)
	conn, _, err := dial(t, baseURL, "?"+auth.QueryParam+"="+good)
	require.NoError(t, err)
	defer conn.Close()

	var hello welcomeMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "rider-42", hello.Rider)
	rides := broker.RideInfos()
	require.Len(t, rides, 1)
	assert.Equal(t, "rider-42", rides[0].Rider)
	assert.Equal(t, uint64(0), broker.Counters().RidesRejected)
}

func TestWebSocketAnswersTimeSync(t *testing.T) {
	cfg := testConfig()
	broker := newTestBroker(t, cfg)
	baseURL := newTestServer(t, broker, cfg)

	conn, _, err := dial(t, baseURL, "")
	require.NoError(t, err)
	defer conn.Close()

	sent := time.Now().UnixMilli()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "time_sync", "client_ms": sent}))

	var reply timesync.Reply
	for reply.Type != timesync.MessageType {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &reply))
	}
	assert.Equal(t, sent, reply.ClientMs)
	assert.GreaterOrEqual(t, reply.ServerMs, sent)
	assert.GreaterOrEqual(t, reply.SimulatedMs, int64(0))
	assert.Equal(t, uint64(1), broker.ClockSync().Probes)
}

func TestSnapshotThrottleWithholdsFramesButNotFinal(t *testing.T) {
	cfg := testConfig()
	cfg.RiderBandwidth = 1
	broker := newTestBroker(t, cfg)
	baseURL := newTestServer(t, broker, cfg)

	conn, _, err := dial(t, baseURL, "")
	require.NoError(t, err)
	defer conn.Close()

	var hello welcomeMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	require.Eventually(t, func() bool { return broker.Counters().SnapshotsSkipped >= 3 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, broker.CloseRide(context.Background(), hello.RideID))
	view, final := readView(t, conn)
	assert.True(t, final, "only the final snapshot should pass a starved budget")
	assert.Equal(t, hello.RideID, view.RideID)
}

func TestBridgeControlsAndSnapshots(t *testing.T) {
	cfg := testConfig()
	broker := newTestBroker(t, cfg)
	rd, err := broker.startRide(cfg.Ride.Settings(3), "")
	require.NoError(t, err)
	ctx := context.Background()

	result := broker.ProcessControl(ctx, rd.id, []byte(`{"sequence_id":1,"accelerate":true}`))
	require.True(t, result.Accepted, "first frame should pass: %v", result.Err)

	result = broker.ProcessControl(ctx, rd.id, []byte(`{"sequence_id":1,"brake":true}`))
	assert.False(t, result.Accepted)
	assert.Error(t, result.Err)

	result = broker.ProcessControl(ctx, "missing", []byte(`{"sequence_id":1}`))
	assert.ErrorIs(t, result.Err, grpcstream.ErrUnknownRide)

	_, _, err = broker.SubscribeSnapshots(ctx, "missing")
	assert.ErrorIs(t, err, grpcstream.ErrUnknownRide)

	snapshots, cancel, err := broker.SubscribeSnapshots(ctx, rd.id)
	require.NoError(t, err)
	defer cancel()

	require.Eventually(t, func() bool {
		for _, ride := range broker.Rides() {
			if ride.RideID == rd.id && ride.Distance > 1 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, broker.CloseRide(ctx, rd.id))
	assert.ErrorIs(t, broker.CloseRide(ctx, rd.id), httpapi.ErrRideNotFound)

	var last grpcstream.SnapshotEvent
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case event, ok := <-snapshots:
			if ok {
				last = event
			}
			open = ok
		case <-timeout:
			t.Fatal("snapshot channel did not close")
		}
	}
	require.True(t, last.Final)
	var view match.View
	require.NoError(t, json.Unmarshal(last.Payload, &view))
	assert.Equal(t, rd.id, view.RideID)
	assert.Greater(t, view.Bike.Distance, 1.0)
}

func TestRideRecordsReplayBundle(t *testing.T) {
	cfg := testConfig()
	cfg.ReplayDir = t.TempDir()
	broker := newTestBroker(t, cfg)
	rd, err := broker.startRide(cfg.Ride.Settings(11), "")
	require.NoError(t, err)
	dir := rd.recordDir
	require.NotEmpty(t, dir)
	assert.True(t, broker.replayInUse(dir))

	require.True(t, broker.ProcessControl(context.Background(), rd.id, []byte(`{"sequence_id":1,"accelerate":true}`)).Accepted)
	require.Eventually(t, func() bool { return rd.Info().Tick >= 60 }, 5*time.Second, 10*time.Millisecond)
	broker.endRide(rd, "test")
	assert.False(t, broker.replayInUse(dir))

	bundle, err := replay.ReadBundle(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), bundle.Header.Seed)
	assert.Equal(t, cfg.TickHz, bundle.Header.TickHz)
	var settings match.Settings
	require.NoError(t, json.Unmarshal(bundle.Header.Settings, &settings))
	assert.Equal(t, cfg.Ride.Settings(11).Terrain.Policy, settings.Terrain.Policy)

	require.Len(t, bundle.EventsOfType(replay.EventRideStarted), 1)
	require.Len(t, bundle.EventsOfType(replay.EventRideClosed), 1)
	inputs := bundle.EventsOfType(replay.EventInput)
	require.NotEmpty(t, inputs)
	assert.Equal(t, uint64(1), inputs[0].Tick)

	require.NotEmpty(t, bundle.Frames)
	final := bundle.Frames[len(bundle.Frames)-1]
	var view match.View
	require.NoError(t, json.Unmarshal(final.Payload, &view))
	assert.Equal(t, final.Tick, view.Tick)
	assert.GreaterOrEqual(t, view.Tick, uint64(60))
}

func TestReplayBundleStaysInUseUntilSealed(t *testing.T) {
	cfg := testConfig()
	cfg.ReplayDir = t.TempDir()

	var (
		broker  *Broker
		dir     string
		closing atomic.Bool
		mu      sync.Mutex
		inUse   []bool
	)
	clock := func() time.Time {
		if closing.Load() {
			held := broker.replayInUse(dir)
			mu.Lock()
			inUse = append(inUse, held)
			mu.Unlock()
		}
		return time.Now()
	}
	broker = NewBroker(cfg, logging.NewTestLogger(), WithClock(clock))
	t.Cleanup(broker.Shutdown)

	rd, err := broker.startRide(cfg.Ride.Settings(4), "")
	require.NoError(t, err)
	dir = rd.recordDir
	require.NotEmpty(t, dir)
	require.Eventually(t, func() bool { return rd.Info().Tick >= 10 }, 5*time.Second, 10*time.Millisecond)

	//1.- The closing event is stamped by the clock while the bundle is still open.
	closing.Store(true)
	broker.endRide(rd, "test")
	closing.Store(false)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, inUse, "closing the ride should record its final events")
	for i, held := range inUse {
		assert.True(t, held, "bundle released before it was sealed (sample %d)", i)
	}
	assert.False(t, broker.replayInUse(dir))
}

func TestShutdownRefusesNewRides(t *testing.T) {
	cfg := testConfig()
	broker := NewBroker(cfg, logging.NewTestLogger())
	_, err := broker.startRide(cfg.Ride.Settings(1), "")
	require.NoError(t, err)

	broker.Shutdown()
	active, _ := broker.RideCounts()
	assert.Zero(t, active)
	assert.True(t, errors.Is(broker.admit(), errBrokerClosed))
	_, err = broker.startRide(cfg.Ride.Settings(2), "")
	assert.ErrorIs(t, err, errBrokerClosed)
}

func TestOperationalEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.AdminToken = "secret"
	broker := newTestBroker(t, cfg)
	baseURL := newTestServer(t, broker, cfg)
	rd, err := broker.startRide(cfg.Ride.Settings(5), "")
	require.NoError(t, err)

	resp, err := http.Get(baseURL + "/api/rides")
	require.NoError(t, err)
	var listing struct {
		Rides []httpapi.RideInfo `json:"rides"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing.Rides, 1)
	assert.Equal(t, uint64(5), listing.Rides[0].Seed)

	resp, err = http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body := new(strings.Builder)
	_, _ = io.Copy(body, resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), "hillrider_rides_active 1")
	assert.NotEmpty(t, resp.Header.Get(logging.TraceIDHeader))

	req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/rides/"+rd.id, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	select {
	case <-rd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("ride did not close")
	}
}
