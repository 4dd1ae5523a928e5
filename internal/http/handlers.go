package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"hillrider/broker/internal/input"
	"hillrider/broker/internal/logging"
	"hillrider/broker/internal/replay"
	"hillrider/broker/internal/simulation"
	"hillrider/broker/internal/timesync"
)

// ErrRideNotFound is returned by RideCloser for unknown ride ids.
var ErrRideNotFound = errors.New("ride not found")

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	RideCounts() (active, capacity int)
	StartupError() error
	Uptime() time.Duration
}

// RideInfo is the public summary of one live ride.
type RideInfo struct {
	RideID       string  `json:"ride_id"`
	Rider        string  `json:"rider,omitempty"`
	Tick         uint64  `json:"tick"`
	Elapsed      float64 `json:"elapsed"`
	Score        int     `json:"score"`
	Distance     float64 `json:"distance"`
	Bounded      bool    `json:"bounded"`
	Finished     bool    `json:"finished"`
	Seed         uint64  `json:"seed"`
	Watchers     int     `json:"watchers"`
	ReplayBundle string  `json:"replay_bundle,omitempty"`
}

// RideDirectory lists and ends live rides.
type RideDirectory interface {
	RideInfos() []RideInfo
	CloseRide(ctx context.Context, rideID string) error
}

// Counters are cumulative totals reported on /metrics.
type Counters struct {
	RidesStarted  uint64
	RidesFinished uint64
	RidesRejected uint64
	Snapshots     uint64
	Bonuses       uint64
	// SnapshotsSkipped counts snapshots withheld by the bandwidth throttle.
	SnapshotsSkipped uint64
	AuthFailures     uint64
}

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Readiness  ReadinessProvider
	Rides      RideDirectory
	Counters   func() Counters
	TickStats  func() simulation.TickMetricsSnapshot
	InputDrops func() input.DropCounters
	ClockSync  func() timesync.Stats
	// ReplayDir enables /api/replays when set.
	ReplayDir   string
	ReplayStats func() replay.StorageStats
	// Controls is served verbatim as JSON on /api/controls.
	Controls   any
	AdminToken string
	TimeSource func() time.Time
}

// HandlerSet bundles the server's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	rides       RideDirectory
	counters    func() Counters
	tickStats   func() simulation.TickMetricsSnapshot
	inputDrops  func() input.DropCounters
	clockSync   func() timesync.Stats
	replayDir   string
	replayStats func() replay.StorageStats
	controls    any
	adminToken  string
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		rides:       opts.Rides,
		counters:    opts.Counters,
		tickStats:   opts.TickStats,
		inputDrops:  opts.InputDrops,
		clockSync:   opts.ClockSync,
		replayDir:   strings.TrimSpace(opts.ReplayDir),
		replayStats: opts.ReplayStats,
		controls:    opts.Controls,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /livez", h.LivenessHandler())
	mux.HandleFunc("GET /readyz", h.ReadinessHandler())
	mux.HandleFunc("GET /metrics", h.MetricsHandler())
	mux.HandleFunc("GET /api/rides", h.RidesHandler())
	mux.HandleFunc("DELETE /api/rides/{id}", h.CloseRideHandler())
	mux.HandleFunc("GET /api/controls", h.ControlsHandler())
	mux.HandleFunc("GET /api/replays", h.ReplaysHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness; a full server is reported as not ready.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Rides         int     `json:"rides"`
		Capacity      int     `json:"capacity"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Rides, resp.Capacity = h.readiness.RideCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			switch err := h.readiness.StartupError(); {
			case err != nil:
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			case resp.Capacity > 0 && resp.Rides >= resp.Capacity:
				status = http.StatusServiceUnavailable
				resp.Status = "full"
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metric := func(name, kind, help string, value any) {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %v\n", name, help, name, kind, name, value)
		}

		if h.readiness != nil {
			active, capacity := h.readiness.RideCounts()
			metric("hillrider_uptime_seconds", "gauge", "Server uptime in seconds.", fmt.Sprintf("%.0f", h.readiness.Uptime().Seconds()))
			metric("hillrider_rides_active", "gauge", "Rides currently simulating.", active)
			metric("hillrider_rides_capacity", "gauge", "Maximum concurrent rides, zero when unlimited.", capacity)
		}
		if h.counters != nil {
			c := h.counters()
			metric("hillrider_rides_started_total", "counter", "Rides admitted since start.", c.RidesStarted)
			metric("hillrider_rides_finished_total", "counter", "Bounded rides that reached the course end.", c.RidesFinished)
			metric("hillrider_rides_rejected_total", "counter", "Ride requests refused by admission control.", c.RidesRejected)
			metric("hillrider_snapshots_total", "counter", "Snapshots delivered to riders.", c.Snapshots)
			metric("hillrider_bonuses_collected_total", "counter", "Bonuses collected across all rides.", c.Bonuses)
			metric("hillrider_snapshots_skipped_total", "counter", "Snapshots withheld by the per-rider bandwidth cap.", c.SnapshotsSkipped)
			metric("hillrider_auth_failures_total", "counter", "Ride requests refused for a missing or invalid rider token.", c.AuthFailures)
		}
		if h.tickStats != nil {
			stats := h.tickStats()
			metric("hillrider_tick_samples_total", "counter", "Simulation steps observed.", stats.Samples)
			metric("hillrider_tick_average_seconds", "gauge", "Mean wall time per simulation step.", fmt.Sprintf("%.6f", stats.Average.Seconds()))
			metric("hillrider_tick_max_seconds", "gauge", "Slowest simulation step.", fmt.Sprintf("%.6f", stats.Max.Seconds()))
			metric("hillrider_tick_overruns_total", "counter", "Steps that exceeded the frame budget.", stats.Overruns)
		}
		if h.inputDrops != nil {
			drops := h.inputDrops()
			fmt.Fprintf(w, "# HELP hillrider_input_dropped_total Control frames rejected by the input gate.\n")
			fmt.Fprintf(w, "# TYPE hillrider_input_dropped_total counter\n")
			fmt.Fprintf(w, "hillrider_input_dropped_total{reason=%q} %d\n", input.DropReasonSequence, drops.Sequence)
			fmt.Fprintf(w, "hillrider_input_dropped_total{reason=%q} %d\n", input.DropReasonStale, drops.Stale)
			fmt.Fprintf(w, "hillrider_input_dropped_total{reason=%q} %d\n", input.DropReasonRateLimited, drops.RateLimited)
		}
		if h.clockSync != nil {
			clock := h.clockSync()
			metric("hillrider_time_sync_probes_total", "counter", "Clock probes answered on rider sockets.", clock.Probes)
			metric("hillrider_clock_offset_seconds", "gauge", "Smoothed server minus rider clock offset.", fmt.Sprintf("%.3f", clock.OffsetMs/1000))
			metric("hillrider_input_latency_seconds", "gauge", "Smoothed delay between control capture and arrival.", fmt.Sprintf("%.3f", clock.LatencyMs/1000))
			metric("hillrider_input_latency_max_seconds", "gauge", "Slowest control frame observed.", fmt.Sprintf("%.3f", clock.MaxLatencyMs/1000))
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			metric("hillrider_replay_bundles", "gauge", "Ride bundles retained on disk.", stats.Rides)
			metric("hillrider_replay_bytes", "gauge", "Disk used by retained ride bundles.", stats.Bytes)
		}
	}
}

// RidesHandler lists live rides ordered by id.
func (h *HandlerSet) RidesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rides := []RideInfo{}
		if h.rides != nil {
			rides = append(rides, h.rides.RideInfos()...)
		}
		sort.Slice(rides, func(i, j int) bool { return rides[i].RideID < rides[j].RideID })
		writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
	}
}

// CloseRideHandler ends a live ride. It requires the admin token.
func (h *HandlerSet) CloseRideHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rideID := r.PathValue("id")
		reqLogger := h.logger.With(
			logging.String("handler", "close_ride"),
			logging.String("ride_id", rideID),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("close ride denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("close ride denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rides == nil {
			http.Error(w, "rides unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := h.rides.CloseRide(r.Context(), rideID); err != nil {
			if errors.Is(err, ErrRideNotFound) {
				http.Error(w, "ride not found", http.StatusNotFound)
				return
			}
			reqLogger.Error("close ride failed", logging.Error(err))
			http.Error(w, "failed to close ride", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("ride closed by operator")
		w.WriteHeader(http.StatusNoContent)
	}
}

// ControlsHandler serves the control reference document.
func (h *HandlerSet) ControlsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.controls == nil {
			http.Error(w, "no control reference configured", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, h.controls)
	}
}

// ReplaysHandler lists recorded ride bundles.
func (h *HandlerSet) ReplaysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.replayDir == "" {
			http.Error(w, "replay recording disabled", http.StatusNotFound)
			return
		}
		entries, err := replay.List(h.replayDir)
		if err != nil {
			h.logger.Warn("replay listing failed", logging.Error(err), logging.String("directory", h.replayDir))
			http.Error(w, "failed to list replays", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []replay.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"replays": entries})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
