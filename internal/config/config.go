package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hillrider/broker/internal/camera"
	"hillrider/broker/internal/match"
	"hillrider/broker/internal/terrain"
)

const (
	// DefaultAddr is the default TCP address the HTTP/WebSocket server listens on.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is where the ride streaming service listens. Empty disables it.
	DefaultGRPCAddr = ":43128"
	// DefaultGRPCCompression names the payload codec for watch streams.
	DefaultGRPCCompression = "gzip"
	// DefaultGRPCSnapshotHz caps how often a watcher receives snapshots.
	DefaultGRPCSnapshotHz = 20.0
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxRides bounds concurrent rides. Zero disables the limit.
	DefaultMaxRides = 64

	// DefaultRideWindow bounds how frequently new rides may be admitted.
	DefaultRideWindow = time.Second
	// DefaultRideBurst sets how many rides may start per window.
	DefaultRideBurst = 5

	// DefaultTickHz is the fixed simulation rate of every ride.
	DefaultTickHz = 60.0
	// DefaultSnapshotEvery sends one snapshot per this many ticks.
	DefaultSnapshotEvery = 2

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "hillrider.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultReplayKeep bounds how many ride bundles stay on disk. Zero keeps all.
	DefaultReplayKeep = 200
	// DefaultReplayMaxAge expires bundles older than this. Zero disables expiry.
	DefaultReplayMaxAge = 72 * time.Hour
	// DefaultReplaySweep sets how often the replay directory is pruned.
	DefaultReplaySweep = 10 * time.Minute

	// DefaultRiderBandwidth caps snapshot bytes per second on each socket.
	DefaultRiderBandwidth = 256 << 10
	// DefaultRiderTokenLeeway tolerates clock skew on rider token expiry.
	DefaultRiderTokenLeeway = 30 * time.Second

	// DefaultCourseLength is used for bounded courses when no length is supplied.
	DefaultCourseLength = 5000.0
)

// Course selects between a fixed-length and an endless ride.
type Course string

const (
	CourseInfinite Course = "infinite"
	CourseBounded  Course = "bounded"
)

// Config captures all runtime tunables for the ride server.
type Config struct {
	Address         string
	GRPCAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxRides        int
	RideWindow      time.Duration
	RideBurst       int
	TickHz          float64
	SnapshotEvery   int
	ReplayDir       string
	ReplayKeep      int
	ReplayMaxAge    time.Duration
	// GRPCToken guards the ride streaming service when set.
	GRPCToken string
	// GRPCCompression is one of gzip, zstd, or identity.
	GRPCCompression string
	GRPCSnapshotHz  float64
	// AdminToken enables operator endpoints such as ending a ride.
	AdminToken string
	// RiderSecret requires signed rider tokens on the socket when set.
	RiderSecret string
	// RiderBandwidth caps snapshot bytes per second per rider. Zero disables.
	RiderBandwidth int
	Logging        LoggingConfig
	Ride           RideConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RideConfig holds the per-ride gameplay overrides.
type RideConfig struct {
	Course       Course
	CourseLength float64
	Policy       terrain.Policy
	Seed         uint64
	// SeedFixed is false when every ride should draw a fresh seed.
	SeedFixed  bool
	BonusCount int
	BonusAward int
	Camera     camera.Mode
}

// DefaultRideConfig describes an endless random-walk ride with stock tuning.
func DefaultRideConfig() RideConfig {
	defaults := match.DefaultSettings()
	return RideConfig{
		Course:       CourseInfinite,
		CourseLength: DefaultCourseLength,
		Policy:       terrain.PolicyRandomWalk,
		BonusCount:   defaults.Placement.Count,
		BonusAward:   defaults.Bonus.Award,
		Camera:       camera.ModeLead,
	}
}

// Settings maps the overrides onto a full set of session settings for seed.
func (r RideConfig) Settings(seed uint64) match.Settings {
	settings := match.DefaultSettings()
	settings.Seed = seed
	settings.Terrain.Policy = r.Policy
	if r.Course == CourseBounded {
		settings.Terrain.CourseLength = r.CourseLength
	} else {
		settings.Terrain.CourseLength = 0
	}
	if r.BonusCount >= 0 {
		settings.Placement.Count = r.BonusCount
	}
	if r.BonusAward > 0 {
		settings.Bonus.Award = r.BonusAward
	}
	if r.Camera != "" {
		settings.Camera.Mode = r.Camera
	}
	return settings
}

// Load reads the server configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("HILLRIDER_ADDR", DefaultAddr),
		GRPCAddress:     getRaw("HILLRIDER_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:  parseList(os.Getenv("HILLRIDER_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxRides:        DefaultMaxRides,
		RideWindow:      DefaultRideWindow,
		RideBurst:       DefaultRideBurst,
		TickHz:          DefaultTickHz,
		SnapshotEvery:   DefaultSnapshotEvery,
		ReplayDir:       strings.TrimSpace(os.Getenv("HILLRIDER_REPLAY_DIR")),
		ReplayKeep:      DefaultReplayKeep,
		ReplayMaxAge:    DefaultReplayMaxAge,
		GRPCToken:       strings.TrimSpace(os.Getenv("HILLRIDER_GRPC_TOKEN")),
		GRPCCompression: strings.ToLower(getString("HILLRIDER_GRPC_COMPRESSION", DefaultGRPCCompression)),
		GRPCSnapshotHz:  DefaultGRPCSnapshotHz,
		AdminToken:      strings.TrimSpace(os.Getenv("HILLRIDER_ADMIN_TOKEN")),
		RiderSecret:     strings.TrimSpace(os.Getenv("HILLRIDER_RIDER_SECRET")),
		RiderBandwidth:  DefaultRiderBandwidth,
		Logging: LoggingConfig{
			Level:      getString("HILLRIDER_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("HILLRIDER_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		Ride: DefaultRideConfig(),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HILLRIDER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	problems = parseDuration(problems, "HILLRIDER_PING_INTERVAL", &cfg.PingInterval)
	problems = parseDuration(problems, "HILLRIDER_RIDE_WINDOW", &cfg.RideWindow)
	problems = parseInt(problems, "HILLRIDER_MAX_RIDES", 0, &cfg.MaxRides)
	problems = parseInt(problems, "HILLRIDER_REPLAY_KEEP", 0, &cfg.ReplayKeep)
	problems = parseInt(problems, "HILLRIDER_RIDE_BURST", 1, &cfg.RideBurst)
	problems = parseInt(problems, "HILLRIDER_RIDER_BANDWIDTH", 0, &cfg.RiderBandwidth)
	problems = parseInt(problems, "HILLRIDER_SNAPSHOT_EVERY", 1, &cfg.SnapshotEvery)
	problems = parseInt(problems, "HILLRIDER_LOG_MAX_SIZE_MB", 1, &cfg.Logging.MaxSizeMB)
	problems = parseInt(problems, "HILLRIDER_LOG_MAX_BACKUPS", 0, &cfg.Logging.MaxBackups)
	problems = parseInt(problems, "HILLRIDER_LOG_MAX_AGE_DAYS", 0, &cfg.Logging.MaxAgeDays)

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_TICK_HZ")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(value > 0) || value > 1000 {
			problems = append(problems, fmt.Sprintf("HILLRIDER_TICK_HZ must be a rate in (0, 1000], got %q", raw))
		} else {
			cfg.TickHz = value
		}
	}

	switch cfg.GRPCCompression {
	case "gzip", "zstd", "identity":
	default:
		problems = append(problems, fmt.Sprintf("HILLRIDER_GRPC_COMPRESSION must be gzip, zstd, or identity, got %q", cfg.GRPCCompression))
	}

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_GRPC_SNAPSHOT_HZ")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(value > 0) {
			problems = append(problems, fmt.Sprintf("HILLRIDER_GRPC_SNAPSHOT_HZ must be a positive rate, got %q", raw))
		} else {
			cfg.GRPCSnapshotHz = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_REPLAY_MAX_AGE")); raw != "" {
		value, err := time.ParseDuration(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("HILLRIDER_REPLAY_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.ReplayMaxAge = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HILLRIDER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	problems = loadRide(problems, &cfg.Ride)

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func loadRide(problems []string, ride *RideConfig) []string {
	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_COURSE")); raw != "" {
		switch Course(strings.ToLower(raw)) {
		case CourseBounded:
			ride.Course = CourseBounded
		case CourseInfinite:
			ride.Course = CourseInfinite
		default:
			problems = append(problems, fmt.Sprintf("HILLRIDER_COURSE must be %q or %q, got %q", CourseBounded, CourseInfinite, raw))
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_COURSE_LENGTH")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(value > 0) {
			problems = append(problems, fmt.Sprintf("HILLRIDER_COURSE_LENGTH must be a positive number, got %q", raw))
		} else {
			ride.CourseLength = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_TERRAIN_POLICY")); raw != "" {
		policy, err := terrain.ParsePolicy(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HILLRIDER_TERRAIN_POLICY: %v", err))
		} else {
			ride.Policy = policy
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_SEED")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HILLRIDER_SEED must be an unsigned integer, got %q", raw))
		} else {
			ride.Seed = value
			ride.SeedFixed = true
		}
	}

	problems = parseInt(problems, "HILLRIDER_BONUS_COUNT", 0, &ride.BonusCount)
	problems = parseInt(problems, "HILLRIDER_BONUS_AWARD", 1, &ride.BonusAward)

	if raw := strings.TrimSpace(os.Getenv("HILLRIDER_CAMERA")); raw != "" {
		mode, err := camera.ParseMode(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HILLRIDER_CAMERA: %v", err))
		} else {
			ride.Camera = mode
		}
	}
	return problems
}

func parseInt(problems []string, key string, min int, dst *int) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return problems
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		kind := "a non-negative integer"
		if min > 0 {
			kind = "a positive integer"
		}
		return append(problems, fmt.Sprintf("%s must be %s, got %q", key, kind, raw))
	}
	*dst = value
	return problems
}

func parseDuration(problems []string, key string, dst *time.Duration) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return problems
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		return append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
	}
	*dst = duration
	return problems
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// getRaw distinguishes an unset key from one explicitly set to empty.
func getRaw(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
