package match

import (
	"strings"

	"github.com/google/uuid"

	"hillrider/broker/internal/bonus"
	"hillrider/broker/internal/camera"
	"hillrider/broker/internal/gameplay"
	"hillrider/broker/internal/physics"
	"hillrider/broker/internal/terrain"
)

const (
	// DefaultStartX is where the bike spawns on every course.
	DefaultStartX = 100.0
	// DefaultRenderMargin widens snapshot windows beyond the viewport edges.
	DefaultRenderMargin = 50.0
)

// Settings gathers every tunable needed to start a ride.
type Settings struct {
	Terrain      terrain.Params
	Bike         gameplay.BikeStats
	Bonus        bonus.Params
	Placement    bonus.PlacementParams
	Camera       camera.Params
	StartX       float64
	Seed         uint64
	RenderMargin float64
	// Evict drops terrain and bonuses that scrolled out far behind the camera.
	Evict bool
}

// DefaultSettings describes an infinite random-walk course.
func DefaultSettings() Settings {
	return Settings{
		Terrain:      terrain.DefaultParams(),
		Bike:         gameplay.DefaultBikeStats(),
		Bonus:        bonus.DefaultParams(),
		Placement:    bonus.DefaultPlacementParams(),
		Camera:       camera.DefaultParams(),
		StartX:       DefaultStartX,
		Seed:         1,
		RenderMargin: DefaultRenderMargin,
		Evict:        true,
	}
}

// SessionOption configures optional Session behaviour at construction time.
type SessionOption func(*Session)

// WithSessionID sets the identifier used for the ride.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			s.id = trimmed
		}
	}
}

// TickResult summarises what changed during one frame.
type TickResult struct {
	Tick      uint64
	Collected []bonus.ID
	Awarded   int
	Appended  int
	// Finished is true only on the frame the bike reached the end of a bounded course.
	Finished bool
}

// View is the read-only snapshot handed to renderers and transports.
type View struct {
	RideID       string            `json:"ride_id"`
	Tick         uint64            `json:"tick"`
	Elapsed      float64           `json:"elapsed"`
	Bike         physics.BikeState `json:"bike"`
	CameraOffset float64           `json:"camera_offset"`
	Terrain      []terrain.Sample  `json:"terrain"`
	Bonuses      []bonus.Bonus     `json:"bonuses"`
	Collected    int               `json:"collected"`
	Bounded      bool              `json:"bounded"`
	CourseLength float64           `json:"course_length,omitempty"`
	Finished     bool              `json:"finished"`
}

// Session is the per-ride game state. It is not safe for concurrent use; a
// single loop goroutine owns it and transports only see View copies.
type Session struct {
	id       string
	settings Settings

	generator *terrain.Generator
	field     *bonus.Field
	placer    *bonus.Placer
	bike      *physics.Integrator
	camera    *camera.Camera

	tick     uint64
	elapsed  float64
	finished bool
}

// NewSession seeds the terrain and bonuses and parks the bike at StartX.
func NewSession(settings Settings, opts ...SessionOption) *Session {
	if settings.RenderMargin < 0 {
		settings.RenderMargin = 0
	}
	//1.- Keep the camera clamp consistent with the course bounds.
	settings.Camera.CourseLength = settings.Terrain.CourseLength

	s := &Session{settings: settings}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}

	//2.- Generate the initial lookahead and place bonuses the way the course type requires.
	s.generator = terrain.NewGenerator(settings.Terrain, settings.Seed)
	s.field = bonus.NewField(settings.Bonus)
	s.placer = bonus.NewPlacer(s.field, settings.Placement, settings.Seed)
	seeded := s.generator.Seed(settings.StartX + settings.Camera.ViewportWidth)
	if s.generator.Params().Bounded() {
		s.placer.Scatter(seeded)
	} else {
		s.placer.Observe(seeded)
	}

	//3.- Spawn the bike on its suspension target and aim the camera.
	s.bike = physics.NewIntegrator(s.generator.Profile(), settings.Bike, settings.StartX)
	s.camera = camera.New(settings.Camera)
	s.camera.Update(settings.StartX)
	return s
}

// ID returns the ride identifier.
func (s *Session) ID() string { return s.id }

// Settings returns the settings the ride was created with.
func (s *Session) Settings() Settings { return s.settings }

// Seed returns the seed driving terrain and bonus placement.
func (s *Session) Seed() uint64 { return s.settings.Seed }

// TerrainParams returns the normalised terrain parameters.
func (s *Session) TerrainParams() terrain.Params { return s.generator.Params() }

// Bike returns a copy of the bike state.
func (s *Session) Bike() physics.BikeState { return s.bike.State() }

// Finished reports whether the bike reached the end of a bounded course.
func (s *Session) Finished() bool { return s.finished }

// TickCount returns the number of frames simulated so far.
func (s *Session) TickCount() uint64 { return s.tick }

// Elapsed returns the simulated ride time in seconds.
func (s *Session) Elapsed() float64 { return s.elapsed }

// Tick runs one frame in the fixed order: terrain, bike, bonuses, camera.
func (s *Session) Tick(dt float64, input physics.Input) TickResult {
	if !(dt > 0) {
		return TickResult{Tick: s.tick}
	}
	s.tick++
	s.elapsed += dt
	result := TickResult{Tick: s.tick}

	//1.- Keep at least a viewport of ground ahead of the rider.
	x := s.bike.State().X
	appended := s.generator.Extend(x + s.settings.Camera.ViewportWidth)
	result.Appended = len(appended)
	if len(appended) > 0 && !s.generator.Params().Bounded() {
		s.placer.Observe(appended)
	}

	//2.- Advance the bike against the ground profile.
	s.bike.Step(dt, input)
	state := s.bike.State()

	//3.- Collect any bonus the bike now overlaps and credit the award.
	if hits := s.field.Collect(state.X, state.Y); len(hits) > 0 {
		result.Collected = hits
		result.Awarded = s.field.Award() * len(hits)
		s.bike.AddScore(result.Awarded)
	}

	//4.- Scroll the camera and forget what scrolled far out of view.
	offset := s.camera.Update(state.X)
	if s.settings.Evict {
		cutoff := offset - s.settings.RenderMargin - s.settings.Camera.ViewportWidth
		s.generator.Profile().Evict(cutoff)
		s.field.EvictBefore(cutoff)
	}

	if !s.finished && s.generator.Params().Bounded() {
		if last, ok := s.generator.Profile().Last(); ok && state.X >= last.X {
			s.finished = true
			result.Finished = true
		}
	}
	return result
}

// View captures the renderable state inside the visible window.
func (s *Session) View() View {
	lo, hi := s.camera.Visible(s.settings.RenderMargin)
	params := s.generator.Params()
	view := View{
		RideID:       s.id,
		Tick:         s.tick,
		Elapsed:      s.elapsed,
		Bike:         s.bike.State(),
		CameraOffset: s.camera.Offset(),
		Terrain:      s.generator.Profile().Window(lo, hi),
		Bonuses:      s.field.Window(lo, hi),
		Collected:    s.field.CollectedCount(),
		Bounded:      params.Bounded(),
		Finished:     s.finished,
	}
	if view.Bounded {
		view.CourseLength = params.CourseLength
	}
	return view
}
