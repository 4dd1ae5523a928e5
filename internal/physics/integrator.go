package physics

import (
	"math"

	"hillrider/broker/internal/gameplay"
)

// Ground answers height and slope queries along the horizontal axis.
type Ground interface {
	HeightAt(x float64) float64
	SlopeAt(x float64) float64
}

// Input carries the rider controls sampled once per frame.
type Input struct {
	Accelerate  bool `json:"accelerate"`
	Brake       bool `json:"brake"`
	TiltBack    bool `json:"tilt_back"`
	TiltForward bool `json:"tilt_forward"`
}

// BikeState is the single mutable aggregate advanced by the integrator.
// Angle is in radians, positive counter-clockwise on screen.
type BikeState struct {
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	VX              float64 `json:"vx"`
	AX              float64 `json:"ax"`
	Angle           float64 `json:"angle"`
	AngularVelocity float64 `json:"angular_velocity"`
	Score           int     `json:"score"`
	Distance        float64 `json:"distance"`
}

// Integrator advances a BikeState so it tracks the ground profile.
type Integrator struct {
	ground Ground
	stats  gameplay.BikeStats
	state  BikeState
}

// NewIntegrator places the bike at startX resting on the suspension target.
func NewIntegrator(ground Ground, stats gameplay.BikeStats, startX float64) *Integrator {
	in := &Integrator{ground: ground, stats: stats}
	in.state.X = startX
	in.state.Y = in.targetY(startX)
	return in
}

// NewIntegratorWithState resumes integration from an explicit state.
func NewIntegratorWithState(ground Ground, stats gameplay.BikeStats, state BikeState) *Integrator {
	return &Integrator{ground: ground, stats: stats, state: state}
}

// State returns a copy of the current bike state.
func (in *Integrator) State() BikeState {
	if in == nil {
		return BikeState{}
	}
	return in.state
}

// Stats exposes the coefficients the integrator was built with.
func (in *Integrator) Stats() gameplay.BikeStats {
	return in.stats
}

// AddScore credits collected bonuses to the rider.
func (in *Integrator) AddScore(points int) {
	if in == nil || points == 0 {
		return
	}
	in.state.Score += points
}

// TargetY is the height the suspension steers toward at the bike's position.
func (in *Integrator) TargetY() float64 {
	return in.targetY(in.state.X)
}

func (in *Integrator) targetY(x float64) float64 {
	if in.ground == nil {
		return in.stats.SuspensionOffset
	}
	return in.ground.HeightAt(x) + in.stats.SuspensionOffset
}

// Step advances the bike by dt seconds. Non-positive timesteps are ignored.
func (in *Integrator) Step(dt float64, input Input) {
	if in == nil || !(dt > 0) {
		return
	}
	in.stepHorizontal(dt, input)
	in.stepVertical(dt)
	in.stepRotation(dt, input)
}

func (in *Integrator) stepHorizontal(dt float64, input Input) {
	s := &in.state
	//1.- Pedalling wins when both pedal and brake are held.
	acceleration := 0.0
	if input.Accelerate {
		acceleration = in.stats.AccelRate
	} else if input.Brake {
		acceleration = -in.stats.BrakeRate
	}
	//2.- Linear drag opposes the current speed.
	s.AX = acceleration - in.stats.Drag*s.VX
	//3.- Euler step with the no-reversing clamp.
	s.VX += s.AX * dt
	if s.VX < 0 {
		s.VX = 0
	}
	s.X += s.VX * dt
	s.Distance += s.VX * dt
}

func (in *Integrator) stepVertical(dt float64) {
	s := &in.state
	//1.- Pull toward the suspension target with a first-order spring.
	target := in.targetY(s.X)
	err := target - s.Y
	s.Y += in.stats.SpringK * err * dt
	//2.- Snap when the spring lags too far or overshoots past the tolerance.
	threshold := in.stats.ErrorThreshold
	if math.Abs(err) > threshold || math.Abs(target-s.Y) > threshold {
		s.Y = target
	}
}

func (in *Integrator) stepRotation(dt float64, input Input) {
	s := &in.state
	tilt := 0.0
	if input.TiltBack {
		tilt = in.stats.TiltTorque
	} else if input.TiltForward {
		tilt = -in.stats.TiltTorque
	}
	desired := 0.0
	if in.ground != nil {
		desired = -in.ground.SlopeAt(s.X)
	}
	torque := tilt + in.stats.AlignGain*(desired-s.Angle)
	s.AngularVelocity += torque * dt
	s.AngularVelocity *= math.Exp(-in.stats.AngularDamping * dt)
	s.Angle += s.AngularVelocity * dt
}
