package terrain

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// Policy selects how successive sample heights are produced.
type Policy string

const (
	// PolicyRandomWalk perturbs the previous height by a bounded uniform delta.
	PolicyRandomWalk Policy = "random_walk"
	// PolicySineNoise follows a sinusoid with bounded uniform jitter.
	PolicySineNoise Policy = "sine_noise"
)

// ParsePolicy resolves a configuration string into a Policy.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyRandomWalk, "":
		return PolicyRandomWalk, nil
	case PolicySineNoise:
		return PolicySineNoise, nil
	default:
		return "", fmt.Errorf("unknown terrain policy %q", raw)
	}
}

const (
	DefaultSegmentLength = 50.0
	DefaultStartY        = 300.0
	DefaultMinY          = 200.0
	DefaultMaxY          = 500.0
	DefaultMaxStep       = 50.0
	DefaultAmplitude     = 80.0
	DefaultFrequency     = 0.005
	DefaultJitter        = 20.0
	// DefaultBaseY puts the lowest ground of a sine course at MaxY so the
	// whole swing of 2*Amplitude + 2*Jitter fits inside [MinY, MaxY].
	DefaultBaseY = DefaultMaxY - DefaultJitter
)

// Params tunes terrain generation. CourseLength of zero means the course is
// infinite and extends as the rider advances.
type Params struct {
	Policy        Policy
	SegmentLength float64
	StartY        float64
	MinY          float64
	MaxY          float64
	MaxStep       float64
	Amplitude     float64
	Frequency     float64
	Jitter        float64
	BaseY         float64
	CourseLength  float64
}

// DefaultParams mirrors the infinite random-walk course.
func DefaultParams() Params {
	return Params{
		Policy:        PolicyRandomWalk,
		SegmentLength: DefaultSegmentLength,
		StartY:        DefaultStartY,
		MinY:          DefaultMinY,
		MaxY:          DefaultMaxY,
		MaxStep:       DefaultMaxStep,
		Amplitude:     DefaultAmplitude,
		Frequency:     DefaultFrequency,
		Jitter:        DefaultJitter,
		BaseY:         DefaultBaseY,
	}
}

// Bounded reports whether the course has a fixed length.
func (p Params) Bounded() bool { return p.CourseLength > 0 }

// Describe flattens the numeric parameters for replay headers.
func (p Params) Describe() map[string]float64 {
	return map[string]float64{
		"segment_length": p.SegmentLength,
		"start_y":        p.StartY,
		"min_y":          p.MinY,
		"max_y":          p.MaxY,
		"max_step":       p.MaxStep,
		"amplitude":      p.Amplitude,
		"frequency":      p.Frequency,
		"jitter":         p.Jitter,
		"base_y":         p.BaseY,
		"course_length":  p.CourseLength,
	}
}

func (p Params) normalised() Params {
	if !(p.SegmentLength > 0) {
		p.SegmentLength = DefaultSegmentLength
	}
	if p.MinY > p.MaxY {
		p.MinY, p.MaxY = p.MaxY, p.MinY
	}
	if p.MaxStep < 0 {
		p.MaxStep = -p.MaxStep
	}
	if p.Jitter < 0 {
		p.Jitter = -p.Jitter
	}
	if p.Policy == "" {
		p.Policy = PolicyRandomWalk
	}
	return p
}

// Generator owns a Profile and is the only code that appends to it.
type Generator struct {
	params  Params
	rng     *rand.Rand
	profile *Profile
}

// NewGenerator prepares a generator whose randomness is fully determined by seed.
func NewGenerator(params Params, seed uint64) *Generator {
	params = params.normalised()
	return &Generator{
		params:  params,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		profile: NewProfile(0, params.SegmentLength),
	}
}

// Params returns the normalised generation parameters.
func (g *Generator) Params() Params { return g.params }

// Profile exposes the generated terrain for read-only queries.
func (g *Generator) Profile() *Profile { return g.profile }

// Seed generates the initial run. Bounded courses are generated in full;
// infinite courses get enough samples to cover window plus two segments.
func (g *Generator) Seed(window float64) []Sample {
	if g.profile.Len() > 0 {
		return nil
	}
	if g.params.Bounded() {
		return g.Extend(g.params.CourseLength)
	}
	return g.Extend(window + g.params.SegmentLength)
}

// Extend appends samples until the rightmost x exceeds targetX and returns
// the newly appended samples. Existing samples are never touched.
func (g *Generator) Extend(targetX float64) []Sample {
	if g.params.Bounded() && targetX > g.params.CourseLength {
		targetX = g.params.CourseLength
	}
	var added []Sample
	for {
		last, ok := g.profile.Last()
		if ok && last.X > targetX {
			break
		}
		if ok && g.params.Bounded() && last.X >= g.params.CourseLength {
			break
		}
		added = append(added, g.profile.append(g.nextHeight(last, ok)))
	}
	return added
}

func (g *Generator) nextHeight(prev Sample, hasPrev bool) float64 {
	//1.- The first sample is fixed so the rider never spawns inside the ground.
	if !hasPrev {
		return g.clamp(g.params.StartY)
	}
	x := g.profile.nextX()
	var y float64
	switch g.params.Policy {
	case PolicySineNoise:
		y = g.params.BaseY - (g.params.Amplitude*math.Sin(g.params.Frequency*x) + g.params.Amplitude) + g.uniform(g.params.Jitter)
	default:
		y = prev.Y + g.uniform(g.params.MaxStep)
	}
	//2.- Clamp after every perturbation without exception.
	return g.clamp(y)
}

func (g *Generator) uniform(bound float64) float64 {
	if bound == 0 {
		return 0
	}
	return (g.rng.Float64()*2 - 1) * bound
}

func (g *Generator) clamp(y float64) float64 {
	if y < g.params.MinY {
		return g.params.MinY
	}
	if y > g.params.MaxY {
		return g.params.MaxY
	}
	return y
}
