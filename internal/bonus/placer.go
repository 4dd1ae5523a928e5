package bonus

import (
	"math/rand/v2"
	"sort"

	"hillrider/broker/internal/terrain"
)

const (
	DefaultCount   = 20
	DefaultLift    = 25.0
	DefaultDensity = 0.1
	DefaultMinX    = 500.0
)

// PlacementParams controls where bonuses appear relative to the terrain.
type PlacementParams struct {
	// Count is the number of bonuses scattered over a bounded course.
	Count int
	// Lift raises the bonus above the ground sample it is attached to.
	Lift float64
	// Density is the chance that a newly streamed sample receives a bonus.
	Density float64
	// MinX keeps bonuses away from the spawn point.
	MinX float64
}

// DefaultPlacementParams returns the stock placement settings.
func DefaultPlacementParams() PlacementParams {
	return PlacementParams{Count: DefaultCount, Lift: DefaultLift, Density: DefaultDensity, MinX: DefaultMinX}
}

// Placer seeds a Field from terrain samples, in one batch or as terrain grows.
type Placer struct {
	params PlacementParams
	field  *Field
	rng    *rand.Rand
}

// NewPlacer binds a placer to the field it fills.
func NewPlacer(field *Field, params PlacementParams, seed uint64) *Placer {
	return &Placer{
		params: params,
		field:  field,
		rng:    rand.New(rand.NewPCG(seed^0x5bd1e995, seed)),
	}
}

// Scatter places up to Count bonuses on distinct samples chosen at random.
func (p *Placer) Scatter(samples []terrain.Sample) []ID {
	eligible := p.eligible(samples)
	count := p.params.Count
	if count > len(eligible) {
		count = len(eligible)
	}
	if count <= 0 {
		return nil
	}
	picks := p.rng.Perm(len(eligible))[:count]
	sort.Ints(picks)
	ids := make([]ID, 0, count)
	for _, idx := range picks {
		s := eligible[idx]
		ids = append(ids, p.field.Add(s.X, s.Y-p.params.Lift))
	}
	return ids
}

// Observe gives every newly appended sample a Density chance of a bonus.
func (p *Placer) Observe(samples []terrain.Sample) []ID {
	if p.params.Density <= 0 {
		return nil
	}
	var ids []ID
	for _, s := range p.eligible(samples) {
		if p.rng.Float64() < p.params.Density {
			ids = append(ids, p.field.Add(s.X, s.Y-p.params.Lift))
		}
	}
	return ids
}

func (p *Placer) eligible(samples []terrain.Sample) []terrain.Sample {
	out := make([]terrain.Sample, 0, len(samples))
	for _, s := range samples {
		if s.X >= p.params.MinX {
			out = append(out, s)
		}
	}
	return out
}
