package terrain

import "math"

// slopeEpsilon is the half-width of the central difference used by SlopeAt.
const slopeEpsilon = 1.0

// minRetained is the smallest number of samples eviction will leave behind.
const minRetained = 2

// Sample is a single ground-height anchor point.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Profile is the append-only ground polyline. Samples are spaced exactly
// segment apart so a lookup is a direct index computation.
type Profile struct {
	origin  float64
	segment float64
	base    int
	samples []Sample
}

// NewProfile constructs an empty profile whose first sample will sit at origin.
func NewProfile(origin, segment float64) *Profile {
	if !(segment > 0) {
		segment = DefaultSegmentLength
	}
	return &Profile{origin: origin, segment: segment}
}

// SegmentLength reports the fixed horizontal spacing between samples.
func (p *Profile) SegmentLength() float64 {
	if p == nil {
		return 0
	}
	return p.segment
}

// Len reports how many samples are currently retained.
func (p *Profile) Len() int {
	if p == nil {
		return 0
	}
	return len(p.samples)
}

// Appended reports how many samples were ever appended, including evicted ones.
func (p *Profile) Appended() int {
	if p == nil {
		return 0
	}
	return p.base + len(p.samples)
}

// First returns the leftmost retained sample.
func (p *Profile) First() (Sample, bool) {
	if p == nil || len(p.samples) == 0 {
		return Sample{}, false
	}
	return p.samples[0], true
}

// Last returns the rightmost sample.
func (p *Profile) Last() (Sample, bool) {
	if p == nil || len(p.samples) == 0 {
		return Sample{}, false
	}
	return p.samples[len(p.samples)-1], true
}

// At returns the retained sample at position i (0 is the leftmost retained one).
func (p *Profile) At(i int) Sample {
	return p.samples[i]
}

// Samples returns a copy of all retained samples.
func (p *Profile) Samples() []Sample {
	if p == nil {
		return nil
	}
	return append([]Sample(nil), p.samples...)
}

// nextX is the x coordinate the next appended sample must use.
func (p *Profile) nextX() float64 {
	return p.origin + float64(p.base+len(p.samples))*p.segment
}

func (p *Profile) append(y float64) Sample {
	sample := Sample{X: p.nextX(), Y: y}
	p.samples = append(p.samples, sample)
	return sample
}

// HeightAt returns the ground height at x using linear interpolation between
// the bracketing samples. Positions outside the retained range take the
// height of the nearest endpoint.
func (p *Profile) HeightAt(x float64) float64 {
	if p == nil || len(p.samples) == 0 {
		return 0
	}
	first := p.samples[0]
	last := p.samples[len(p.samples)-1]
	if len(p.samples) == 1 || x <= first.X {
		return first.Y
	}
	if x >= last.X {
		return last.Y
	}

	//1.- Index directly from the fixed spacing; knots resolve to their own sample.
	f := (x - first.X) / p.segment
	if r := math.Round(f); math.Abs(f-r) < 1e-9 {
		return p.samples[clampIndex(int(r), len(p.samples)-1)].Y
	}
	i := clampIndex(int(math.Floor(f)), len(p.samples)-2)

	//2.- Interpolate inside the segment, skipping degenerate zero-width pairs.
	a, b := p.samples[i], p.samples[i+1]
	width := b.X - a.X
	if !(width > 0) {
		return a.Y
	}
	t := (x - a.X) / width
	return a.Y + (b.Y-a.Y)*t
}

// SlopeAt returns the signed ground angle at x in radians. Screen y grows
// downward, so a positive slope means the ground descends to the right.
func (p *Profile) SlopeAt(x float64) float64 {
	y1 := p.HeightAt(x - slopeEpsilon)
	y2 := p.HeightAt(x + slopeEpsilon)
	return math.Atan2(y2-y1, 2*slopeEpsilon)
}

// Window returns copies of the samples whose x lies within [x0, x1], plus one
// neighbour on each side so a renderer can close the polyline at the edges.
func (p *Profile) Window(x0, x1 float64) []Sample {
	if p == nil || len(p.samples) == 0 || x1 < x0 {
		return nil
	}
	first := p.samples[0].X
	lo := clampIndex(int(math.Floor((x0-first)/p.segment)), len(p.samples)-1)
	hi := clampIndex(int(math.Ceil((x1-first)/p.segment)), len(p.samples)-1)
	return append([]Sample(nil), p.samples[lo:hi+1]...)
}

// Evict drops samples lying entirely left of beforeX. The sample bracketing
// beforeX is kept so queries at beforeX stay exact. It returns the number of
// samples removed.
func (p *Profile) Evict(beforeX float64) int {
	if p == nil || len(p.samples) <= minRetained {
		return 0
	}
	drop := int(math.Floor((beforeX - p.samples[0].X) / p.segment))
	if drop <= 0 {
		return 0
	}
	if limit := len(p.samples) - minRetained; drop > limit {
		drop = limit
	}
	kept := make([]Sample, len(p.samples)-drop)
	copy(kept, p.samples[drop:])
	p.samples = kept
	p.base += drop
	return drop
}

func clampIndex(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}
