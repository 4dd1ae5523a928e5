package bonus

import (
	"math"
	"sort"
)

const (
	DefaultXTolerance = 20.0
	DefaultYTolerance = 30.0
	DefaultAward      = 1
)

// ID identifies a bonus for the lifetime of a ride.
type ID uint64

// Bonus is a collectible marker. It leaves the field when collected.
type Bonus struct {
	ID ID      `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Params tunes the collection test and the score awarded per pickup.
type Params struct {
	XTolerance float64
	YTolerance float64
	Award      int
}

// DefaultParams returns the stock collection tolerances.
func DefaultParams() Params {
	return Params{XTolerance: DefaultXTolerance, YTolerance: DefaultYTolerance, Award: DefaultAward}
}

// Field keeps the uncollected bonuses sorted by x so proximity queries only
// visit candidates inside the horizontal tolerance window.
type Field struct {
	params    Params
	active    []Bonus
	nextID    ID
	collected int
}

// NewField constructs an empty bonus field.
func NewField(params Params) *Field {
	if params.XTolerance < 0 {
		params.XTolerance = -params.XTolerance
	}
	if params.YTolerance < 0 {
		params.YTolerance = -params.YTolerance
	}
	return &Field{params: params}
}

// Params returns the collection parameters.
func (f *Field) Params() Params { return f.params }

// Award reports the score granted per collected bonus.
func (f *Field) Award() int { return f.params.Award }

// Add places a new bonus and returns its identifier.
func (f *Field) Add(x, y float64) ID {
	f.nextID++
	b := Bonus{ID: f.nextID, X: x, Y: y}
	i := sort.Search(len(f.active), func(i int) bool { return f.active[i].X > x })
	f.active = append(f.active, Bonus{})
	copy(f.active[i+1:], f.active[i:])
	f.active[i] = b
	return b.ID
}

// Active reports how many bonuses are still collectable.
func (f *Field) Active() int { return len(f.active) }

// CollectedCount reports how many bonuses have been collected so far.
func (f *Field) CollectedCount() int { return f.collected }

// Collect removes and returns every active bonus within tolerance of (x, y).
// A bonus is returned by at most one call.
func (f *Field) Collect(x, y float64) []ID {
	if f == nil || len(f.active) == 0 {
		return nil
	}
	lo := sort.Search(len(f.active), func(i int) bool { return f.active[i].X > x-f.params.XTolerance })
	var hits []ID
	kept := lo
	i := lo
	for ; i < len(f.active); i++ {
		b := f.active[i]
		if b.X >= x+f.params.XTolerance {
			break
		}
		if math.Abs(x-b.X) < f.params.XTolerance && math.Abs(y-b.Y) < f.params.YTolerance {
			hits = append(hits, b.ID)
			continue
		}
		f.active[kept] = b
		kept++
	}
	if len(hits) == 0 {
		return nil
	}
	n := copy(f.active[kept:], f.active[i:])
	f.active = f.active[:kept+n]
	f.collected += len(hits)
	return hits
}

// Window returns copies of the uncollected bonuses with x in [x0, x1].
func (f *Field) Window(x0, x1 float64) []Bonus {
	if f == nil || x1 < x0 {
		return nil
	}
	lo := sort.Search(len(f.active), func(i int) bool { return f.active[i].X >= x0 })
	hi := sort.Search(len(f.active), func(i int) bool { return f.active[i].X > x1 })
	if lo >= hi {
		return nil
	}
	return append([]Bonus(nil), f.active[lo:hi]...)
}

// EvictBefore drops uncollected bonuses left of x. They can no longer be
// reached because the bike never reverses. It returns the number dropped.
func (f *Field) EvictBefore(x float64) int {
	if f == nil {
		return 0
	}
	n := sort.Search(len(f.active), func(i int) bool { return f.active[i].X >= x })
	if n == 0 {
		return 0
	}
	f.active = append(f.active[:0], f.active[n:]...)
	return n
}
