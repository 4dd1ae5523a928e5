package bonus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hillrider/broker/internal/terrain"
)

func TestCollectOnceAtBonusPosition(t *testing.T) {
	field := NewField(Params{XTolerance: 20, YTolerance: 30, Award: 10})
	id := field.Add(500, 250)

	score := 0
	hits := field.Collect(500, 250)
	score += field.Award() * len(hits)
	require.Equal(t, []ID{id}, hits)
	assert.Equal(t, 10, score)

	again := field.Collect(500, 250)
	score += field.Award() * len(again)
	assert.Empty(t, again)
	assert.Equal(t, 10, score)
	assert.Equal(t, 0, field.Active())
	assert.Equal(t, 1, field.CollectedCount())
}

func TestCollectRespectsTolerances(t *testing.T) {
	field := NewField(DefaultParams())
	field.Add(100, 200)

	assert.Empty(t, field.Collect(120, 200), "x tolerance is strict")
	assert.Empty(t, field.Collect(100, 230), "y tolerance is strict")
	assert.Len(t, field.Collect(119, 171), 1)
}

func TestCollectScoreMatchesUniqueBonuses(t *testing.T) {
	field := NewField(Params{XTolerance: 20, YTolerance: 30, Award: 3})
	for x := 0.0; x < 1000; x += 100 {
		field.Add(x, 300)
	}
	field.Add(510, 300)

	seen := map[ID]bool{}
	score := 0
	for x := 0.0; x < 1100; x += 5 {
		for pass := 0; pass < 2; pass++ {
			for _, id := range field.Collect(x, 300) {
				require.False(t, seen[id], "bonus %d collected twice", id)
				seen[id] = true
				score += field.Award()
			}
		}
	}
	assert.Len(t, seen, 11)
	assert.Equal(t, field.Award()*len(seen), score)
}

func TestCollectKeepsOrderingForRemainingBonuses(t *testing.T) {
	field := NewField(DefaultParams())
	field.Add(300, 100)
	field.Add(100, 100)
	field.Add(105, 500)
	field.Add(200, 100)

	require.Len(t, field.Collect(104, 100), 1)
	window := field.Window(0, 1000)
	require.Len(t, window, 3)
	xs := []float64{window[0].X, window[1].X, window[2].X}
	assert.Equal(t, []float64{105, 200, 300}, xs)
}

func TestWindowAndEviction(t *testing.T) {
	field := NewField(DefaultParams())
	for x := 0.0; x <= 500; x += 50 {
		field.Add(x, 0)
	}
	assert.Len(t, field.Window(100, 200), 3)
	assert.Nil(t, field.Window(300, 100))

	assert.Equal(t, 4, field.EvictBefore(200))
	assert.Equal(t, 7, field.Active())
	assert.Empty(t, field.Window(0, 150))
}

func TestScatterPlacesDistinctSamplesAboveGround(t *testing.T) {
	params := terrain.DefaultParams()
	params.SegmentLength = 10
	params.CourseLength = 5000
	gen := terrain.NewGenerator(params, 21)
	samples := gen.Seed(1000)

	field := NewField(DefaultParams())
	placer := NewPlacer(field, DefaultPlacementParams(), 21)
	ids := placer.Scatter(samples)
	require.Len(t, ids, DefaultCount)

	xs := map[float64]bool{}
	for _, b := range field.Window(0, params.CourseLength) {
		assert.False(t, xs[b.X], "two bonuses on sample x=%.1f", b.X)
		xs[b.X] = true
		assert.GreaterOrEqual(t, b.X, DefaultMinX)
		assert.InDelta(t, gen.Profile().HeightAt(b.X)-DefaultLift, b.Y, 1e-9)
	}
}

func TestScatterCapsAtEligibleSamples(t *testing.T) {
	field := NewField(DefaultParams())
	placer := NewPlacer(field, PlacementParams{Count: 10, Lift: 5}, 1)
	ids := placer.Scatter([]terrain.Sample{{X: 0, Y: 10}, {X: 10, Y: 20}})
	assert.Len(t, ids, 2)
}

func TestObserveIsDeterministicPerSeed(t *testing.T) {
	gen := terrain.NewGenerator(terrain.DefaultParams(), 8)
	samples := gen.Extend(20000)

	a := NewField(DefaultParams())
	b := NewField(DefaultParams())
	NewPlacer(a, DefaultPlacementParams(), 4).Observe(samples)
	placer := NewPlacer(b, DefaultPlacementParams(), 4)
	placer.Observe(samples[:100])
	placer.Observe(samples[100:])

	assert.Equal(t, a.Window(0, 20000), b.Window(0, 20000))
	assert.Positive(t, a.Active())
	for _, bonus := range a.Window(0, 20000) {
		assert.GreaterOrEqual(t, bonus.X, DefaultMinX)
	}
}

func TestObserveDisabledWithoutDensity(t *testing.T) {
	field := NewField(DefaultParams())
	placer := NewPlacer(field, PlacementParams{Density: 0, MinX: 0}, 1)
	assert.Nil(t, placer.Observe([]terrain.Sample{{X: 1, Y: 1}}))
}
