package freq

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, def, max int) *Controller {
	t.Helper()
	c, err := New(def, max)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsDefaultAboveMax(t *testing.T) {
	_, err := New(21, 20)
	assert.Error(t, err)

	c, err := New(10, 20)
	require.NoError(t, err)
	assert.Len(t, c.MaxErrorRate, 21)
	assert.Len(t, c.ErrorWeight, 21)
	assert.Equal(t, 10, c.FreqM)
}

func TestUpdate_ExtrapolatedRatesNonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 500; trial++ {
		maxM := 1 + rng.Intn(60)
		c := newController(t, rng.Intn(maxM+1), maxM)
		for i := range c.MaxErrorRate {
			if rng.Intn(3) == 0 {
				c.MaxErrorRate[i] = rng.Float64() * 0.2
			}
			c.ErrorWeight[i] = rng.Float64() * 300
		}

		c.Update()

		for i := 1; i <= maxM; i++ {
			assert.GreaterOrEqual(t, c.MaxErrorRate[i], c.MaxErrorRate[i-1], "trial %d step %d", trial, i)
		}
	}
}

func TestUpdate_BestWithinCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 500; trial++ {
		maxM := rng.Intn(60)
		c := newController(t, rng.Intn(maxM+1), maxM)
		c.FreqM = rng.Intn(maxM + 1)
		for i := range c.MaxErrorRate {
			c.MaxErrorRate[i] = rng.Float64() * 0.08
			c.ErrorWeight[i] = rng.Float64() * 300
		}

		d := c.Update()

		assert.GreaterOrEqual(t, d.Best, 0)
		assert.LessOrEqual(t, d.Best, d.MaxM)
		assert.LessOrEqual(t, d.MaxM, c.FreqMaxM)
		assert.GreaterOrEqual(t, d.MaxM2, c.FreqMDefault)
		assert.LessOrEqual(t, d.MaxM2, c.FreqMaxM)
	}
}

func TestUpdate_FirstCycleStaysAtDefault(t *testing.T) {
	c := newController(t, 10, 20)

	c.Merge(4, 0)
	d := c.Update()

	assert.Equal(t, 10, d.Best)
	assert.Equal(t, 10, d.MaxM)
	assert.False(t, d.Overheat)
}

func TestUpdate_ExploresOnlyWithConfidence(t *testing.T) {
	c := newController(t, 10, 20)
	for i := 0; i <= 12; i++ {
		c.ErrorWeight[i] = ExploreWeight + 1
	}

	d := c.Update()

	// weight at 13 is zero, so the search stops there
	assert.Equal(t, 13, d.MaxM)
	assert.Equal(t, 13, d.Best)
}

func TestUpdate_StepZeroErrorPinsCeiling(t *testing.T) {
	c := newController(t, 10, 20)
	c.MaxErrorRate[0] = 0.01

	d := c.Update()

	assert.True(t, math.IsInf(c.MaxErrorRate[1], 1))
	assert.Equal(t, 0, d.MaxM)
	assert.Equal(t, 0, d.Best)
}

// overheatFixture returns a controller whose confident ceiling is 15 and whose
// best step is forced to best by an error wall right above it.
func overheatFixture(t *testing.T, best int) *Controller {
	t.Helper()
	c := newController(t, 10, 20)
	for i := 10; i <= 15; i++ {
		c.ErrorWeight[i] = 200
	}
	c.MaxErrorRate[best+1] = 0.5
	return c
}

func TestUpdate_OverheatTrip(t *testing.T) {
	tests := []struct {
		best int
		trip bool
	}{
		{best: 15, trip: false},
		{best: 14, trip: false}, // within one step of the ceiling
		{best: 13, trip: true},
		{best: 8, trip: true},
		{best: 2, trip: true},
	}

	for _, tt := range tests {
		c := overheatFixture(t, tt.best)
		d := c.Update()

		require.Equal(t, tt.best, d.Best)
		require.Equal(t, 15, d.MaxM2)
		assert.Equal(t, tt.trip, d.Overheat, "best %d", tt.best)

		expected := float64(d.Best) < 0.95*float64(d.MaxM2) && d.Best <= d.MaxM2-2
		assert.Equal(t, expected, d.Overheat)
		if d.Overheat {
			assert.InDelta(t, (1-float64(tt.best)/15)*100, d.DropPct, 1e-9)
		}
	}
}

func TestUpdate_OverheatRelativeThresholdAtHighSteps(t *testing.T) {
	c := newController(t, 40, 60)
	for i := 40; i <= 60; i++ {
		c.ErrorWeight[i] = 200
	}
	c.MaxErrorRate[59] = 0.5

	d := c.Update()

	assert.Equal(t, 58, d.Best)
	assert.Equal(t, 60, d.MaxM2)
	assert.False(t, d.Overheat, "two steps down is still within 5% of 60")
}

func TestUpdate_HysteresisFavoursIncumbent(t *testing.T) {
	c := newController(t, 41, 45)
	c.MaxErrorRate[41] = 0.0225
	c.MaxErrorRate[42] = 0.5

	c.FreqM = 40
	assert.Equal(t, 40, c.Update().Best)

	c.FreqM = 41
	assert.Equal(t, 41, c.Update().Best)

	c.FreqM = 30
	assert.Equal(t, 41, c.Update().Best, "without the bonus the faster step wins")
}

func TestMerge_DecayAndSmallSampleDamping(t *testing.T) {
	c := newController(t, 10, 20)

	c.Merge(3, 0.5)

	assert.InDelta(t, 2.985025, c.ErrorWeight[10], 1e-9)
	assert.InDelta(t, 0.5, c.ErrorCount[10], 1e-12)
	assert.InDelta(t, 0.005, c.ErrorRate[10], 1e-12)
	assert.InDelta(t, 0.005, c.MaxErrorRate[10], 1e-12)

	c.Merge(1, 0)
	assert.Less(t, c.ErrorRate[10], 0.005)
	assert.InDelta(t, 0.005, c.MaxErrorRate[10], 1e-12, "historical max never decreases")
}

func TestMerge_NoObservationsKeepsRateZero(t *testing.T) {
	c := newController(t, 10, 20)

	c.Merge(0, 0)

	assert.Equal(t, 0.0, c.ErrorRate[10])
	assert.False(t, math.IsNaN(c.MaxErrorRate[10]))
}

func TestMHz(t *testing.T) {
	assert.InDelta(t, 188.0, MHz(4, 46), 1e-9)
}
