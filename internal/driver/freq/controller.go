// internal/driver/freq/controller.go
// Error-rate driven clock selection for one FPGA
package freq

import "fmt"

const (
	// MaxMaxErrorRate is the highest extrapolated error rate a step may have
	// and still be a candidate.
	MaxMaxErrorRate = 0.05
	// ErrorHysteresis is the bonus the active step gets in best-step scoring.
	ErrorHysteresis = 0.1
	// OverheatThreshold is the relative drop below the confident ceiling that
	// trips the overheat interlock.
	OverheatThreshold = 0.05

	ExploreWeight  = 150.0
	OverheatWeight = 100.0
	Decay          = 0.995

	smallSampleWeight = 100.0
)

// Controller keeps the per-step error history of one slice. It is owned by a
// single worker and is not safe for concurrent use.
type Controller struct {
	FreqM        int
	FreqMDefault int
	FreqMaxM     int

	ErrorCount   []float64
	ErrorWeight  []float64
	ErrorRate    []float64
	MaxErrorRate []float64
}

// Decision is the outcome of one Update.
type Decision struct {
	Best     int
	MaxM     int
	MaxM2    int
	Overheat bool
	// DropPct is the frequency drop relative to MaxM2, in percent.
	DropPct float64
}

// New creates a controller with zeroed history for steps 0..maxM.
func New(defaultM, maxM int) (*Controller, error) {
	if maxM < 0 || defaultM < 0 || defaultM > maxM {
		return nil, fmt.Errorf("default step %d outside [0, %d]", defaultM, maxM)
	}
	n := maxM + 1
	return &Controller{
		FreqM:        defaultM,
		FreqMDefault: defaultM,
		FreqMaxM:     maxM,
		ErrorCount:   make([]float64, n),
		ErrorWeight:  make([]float64, n),
		ErrorRate:    make([]float64, n),
		MaxErrorRate: make([]float64, n),
	}, nil
}

// Merge folds a finished poll loop into the active step: polls observations,
// each decaying the history once, plus errors accumulated over the loop.
func (c *Controller) Merge(polls int, errors float64) {
	m := c.FreqM

	for i := 0; i < polls; i++ {
		c.ErrorCount[m] *= Decay
		c.ErrorWeight[m] = c.ErrorWeight[m]*Decay + 1.0
	}
	c.ErrorCount[m] += errors

	w := c.ErrorWeight[m]
	rate := 0.0
	if w > 0 {
		rate = c.ErrorCount[m] / w
		if w < smallSampleWeight {
			rate *= w * 0.01
		}
	}
	c.ErrorRate[m] = rate
	if rate > c.MaxErrorRate[m] {
		c.MaxErrorRate[m] = rate
	}
}

// Update chooses the step for the next cycle. It does not change FreqM; the
// caller sets it once the hardware accepted the new step.
func (c *Controller) Update() Decision {
	c.extrapolate()

	var d Decision
	d.MaxM = c.ceiling()
	d.Best = c.best(d.MaxM)
	d.MaxM2 = c.confidentCeiling()

	if float64(d.Best) < (1.0-OverheatThreshold)*float64(d.MaxM2) && d.Best < d.MaxM2-1 {
		d.Overheat = true
		d.DropPct = (1.0 - float64(d.Best)/float64(d.MaxM2)) * 100
	}
	return d
}

// extrapolate raises the rate of every untested step to at least what its
// lower neighbour predicts. Step 0 has nothing below it, so any error there
// makes step 1 infinitely bad.
func (c *Controller) extrapolate() {
	r := c.MaxErrorRate
	for i := 0; i < c.FreqMaxM; i++ {
		fi := float64(i)
		if r[i+1]*fi < r[i]*(fi+20) {
			r[i+1] = r[i] * (1.0 + 20.0/fi)
		}
	}
}

func (c *Controller) ceiling() int {
	m := 0
	for m < c.FreqMDefault && c.MaxErrorRate[m+1] < MaxMaxErrorRate {
		m++
	}
	for m < c.FreqMaxM && c.ErrorWeight[m] > ExploreWeight && c.MaxErrorRate[m+1] < MaxMaxErrorRate {
		m++
	}
	return m
}

func (c *Controller) best(maxM int) int {
	bestM, bestR := 0, 0.0
	for i := 0; i <= maxM; i++ {
		bonus := 0.0
		if i == c.FreqM {
			bonus = ErrorHysteresis
		}
		r := (float64(i) + 1 + bonus) * (1 - c.MaxErrorRate[i])
		if r > bestR {
			bestM, bestR = i, r
		}
	}
	return bestM
}

func (c *Controller) confidentCeiling() int {
	m := c.FreqMDefault
	for m < c.FreqMaxM && c.ErrorWeight[m+1] > OverheatWeight {
		m++
	}
	return m
}

// MHz converts a step to a clock frequency.
func MHz(freqM1 float64, step int) float64 {
	return freqM1 * float64(step+1)
}
