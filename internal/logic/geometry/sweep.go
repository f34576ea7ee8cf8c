package geometry

import (
	"errors"
	"fmt"
	"math"
)

// MinSweepStep is the smallest accepted sweep increment, in degrees.
const MinSweepStep = 0.01

// ErrInvalidStep is returned when a sweep step is not a number of at least
// MinSweepStep degrees.
var ErrInvalidStep = errors.New("invalid sweep step")

// ValidateStep returns ErrInvalidStep unless step >= MinSweepStep.
func ValidateStep(step float64) error {
	if !(step >= MinSweepStep) || math.IsInf(step, 0) {
		return fmt.Errorf("%w: %v (must be at least %v°)", ErrInvalidStep, step, MinSweepStep)
	}
	return nil
}

// SweepPlan describes the intermediate positions of a sweep from -> to.
// Positions advance by Step toward To and never overshoot it; To itself is
// included only when stepping lands on it exactly. Callers move to To after
// the last position to reach the endpoint regardless of rounding.
type SweepPlan struct {
	From, To float64
	Step     float64
	Count    int // number of positions, From included
}

// PlanSweep computes the number of positions of a sweep. Descending sweeps
// are chosen when from >= to.
func PlanSweep(from, to, step float64) (SweepPlan, error) {
	if err := ValidateStep(step); err != nil {
		return SweepPlan{}, err
	}
	n := int(math.Floor(math.Abs(to-from)/step)) + 1
	return SweepPlan{From: from, To: to, Step: step, Count: n}, nil
}

// At returns position i, 0 <= i < Count. Each position is computed from From
// so rounding does not accumulate.
func (p SweepPlan) At(i int) float64 {
	if p.From < p.To {
		return p.From + float64(i)*p.Step
	}
	return p.From - float64(i)*p.Step
}
