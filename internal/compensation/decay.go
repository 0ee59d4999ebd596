package compensation

import "math"

// DecayFunc maps days-to-pickup to a commission factor. Implementations must
// be monotonically non-increasing with range (0,1]. Organizations inject
// their own curve; ExponentialDecay is the default.
type DecayFunc func(days float64) float64

// ExponentialDecay halves the commission factor every halfLifeDays.
func ExponentialDecay(halfLifeDays float64) DecayFunc {
	if halfLifeDays <= 0 {
		halfLifeDays = 1
	}
	return func(days float64) float64 {
		if days < 0 {
			days = 0
		}
		return math.Pow(0.5, days/halfLifeDays)
	}
}

// StepDecay returns full commission up to cliffDays, then a flat floor.
// The floor must be in (0,1].
func StepDecay(cliffDays, floor float64) DecayFunc {
	if floor <= 0 || floor > 1 {
		floor = 0.5
	}
	return func(days float64) float64 {
		if days <= cliffDays {
			return 1
		}
		return floor
	}
}
