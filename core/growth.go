package core

import (
	"fmt"
	"math"
)

// maxGrowthUnits bounds InverseGrowth so a per-unit multiplier barely
// above one cannot produce an unschedulable count.
const maxGrowthUnits = 1 << 24

// InverseGrowth returns the smallest unit count n with perUnit^n >=
// multiplier. A multiplier at or below one needs no units.
func InverseGrowth(multiplier, perUnit float64) (int, error) {
	if !finite(multiplier) || multiplier < 0 {
		return 0, fmt.Errorf("%w: growth multiplier %v", ErrInvalidInput, multiplier)
	}
	if !finite(perUnit) || perUnit <= 1 {
		return 0, fmt.Errorf("%w: per-unit growth %v", ErrInvalidInput, perUnit)
	}
	if multiplier <= 1 {
		return 0, nil
	}

	n := math.Ceil(math.Log(multiplier) / math.Log(perUnit))
	if n > maxGrowthUnits {
		return 0, fmt.Errorf("%w: growth of %v needs more than %d units", ErrInvalidInput, multiplier, maxGrowthUnits)
	}
	// Correct the logarithm's rounding in both directions.
	for n > 1 && math.Pow(perUnit, n-1) >= multiplier {
		n--
	}
	for math.Pow(perUnit, n) < multiplier {
		n++
	}
	return int(n), nil
}
