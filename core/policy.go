package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/attack-scheduler/model"
)

var (
	// ErrInvalidInput marks a target or estimate the planner cannot use.
	// The affected target is skipped for the cycle.
	ErrInvalidInput = errors.New("invalid planning input")
	// ErrShortfall marks a packing that left required units unassigned.
	ErrShortfall = errors.New("capacity shortfall")
	// ErrExtractTooCoarse marks a target where a single extract unit
	// removes more than the configured extract fraction.
	ErrExtractTooCoarse = errors.New("extract unit exceeds extract fraction")
)

// Policy holds the planning constants. It is built once from
// configuration and passed by value.
type Policy struct {
	// DefenseTolerance is how far above minimum defense a target may sit
	// and still be hacked.
	DefenseTolerance float64
	// ResourceFloor is the fraction of maximum resource below which a
	// target needs prep.
	ResourceFloor float64
	// EmptyResourceMultiplier replaces the growth multiplier when the
	// target has no resource left.
	EmptyResourceMultiplier float64
	// ExtractFraction is the fraction of resource a hack cycle aims to remove.
	ExtractFraction float64
	// Guard separates dependent completions.
	Guard time.Duration

	Catalog model.OperationCatalog
}

// DefaultPolicy returns the stock planning constants.
func DefaultPolicy() Policy {
	return Policy{
		DefenseTolerance:        1,
		ResourceFloor:           0.9,
		EmptyResourceMultiplier: 1000,
		ExtractFraction:         0.1,
		Guard:                   40 * time.Millisecond,
		Catalog:                 model.DefaultCatalog(),
	}
}

// Validate reports the first unusable constant.
func (p Policy) Validate() error {
	switch {
	case !finite(p.DefenseTolerance) || p.DefenseTolerance < 0:
		return fmt.Errorf("defense tolerance must be >= 0, got %v", p.DefenseTolerance)
	case !finite(p.ResourceFloor) || p.ResourceFloor <= 0 || p.ResourceFloor > 1:
		return fmt.Errorf("resource floor must be in (0, 1], got %v", p.ResourceFloor)
	case !finite(p.EmptyResourceMultiplier) || p.EmptyResourceMultiplier <= 1:
		return fmt.Errorf("empty resource multiplier must be > 1, got %v", p.EmptyResourceMultiplier)
	case !finite(p.ExtractFraction) || p.ExtractFraction <= 0 || p.ExtractFraction >= 1:
		return fmt.Errorf("extract fraction must be in (0, 1), got %v", p.ExtractFraction)
	case p.Guard <= 0:
		return fmt.Errorf("guard interval must be positive, got %s", p.Guard)
	}
	return p.Catalog.Validate()
}

// unitEpsilon absorbs float noise such as 9/0.05 = 180.00000000000003.
const unitEpsilon = 1e-9

func ceilUnits(x float64) int {
	if x <= 0 {
		return 0
	}
	return int(math.Ceil(x - unitEpsilon))
}

func floorUnits(x float64) int {
	if x <= 0 {
		return 0
	}
	return int(math.Floor(x + unitEpsilon))
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
