package core

import (
	"fmt"

	"github.com/signalsfoundry/attack-scheduler/model"
)

// Effects are the state-dependent per-unit effects of the host
// operations, as reported by an Estimator.
type Effects struct {
	// ExtractPerUnit is the fraction of resource one extract unit removes.
	ExtractPerUnit float64
	// GrowthPerUnit is the resource multiplier one fortify unit achieves.
	GrowthPerUnit float64
}

// Classify decides whether a target needs prep or can be hacked.
func Classify(t model.Target, p Policy) model.Mode {
	if t.Defense > t.MinDefense+p.DefenseTolerance {
		return model.ModePrep
	}
	if t.Resource < p.ResourceFloor*t.ResourceMax {
		return model.ModePrep
	}
	return model.ModeHack
}

// Requirement is the output of RequiredUnits.
type Requirement struct {
	Units model.Units
	// DefenseExcessUnits is the share of the calm count spent on the
	// target's existing excess defense.
	DefenseExcessUnits int
	ExtractedFraction  float64
}

// RequiredUnits computes the unit count of every kind needed to prep or
// hack t. Counts that counter defense round up; the extract count rounds
// down so a cycle never removes more than extractFraction.
func RequiredUnits(t model.Target, mode model.Mode, extractFraction float64, eff Effects, p Policy) (Requirement, error) {
	if err := validateTarget(t); err != nil {
		return Requirement{}, err
	}
	calmDelta := p.Catalog.Calm.DefenseDelta
	if !(calmDelta > 0) {
		return Requirement{}, fmt.Errorf("%w: calm defense delta %v", ErrInvalidInput, calmDelta)
	}

	var req Requirement
	switch mode {
	case model.ModePrep:
		req.DefenseExcessUnits = ceilUnits((t.Defense - t.MinDefense) / calmDelta)

		multiplier := p.EmptyResourceMultiplier
		if t.Resource > 0 {
			multiplier = t.ResourceMax / t.Resource
		}
		fortify, err := InverseGrowth(multiplier, eff.GrowthPerUnit)
		if err != nil {
			return Requirement{}, fmt.Errorf("target %s fortify: %w", t.ID, err)
		}
		req.Units[model.KindFortify] = fortify
		req.Units[model.KindCalm] = req.DefenseExcessUnits

	case model.ModeHack:
		if !finite(extractFraction) || extractFraction <= 0 || extractFraction >= 1 {
			return Requirement{}, fmt.Errorf("%w: extract fraction %v", ErrInvalidInput, extractFraction)
		}
		perUnit := eff.ExtractPerUnit
		if !finite(perUnit) || perUnit <= 0 {
			return Requirement{}, fmt.Errorf("%w: target %s extract effect %v", ErrInvalidInput, t.ID, perUnit)
		}
		extract := floorUnits(extractFraction / perUnit)
		if extract == 0 {
			return Requirement{}, fmt.Errorf("%w: target %s extract effect %v, fraction %v", ErrExtractTooCoarse, t.ID, perUnit, extractFraction)
		}
		extracted := float64(extract) * perUnit
		if extracted > 1 {
			extracted = 1
		}

		multiplier := p.EmptyResourceMultiplier
		if extracted < 1 {
			multiplier = 1 / (1 - extracted)
		}
		fortify, err := InverseGrowth(multiplier, eff.GrowthPerUnit)
		if err != nil {
			return Requirement{}, fmt.Errorf("target %s fortify: %w", t.ID, err)
		}

		req.ExtractedFraction = extracted
		req.Units[model.KindExtract] = extract
		req.Units[model.KindFortify] = fortify
		req.Units[model.KindCalm] = ceilUnits(float64(extract) * p.Catalog.Extract.DefenseDelta / calmDelta)

	default:
		return Requirement{}, fmt.Errorf("%w: unknown mode %d", ErrInvalidInput, int(mode))
	}

	req.Units[model.KindCalmAfterFortify] = ceilUnits(float64(req.Units[model.KindFortify]) * p.Catalog.Fortify.DefenseDelta / calmDelta)
	return req, nil
}

// CalmFor re-derives the two calm counts from the primary counts. The
// catalog deltas are the same ones RequiredUnits uses, so re-deriving an
// unscaled requirement returns it unchanged.
func CalmFor(extract, fortify, defenseExcess int, c model.OperationCatalog) (calm, calmAfterFortify int) {
	calmDelta := c.Calm.DefenseDelta
	calm = defenseExcess + ceilUnits(float64(extract)*c.Extract.DefenseDelta/calmDelta)
	calmAfterFortify = ceilUnits(float64(fortify) * c.Fortify.DefenseDelta / calmDelta)
	return calm, calmAfterFortify
}

func validateTarget(t model.Target) error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"defense", t.Defense},
		{"min defense", t.MinDefense},
		{"resource", t.Resource},
		{"resource max", t.ResourceMax},
	} {
		if !finite(v.value) || v.value < 0 {
			return fmt.Errorf("%w: target %s %s %v", ErrInvalidInput, t.ID, v.name, v.value)
		}
	}
	if t.ResourceMax == 0 {
		return fmt.Errorf("%w: target %s has no resource capacity", ErrInvalidInput, t.ID)
	}
	return nil
}
