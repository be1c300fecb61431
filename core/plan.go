package core

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/attack-scheduler/model"
)

// Estimator encapsulates the host's state-dependent formulas. Durations
// and effects must be non-negative and monotonic in target state.
type Estimator interface {
	// Duration is how long one operation of kind takes against t.
	Duration(t model.Target, kind model.Kind) time.Duration
	// UnitEffect is the per-unit effect of kind against t: the resource
	// fraction removed for extract, the resource multiplier for fortify,
	// the defense reduction for calm.
	UnitEffect(t model.Target, kind model.Kind) float64
	// Chance is the probability an extract against t succeeds.
	Chance(t model.Target) float64
}

// BuildPlan combines RequiredUnits and Schedule into an operation plan.
func BuildPlan(t model.Target, mode model.Mode, eff Effects, d Durations, p Policy) (model.OperationPlan, error) {
	req, err := RequiredUnits(t, mode, p.ExtractFraction, eff, p)
	if err != nil {
		return model.OperationPlan{}, err
	}
	ops, total, err := Schedule(d, p.Guard)
	if err != nil {
		return model.OperationPlan{}, fmt.Errorf("target %s timing: %w", t.ID, err)
	}
	for _, k := range model.Kinds() {
		ops[k].Units = req.Units[k]
	}
	return model.OperationPlan{
		TargetID:           t.ID,
		Mode:               mode,
		Ops:                ops,
		DefenseExcessUnits: req.DefenseExcessUnits,
		ExtractedFraction:  req.ExtractedFraction,
		Guard:              p.Guard,
		Total:              total,
	}, nil
}

// PlanTarget classifies t and builds its plan from the estimator's view.
func PlanTarget(t model.Target, est Estimator, p Policy) (model.OperationPlan, error) {
	mode := Classify(t, p)
	eff := Effects{
		ExtractPerUnit: est.UnitEffect(t, model.KindExtract),
		GrowthPerUnit:  est.UnitEffect(t, model.KindFortify),
	}
	d := Durations{
		Extract: est.Duration(t, model.KindExtract),
		Fortify: est.Duration(t, model.KindFortify),
		Calm:    est.Duration(t, model.KindCalm),
	}
	return BuildPlan(t, mode, eff, d, p)
}

// Value estimates the resource a hack plan yields per second. Prep plans
// and degenerate plans are worth nothing.
func Value(plan model.OperationPlan, t model.Target, chance float64) float64 {
	if plan.Mode != model.ModeHack || plan.Total <= 0 {
		return 0
	}
	if !finite(chance) || chance <= 0 {
		return 0
	}
	if chance > 1 {
		chance = 1
	}
	return t.ResourceMax * plan.ExtractedFraction * chance / plan.Total.Seconds()
}

// Demand returns the capacity needed to run u.
func Demand(u model.Units, c model.OperationCatalog) float64 {
	total := 0.0
	for _, k := range model.Kinds() {
		total += float64(u[k]) * c.Spec(k).Cost
	}
	return total
}

// Supply returns the free capacity across nodes.
func Supply(nodes []model.Node) float64 {
	total := 0.0
	for _, n := range nodes {
		total += n.Free()
	}
	return total
}
