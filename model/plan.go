package model

import "time"

// Mode classifies an attack.
type Mode int

const (
	// ModePrep restores a target to minimum defense and maximum resource.
	ModePrep Mode = iota
	// ModeHack extracts value while keeping the target within tolerance.
	ModeHack
)

func (m Mode) String() string {
	if m == ModeHack {
		return "hack"
	}
	return "prep"
}

// Timing is the unit count and schedule of one kind within a plan.
type Timing struct {
	Units    int
	Duration time.Duration
	// Delay is the start delay relative to the plan start.
	Delay time.Duration
}

// Completion returns the completion offset relative to the plan start.
func (t Timing) Completion() time.Duration {
	return t.Delay + t.Duration
}

// OperationPlan is the unit counts and timing of one attack cycle
// against one target. Plans are recomputed every cycle and treated as
// immutable values.
type OperationPlan struct {
	TargetID string
	Mode     Mode
	Ops      [NumKinds]Timing

	// DefenseExcessUnits is the part of the calm count that lowers the
	// target's existing excess defense, as opposed to countering extract.
	DefenseExcessUnits int

	// ExtractedFraction is the fraction of the target resource the
	// extract units remove.
	ExtractedFraction float64

	Guard time.Duration
	// Total is the plan duration including trailing guard intervals.
	Total time.Duration
}

// Op returns the timing entry for k.
func (p OperationPlan) Op(k Kind) Timing {
	return p.Ops[k]
}

// Units returns the unit counts of every kind.
func (p OperationPlan) Units() Units {
	var u Units
	for i := range p.Ops {
		u[i] = p.Ops[i].Units
	}
	return u
}

// WithUnits returns a copy of p carrying the given unit counts.
func (p OperationPlan) WithUnits(u Units) OperationPlan {
	out := p
	for i := range out.Ops {
		out.Ops[i].Units = u[i]
	}
	return out
}
