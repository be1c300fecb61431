package model

import "fmt"

// Kind identifies one of the operation types that make up a plan. The
// numeric order is the packing priority: extract first, then its calm,
// then fortify, then the calm that counters fortify.
type Kind int

const (
	KindExtract Kind = iota
	KindCalm
	KindFortify
	KindCalmAfterFortify
)

// NumKinds is the number of logical operation kinds in a plan.
const NumKinds = 4

// Kinds returns every logical kind in priority order.
func Kinds() []Kind {
	return []Kind{KindExtract, KindCalm, KindFortify, KindCalmAfterFortify}
}

// Base returns the host operation a kind executes. calm-after-fortify is
// the same host operation as calm, scheduled at a different offset.
func (k Kind) Base() Kind {
	if k == KindCalmAfterFortify {
		return KindCalm
	}
	return k
}

func (k Kind) String() string {
	switch k {
	case KindExtract:
		return "extract"
	case KindCalm:
		return "calm"
	case KindFortify:
		return "fortify"
	case KindCalmAfterFortify:
		return "calm-after-fortify"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	return k >= KindExtract && k <= KindCalmAfterFortify
}

// Units is a per-kind unit count vector indexed by Kind.
type Units [NumKinds]int

// Total returns the sum of all unit counts.
func (u Units) Total() int {
	total := 0
	for _, n := range u {
		total += n
	}
	return total
}

// IsZero reports whether every count is zero.
func (u Units) IsZero() bool {
	return u == Units{}
}

// OperationSpec is the fixed per-unit cost and defense effect of a host
// operation.
type OperationSpec struct {
	// Cost is the capacity a single unit occupies on a node.
	Cost float64
	// DefenseDelta is the magnitude of the defense change per unit. It
	// raises defense for extract and fortify and lowers it for calm.
	DefenseDelta float64
}

// OperationCatalog holds the specs of the three host operations.
type OperationCatalog struct {
	Extract OperationSpec
	Fortify OperationSpec
	Calm    OperationSpec
}

// DefaultCatalog returns the standard costs and defense deltas.
func DefaultCatalog() OperationCatalog {
	return OperationCatalog{
		Extract: OperationSpec{Cost: 1.7, DefenseDelta: 0.002},
		Fortify: OperationSpec{Cost: 1.75, DefenseDelta: 0.004},
		Calm:    OperationSpec{Cost: 1.75, DefenseDelta: 0.05},
	}
}

// Spec returns the spec for k, resolving calm-after-fortify to calm.
func (c OperationCatalog) Spec(k Kind) OperationSpec {
	switch k.Base() {
	case KindExtract:
		return c.Extract
	case KindFortify:
		return c.Fortify
	default:
		return c.Calm
	}
}

// Validate checks that every cost and delta is positive.
func (c OperationCatalog) Validate() error {
	for _, k := range []Kind{KindExtract, KindFortify, KindCalm} {
		spec := c.Spec(k)
		if !(spec.Cost > 0) {
			return fmt.Errorf("operation %s: cost must be positive, got %v", k, spec.Cost)
		}
		if !(spec.DefenseDelta > 0) {
			return fmt.Errorf("operation %s: defense delta must be positive, got %v", k, spec.DefenseDelta)
		}
	}
	return nil
}
