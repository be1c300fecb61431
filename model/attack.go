package model

import "time"

// AttackState is the lifecycle state of an attack record.
type AttackState int

const (
	AttackPlanned AttackState = iota
	AttackDispatched
	AttackRecurring
	AttackCompleted
	AttackEvicted
)

func (s AttackState) String() string {
	switch s {
	case AttackPlanned:
		return "planned"
	case AttackDispatched:
		return "dispatched"
	case AttackRecurring:
		return "recurring"
	case AttackCompleted:
		return "completed"
	case AttackEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Attack is the lifecycle record of the in-flight work against a target.
type Attack struct {
	ID       string
	TargetID string
	Mode     Mode
	Plan     OperationPlan

	// Value is the estimated value per second of a hack cycle; zero for prep.
	Value float64
	// Capacity is the capacity the current cycle's commands occupy.
	Capacity float64
	// Issued is the number of commands the executor accepted.
	Issued int

	Start time.Time
	End   time.Time
	// NextCycle is when a recurring hack attack is re-evaluated.
	NextCycle time.Time

	// Renew is false once the attack must not start another cycle.
	Renew  bool
	State  AttackState
	Cycles int
}

// Terminal reports whether the attack will not start another cycle.
func (a Attack) Terminal() bool {
	return !a.Renew
}

// Expired reports whether a terminal attack's last cycle has finished.
func (a Attack) Expired(now time.Time) bool {
	return a.Terminal() && !now.Before(a.End)
}
