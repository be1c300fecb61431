package model

import "time"

// DispatchCommand is one concrete instruction for the executor. It is
// produced by the packer and consumed exactly once by the dispatcher.
type DispatchCommand struct {
	Kind     Kind
	NodeID   string
	Units    int
	TargetID string

	// Delay is the start delay. In a packing it is relative to the plan
	// start; when issued it is relative to the moment of issuance.
	Delay    time.Duration
	Duration time.Duration

	CorrelationID string
}
