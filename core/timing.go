package core

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/attack-scheduler/model"
)

// Durations are the per-unit execution times of the three host operations.
type Durations struct {
	Extract time.Duration
	Fortify time.Duration
	Calm    time.Duration
}

// Of returns the duration of kind k.
func (d Durations) Of(k model.Kind) time.Duration {
	switch k.Base() {
	case model.KindExtract:
		return d.Extract
	case model.KindFortify:
		return d.Fortify
	default:
		return d.Calm
	}
}

// completionSlot is the number of guard intervals after T at which each
// kind completes: extract, its calm, fortify, then the calm countering
// fortify.
var completionSlot = [model.NumKinds]int{
	model.KindExtract:          0,
	model.KindCalm:             1,
	model.KindFortify:          2,
	model.KindCalmAfterFortify: 3,
}

// Schedule computes each kind's start delay so that operations launched
// together complete in order, one guard interval apart. T is the calm
// duration, normally the slowest of the three; a slower operation
// reported by a misbehaving estimator stretches T instead of producing a
// negative delay. The returned total is T plus four guard intervals.
func Schedule(d Durations, guard time.Duration) ([model.NumKinds]model.Timing, time.Duration, error) {
	var ops [model.NumKinds]model.Timing
	if guard <= 0 {
		return ops, 0, fmt.Errorf("%w: guard interval %s", ErrInvalidInput, guard)
	}
	if d.Extract < 0 || d.Fortify < 0 || d.Calm < 0 {
		return ops, 0, fmt.Errorf("%w: negative duration %+v", ErrInvalidInput, d)
	}

	base := d.Calm
	if d.Extract > base {
		base = d.Extract
	}
	if d.Fortify > base {
		base = d.Fortify
	}

	for _, k := range model.Kinds() {
		dur := d.Of(k)
		completion := base + time.Duration(completionSlot[k])*guard
		ops[k] = model.Timing{
			Duration: dur,
			Delay:    completion - dur,
		}
	}
	return ops, base + 4*guard, nil
}
