package core

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/attack-scheduler/model"
)

// Packing is the result of fitting a plan onto the worker pool.
type Packing struct {
	// Commands are ordered by node priority, then kind priority.
	Commands []model.DispatchCommand
	// Nodes is the node snapshot after reservation, in packing order.
	Nodes []model.Node
	// Requested is the unit vector the packer tried to place, after any
	// scale-down.
	Requested model.Units
	// Unassigned is the part of Requested no node could hold.
	Unassigned model.Units
	// Scale is the factor applied to the primary counts; 1 for an exact fit.
	Scale float64
}

// Dispatchable reports whether the packing produced any command.
func (p Packing) Dispatchable() bool {
	return len(p.Commands) > 0
}

// Shortfall reports whether any requested unit was left unassigned.
func (p Packing) Shortfall() bool {
	return !p.Unassigned.IsZero()
}

// Assigned returns the units actually placed on nodes.
func (p Packing) Assigned() model.Units {
	var u model.Units
	for _, cmd := range p.Commands {
		u[cmd.Kind] += cmd.Units
	}
	return u
}

// Err returns ErrShortfall wrapped with the unassigned counts, or nil.
func (p Packing) Err() error {
	if !p.Shortfall() {
		return nil
	}
	return fmt.Errorf("%w: unassigned %v (scale %.3f)", ErrShortfall, p.Unassigned, p.Scale)
}

// Fit assigns the plan's units to nodes. It does not modify nodes; the
// reservations it makes are returned in Packing.Nodes.
//
// When total demand exceeds free capacity, the extract, fortify and
// defense-excess counts are scaled by supply/demand and both calm counts
// are re-derived from the scaled values, so defense is never
// under-countered. Nodes are visited in descending free capacity (ties by
// ID) and kinds in priority order; a (node, kind) pair that cannot hold a
// single unit is skipped.
func Fit(plan model.OperationPlan, nodes []model.Node, c model.OperationCatalog) Packing {
	ordered := make([]model.Node, len(nodes))
	copy(ordered, nodes)
	sort.SliceStable(ordered, func(i, j int) bool {
		fi, fj := ordered[i].Free(), ordered[j].Free()
		if fi != fj {
			return fi > fj
		}
		return ordered[i].ID < ordered[j].ID
	})

	requested, scale := ScaleDown(plan.Units(), plan.DefenseExcessUnits, Supply(ordered), c)
	remaining := requested

	var cmds []model.DispatchCommand
	for i := range ordered {
		node := &ordered[i]
		for _, k := range model.Kinds() {
			if remaining[k] == 0 {
				continue
			}
			cost := c.Spec(k).Cost
			n := floorUnits(node.Free() / cost)
			if n > remaining[k] {
				n = remaining[k]
			}
			if n <= 0 {
				continue
			}
			node.Reserved += float64(n) * cost
			remaining[k] -= n

			op := plan.Op(k)
			cmds = append(cmds, model.DispatchCommand{
				Kind:     k,
				NodeID:   node.ID,
				Units:    n,
				TargetID: plan.TargetID,
				Delay:    op.Delay,
				Duration: op.Duration,
			})
		}
	}

	return Packing{
		Commands:   cmds,
		Nodes:      ordered,
		Requested:  requested,
		Unassigned: remaining,
		Scale:      scale,
	}
}

// ScaleDown shrinks u until its demand fits supply. A vector that already
// fits is returned unchanged with factor 1.
func ScaleDown(u model.Units, defenseExcess int, supply float64, c model.OperationCatalog) (model.Units, float64) {
	if Demand(u, c) <= supply {
		return u, 1
	}
	if supply <= 0 {
		return model.Units{}, 0
	}

	factor := supply / Demand(u, c)
	extract := floorUnits(float64(u[model.KindExtract]) * factor)
	fortify := floorUnits(float64(u[model.KindFortify]) * factor)
	excess := floorUnits(float64(defenseExcess) * factor)

	scaled := derive(extract, fortify, excess, c)
	// Re-derived calm counts round up and can push demand back over
	// supply; shed one primary unit at a time, most expensive share first.
	for Demand(scaled, c) > supply+unitEpsilon {
		switch {
		case extract == 0 && fortify == 0 && excess == 0:
			return model.Units{}, 0
		case shareOf(extract, model.KindExtract, c) >= shareOf(fortify, model.KindFortify, c) &&
			shareOf(extract, model.KindExtract, c) >= shareOf(excess, model.KindCalm, c):
			extract--
		case shareOf(fortify, model.KindFortify, c) >= shareOf(excess, model.KindCalm, c):
			fortify--
		default:
			excess--
		}
		scaled = derive(extract, fortify, excess, c)
	}
	return scaled, factor
}

func derive(extract, fortify, excess int, c model.OperationCatalog) model.Units {
	var u model.Units
	u[model.KindExtract] = extract
	u[model.KindFortify] = fortify
	u[model.KindCalm], u[model.KindCalmAfterFortify] = CalmFor(extract, fortify, excess, c)
	return u
}

func shareOf(units int, k model.Kind, c model.OperationCatalog) float64 {
	return float64(units) * c.Spec(k).Cost
}
