package core

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/attack-scheduler/model"
)

func planWithUnits(u model.Units) model.OperationPlan {
	ops, total, _ := Schedule(Durations{Extract: time.Second, Fortify: 3 * time.Second, Calm: 4 * time.Second}, 40*time.Millisecond)
	plan := model.OperationPlan{
		TargetID: "target-1",
		Mode:     model.ModeHack,
		Ops:      ops,
		Guard:    40 * time.Millisecond,
		Total:    total,
	}
	return plan.WithUnits(u)
}

func TestFit_ExactFitLeavesPlanUnchanged(t *testing.T) {
	c := model.DefaultCatalog()
	units := model.Units{10, 1, 20, 2}
	nodes := []model.Node{{ID: "a", Capacity: 64}, {ID: "b", Capacity: 32}}

	packing := Fit(planWithUnits(units), nodes, c)
	if packing.Scale != 1 {
		t.Fatalf("scale = %v, want 1", packing.Scale)
	}
	if packing.Requested != units {
		t.Fatalf("requested = %v, want %v", packing.Requested, units)
	}
	if packing.Shortfall() {
		t.Fatalf("unexpected shortfall %v", packing.Unassigned)
	}
	if got := packing.Assigned(); got != units {
		t.Fatalf("assigned = %v, want %v", got, units)
	}
	if nodes[0].Reserved != 0 || nodes[1].Reserved != 0 {
		t.Fatalf("Fit mutated its input nodes: %+v", nodes)
	}
}

func TestScaleDown_IdempotentWhenDemandFits(t *testing.T) {
	c := model.DefaultCatalog()
	for _, u := range []model.Units{{}, {1, 1, 1, 1}, {100, 5, 50, 4}} {
		supply := Demand(u, c)
		got, factor := ScaleDown(u, 0, supply, c)
		if factor != 1 || got != u {
			t.Fatalf("ScaleDown(%v, supply=%v) = %v x%v, want unchanged", u, supply, got, factor)
		}
	}
}

func TestFit_ShortfallScalesPrimariesAndRederivesCalm(t *testing.T) {
	c := model.DefaultCatalog()
	units := model.Units{100, 5, 50, 4}
	nodes := []model.Node{{ID: "solo", Capacity: 100}}

	packing := Fit(planWithUnits(units), nodes, c)

	wantFactor := 100 / Demand(units, c)
	if diff := packing.Scale - wantFactor; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("scale = %v, want %v", packing.Scale, wantFactor)
	}
	if packing.Scale >= 1 {
		t.Fatalf("expected scale below 1, got %v", packing.Scale)
	}
	want := model.Units{36, 2, 18, 2}
	if diff := cmp.Diff(want, packing.Requested); diff != "" {
		t.Fatalf("requested mismatch (-want +got):\n%s", diff)
	}
	// Calm counts come from the scaled primaries, not from scaling 5 and 4.
	if packing.Requested[model.KindCalm] == int(float64(units[model.KindCalm])*packing.Scale) {
		t.Fatalf("calm count looks directly scaled: %d", packing.Requested[model.KindCalm])
	}
	if packing.Shortfall() {
		t.Fatalf("unexpected unassigned units %v", packing.Unassigned)
	}
	if got := Demand(packing.Assigned(), c); got > 100 {
		t.Fatalf("assigned capacity %v exceeds node capacity 100", got)
	}
}

func TestFit_DeterministicCommandOrder(t *testing.T) {
	c := model.DefaultCatalog()
	units := model.Units{20, 1, 10, 1}
	nodes := []model.Node{
		{ID: "small", Capacity: 8},
		{ID: "big", Capacity: 32, Used: 4},
		{ID: "mid", Capacity: 16},
		{ID: "mid2", Capacity: 16},
	}

	packing := Fit(planWithUnits(units), nodes, c)
	plan := planWithUnits(units)

	want := []model.DispatchCommand{
		cmdFor(plan, "big", model.KindExtract, 16),
		cmdFor(plan, "mid", model.KindExtract, 4),
		cmdFor(plan, "mid", model.KindCalm, 1),
		cmdFor(plan, "mid", model.KindFortify, 4),
		cmdFor(plan, "mid2", model.KindFortify, 6),
		cmdFor(plan, "mid2", model.KindCalmAfterFortify, 1),
	}
	if diff := cmp.Diff(want, packing.Commands); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}

	again := Fit(planWithUnits(units), nodes, c)
	if diff := cmp.Diff(packing, again); diff != "" {
		t.Fatalf("Fit is not deterministic (-first +second):\n%s", diff)
	}
}

func cmdFor(plan model.OperationPlan, node string, k model.Kind, units int) model.DispatchCommand {
	op := plan.Op(k)
	return model.DispatchCommand{
		Kind:     k,
		NodeID:   node,
		Units:    units,
		TargetID: plan.TargetID,
		Delay:    op.Delay,
		Duration: op.Duration,
	}
}

func TestFit_CapacityConservation(t *testing.T) {
	c := model.DefaultCatalog()
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		var nodes []model.Node
		for i := 0; i < 1+rng.Intn(6); i++ {
			capacity := float64(rng.Intn(128))
			nodes = append(nodes, model.Node{
				ID:       fmt.Sprintf("n%d", i),
				Capacity: capacity,
				Used:     float64(rng.Intn(int(capacity) + 1)),
			})
		}
		units := model.Units{rng.Intn(200), rng.Intn(10), rng.Intn(120), rng.Intn(10)}

		packing := Fit(planWithUnits(units), nodes, c)

		free := make(map[string]float64, len(nodes))
		for _, n := range nodes {
			free[n.ID] = n.Free()
		}
		used := make(map[string]float64)
		for _, cmd := range packing.Commands {
			if cmd.Units <= 0 {
				t.Fatalf("iter %d: command with %d units", iter, cmd.Units)
			}
			used[cmd.NodeID] += float64(cmd.Units) * c.Spec(cmd.Kind).Cost
		}
		for id, u := range used {
			if u > free[id]+1e-6 {
				t.Fatalf("iter %d: node %s assigned %v > free %v", iter, id, u, free[id])
			}
		}
		for _, n := range packing.Nodes {
			if diff := n.Reserved - used[n.ID]; diff > 1e-6 || diff < -1e-6 {
				t.Fatalf("iter %d: node %s reserved %v, commands use %v", iter, n.ID, n.Reserved, used[n.ID])
			}
		}
		if Demand(packing.Requested, c) > Supply(nodes)+1e-6 {
			t.Fatalf("iter %d: requested demand %v exceeds supply %v", iter, Demand(packing.Requested, c), Supply(nodes))
		}
	}
}

func TestFit_NoCapacity(t *testing.T) {
	c := model.DefaultCatalog()
	packing := Fit(planWithUnits(model.Units{5, 1, 5, 1}), []model.Node{{ID: "full", Capacity: 8, Used: 8}}, c)
	if packing.Dispatchable() {
		t.Fatalf("expected no commands, got %+v", packing.Commands)
	}
	if packing.Scale != 0 {
		t.Fatalf("scale = %v, want 0", packing.Scale)
	}
}

func TestFit_SkipsPairsThatCannotHoldOneUnit(t *testing.T) {
	c := model.DefaultCatalog()
	// roomy holds the three extracts with 0.9 left; tiny holds 1.72. Neither
	// can take one fortify unit (1.75), so those pairs are skipped and the
	// remaining command list is still usable.
	nodes := []model.Node{{ID: "tiny", Capacity: 1.72}, {ID: "roomy", Capacity: 6}}
	packing := Fit(planWithUnits(model.Units{3, 0, 1, 0}), nodes, c)

	if len(packing.Commands) != 1 {
		t.Fatalf("expected 1 command, got %+v", packing.Commands)
	}
	if cmd := packing.Commands[0]; cmd.NodeID != "roomy" || cmd.Kind != model.KindExtract || cmd.Units != 3 {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if want := (model.Units{0, 0, 1, 0}); packing.Unassigned != want {
		t.Fatalf("unassigned = %v, want %v", packing.Unassigned, want)
	}
	if !packing.Dispatchable() {
		t.Fatalf("partial packing should stay dispatchable")
	}
	if !errors.Is(packing.Err(), ErrShortfall) {
		t.Fatalf("expected ErrShortfall, got %v", packing.Err())
	}
}

func TestFit_FragmentationReportsShortfall(t *testing.T) {
	c := model.DefaultCatalog()
	// 3.4 total supply, but each node only holds 1.7: no calm fits anywhere.
	nodes := []model.Node{{ID: "a", Capacity: 1.7}, {ID: "b", Capacity: 1.7}}
	packing := Fit(planWithUnits(model.Units{0, 1, 0, 0}), nodes, c)
	if packing.Dispatchable() {
		t.Fatalf("expected no commands, got %+v", packing.Commands)
	}
	if !packing.Shortfall() || packing.Err() == nil {
		t.Fatalf("expected shortfall, got unassigned %v", packing.Unassigned)
	}
}
