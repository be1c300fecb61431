// Package hostsim is a deterministic in-process host. A World serves the
// node and target inventory, estimates operation effects and durations,
// and executes issued commands by landing their effects through an event
// scheduler when each command completes.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/attack-scheduler/internal/eventsched"
	"github.com/signalsfoundry/attack-scheduler/internal/logging"
	"github.com/signalsfoundry/attack-scheduler/model"
)

var (
	ErrUnknownNode          = errors.New("unknown node")
	ErrUnknownTarget        = errors.New("unknown target")
	ErrInsufficientCapacity = errors.New("insufficient node capacity")
	ErrRejected             = errors.New("command rejected")
)

const (
	maxDefense = 100
	// extractDivisor scales the per-unit extract fraction.
	extractDivisor = 240
	// skillFactor converts skill into the chance formula's scale.
	skillFactor = 1.75
	// growthBase and growthCap bound the per-unit growth multiplier.
	growthBase = 0.03
	growthCap  = 1.0035

	fortifyTimeFactor = 3.2
	calmTimeFactor    = 4

	// emptyExtract is the yield below which an extract counts as a failure.
	emptyExtract = 1e-6
)

// World is a simulated host. It is safe for concurrent use.
type World struct {
	mu sync.RWMutex

	sched   eventsched.EventScheduler
	catalog model.OperationCatalog
	log     logging.Logger

	skill     float64
	timeScale float64

	nodes    map[string]*model.Node
	targets  map[string]*model.Target
	failures map[string]int
	rejects  map[string]int

	extracted float64
	completed int
}

// NewWorld builds a world from sc. Effects are scheduled on sched.
func NewWorld(sc Scenario, catalog model.OperationCatalog, sched eventsched.EventScheduler, log logging.Logger) (*World, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, errors.New("hostsim: nil event scheduler")
	}
	if log == nil {
		log = logging.Noop()
	}
	scale := sc.TimeScale
	if scale == 0 {
		scale = 1
	}

	w := &World{
		sched:     sched,
		catalog:   catalog,
		log:       log,
		skill:     sc.Skill,
		timeScale: scale,
		nodes:     make(map[string]*model.Node, len(sc.Nodes)),
		targets:   make(map[string]*model.Target, len(sc.Targets)),
		failures:  make(map[string]int),
		rejects:   make(map[string]int),
	}
	for _, n := range sc.Nodes {
		w.nodes[n.ID] = &model.Node{ID: n.ID, Capacity: n.Capacity, Used: n.Used}
	}
	for _, t := range sc.Targets {
		tgt := t.target()
		w.targets[t.ID] = &tgt
	}
	return w, nil
}

// ListNodes returns a snapshot of every node ordered by id.
func (w *World) ListNodes(ctx context.Context) ([]model.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.Node, 0, len(w.nodes))
	for _, n := range w.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTargets returns a snapshot of every target ordered by id.
func (w *World) ListTargets(ctx context.Context) ([]model.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.Target, 0, len(w.targets))
	for _, t := range w.targets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Target returns the current state of one target.
func (w *World) Target(id string) (model.Target, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.targets[id]
	if !ok {
		return model.Target{}, false
	}
	return *t, true
}

// Chance is the probability an extract against t succeeds.
func (w *World) Chance(t model.Target) float64 {
	skill := skillFactor * w.skill
	if skill <= 0 || t.RequiredSkill > w.skill {
		return 0
	}
	chance := (skill - t.RequiredSkill) / skill * (maxDefense - t.Defense) / maxDefense
	return clamp01(chance)
}

// UnitEffect returns the per-unit effect of kind against t.
func (w *World) UnitEffect(t model.Target, kind model.Kind) float64 {
	switch kind {
	case model.KindExtract:
		if t.RequiredSkill > w.skill || w.skill <= 0 {
			return 0
		}
		f := (maxDefense - t.Defense) / maxDefense * (w.skill - t.RequiredSkill + 1) / w.skill / extractDivisor
		return clamp01(f)
	case model.KindFortify:
		base := growthCap
		if t.Defense > 0 {
			base = math.Min(1+growthBase/t.Defense, growthCap)
		}
		return math.Pow(base, t.Growth/100)
	default:
		return w.catalog.Spec(kind).DefenseDelta
	}
}

// Duration is how long one operation of kind takes against t.
func (w *World) Duration(t model.Target, kind model.Kind) time.Duration {
	seconds := 5 * (2.5*t.RequiredSkill*t.Defense + 500) / (w.skill + 50) * w.timeScale
	switch kind.Base() {
	case model.KindFortify:
		seconds *= fortifyTimeFactor
	case model.KindCalm:
		seconds *= calmTimeFactor
	}
	return time.Duration(seconds * float64(time.Second))
}

// ConsecutiveFailures reports how many extracts in a row against
// targetID yielded nothing.
func (w *World) ConsecutiveFailures(targetID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.failures[targetID]
}

// RejectIssues makes the next count issues on nodeID fail with ErrRejected.
func (w *World) RejectIssues(nodeID string, count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejects[nodeID] = count
}

// Stats is a summary of the work the world has executed.
type Stats struct {
	Extracted float64
	Completed int
	Running   int
}

// Stats returns totals since the world was built.
func (w *World) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{Extracted: w.extracted, Completed: w.completed, Running: w.sched.Pending()}
}

// Issue starts cmd. Capacity is occupied immediately and released when
// the command completes at now + Delay + Duration, which is also when its
// effect lands on the target.
func (w *World) Issue(ctx context.Context, cmd model.DispatchCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.Units <= 0 || !cmd.Kind.Valid() {
		return fmt.Errorf("hostsim: invalid command %s x%d", cmd.Kind, cmd.Units)
	}
	cost := float64(cmd.Units) * w.catalog.Spec(cmd.Kind).Cost

	w.mu.Lock()
	node, ok := w.nodes[cmd.NodeID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, cmd.NodeID)
	}
	if _, ok := w.targets[cmd.TargetID]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, cmd.TargetID)
	}
	if w.rejects[cmd.NodeID] > 0 {
		w.rejects[cmd.NodeID]--
		w.mu.Unlock()
		return fmt.Errorf("%w: node %s", ErrRejected, cmd.NodeID)
	}
	if node.Free()+1e-9 < cost {
		free := node.Free()
		w.mu.Unlock()
		return fmt.Errorf("%w: node %s needs %.2f, has %.2f", ErrInsufficientCapacity, cmd.NodeID, cost, free)
	}
	node.Used += cost
	w.mu.Unlock()

	delay := cmd.Delay
	if delay < 0 {
		delay = 0
	}
	at := w.sched.Now().Add(delay + cmd.Duration)
	w.sched.Schedule(at, func() { w.complete(cmd, cost) })
	return nil
}

func (w *World) complete(cmd model.DispatchCommand, cost float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if node, ok := w.nodes[cmd.NodeID]; ok {
		node.Used = math.Max(0, node.Used-cost)
	}
	w.completed++

	t, ok := w.targets[cmd.TargetID]
	if !ok {
		return
	}
	units := float64(cmd.Units)
	delta := w.catalog.Spec(cmd.Kind).DefenseDelta

	switch cmd.Kind.Base() {
	case model.KindExtract:
		got := 0.0
		if w.Chance(*t) > 0 {
			got = t.Resource * math.Min(units*w.UnitEffect(*t, model.KindExtract), 1)
		}
		t.Resource -= got
		w.extracted += got
		t.Defense = math.Min(maxDefense, t.Defense+units*delta)
		if got < emptyExtract {
			w.failures[t.ID]++
		} else {
			w.failures[t.ID] = 0
		}
	case model.KindFortify:
		grown := (t.Resource + units) * math.Pow(w.UnitEffect(*t, model.KindFortify), units)
		t.Resource = math.Min(t.ResourceMax, grown)
		t.Defense = math.Min(maxDefense, t.Defense+units*delta)
	case model.KindCalm:
		t.Defense = math.Max(t.MinDefense, t.Defense-units*delta)
	}

	w.log.Debug(context.Background(), "operation completed",
		logging.String("target_id", t.ID),
		logging.String("kind", cmd.Kind.String()),
		logging.Int("units", cmd.Units),
		logging.Float64("defense", t.Defense),
		logging.Float64("resource", t.Resource),
		logging.String("correlation_id", cmd.CorrelationID),
	)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
