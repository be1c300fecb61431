// Package lifecycle owns the in-flight attack set. Every tick it re-polls
// the host, ends or renews attacks whose cycle finished, ranks new
// candidates, packs their plans onto free capacity and dispatches them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/attack-scheduler/core"
	"github.com/signalsfoundry/attack-scheduler/internal/accounting"
	"github.com/signalsfoundry/attack-scheduler/internal/dispatch"
	"github.com/signalsfoundry/attack-scheduler/internal/logging"
	"github.com/signalsfoundry/attack-scheduler/internal/observability"
	"github.com/signalsfoundry/attack-scheduler/model"
	"github.com/signalsfoundry/attack-scheduler/timectrl"
)

// Inventory is the host's view of nodes and targets. Each call returns a
// fresh point-in-time snapshot.
type Inventory interface {
	ListNodes(ctx context.Context) ([]model.Node, error)
	ListTargets(ctx context.Context) ([]model.Target, error)
}

// FailureCounter reports how many consecutive extract cycles against a
// target yielded nothing.
type FailureCounter interface {
	ConsecutiveFailures(targetID string) int
}

// Dispatcher issues a batch and returns the dispatched attack.
// *dispatch.Dispatcher and *dispatch.Queue both satisfy it.
type Dispatcher interface {
	Dispatch(ctx context.Context, b dispatch.Batch) (model.Attack, error)
}

// Settings are the lifecycle limits.
type Settings struct {
	Interval                time.Duration
	MaxHackAttacks          int
	MaxPrepAttacks          int
	BootstrapHackAttacks    int
	FailureCeiling          int
	RenewalCapacityMultiple float64
}

// Stop reasons passed to the accounting recorder.
const (
	ReasonCompleted    = "completed"
	ReasonEvicted      = "evicted"
	ReasonFailures     = "failure_ceiling"
	ReasonReclassified = "reclassified"
	ReasonTargetGone   = "target_unavailable"
)

type noFailures struct{}

func (noFailures) ConsecutiveFailures(string) int { return 0 }

// Manager runs the scheduling loop. Tick is serialised by an internal
// mutex; the in-flight set lives only in memory.
type Manager struct {
	mu sync.Mutex

	inv      Inventory
	est      core.Estimator
	disp     Dispatcher
	clock    timectrl.SimClock
	policy   core.Policy
	settings Settings

	failures FailureCounter
	recorder accounting.Recorder
	metrics  *observability.Collector
	log      logging.Logger
	observe  func(Report, error)

	attacks map[string]*model.Attack
}

// Option customises a Manager.
type Option func(*Manager)

func WithFailureCounter(fc FailureCounter) Option {
	return func(m *Manager) {
		if fc != nil {
			m.failures = fc
		}
	}
}

func WithRecorder(r accounting.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

func WithMetrics(c *observability.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTickObserver calls fn after every tick Run performs.
func WithTickObserver(fn func(Report, error)) Option {
	return func(m *Manager) { m.observe = fn }
}

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New builds a Manager. policy is assumed valid.
func New(inv Inventory, est core.Estimator, disp Dispatcher, clock timectrl.SimClock, policy core.Policy, s Settings, opts ...Option) *Manager {
	m := &Manager{
		inv:      inv,
		est:      est,
		disp:     disp,
		clock:    clock,
		policy:   policy,
		settings: s,
		failures: noFailures{},
		recorder: accounting.Nop{},
		log:      logging.Noop(),
		attacks:  make(map[string]*model.Attack),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Skip is a target the tick could not act on.
type Skip struct {
	TargetID string
	Err      error
}

// Report summarises one tick. Slices hold target ids in processing order.
type Report struct {
	Started   []string
	Renewed   []string
	Deferred  []string
	Completed []string
	Evicted   []string
	Removed   []string
	Skipped   []Skip
}

// candidate is a target with a fresh plan awaiting a slot.
type candidate struct {
	target model.Target
	plan   model.OperationPlan
	value  float64
}

// Tick runs one scheduling pass. Per-target problems are logged and
// reported; only an inventory failure aborts the pass.
func (m *Manager) Tick(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	began := time.Now()
	defer func() { m.metrics.ObserveTick(time.Since(began)) }()

	ctx, _ = logging.EnsureCorrelationID(ctx)
	ctx, span := observability.StartSpan(ctx, "lifecycle.tick", "")
	defer span.End()

	var rep Report
	nodes, err := m.inv.ListNodes(ctx)
	if err != nil {
		span.RecordError(err)
		return rep, fmt.Errorf("list nodes: %w", err)
	}
	targets, err := m.inv.ListTargets(ctx)
	if err != nil {
		span.RecordError(err)
		return rep, fmt.Errorf("list targets: %w", err)
	}
	byID := make(map[string]model.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	now := m.clock.Now()

	nodes = m.renew(ctx, now, byID, nodes, &rep)
	m.expire(ctx, now, &rep)
	nodes = m.admit(ctx, targets, nodes, &rep)

	m.publish(nodes)
	span.SetAttributes(
		attribute.Int("started", len(rep.Started)),
		attribute.Int("renewed", len(rep.Renewed)),
		attribute.Int("skipped", len(rep.Skipped)),
	)
	return rep, nil
}

// renew handles recurring hack attacks whose cycle has ended.
func (m *Manager) renew(ctx context.Context, now time.Time, byID map[string]model.Target, nodes []model.Node, rep *Report) []model.Node {
	for _, id := range m.sortedIDs() {
		a := m.attacks[id]
		if a.Mode != model.ModeHack || a.Terminal() || now.Before(a.NextCycle) {
			continue
		}
		log := m.log.With(logging.String("target_id", id), logging.String("attack_id", a.ID))

		t, ok := byID[id]
		switch {
		case !ok || !t.Access:
			m.finish(ctx, a, ReasonTargetGone, rep)
			continue
		case m.failures.ConsecutiveFailures(id) > m.settings.FailureCeiling:
			log.Warn(ctx, "failure ceiling reached; not renewing",
				logging.Int("failures", m.failures.ConsecutiveFailures(id)),
				logging.Int("ceiling", m.settings.FailureCeiling),
			)
			m.finish(ctx, a, ReasonFailures, rep)
			continue
		case core.Classify(t, m.policy) != model.ModeHack:
			m.finish(ctx, a, ReasonReclassified, rep)
			continue
		}

		a.State = model.AttackRecurring
		c, err := m.plan(t)
		if err != nil {
			log.Warn(ctx, "renewal plan failed; retrying next tick", logging.Err(err))
			m.metrics.IncSkipped(planSkipReason(err))
			rep.Deferred = append(rep.Deferred, id)
			continue
		}

		demand := core.Demand(c.plan.Units(), m.policy.Catalog)
		supply := core.Supply(nodes)
		if supply < demand*m.settings.RenewalCapacityMultiple {
			log.Debug(ctx, "renewal deferred for capacity headroom",
				logging.Float64("demand", demand),
				logging.Float64("supply", supply),
				logging.Float64("multiple", m.settings.RenewalCapacityMultiple),
			)
			rep.Deferred = append(rep.Deferred, id)
			continue
		}

		next := *a
		next.Plan = c.plan
		next.Value = c.value
		updated, err := m.start(ctx, next, c, &nodes)
		if err != nil {
			rep.Deferred = append(rep.Deferred, id)
			continue
		}
		m.attacks[id] = &updated
		m.metrics.IncRenewed()
		rep.Renewed = append(rep.Renewed, id)
	}
	return nodes
}

// expire removes terminal attacks whose last cycle has finished.
func (m *Manager) expire(ctx context.Context, now time.Time, rep *Report) {
	for _, id := range m.sortedIDs() {
		a := m.attacks[id]
		if !a.Expired(now) {
			continue
		}
		reason := ReasonCompleted
		if a.State == model.AttackEvicted {
			reason = ReasonEvicted
		} else {
			a.State = model.AttackCompleted
		}
		m.remove(ctx, a, reason, rep)
	}
}

// finish stops renewal of a and drops it once its work is done.
func (m *Manager) finish(ctx context.Context, a *model.Attack, reason string, rep *Report) {
	a.Renew = false
	a.State = model.AttackCompleted
	rep.Completed = append(rep.Completed, a.TargetID)
	if a.Expired(m.clock.Now()) {
		m.remove(ctx, a, reason, rep)
	}
}

func (m *Manager) remove(ctx context.Context, a *model.Attack, reason string, rep *Report) {
	delete(m.attacks, a.TargetID)
	rep.Removed = append(rep.Removed, a.TargetID)
	m.metrics.IncStopped(reason)
	if err := m.recorder.AttackStopped(ctx, *a, reason); err != nil {
		m.log.Warn(ctx, "accounting stop event failed", logging.String("target_id", a.TargetID), logging.Err(err))
	}
	m.log.Info(ctx, "attack removed",
		logging.String("target_id", a.TargetID),
		logging.String("attack_id", a.ID),
		logging.String("reason", reason),
		logging.Int("cycles", a.Cycles),
	)
}

// admit plans, ranks and starts new attacks within the limits.
func (m *Manager) admit(ctx context.Context, targets []model.Target, nodes []model.Node, rep *Report) []model.Node {
	var prep, hack []candidate
	for _, t := range targets {
		if !t.Access {
			continue
		}
		if _, busy := m.attacks[t.ID]; busy {
			continue
		}
		c, err := m.plan(t)
		if errors.Is(err, core.ErrExtractTooCoarse) {
			m.skip(ctx, t.ID, planSkipReason(err), err, rep,
				logging.Float64("extract_per_unit", m.est.UnitEffect(t, model.KindExtract)),
				logging.Float64("extract_fraction", m.policy.ExtractFraction))
			continue
		}
		if err != nil {
			m.skip(ctx, t.ID, "invalid_input", err, rep)
			continue
		}
		if c.plan.Mode == model.ModeHack && m.failures.ConsecutiveFailures(t.ID) > m.settings.FailureCeiling {
			m.skip(ctx, t.ID, "failure_ceiling", ErrFailureCeiling, rep)
			continue
		}
		if c.plan.Mode == model.ModeHack {
			hack = append(hack, c)
		} else {
			prep = append(prep, c)
		}
	}

	sortSoonest(prep)
	activePrep, activeHack := m.active()
	for _, c := range prep {
		if activePrep >= m.settings.MaxPrepAttacks {
			break
		}
		if m.launch(ctx, c, &nodes, rep) {
			activePrep++
		}
	}

	if activeHack >= m.settings.BootstrapHackAttacks {
		sortByValue(hack)
	} else {
		sortSoonest(hack)
	}
	for _, c := range hack {
		if activeHack >= m.settings.MaxHackAttacks {
			worst := m.worstHack()
			if worst == nil || c.value <= worst.Value {
				continue
			}
			m.evict(ctx, worst, c, rep)
			activeHack--
		}
		if m.launch(ctx, c, &nodes, rep) {
			activeHack++
		}
	}
	return nodes
}

// launch packs and dispatches a new attack for c.
func (m *Manager) launch(ctx context.Context, c candidate, nodes *[]model.Node, rep *Report) bool {
	a := model.Attack{
		TargetID: c.target.ID,
		Mode:     c.plan.Mode,
		Plan:     c.plan,
		Value:    c.value,
		State:    model.AttackPlanned,
	}
	started, err := m.start(ctx, a, c, nodes)
	if err != nil {
		rep.Skipped = append(rep.Skipped, Skip{TargetID: c.target.ID, Err: err})
		return false
	}
	m.attacks[c.target.ID] = &started
	m.metrics.IncStarted(started.Mode.String())
	if err := m.recorder.AttackStarted(ctx, started); err != nil {
		m.log.Warn(ctx, "accounting start event failed", logging.String("target_id", c.target.ID), logging.Err(err))
	}
	rep.Started = append(rep.Started, c.target.ID)
	return true
}

// ErrFailureCeiling is reported for a hack candidate whose target keeps
// yielding nothing.
var ErrFailureCeiling = errors.New("consecutive failure ceiling exceeded")

// ErrNoCapacity is reported for a plan the packer could not place at all.
var ErrNoCapacity = errors.New("no capacity for plan")

// start fits a's plan onto nodes and dispatches it. On success nodes
// carries the reservations forward for the rest of the tick.
func (m *Manager) start(ctx context.Context, a model.Attack, c candidate, nodes *[]model.Node) (model.Attack, error) {
	log := m.log.With(logging.String("target_id", c.target.ID), logging.String("mode", c.plan.Mode.String()))

	packing := core.Fit(c.plan, *nodes, m.policy.Catalog)
	if err := packing.Err(); err != nil || packing.Scale < 1 {
		m.metrics.IncShortfall()
		log.Warn(ctx, "capacity shortfall",
			logging.Float64("scale", packing.Scale),
			logging.Any("requested", c.plan.Units()),
			logging.Any("assigned", packing.Assigned()),
			logging.Err(err),
		)
	}
	if !packing.Dispatchable() {
		m.metrics.IncSkipped("no_capacity")
		log.Info(ctx, "no capacity for plan; deferring")
		return a, ErrNoCapacity
	}

	a.Plan = scaledPlan(c.plan, packing.Assigned())
	a.Value = core.Value(a.Plan, c.target, m.est.Chance(c.target))
	dispatched, err := m.disp.Dispatch(ctx, dispatch.Batch{Attack: a, Commands: packing.Commands})
	if err != nil {
		m.metrics.IncSkipped("dispatch_failed")
		log.Error(ctx, "dispatch failed", logging.Err(err))
		return a, err
	}
	*nodes = packing.Nodes
	return dispatched, nil
}

// evict stops the renewal of worst in favour of c.
func (m *Manager) evict(ctx context.Context, worst *model.Attack, c candidate, rep *Report) {
	worst.Renew = false
	worst.State = model.AttackEvicted
	worst.NextCycle = time.Time{}
	rep.Evicted = append(rep.Evicted, worst.TargetID)
	m.log.Info(ctx, "attack evicted",
		logging.String("target_id", worst.TargetID),
		logging.Float64("value", worst.Value),
		logging.String("replacement", c.target.ID),
		logging.Float64("replacement_value", c.value),
	)
}

func (m *Manager) skip(ctx context.Context, id, reason string, err error, rep *Report, fields ...logging.Field) {
	m.metrics.IncSkipped(reason)
	rep.Skipped = append(rep.Skipped, Skip{TargetID: id, Err: err})
	fields = append([]logging.Field{logging.String("target_id", id), logging.String("reason", reason), logging.Err(err)}, fields...)
	m.log.Warn(ctx, "target skipped", fields...)
}

func planSkipReason(err error) string {
	if errors.Is(err, core.ErrExtractTooCoarse) {
		return "extract_too_coarse"
	}
	return "invalid_input"
}

func (m *Manager) plan(t model.Target) (candidate, error) {
	plan, err := core.PlanTarget(t, m.est, m.policy)
	if err != nil {
		return candidate{}, err
	}
	return candidate{target: t, plan: plan, value: core.Value(plan, t, m.est.Chance(t))}, nil
}

// active counts prep attacks in flight and hack attacks still renewing.
func (m *Manager) active() (prep, hack int) {
	for _, a := range m.attacks {
		switch {
		case a.Mode == model.ModePrep:
			prep++
		case a.Renew:
			hack++
		}
	}
	return prep, hack
}

// worstHack returns the renewing hack attack with the lowest value; ties
// go to the greatest target id.
func (m *Manager) worstHack() *model.Attack {
	var worst *model.Attack
	for _, id := range m.sortedIDs() {
		a := m.attacks[id]
		if a.Mode != model.ModeHack || a.Terminal() {
			continue
		}
		if worst == nil || a.Value <= worst.Value {
			worst = a
		}
	}
	return worst
}

func (m *Manager) sortedIDs() []string {
	ids := make([]string, 0, len(m.attacks))
	for id := range m.attacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) publish(nodes []model.Node) {
	prep, hack := 0, 0
	for _, a := range m.attacks {
		if a.Mode == model.ModeHack {
			hack++
		} else {
			prep++
		}
	}
	m.metrics.SetInFlight(model.ModePrep.String(), prep)
	m.metrics.SetInFlight(model.ModeHack.String(), hack)

	var capacity, free float64
	for _, n := range nodes {
		capacity += n.Capacity
		free += n.Free()
	}
	if capacity > 0 {
		m.metrics.SetUtilisation(1 - free/capacity)
	}
}

// Snapshot returns a copy of the in-flight set ordered by target id.
func (m *Manager) Snapshot() []model.Attack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Attack, 0, len(m.attacks))
	for _, id := range m.sortedIDs() {
		out = append(out, *m.attacks[id])
	}
	return out
}

// Run ticks every Interval of clock time until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		rep, err := m.Tick(ctx)
		if err != nil {
			m.log.Error(ctx, "tick failed", logging.Err(err))
		}
		if m.observe != nil {
			m.observe(rep, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.settings.Interval):
		}
	}
}

// scaledPlan carries the assigned units into plan and scales the
// extracted fraction to match.
func scaledPlan(plan model.OperationPlan, assigned model.Units) model.OperationPlan {
	out := plan.WithUnits(assigned)
	if want := plan.Op(model.KindExtract).Units; want > 0 {
		out.ExtractedFraction = plan.ExtractedFraction * float64(assigned[model.KindExtract]) / float64(want)
	}
	return out
}

func sortSoonest(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].plan.Total != cs[j].plan.Total {
			return cs[i].plan.Total < cs[j].plan.Total
		}
		return cs[i].target.ID < cs[j].target.ID
	})
}

func sortByValue(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].value != cs[j].value {
			return cs[i].value > cs[j].value
		}
		return cs[i].target.ID < cs[j].target.ID
	})
}
