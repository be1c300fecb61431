// Package dispatch turns packed commands into issued host operations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/attack-scheduler/internal/logging"
	"github.com/signalsfoundry/attack-scheduler/internal/observability"
	"github.com/signalsfoundry/attack-scheduler/model"
	"github.com/signalsfoundry/attack-scheduler/timectrl"
)

// ErrNothingDispatched is returned when no command of a batch was issued.
var ErrNothingDispatched = errors.New("nothing dispatched")

// Executor starts one command on the host. The command's Delay is
// relative to the moment Issue is called.
type Executor interface {
	Issue(ctx context.Context, cmd model.DispatchCommand) error
}

// Settings configures a Dispatcher.
type Settings struct {
	// MaxAttempts bounds issue attempts per command, first try included.
	MaxAttempts int
	// RetryInterval is the constant wait between attempts.
	RetryInterval time.Duration
	// Stagger offsets the plan start from the dispatch instant.
	Stagger time.Duration
	// Spacing is an optional pause between consecutive issues.
	Spacing time.Duration
}

// Batch is the work for one attack cycle.
type Batch struct {
	// Attack is the record to dispatch. An empty ID gets a fresh one.
	Attack   model.Attack
	Commands []model.DispatchCommand
}

// Dispatcher issues batches through an Executor.
type Dispatcher struct {
	exec     Executor
	clock    timectrl.SimClock
	catalog  model.OperationCatalog
	settings Settings
	log      logging.Logger
	metrics  *observability.Collector
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics records dispatch failures on c.
func WithMetrics(c *observability.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// New returns a Dispatcher. Capacity of dispatched attacks is computed
// from catalog costs.
func New(exec Executor, clock timectrl.SimClock, catalog model.OperationCatalog, s Settings, opts ...Option) *Dispatcher {
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	d := &Dispatcher{
		exec:     exec,
		clock:    clock,
		catalog:  catalog,
		settings: s,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch issues every command of b. The plan starts Stagger after the
// call; each command's delay is rebased onto the moment it is issued so
// completions land where the plan put them. Commands that still fail
// after MaxAttempts are logged and skipped. If none were issued the
// returned error wraps ErrNothingDispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch) (model.Attack, error) {
	a := b.Attack
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	ctx = logging.ContextWithCorrelationID(ctx, a.ID)
	log := d.log.With(
		logging.String("attack_id", a.ID),
		logging.String("target_id", a.TargetID),
		logging.String("mode", a.Mode.String()),
	)

	ctx, span := observability.StartSpan(ctx, "dispatch.batch", a.TargetID,
		attribute.String("attack_id", a.ID),
		attribute.Int("commands", len(b.Commands)),
	)
	defer span.End()

	start := d.clock.Now().Add(d.settings.Stagger)

	var (
		issued   int
		capacity float64
		errs     []error
	)
	for i, cmd := range b.Commands {
		if i > 0 && d.settings.Spacing > 0 {
			if err := d.wait(ctx, d.settings.Spacing); err != nil {
				errs = append(errs, err)
				break
			}
		}

		cmd.Delay = start.Add(cmd.Delay).Sub(d.clock.Now())
		if cmd.Delay < 0 {
			log.Warn(ctx, "command issued after its planned start",
				logging.String("kind", cmd.Kind.String()),
				logging.Duration("late_by", -cmd.Delay),
			)
			cmd.Delay = 0
		}
		if cmd.CorrelationID == "" {
			cmd.CorrelationID = fmt.Sprintf("%s/%s/%s", a.ID, cmd.NodeID, cmd.Kind)
		}

		if err := d.issue(ctx, log, cmd); err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", cmd.Kind, cmd.NodeID, err))
			d.metrics.IncDispatchFailure(cmd.Kind.String())
			log.Error(ctx, "command dropped",
				logging.String("kind", cmd.Kind.String()),
				logging.String("node_id", cmd.NodeID),
				logging.Int("units", cmd.Units),
				logging.Err(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		issued++
		capacity += float64(cmd.Units) * d.catalog.Spec(cmd.Kind).Cost
	}

	if issued == 0 {
		err := fmt.Errorf("%w: target %s: %w", ErrNothingDispatched, a.TargetID, errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "nothing dispatched")
		return a, err
	}

	a.Issued = issued
	a.Capacity = capacity
	a.Start = start
	a.End = start.Add(a.Plan.Total)
	a.State = model.AttackDispatched
	a.Cycles++
	if a.Mode == model.ModeHack {
		a.NextCycle = a.End
		a.Renew = true
	} else {
		a.NextCycle = time.Time{}
		a.Renew = false
	}

	span.SetAttributes(attribute.Int("issued", issued), attribute.Float64("capacity", capacity))
	log.Info(ctx, "attack dispatched",
		logging.Int("issued", issued),
		logging.Int("dropped", len(errs)),
		logging.Float64("capacity", capacity),
		logging.Duration("total", a.Plan.Total),
	)
	return a, nil
}

func (d *Dispatcher) issue(ctx context.Context, log logging.Logger, cmd model.DispatchCommand) error {
	op := func() (struct{}, error) {
		return struct{}{}, d.exec.Issue(ctx, cmd)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(d.settings.RetryInterval)),
		backoff.WithMaxTries(uint(d.settings.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(ctx, "issue failed; retrying",
				logging.String("kind", cmd.Kind.String()),
				logging.String("node_id", cmd.NodeID),
				logging.Duration("retry_in", next),
				logging.Err(err),
			)
		}),
	)
	return err
}

func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(dur):
		return nil
	}
}
