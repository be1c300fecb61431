package dispatch

import (
	"context"
	"errors"

	"github.com/signalsfoundry/attack-scheduler/model"
)

// ErrQueueClosed is returned by Queue.Dispatch once the worker has stopped.
var ErrQueueClosed = errors.New("dispatch queue closed")

type request struct {
	ctx   context.Context
	batch Batch
	reply chan result
}

type result struct {
	attack model.Attack
	err    error
}

// Queue hands batches to a single worker goroutine that owns the
// Dispatcher, so batches are issued one at a time in arrival order.
type Queue struct {
	d    *Dispatcher
	reqs chan request
	done chan struct{}
}

// NewQueue returns a queue with depth buffered slots.
func NewQueue(d *Dispatcher, depth int) *Queue {
	if depth < 0 {
		depth = 0
	}
	return &Queue{
		d:    d,
		reqs: make(chan request, depth),
		done: make(chan struct{}),
	}
}

// Run serves batches until ctx is cancelled. It must be called once.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-q.reqs:
			a, err := q.d.Dispatch(req.ctx, req.batch)
			req.reply <- result{attack: a, err: err}
		}
	}
}

// Dispatch enqueues b and blocks until the worker has dispatched it.
func (q *Queue) Dispatch(ctx context.Context, b Batch) (model.Attack, error) {
	req := request{ctx: ctx, batch: b, reply: make(chan result, 1)}
	select {
	case q.reqs <- req:
	case <-ctx.Done():
		return b.Attack, ctx.Err()
	case <-q.done:
		return b.Attack, ErrQueueClosed
	}
	select {
	case res := <-req.reply:
		return res.attack, res.err
	case <-ctx.Done():
		return b.Attack, ctx.Err()
	case <-q.done:
		// The worker may have answered just before stopping.
		select {
		case res := <-req.reply:
			return res.attack, res.err
		default:
			return b.Attack, ErrQueueClosed
		}
	}
}
