// Package eventsched runs callbacks at simulation times taken from a
// timectrl.SimClock. The simulated host uses it to land operation effects
// and release node capacity when commands complete.
package eventsched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/attack-scheduler/timectrl"
)

// EventScheduler schedules callbacks against simulation time. The driving
// loop advances the clock and then calls RunDue.
type EventScheduler interface {
	// Schedule registers f to run once the clock reaches at and returns an
	// id usable with Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a pending event. Unknown or already-run ids are ignored.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes every pending event whose time is <= Now(), in time
	// order. Events scheduled by a running callback that are already due
	// run in the same call.
	RunDue()

	// Pending reports the number of events that have not run yet.
	Pending() int
}

type event struct {
	id        string
	when      time.Time
	seq       uint64
	f         func()
	cancelled bool
}

// queue is the time-ordered event store shared by both schedulers.
type queue struct {
	mu      sync.Mutex
	prefix  string
	counter uint64
	events  []*event // ordered by (when, seq)
	index   map[string]*event
}

func newQueue(prefix string) *queue {
	return &queue{prefix: prefix, index: make(map[string]*event)}
}

func (q *queue) schedule(at time.Time, f func()) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	ev := &event{
		id:   fmt.Sprintf("%s-%d", q.prefix, q.counter),
		when: at,
		seq:  q.counter,
		f:    f,
	}

	// Equal times keep insertion order.
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(at)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev

	q.index[ev.id] = ev
	return ev.id
}

func (q *queue) cancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(q.index, id)
}

func (q *queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// pop removes and returns the earliest live event due at now, or nil.
func (q *queue) pop(now time.Time) *event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

// runDue pops and executes due events. Callbacks run outside the lock so
// they may schedule or cancel other events.
func (q *queue) runDue(now func() time.Time) {
	for {
		ev := q.pop(now())
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

type eventScheduler struct {
	clock timectrl.SimClock
	q     *queue
}

// NewEventScheduler returns an EventScheduler reading time from clock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{clock: clock, q: newQueue("ev")}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) string { return s.q.schedule(at, f) }
func (s *eventScheduler) Cancel(id string)                       { s.q.cancel(id) }
func (s *eventScheduler) Now() time.Time                         { return s.clock.Now() }
func (s *eventScheduler) Pending() int                           { return s.q.pending() }
func (s *eventScheduler) RunDue()                                { s.q.runDue(s.clock.Now) }
