package eventsched

import (
	"sync"
	"time"
)

// FakeEventScheduler keeps its own notion of simulation time. Tests move
// it with AdvanceTo or Advance and due events run synchronously.
type FakeEventScheduler struct {
	mu  sync.Mutex
	now time.Time
	q   *queue
}

// NewFakeEventScheduler returns a fake positioned at start.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{now: start, q: newQueue("fake-ev")}
}

// Now returns the fake simulation time.
func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// After fires immediately when d is non-positive, otherwise once the fake
// clock has been advanced past now+d. This lets the fake stand in for a
// timectrl.SimClock.
func (s *FakeEventScheduler) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	at := s.Now().Add(d)
	if d <= 0 {
		ch <- at
		return ch
	}
	s.q.schedule(at, func() { ch <- s.Now() })
	return ch
}

func (s *FakeEventScheduler) Schedule(at time.Time, f func()) string { return s.q.schedule(at, f) }
func (s *FakeEventScheduler) Cancel(id string)                       { s.q.cancel(id) }
func (s *FakeEventScheduler) Pending() int                           { return s.q.pending() }
func (s *FakeEventScheduler) RunDue()                                { s.q.runDue(s.Now) }

// AdvanceTo moves the fake clock to t and runs everything that became due.
// Time never moves backwards.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t
	}
	s.mu.Unlock()
	s.RunDue()
}

// Advance moves the fake clock forward by d.
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}
