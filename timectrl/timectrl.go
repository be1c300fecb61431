package timectrl

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// SimClock is the clock abstraction shared by the scheduler, the
// dispatcher and the simulated host. Components depend on it rather than
// on a concrete controller so tests can drive time explicitly.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Wall is a SimClock backed by the wall clock.
type Wall struct{}

// Now returns time.Now.
func (Wall) Now() time.Time { return time.Now() }

// After delegates to time.After.
func (Wall) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one Tick per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances one Tick per Tick/Speed of wall-clock time.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

type timer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time, fires After timers and notifies
// registered listeners on every step. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode
	// Speed is the acceleration factor used in Accelerated mode. Values
	// below 1 are treated as 1.
	Speed float64

	currentTime time.Time
	timers      []timer
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		Speed:       1,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// After returns a channel that fires once simulation time reaches
// Now()+d. A non-positive d fires immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	tc.mu.Lock()
	defer tc.mu.Unlock()

	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	idx := sort.Search(len(tc.timers), func(i int) bool {
		return tc.timers[i].at.After(at)
	})
	tc.timers = append(tc.timers, timer{})
	copy(tc.timers[idx+1:], tc.timers[idx:])
	tc.timers[idx] = timer{at: at, ch: ch}
	return ch
}

// AddListener registers a callback invoked after every time change.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// SetTime moves simulation time to t, fires due timers and notifies
// listeners. Moving backwards is ignored.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	if t.Before(tc.currentTime) {
		tc.mu.Unlock()
		return
	}
	tc.currentTime = t

	n := 0
	for n < len(tc.timers) && !tc.timers[n].at.After(t) {
		tc.timers[n].ch <- t
		n++
	}
	tc.timers = tc.timers[n:]
	listeners := slices.Clone(tc.listeners)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// Advance moves simulation time forward by d.
func (tc *TimeController) Advance(d time.Duration) {
	tc.SetTime(tc.Now().Add(d))
}

// step returns the wall-clock interval between two simulation ticks.
func (tc *TimeController) step() time.Duration {
	if tc.Mode != Accelerated || tc.Speed <= 1 {
		return tc.Tick
	}
	s := time.Duration(float64(tc.Tick) / tc.Speed)
	if s <= 0 {
		s = time.Nanosecond
	}
	return s
}

// Start runs the controller in a separate goroutine until ctx is cancelled
// or, when duration is positive, until that much simulation time has
// elapsed. The returned channel is closed when the controller stops.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(tc.step())
		defer ticker.Stop()

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			elapsed += tc.Tick
			tc.Advance(tc.Tick)
		}
	}()
	return done
}
