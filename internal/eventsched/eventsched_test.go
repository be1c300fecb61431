package eventsched

import (
	"testing"
	"time"

	"github.com/signalsfoundry/attack-scheduler/timectrl"
)

func TestEventScheduler_SingleEvent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewTimeController(start, time.Second, timectrl.RealTime)
	sched := NewEventScheduler(clock)

	var counter int
	t1 := start.Add(10 * time.Second)
	id := sched.Schedule(t1, func() { counter++ })
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	sched.RunDue()
	if counter != 0 {
		t.Fatalf("expected counter=0 before time advance, got %d", counter)
	}

	clock.SetTime(t1)
	sched.RunDue()
	sched.RunDue()
	if counter != 1 {
		t.Fatalf("expected event to run exactly once, ran %d times", counter)
	}
	if sched.Pending() != 0 {
		t.Fatalf("Pending() = %d after run", sched.Pending())
	}
}

func TestEventScheduler_OrderAndTies(t *testing.T) {
	start := time.Unix(0, 0)
	clock := timectrl.NewTimeController(start, time.Second, timectrl.RealTime)
	sched := NewEventScheduler(clock)

	var order []string
	record := func(s string) func() { return func() { order = append(order, s) } }
	sched.Schedule(start.Add(3*time.Second), record("c"))
	sched.Schedule(start.Add(1*time.Second), record("a1"))
	sched.Schedule(start.Add(1*time.Second), record("a2"))
	sched.Schedule(start.Add(2*time.Second), record("b"))

	clock.SetTime(start.Add(5 * time.Second))
	sched.RunDue()

	want := []string{"a1", "a2", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEventScheduler_Cancel(t *testing.T) {
	start := time.Unix(0, 0)
	clock := timectrl.NewTimeController(start, time.Second, timectrl.RealTime)
	sched := NewEventScheduler(clock)

	ran := false
	id := sched.Schedule(start.Add(time.Second), func() { ran = true })
	sched.Cancel(id)
	sched.Cancel("unknown")

	clock.SetTime(start.Add(time.Second))
	sched.RunDue()
	if ran {
		t.Fatalf("cancelled event ran")
	}
}

func TestEventScheduler_CallbackSchedulesDueEvent(t *testing.T) {
	start := time.Unix(0, 0)
	clock := timectrl.NewTimeController(start, time.Second, timectrl.RealTime)
	sched := NewEventScheduler(clock)

	var order []string
	sched.Schedule(start, func() {
		order = append(order, "outer")
		sched.Schedule(start, func() { order = append(order, "inner") })
	})
	sched.RunDue()

	if len(order) != 2 || order[1] != "inner" {
		t.Fatalf("order = %v", order)
	}
}

func TestFakeEventScheduler_AdvanceTo(t *testing.T) {
	start := time.Unix(0, 0)
	sched := NewFakeEventScheduler(start)

	var fired []time.Time
	sched.Schedule(start.Add(10*time.Second), func() { fired = append(fired, sched.Now()) })

	sched.Advance(5 * time.Second)
	if len(fired) != 0 {
		t.Fatalf("event fired early")
	}

	sched.AdvanceTo(start.Add(12 * time.Second))
	if len(fired) != 1 || !fired[0].Equal(start.Add(12*time.Second)) {
		t.Fatalf("fired = %v", fired)
	}

	sched.AdvanceTo(start)
	if !sched.Now().Equal(start.Add(12 * time.Second)) {
		t.Fatalf("clock moved backwards to %v", sched.Now())
	}
}

func TestFakeEventScheduler_After(t *testing.T) {
	start := time.Unix(0, 0)
	sched := NewFakeEventScheduler(start)

	ch := sched.After(3 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired before advance")
	default:
	}

	sched.Advance(3 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(3 * time.Second)) {
			t.Fatalf("After delivered %v", got)
		}
	default:
		t.Fatalf("After did not fire")
	}
}

var (
	_ EventScheduler    = (*FakeEventScheduler)(nil)
	_ timectrl.SimClock = (*FakeEventScheduler)(nil)
)
