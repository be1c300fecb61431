package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}

	tc.SetTime(start)
	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() moved backwards to %v", got)
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)
	tc.Speed = 5

	done := tc.Start(context.Background(), 15*time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestTimeControllerStartStopsOnCancel(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Millisecond, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx, 0)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
}

func TestAfterFiresOnAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	tc := NewTimeController(start, time.Second, RealTime)

	late := tc.After(10 * time.Second)
	early := tc.After(2 * time.Second)

	tc.Advance(5 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("early fired at %v", got)
		}
	default:
		t.Fatalf("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired too soon")
	default:
	}

	tc.Advance(5 * time.Second)
	select {
	case <-late:
	default:
		t.Fatalf("late timer did not fire")
	}
}

func TestAfterNonPositiveFiresImmediately(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Second, RealTime)
	select {
	case <-tc.After(0):
	default:
		t.Fatalf("After(0) did not fire")
	}
}

func TestListenersSeeEveryStep(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Second, RealTime)
	var seen []time.Time
	tc.AddListener(func(now time.Time) { seen = append(seen, now) })

	tc.Advance(time.Second)
	tc.Advance(time.Second)

	if len(seen) != 2 || !seen[1].Equal(time.Unix(2, 0)) {
		t.Fatalf("listener saw %v", seen)
	}
}

func TestListenerMayRegisterListener(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	var late int
	tc.AddListener(func(time.Time) {
		tc.AddListener(func(time.Time) { late++ })
	})

	tc.Advance(time.Second)
	if late != 0 {
		t.Fatalf("listener added during a step ran in that step")
	}
	tc.Advance(time.Second)
	if late != 1 {
		t.Fatalf("late listener ran %d times, want 1", late)
	}
}
