package core

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/attack-scheduler/model"
)

func TestSchedule_CompletionOrdering(t *testing.T) {
	guard := 40 * time.Millisecond
	cases := []Durations{
		{Extract: 10 * time.Second, Fortify: 32 * time.Second, Calm: 40 * time.Second},
		{Extract: 250 * time.Millisecond, Fortify: 800 * time.Millisecond, Calm: time.Second},
		{Extract: time.Minute, Fortify: time.Minute, Calm: time.Minute},
		// Estimator breaking the "calm is slowest" contract.
		{Extract: 5 * time.Second, Fortify: 9 * time.Second, Calm: 4 * time.Second},
		{},
	}

	order := []model.Kind{model.KindExtract, model.KindCalm, model.KindFortify, model.KindCalmAfterFortify}
	for _, d := range cases {
		ops, total, err := Schedule(d, guard)
		if err != nil {
			t.Fatalf("Schedule(%+v): %v", d, err)
		}
		for _, k := range model.Kinds() {
			if ops[k].Delay < 0 {
				t.Fatalf("Schedule(%+v): %s delay %s is negative", d, k, ops[k].Delay)
			}
			if ops[k].Duration != d.Of(k) {
				t.Fatalf("Schedule(%+v): %s duration %s, want %s", d, k, ops[k].Duration, d.Of(k))
			}
		}
		for i := 1; i < len(order); i++ {
			prev, cur := ops[order[i-1]].Completion(), ops[order[i]].Completion()
			if cur-prev < guard {
				t.Fatalf("Schedule(%+v): %s completes %s after %s, want >= %s", d, order[i], cur-prev, order[i-1], guard)
			}
		}
		last := ops[model.KindCalmAfterFortify].Completion()
		if last < d.Calm {
			t.Fatalf("Schedule(%+v): last completion %s before calm duration %s", d, last, d.Calm)
		}
		if total <= last {
			t.Fatalf("Schedule(%+v): total %s does not cover last completion %s", d, total, last)
		}
	}
}

func TestSchedule_TotalIsCalmPlusFourGuards(t *testing.T) {
	d := Durations{Extract: 10 * time.Second, Fortify: 32 * time.Second, Calm: 40 * time.Second}
	guard := 50 * time.Millisecond
	ops, total, err := Schedule(d, guard)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if want := d.Calm + 4*guard; total != want {
		t.Fatalf("total = %s, want %s", total, want)
	}
	if ops[model.KindCalm].Delay != guard {
		t.Fatalf("calm delay = %s, want %s", ops[model.KindCalm].Delay, guard)
	}
	if want := d.Calm - d.Extract; ops[model.KindExtract].Delay != want {
		t.Fatalf("extract delay = %s, want %s", ops[model.KindExtract].Delay, want)
	}
}

func TestSchedule_InvalidInput(t *testing.T) {
	if _, _, err := Schedule(Durations{Calm: time.Second}, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero guard: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := Schedule(Durations{Extract: -time.Second, Calm: time.Second}, time.Millisecond); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative duration: expected ErrInvalidInput, got %v", err)
	}
}
