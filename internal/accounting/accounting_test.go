package accounting

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/attack-scheduler/model"
)

func sampleAttack() model.Attack {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.Attack{
		ID:       "a-1",
		TargetID: "n00dles",
		Mode:     model.ModeHack,
		Value:    12.5,
		Capacity: 88.25,
		Cycles:   3,
		Start:    start,
		End:      start.Add(30 * time.Second),
	}
}

func TestStreamRecorderWritesOneLinePerEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC)
	var buf bytes.Buffer
	rec := NewStreamRecorder(&buf, func() time.Time { return at })

	a := sampleAttack()
	if err := rec.AttackStarted(context.Background(), a); err != nil {
		t.Fatalf("AttackStarted: %v", err)
	}
	if err := rec.AttackStopped(context.Background(), a, "evicted"); err != nil {
		t.Fatalf("AttackStopped: %v", err)
	}

	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("wrote %d lines, want 2:\n%s", n, buf.String())
	}

	events, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := []Event{
		NewEvent(EventStarted, at, a, ""),
		NewEvent(EventStopped, at, a, "evicted"),
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Decode([]byte(`{"type":"attack_started","at":"yesterday"}`)); err == nil {
		t.Fatalf("expected timestamp error")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemory(nil)
	rec := Multi(mem, NewStreamRecorder(failingWriter{}, nil), Nop{})

	err := rec.AttackStarted(context.Background(), sampleAttack())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("AttackStarted error = %v, want disk full", err)
	}
	if got := mem.Events(); len(got) != 1 || got[0].Type != EventStarted {
		t.Fatalf("memory events = %+v", got)
	}
}
