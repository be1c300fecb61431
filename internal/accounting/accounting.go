// Package accounting records attack start and stop events. It is a
// write-only channel: the scheduler never reads what it records.
package accounting

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/attack-scheduler/model"
)

// Event types.
const (
	EventStarted = "attack_started"
	EventStopped = "attack_stopped"
)

// Recorder receives attack lifecycle events.
type Recorder interface {
	AttackStarted(ctx context.Context, a model.Attack) error
	AttackStopped(ctx context.Context, a model.Attack, reason string) error
}

// Event is one accounting record.
type Event struct {
	Type     string
	At       time.Time
	AttackID string
	TargetID string
	Mode     string
	Reason   string
	Value    float64
	Capacity float64
	Cycles   int
	Start    time.Time
	End      time.Time
}

// NewEvent builds the event for a at time at.
func NewEvent(typ string, at time.Time, a model.Attack, reason string) Event {
	return Event{
		Type:     typ,
		At:       at,
		AttackID: a.ID,
		TargetID: a.TargetID,
		Mode:     a.Mode.String(),
		Reason:   reason,
		Value:    a.Value,
		Capacity: a.Capacity,
		Cycles:   a.Cycles,
		Start:    a.Start,
		End:      a.End,
	}
}

// Encode renders e as a single-line protojson object.
func Encode(e Event) ([]byte, error) {
	fields := map[string]any{
		"type":      e.Type,
		"at":        e.At.UTC().Format(time.RFC3339Nano),
		"attack_id": e.AttackID,
		"target_id": e.TargetID,
		"mode":      e.Mode,
		"value":     e.Value,
		"capacity":  e.Capacity,
		"cycles":    e.Cycles,
		"start":     e.Start.UTC().Format(time.RFC3339Nano),
		"end":       e.End.UTC().Format(time.RFC3339Nano),
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode accounting event: %w", err)
	}
	return protojson.MarshalOptions{UseProtoNames: true}.Marshal(st)
}

// Decode parses one line produced by Encode.
func Decode(line []byte) (Event, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(bytes.TrimSpace(line), &st); err != nil {
		return Event{}, fmt.Errorf("decode accounting event: %w", err)
	}
	f := st.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) float64 { return f[k].GetNumberValue() }
	ts := func(k string) (time.Time, error) {
		s := str(k)
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}

	e := Event{
		Type:     str("type"),
		AttackID: str("attack_id"),
		TargetID: str("target_id"),
		Mode:     str("mode"),
		Reason:   str("reason"),
		Value:    num("value"),
		Capacity: num("capacity"),
		Cycles:   int(num("cycles")),
	}
	var errs []error
	var err error
	if e.At, err = ts("at"); err != nil {
		errs = append(errs, err)
	}
	if e.Start, err = ts("start"); err != nil {
		errs = append(errs, err)
	}
	if e.End, err = ts("end"); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return Event{}, fmt.Errorf("decode accounting event: %w", err)
	}
	return e, nil
}

// ReadAll decodes every non-empty line of r.
func ReadAll(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := Decode(line)
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

// StreamRecorder writes one encoded event per line to an io.Writer.
type StreamRecorder struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewStreamRecorder writes to w, stamping events with now. A nil now uses
// the wall clock.
func NewStreamRecorder(w io.Writer, now func() time.Time) *StreamRecorder {
	if now == nil {
		now = time.Now
	}
	return &StreamRecorder{w: w, now: now}
}

func (r *StreamRecorder) AttackStarted(_ context.Context, a model.Attack) error {
	return r.write(NewEvent(EventStarted, r.now(), a, ""))
}

func (r *StreamRecorder) AttackStopped(_ context.Context, a model.Attack, reason string) error {
	return r.write(NewEvent(EventStopped, r.now(), a, reason))
}

func (r *StreamRecorder) write(e Event) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(b); err != nil {
		return fmt.Errorf("write accounting event: %w", err)
	}
	return nil
}

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	events []Event
}

// NewMemory returns an empty in-memory recorder.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now}
}

func (m *Memory) AttackStarted(_ context.Context, a model.Attack) error {
	m.add(NewEvent(EventStarted, m.now(), a, ""))
	return nil
}

func (m *Memory) AttackStopped(_ context.Context, a model.Attack, reason string) error {
	m.add(NewEvent(EventStopped, m.now(), a, reason))
	return nil
}

func (m *Memory) add(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

type multi []Recorder

// Multi fans events out to every recorder and joins their errors.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

func (m multi) AttackStarted(ctx context.Context, a model.Attack) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.AttackStarted(ctx, a))
	}
	return errors.Join(errs...)
}

func (m multi) AttackStopped(ctx context.Context, a model.Attack, reason string) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.AttackStopped(ctx, a, reason))
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) AttackStarted(context.Context, model.Attack) error         { return nil }
func (Nop) AttackStopped(context.Context, model.Attack, string) error { return nil }
