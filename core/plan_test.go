package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/attack-scheduler/model"
)

type stubEstimator struct {
	durations Durations
	extract   float64
	growth    float64
	chance    float64
}

func (s stubEstimator) Duration(_ model.Target, k model.Kind) time.Duration {
	return s.durations.Of(k)
}

func (s stubEstimator) UnitEffect(_ model.Target, k model.Kind) float64 {
	switch k {
	case model.KindExtract:
		return s.extract
	case model.KindFortify:
		return s.growth
	default:
		return 0.05
	}
}

func (s stubEstimator) Chance(model.Target) float64 { return s.chance }

func defaultStub() stubEstimator {
	return stubEstimator{
		durations: Durations{Extract: 5 * time.Second, Fortify: 16 * time.Second, Calm: 20 * time.Second},
		extract:   0.002,
		growth:    1.004,
		chance:    0.8,
	}
}

func TestPlanTarget_HackPlan(t *testing.T) {
	p := DefaultPolicy()
	target := model.Target{ID: "hackable", Defense: 1, MinDefense: 1, Resource: 1e6, ResourceMax: 1e6}

	plan, err := PlanTarget(target, defaultStub(), p)
	if err != nil {
		t.Fatalf("PlanTarget: %v", err)
	}
	if plan.Mode != model.ModeHack {
		t.Fatalf("mode = %s, want hack", plan.Mode)
	}
	if plan.TargetID != target.ID {
		t.Fatalf("target id = %q", plan.TargetID)
	}
	if got := plan.Op(model.KindExtract).Units; got != 50 {
		t.Fatalf("extract units = %d, want 50", got)
	}
	if plan.Total != 20*time.Second+4*p.Guard {
		t.Fatalf("total = %s", plan.Total)
	}

	value := Value(plan, target, 0.8)
	want := 1e6 * plan.ExtractedFraction * 0.8 / plan.Total.Seconds()
	if math.Abs(value-want) > 1e-9 {
		t.Fatalf("value = %v, want %v", value, want)
	}
}

func TestPlanTarget_PrepPlanHasNoValue(t *testing.T) {
	p := DefaultPolicy()
	target := model.Target{ID: "weak", Defense: 12, MinDefense: 2, Resource: 10, ResourceMax: 100}

	plan, err := PlanTarget(target, defaultStub(), p)
	if err != nil {
		t.Fatalf("PlanTarget: %v", err)
	}
	if plan.Mode != model.ModePrep {
		t.Fatalf("mode = %s, want prep", plan.Mode)
	}
	if plan.Op(model.KindExtract).Units != 0 {
		t.Fatalf("prep plan extracts")
	}
	if plan.Op(model.KindCalm).Units != 200 || plan.DefenseExcessUnits != 200 {
		t.Fatalf("calm units = %d (excess %d), want 200", plan.Op(model.KindCalm).Units, plan.DefenseExcessUnits)
	}
	if v := Value(plan, target, 1); v != 0 {
		t.Fatalf("prep value = %v, want 0", v)
	}
}

func TestPlanTarget_InvalidEstimate(t *testing.T) {
	p := DefaultPolicy()
	stub := defaultStub()
	stub.durations.Fortify = -time.Second
	target := model.Target{ID: "bad", Defense: 1, MinDefense: 1, Resource: 100, ResourceMax: 100}

	if _, err := PlanTarget(target, stub, p); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	p := DefaultPolicy()
	p.ExtractFraction = 1
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for extract fraction 1")
	}
	p = DefaultPolicy()
	p.Catalog.Calm.Cost = 0
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for zero calm cost")
	}
}
