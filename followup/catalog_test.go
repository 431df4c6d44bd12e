package followup

import (
	"errors"
	"testing"
	"time"
)

func TestNextStep_Successors(t *testing.T) {
	for _, def := range Catalog() {
		next, ok, err := NextStep(def.Code)
		if err != nil {
			t.Fatalf("%s: %v", def.Code, err)
		}
		switch {
		case def.Loop:
			if !ok || next != def.Code {
				t.Fatalf("loop step %s must advance to itself, got %q", def.Code, next)
			}
		case def.Terminal:
			if ok {
				t.Fatalf("terminal step %s must have no successor, got %q", def.Code, next)
			}
		default:
			if !ok || next == def.Code {
				t.Fatalf("step %s must advance to a different step, got %q", def.Code, next)
			}
		}
	}

	if next, _, _ := NextStep(StepBump); next != StepValue {
		t.Fatalf("expected %s after %s, got %s", StepValue, StepBump, next)
	}
}

func TestUnknownStep(t *testing.T) {
	var unknown *UnknownStepError
	if _, err := PhaseOf("fu_9_nope"); !errors.As(err, &unknown) || unknown.Code != "fu_9_nope" {
		t.Fatalf("expected UnknownStepError, got %v", err)
	}
	if _, _, err := NextStep("fu_9_nope"); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownStepError from NextStep, got %v", err)
	}
	if _, err := DelayFor(""); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownStepError from DelayFor, got %v", err)
	}
}

func TestDelayFor(t *testing.T) {
	d, err := DelayFor(StepBump)
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if d != 4*24*time.Hour {
		t.Fatalf("expected 4 days, got %v", d)
	}
	phase, _ := PhaseOf(StepRetentionCheckIn)
	if phase != PhaseRetention {
		t.Fatalf("expected retention phase, got %s", phase)
	}
}

func TestCatalogIsCopied(t *testing.T) {
	c := Catalog()
	c[0].DaysToNextStep = 99
	if d, _ := DelayFor(c[0].Code); d == 99*24*time.Hour {
		t.Fatal("catalog must not be mutable through Catalog()")
	}
}
