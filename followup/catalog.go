package followup

import (
	"fmt"
	"time"
)

// StepCode identifies a position in the outreach cadence.
type StepCode string

// Phase groups step codes.
type Phase string

const (
	PhaseOutreach  Phase = "outreach"
	PhaseFollowUp  Phase = "followup"
	PhaseRetention Phase = "retention"
)

const (
	StepIntro            StepCode = "fu_0_intro"
	StepBump             StepCode = "fu_1_bump"
	StepValue            StepCode = "fu_2_value"
	StepCaseStudy        StepCode = "fu_3_case_study"
	StepBreakup          StepCode = "fu_4_breakup"
	StepRetentionCheckIn StepCode = "retention_checkin"
)

// StepDefinition is one entry of the cadence. DaysToNextStep belongs to the
// step itself: completing this step schedules the next contact that many days out.
type StepDefinition struct {
	Code           StepCode `json:"code"`
	Phase          Phase    `json:"phase"`
	OrderIndex     int      `json:"order_index"`
	DaysToNextStep int      `json:"days_to_next_step"`
	Terminal       bool     `json:"terminal"`
	Loop           bool     `json:"loop"`
}

// ordered by OrderIndex
var catalog = []StepDefinition{
	{Code: StepIntro, Phase: PhaseOutreach, OrderIndex: 0, DaysToNextStep: 2},
	{Code: StepBump, Phase: PhaseFollowUp, OrderIndex: 1, DaysToNextStep: 4},
	{Code: StepValue, Phase: PhaseFollowUp, OrderIndex: 2, DaysToNextStep: 5},
	{Code: StepCaseStudy, Phase: PhaseFollowUp, OrderIndex: 3, DaysToNextStep: 7},
	{Code: StepBreakup, Phase: PhaseFollowUp, OrderIndex: 4, DaysToNextStep: 0, Terminal: true},
	{Code: StepRetentionCheckIn, Phase: PhaseRetention, OrderIndex: 5, DaysToNextStep: 30, Loop: true},
}

// UnknownStepError is returned for step codes absent from the catalog.
type UnknownStepError struct {
	Code StepCode
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step code %q", e.Code)
}

// Catalog returns a copy of the cadence definition.
func Catalog() []StepDefinition {
	out := make([]StepDefinition, len(catalog))
	copy(out, catalog)
	return out
}

func lookup(code StepCode) (int, error) {
	for i, def := range catalog {
		if def.Code == code {
			return i, nil
		}
	}
	return -1, &UnknownStepError{Code: code}
}

// PhaseOf returns the phase of a step.
func PhaseOf(code StepCode) (Phase, error) {
	i, err := lookup(code)
	if err != nil {
		return "", err
	}
	return catalog[i].Phase, nil
}

// NextStep returns the step following code. The loop step returns itself; a
// terminal or last step returns ok=false.
func NextStep(code StepCode) (next StepCode, ok bool, err error) {
	i, err := lookup(code)
	if err != nil {
		return "", false, err
	}
	def := catalog[i]
	switch {
	case def.Loop:
		return def.Code, true, nil
	case def.Terminal || i == len(catalog)-1:
		return "", false, nil
	}
	return catalog[i+1].Code, true, nil
}

// DelayFor returns the offset from now at which the step after code is due.
func DelayFor(code StepCode) (time.Duration, error) {
	i, err := lookup(code)
	if err != nil {
		return 0, err
	}
	return time.Duration(catalog[i].DaysToNextStep) * 24 * time.Hour, nil
}
