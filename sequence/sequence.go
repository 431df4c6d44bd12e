package sequence

import (
	"errors"
	"sort"
	"time"

	"leadflow/followup"
)

var (
	// ErrAlreadyEnrolled is returned when the lead already has an enrollment in
	// the sequence. The remote store enforces it with a unique index.
	ErrAlreadyEnrolled  = errors.New("sequence: lead already enrolled")
	ErrEnrollmentClosed = errors.New("sequence: enrollment is not active")
	ErrEmptySequence    = errors.New("sequence: sequence has no steps")
	ErrNotFound         = errors.New("sequence: not found")

	// ErrEnrollmentChanged is returned when a guarded update finds the row no
	// longer at the step or status it was read with.
	ErrEnrollmentChanged = errors.New("sequence: enrollment changed concurrently")
)

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	StatusActive    EnrollmentStatus = "active"
	StatusCompleted EnrollmentStatus = "completed"
	StatusCancelled EnrollmentStatus = "cancelled"
)

// Step is one user-authored touch in a sequence. StepNumber starts at 1.
type Step struct {
	StepNumber      int              `json:"step_number" validate:"min=1"`
	DelayDays       int              `json:"delay_days" validate:"min=0"`
	Channel         followup.Channel `json:"channel" validate:"required"`
	MessageTemplate string           `json:"message_template"`
	Subject         string           `json:"subject,omitempty"`
}

// Sequence is an ordered list of steps.
type Sequence struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Sorted returns the steps ordered by step number.
func (s Sequence) Sorted() []Step {
	steps := make([]Step, len(s.Steps))
	copy(steps, s.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	return steps
}

// StepAt returns the step with the given number.
func (s Sequence) StepAt(number int) (Step, bool) {
	for _, st := range s.Steps {
		if st.StepNumber == number {
			return st, true
		}
	}
	return Step{}, false
}

// After returns the first step numbered above current.
func (s Sequence) After(current int) (Step, bool) {
	for _, st := range s.Sorted() {
		if st.StepNumber > current {
			return st, true
		}
	}
	return Step{}, false
}

// Enrollment is a lead's progress through one sequence.
type Enrollment struct {
	ID             uint                  `json:"id"`
	SequenceID     uint                  `json:"sequence_id"`
	LeadID         uint                  `json:"lead_id"`
	CurrentStep    int                   `json:"current_step"`
	Status         EnrollmentStatus      `json:"status"`
	NextActionDate *time.Time            `json:"next_action_date"`
	Lead           *followup.LeadProfile `json:"lead,omitempty"`
}

// EnrollmentUpdate is a partial write to an enrollment row.
type EnrollmentUpdate struct {
	CurrentStep       *int              `json:"current_step,omitempty"`
	Status            *EnrollmentStatus `json:"status,omitempty"`
	SetNextActionDate bool              `json:"set_next_action_date,omitempty"`
	NextActionDate    *time.Time        `json:"next_action_date,omitempty"`

	// ExpectStep and ExpectActive make the write conditional on the stored row.
	ExpectStep   *int `json:"-"`
	ExpectActive bool `json:"-"`
}

// Matches reports whether e still satisfies the update's guards.
func (u EnrollmentUpdate) Matches(e Enrollment) bool {
	if u.ExpectStep != nil && e.CurrentStep != *u.ExpectStep {
		return false
	}
	if u.ExpectActive && e.Status != StatusActive {
		return false
	}
	return true
}

// Apply returns e with the update applied.
func (u EnrollmentUpdate) Apply(e Enrollment) Enrollment {
	if u.CurrentStep != nil {
		e.CurrentStep = *u.CurrentStep
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.SetNextActionDate {
		if u.NextActionDate != nil {
			t := *u.NextActionDate
			e.NextActionDate = &t
		} else {
			e.NextActionDate = nil
		}
	}
	return e
}

// DueAction is an enrollment whose next touch is due, with its message
// rendered for the lead.
type DueAction struct {
	Enrollment Enrollment       `json:"enrollment"`
	Step       Step             `json:"step"`
	Channel    followup.Channel `json:"channel"`
	Subject    string           `json:"subject,omitempty"`
	Message    string           `json:"message"`
}
