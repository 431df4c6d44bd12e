package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"leadflow/followup"
)

// Repository is the persistence boundary for sequences and enrollments.
// CreateEnrollment returns ErrAlreadyEnrolled on a duplicate (sequence, lead).
type Repository interface {
	GetSequence(ctx context.Context, id uint) (Sequence, error)
	CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
	GetEnrollment(ctx context.Context, id uint) (Enrollment, error)
	UpdateEnrollment(ctx context.Context, id uint, u EnrollmentUpdate) error
	FetchDueEnrollments(ctx context.Context, asOf time.Time) ([]Enrollment, error)
}

// Manager enrolls leads in sequences and walks them through the steps.
type Manager struct {
	repo   Repository
	now    func() time.Time
	logger *logrus.Entry
}

type ManagerOption func(*Manager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func WithManagerLogger(logger *logrus.Entry) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(repo Repository, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:   repo,
		now:    time.Now,
		logger: logrus.WithField("component", "sequence_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enroll starts the lead at the first step, due after that step's delay.
func (m *Manager) Enroll(ctx context.Context, leadID, sequenceID uint) (Enrollment, error) {
	seq, err := m.repo.GetSequence(ctx, sequenceID)
	if err != nil {
		return Enrollment{}, fmt.Errorf("enroll lead %d: %w", leadID, err)
	}
	steps := seq.Sorted()
	if len(steps) == 0 {
		return Enrollment{}, fmt.Errorf("enroll lead %d in sequence %d: %w", leadID, sequenceID, ErrEmptySequence)
	}
	first := steps[0]
	due := m.now().AddDate(0, 0, first.DelayDays)

	created, err := m.repo.CreateEnrollment(ctx, Enrollment{
		SequenceID:     sequenceID,
		LeadID:         leadID,
		CurrentStep:    first.StepNumber,
		Status:         StatusActive,
		NextActionDate: &due,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("enroll lead %d in sequence %d: %w", leadID, sequenceID, err)
	}
	m.logger.WithFields(logrus.Fields{
		"enrollment_id": created.ID,
		"lead_id":       leadID,
		"sequence_id":   sequenceID,
	}).Info("lead enrolled")
	return created, nil
}

// Advance moves the enrollment to its next step, or completes it when the
// current step was the last one.
func (m *Manager) Advance(ctx context.Context, enrollmentID uint) (Enrollment, error) {
	enr, err := m.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Enrollment{}, fmt.Errorf("advance enrollment %d: %w", enrollmentID, err)
	}
	if enr.Status != StatusActive {
		return Enrollment{}, fmt.Errorf("advance enrollment %d (%s): %w", enrollmentID, enr.Status, ErrEnrollmentClosed)
	}
	seq, err := m.repo.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		return Enrollment{}, fmt.Errorf("advance enrollment %d: %w", enrollmentID, err)
	}

	// guarded so two concurrent advances cannot both move from the same step
	update := EnrollmentUpdate{ExpectStep: &enr.CurrentStep, ExpectActive: true}
	if next, ok := seq.After(enr.CurrentStep); ok {
		due := m.now().AddDate(0, 0, next.DelayDays)
		update.CurrentStep = &next.StepNumber
		update.SetNextActionDate = true
		update.NextActionDate = &due
	} else {
		completed := StatusCompleted
		update.Status = &completed
		update.SetNextActionDate = true
	}

	if err := m.repo.UpdateEnrollment(ctx, enrollmentID, update); err != nil {
		return Enrollment{}, fmt.Errorf("advance enrollment %d: %w", enrollmentID, err)
	}
	return update.Apply(enr), nil
}

// Cancel stops an active enrollment.
func (m *Manager) Cancel(ctx context.Context, enrollmentID uint) (Enrollment, error) {
	enr, err := m.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Enrollment{}, fmt.Errorf("cancel enrollment %d: %w", enrollmentID, err)
	}
	if enr.Status != StatusActive {
		return Enrollment{}, fmt.Errorf("cancel enrollment %d (%s): %w", enrollmentID, enr.Status, ErrEnrollmentClosed)
	}
	cancelled := StatusCancelled
	update := EnrollmentUpdate{Status: &cancelled, SetNextActionDate: true, ExpectActive: true}
	if err := m.repo.UpdateEnrollment(ctx, enrollmentID, update); err != nil {
		return Enrollment{}, fmt.Errorf("cancel enrollment %d: %w", enrollmentID, err)
	}
	return update.Apply(enr), nil
}

// DueToday lists active enrollments due on or before today's calendar date
// with the current step's message rendered for each lead.
func (m *Manager) DueToday(ctx context.Context) ([]DueAction, error) {
	now := m.now()
	rows, err := m.repo.FetchDueEnrollments(ctx, followup.EndOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("fetch due enrollments: %w", err)
	}

	sequences := map[uint]Sequence{}
	out := make([]DueAction, 0, len(rows))
	for _, enr := range rows {
		if enr.Status != StatusActive || enr.NextActionDate == nil || !followup.DueByToday(*enr.NextActionDate, now) {
			continue
		}
		seq, ok := sequences[enr.SequenceID]
		if !ok {
			seq, err = m.repo.GetSequence(ctx, enr.SequenceID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					m.logger.WithField("enrollment_id", enr.ID).Warn("due enrollment references a missing sequence")
					continue
				}
				return nil, fmt.Errorf("load sequence %d: %w", enr.SequenceID, err)
			}
			sequences[enr.SequenceID] = seq
		}
		step, ok := seq.StepAt(enr.CurrentStep)
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"enrollment_id": enr.ID,
				"current_step":  enr.CurrentStep,
			}).Warn("due enrollment points past the sequence steps")
			continue
		}

		vars := followup.TemplateVars{}
		if enr.Lead != nil {
			vars = enr.Lead.Vars()
		}
		out = append(out, DueAction{
			Enrollment: enr,
			Step:       step,
			Channel:    step.Channel,
			Subject:    followup.Render(step.Subject, vars),
			Message:    followup.Render(step.MessageTemplate, vars),
		})
	}
	return out, nil
}
