package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"leadflow/followup"
	"leadflow/models"
	"leadflow/sequence"
)

// SequenceRepository serves sequences and enrollments from gorm.
type SequenceRepository struct {
	DB *gorm.DB
}

func NewSequenceRepository(db *gorm.DB) *SequenceRepository {
	return &SequenceRepository{DB: db}
}

func (r *SequenceRepository) GetSequence(ctx context.Context, id uint) (sequence.Sequence, error) {
	var row models.Sequence
	err := r.DB.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sequence.Sequence{}, fmt.Errorf("sequence %d: %w", id, sequence.ErrNotFound)
	}
	if err != nil {
		return sequence.Sequence{}, fmt.Errorf("load sequence %d: %w", id, err)
	}
	return toSequence(row), nil
}

// CreateSequence stores a sequence with its steps.
func (r *SequenceRepository) CreateSequence(ctx context.Context, seq sequence.Sequence) (sequence.Sequence, error) {
	row := models.Sequence{Name: seq.Name, Status: "active"}
	for _, st := range seq.Steps {
		row.Steps = append(row.Steps, models.SequenceStep{
			StepNumber:      st.StepNumber,
			DelayDays:       st.DelayDays,
			Channel:         string(st.Channel),
			Subject:         st.Subject,
			MessageTemplate: st.MessageTemplate,
		})
	}
	if err := r.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return sequence.Sequence{}, fmt.Errorf("create sequence: %w", err)
	}
	return toSequence(row), nil
}

// CreateEnrollment inserts the enrollment unless the lead is already in the
// sequence, in any status.
func (r *SequenceRepository) CreateEnrollment(ctx context.Context, e sequence.Enrollment) (sequence.Enrollment, error) {
	row := models.SequenceEnrollment{
		SequenceID:     e.SequenceID,
		LeadID:         e.LeadID,
		CurrentStep:    e.CurrentStep,
		Status:         string(e.Status),
		NextActionDate: e.NextActionDate,
	}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.SequenceEnrollment{}).
			Where("sequence_id = ? AND lead_id = ?", e.SequenceID, e.LeadID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return sequence.ErrAlreadyEnrolled
		}
		return tx.Create(&row).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = sequence.ErrAlreadyEnrolled
	}
	if err != nil {
		return sequence.Enrollment{}, fmt.Errorf("create enrollment: %w", err)
	}
	return toEnrollment(row), nil
}

func (r *SequenceRepository) GetEnrollment(ctx context.Context, id uint) (sequence.Enrollment, error) {
	var row models.SequenceEnrollment
	err := r.DB.WithContext(ctx).Preload("Lead.CustomFields").First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sequence.Enrollment{}, fmt.Errorf("enrollment %d: %w", id, sequence.ErrNotFound)
	}
	if err != nil {
		return sequence.Enrollment{}, fmt.Errorf("load enrollment %d: %w", id, err)
	}
	return toEnrollment(row), nil
}

func (r *SequenceRepository) UpdateEnrollment(ctx context.Context, id uint, u sequence.EnrollmentUpdate) error {
	cols := map[string]interface{}{}
	if u.CurrentStep != nil {
		cols["current_step"] = *u.CurrentStep
	}
	if u.Status != nil {
		cols["status"] = string(*u.Status)
	}
	if u.SetNextActionDate {
		cols["next_action_date"] = u.NextActionDate
	}
	if len(cols) == 0 {
		return nil
	}
	q := r.DB.WithContext(ctx).Model(&models.SequenceEnrollment{}).Where("id = ?", id)
	if u.ExpectStep != nil {
		q = q.Where("current_step = ?", *u.ExpectStep)
	}
	if u.ExpectActive {
		q = q.Where("status = ?", string(sequence.StatusActive))
	}
	res := q.Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("update enrollment %d: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.DB.WithContext(ctx).Model(&models.SequenceEnrollment{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check enrollment %d: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("enrollment %d: %w", id, sequence.ErrNotFound)
	}
	return fmt.Errorf("enrollment %d: %w", id, sequence.ErrEnrollmentChanged)
}

func (r *SequenceRepository) FetchDueEnrollments(ctx context.Context, asOf time.Time) ([]sequence.Enrollment, error) {
	var rows []models.SequenceEnrollment
	err := r.DB.WithContext(ctx).
		Preload("Lead.CustomFields").
		Where("status = ? AND next_action_date IS NOT NULL AND next_action_date <= ?", string(sequence.StatusActive), asOf).
		Order("next_action_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query due enrollments: %w", err)
	}
	out := make([]sequence.Enrollment, 0, len(rows))
	for _, row := range rows {
		out = append(out, toEnrollment(row))
	}
	return out, nil
}

func toSequence(row models.Sequence) sequence.Sequence {
	seq := sequence.Sequence{ID: row.ID, Name: row.Name}
	for _, st := range row.Steps {
		seq.Steps = append(seq.Steps, sequence.Step{
			StepNumber:      st.StepNumber,
			DelayDays:       st.DelayDays,
			Channel:         followup.Channel(st.Channel),
			Subject:         st.Subject,
			MessageTemplate: st.MessageTemplate,
		})
	}
	return seq
}

func toEnrollment(row models.SequenceEnrollment) sequence.Enrollment {
	e := sequence.Enrollment{
		ID:             row.ID,
		SequenceID:     row.SequenceID,
		LeadID:         row.LeadID,
		CurrentStep:    row.CurrentStep,
		Status:         sequence.EnrollmentStatus(row.Status),
		NextActionDate: row.NextActionDate,
	}
	if row.Lead.ID != 0 {
		lead := ToLeadProfile(row.Lead)
		e.Lead = &lead
	}
	return e
}
