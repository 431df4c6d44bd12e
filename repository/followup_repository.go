package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"leadflow/followup"
	"leadflow/models"
)

var (
	// ErrRowNotFound is returned when a write targets a row that does not exist.
	ErrRowNotFound = errors.New("repository: row not found")
	// ErrCadenceStarted is returned when the lead already has a task row.
	ErrCadenceStarted = errors.New("repository: lead already has a follow-up task")
)

// FollowUpRepository serves follow-up task rows and their history from gorm.
type FollowUpRepository struct {
	DB *gorm.DB
}

func NewFollowUpRepository(db *gorm.DB) *FollowUpRepository {
	return &FollowUpRepository{DB: db}
}

func (r *FollowUpRepository) FetchDueTasks(ctx context.Context, asOf time.Time) ([]followup.Task, error) {
	var rows []models.FollowUpStatus
	err := r.DB.WithContext(ctx).
		Preload("Lead.CustomFields").
		Where("status = ? AND next_follow_up_at IS NOT NULL AND next_follow_up_at <= ?", string(followup.StatusActive), asOf).
		Order("next_follow_up_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}

	tasks := make([]followup.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, ToTask(row))
	}
	return tasks, nil
}

// GetTask loads one task row by its status id.
func (r *FollowUpRepository) GetTask(ctx context.Context, statusID uint) (followup.Task, error) {
	var row models.FollowUpStatus
	err := r.DB.WithContext(ctx).Preload("Lead.CustomFields").First(&row, statusID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return followup.Task{}, fmt.Errorf("task %d: %w", statusID, ErrRowNotFound)
	}
	if err != nil {
		return followup.Task{}, fmt.Errorf("load task %d: %w", statusID, err)
	}
	return ToTask(row), nil
}

// StartCadence creates the task row for a lead at the first step of the
// cadence, due at the given time. A lead has at most one task row.
func (r *FollowUpRepository) StartCadence(ctx context.Context, leadID uint, channel followup.Channel, due time.Time) (followup.Task, error) {
	row := models.FollowUpStatus{
		LeadID:           leadID,
		CurrentStepCode:  string(followup.StepIntro),
		Status:           string(followup.StatusActive),
		NextFollowUpAt:   &due,
		PreferredChannel: string(channel),
	}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lead models.Lead
		if err := tx.First(&lead, leadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("lead %d: %w", leadID, ErrRowNotFound)
			}
			return err
		}
		var existing int64
		if err := tx.Model(&models.FollowUpStatus{}).Where("lead_id = ?", leadID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("lead %d: %w", leadID, ErrCadenceStarted)
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("lead %d: %w", leadID, ErrCadenceStarted)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return followup.Task{}, err
	}
	return r.GetTask(ctx, row.ID)
}

func (r *FollowUpRepository) FetchStatsRaw(ctx context.Context) ([]followup.StatsRow, error) {
	var rows []followup.StatsRow
	err := r.DB.WithContext(ctx).
		Model(&models.FollowUpStatus{}).
		Select("status, contact_count, reply_count").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query stats rows: %w", err)
	}
	return rows, nil
}

// CountTasks buckets active tasks by the calendar day of now.
func (r *FollowUpRepository) CountTasks(ctx context.Context, now time.Time) (followup.TaskCounts, error) {
	start, end := followup.StartOfDay(now), followup.EndOfDay(now)
	active := func() *gorm.DB {
		return r.DB.WithContext(ctx).Model(&models.FollowUpStatus{}).Where("status = ?", string(followup.StatusActive))
	}

	var counts followup.TaskCounts
	queries := []struct {
		dst  *int64
		name string
		q    *gorm.DB
	}{
		{&counts.Active, "active", active()},
		{&counts.Overdue, "overdue", active().Where("next_follow_up_at < ?", start)},
		{&counts.Today, "today", active().Where("next_follow_up_at >= ? AND next_follow_up_at <= ?", start, end)},
		{&counts.Upcoming, "upcoming", active().Where("next_follow_up_at > ?", end)},
	}
	for _, q := range queries {
		if err := q.q.Count(q.dst).Error; err != nil {
			return followup.TaskCounts{}, fmt.Errorf("count %s tasks: %w", q.name, err)
		}
	}
	return counts, nil
}

func (r *FollowUpRepository) UpdateTaskStatus(ctx context.Context, statusID uint, update followup.TaskUpdate) error {
	cols := update.Columns()
	if len(cols) == 0 {
		return nil
	}
	res := r.DB.WithContext(ctx).
		Model(&models.FollowUpStatus{}).
		Where("id = ?", statusID).
		Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("update task %d: %w", statusID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update task %d: %w", statusID, ErrRowNotFound)
	}
	return nil
}

func (r *FollowUpRepository) InsertHistory(ctx context.Context, entry followup.HistoryEntry) error {
	_, err := r.InsertHistoryOnce(ctx, entry, "")
	return err
}

// InsertHistoryOnce appends a history row. A non-empty requestID makes the
// write idempotent: a second insert with the same id is reported as a
// duplicate and leaves the table untouched.
func (r *FollowUpRepository) InsertHistoryOnce(ctx context.Context, entry followup.HistoryEntry, requestID string) (bool, error) {
	row := models.FollowUpHistory{
		StatusID:    entry.StatusID,
		LeadID:      entry.LeadID,
		StepCode:    string(entry.StepCode),
		Outcome:     string(entry.Outcome),
		Channel:     string(entry.Channel),
		MessageSent: entry.MessageSent,
		Notes:       entry.Notes,
		ContactedAt: entry.ContactedAt,
	}
	if requestID != "" {
		var existing int64
		if err := r.DB.WithContext(ctx).Model(&models.FollowUpHistory{}).
			Where("request_id = ?", requestID).
			Count(&existing).Error; err != nil {
			return false, fmt.Errorf("check history request %s: %w", requestID, err)
		}
		if existing > 0 {
			return true, nil
		}
		row.RequestID = &requestID
	}
	err := r.DB.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert history for task %d: %w", entry.StatusID, err)
	}
	return false, nil
}

// Drift is a history entry recorded after the last write to its task row,
// the trace of a transition whose status update never landed.
type Drift struct {
	HistoryID       uint      `json:"history_id"`
	StatusID        uint      `json:"status_id"`
	LeadID          uint      `json:"lead_id"`
	Outcome         string    `json:"outcome"`
	RecordedAt      time.Time `json:"recorded_at"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`
}

// FindDrift lists history entries newer than their task row, created at or
// after since.
func (r *FollowUpRepository) FindDrift(ctx context.Context, since time.Time) ([]Drift, error) {
	var rows []Drift
	err := r.DB.WithContext(ctx).
		Table("follow_up_histories AS h").
		Select("h.id AS history_id, h.status_id, h.lead_id, h.outcome, h.created_at AS recorded_at, s.updated_at AS status_updated_at").
		Joins("JOIN follow_up_statuses AS s ON s.id = h.status_id").
		Where("h.deleted_at IS NULL AND h.created_at >= ? AND h.created_at > s.updated_at", since).
		Order("h.created_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query drift: %w", err)
	}
	return rows, nil
}

// ToTask maps a task row onto the engine's Task.
func ToTask(row models.FollowUpStatus) followup.Task {
	return followup.Task{
		StatusID:         row.ID,
		LeadID:           row.LeadID,
		Lead:             ToLeadProfile(row.Lead),
		CurrentStepCode:  followup.StepCode(row.CurrentStepCode),
		Status:           followup.Status(row.Status),
		NextFollowUpAt:   row.NextFollowUpAt,
		PausedUntil:      row.PausedUntil,
		LastContactedAt:  row.LastContactedAt,
		ContactCount:     row.ContactCount,
		ReplyCount:       row.ReplyCount,
		PreferredChannel: followup.Channel(row.PreferredChannel),
		DefaultChannel:   followup.Channel(row.DefaultChannel),
	}
}

func ToLeadProfile(lead models.Lead) followup.LeadProfile {
	p := followup.LeadProfile{
		ID:        lead.ID,
		FirstName: lead.FirstName,
		LastName:  lead.LastName,
		Email:     lead.Email,
		Phone:     lead.Phone,
		Company:   lead.Company,
		Position:  lead.Position,
	}
	if len(lead.CustomFields) > 0 {
		p.CustomFields = make(map[string]string, len(lead.CustomFields))
		for _, f := range lead.CustomFields {
			p.CustomFields[f.Name] = f.Value
		}
	}
	return p
}
