package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository is the engine's only path to the remote store.
type Repository interface {
	// FetchDueTasks returns active tasks with a next follow-up on or before asOf.
	FetchDueTasks(ctx context.Context, asOf time.Time) ([]Task, error)
	FetchStatsRaw(ctx context.Context) ([]StatsRow, error)
	CountTasks(ctx context.Context, now time.Time) (TaskCounts, error)
	UpdateTaskStatus(ctx context.Context, statusID uint, update TaskUpdate) error
	InsertHistory(ctx context.Context, entry HistoryEntry) error
}

// TaskUpdate is a partial update of a task row. Nil pointers leave the column
// untouched; the Set* flags allow writing null into nullable columns.
type TaskUpdate struct {
	StepCode        *StepCode
	Status          *Status
	SetNextFollowUp bool
	NextFollowUpAt  *time.Time
	SetPausedUntil  bool
	PausedUntil     *time.Time
	ContactCount    *int
	ReplyCount      *int
	LastContactedAt *time.Time
}

// Task column names shared by the repository adapters.
const (
	ColumnStepCode        = "current_step_code"
	ColumnStatus          = "status"
	ColumnNextFollowUpAt  = "next_follow_up_at"
	ColumnPausedUntil     = "paused_until"
	ColumnContactCount    = "contact_count"
	ColumnReplyCount      = "reply_count"
	ColumnLastContactedAt = "last_contacted_at"
)

// Columns renders the update as a column map, the shape gorm's Updates and the
// HTTP PATCH body both take.
func (u TaskUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.StepCode != nil {
		cols[ColumnStepCode] = string(*u.StepCode)
	}
	if u.Status != nil {
		cols[ColumnStatus] = string(*u.Status)
	}
	if u.SetNextFollowUp {
		cols[ColumnNextFollowUpAt] = u.NextFollowUpAt
	}
	if u.SetPausedUntil {
		cols[ColumnPausedUntil] = u.PausedUntil
	}
	if u.ContactCount != nil {
		cols[ColumnContactCount] = *u.ContactCount
	}
	if u.ReplyCount != nil {
		cols[ColumnReplyCount] = *u.ReplyCount
	}
	if u.LastContactedAt != nil {
		cols[ColumnLastContactedAt] = *u.LastContactedAt
	}
	return cols
}

// Apply returns t with the update applied.
func (u TaskUpdate) Apply(t Task) Task {
	t = t.clone()
	if u.StepCode != nil {
		t.CurrentStepCode = *u.StepCode
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.SetNextFollowUp {
		t.NextFollowUpAt = copyTime(u.NextFollowUpAt)
	}
	if u.SetPausedUntil {
		t.PausedUntil = copyTime(u.PausedUntil)
	}
	if u.ContactCount != nil {
		t.ContactCount = *u.ContactCount
	}
	if u.ReplyCount != nil {
		t.ReplyCount = *u.ReplyCount
	}
	if u.LastContactedAt != nil {
		t.LastContactedAt = copyTime(u.LastContactedAt)
	}
	return t
}

// ParseColumns is the inverse of Columns for a decoded JSON body. Columns
// outside the task whitelist are rejected.
func ParseColumns(body map[string]json.RawMessage) (TaskUpdate, error) {
	var u TaskUpdate
	for col, raw := range body {
		var err error
		switch col {
		case ColumnStepCode:
			var code StepCode
			if err = json.Unmarshal(raw, &code); err == nil {
				if _, err = PhaseOf(code); err == nil {
					u.StepCode = &code
				}
			}
		case ColumnStatus:
			var status Status
			if err = json.Unmarshal(raw, &status); err == nil {
				if !status.Valid() {
					err = fmt.Errorf("unknown status %q", status)
				}
				u.Status = &status
			}
		case ColumnNextFollowUpAt:
			u.SetNextFollowUp = true
			err = json.Unmarshal(raw, &u.NextFollowUpAt)
		case ColumnPausedUntil:
			u.SetPausedUntil = true
			err = json.Unmarshal(raw, &u.PausedUntil)
		case ColumnContactCount:
			err = json.Unmarshal(raw, &u.ContactCount)
		case ColumnReplyCount:
			err = json.Unmarshal(raw, &u.ReplyCount)
		case ColumnLastContactedAt:
			err = json.Unmarshal(raw, &u.LastContactedAt)
		default:
			err = errors.New("column not writable")
		}
		if err != nil {
			return TaskUpdate{}, fmt.Errorf("%s: %w", col, err)
		}
	}
	return u, nil
}
