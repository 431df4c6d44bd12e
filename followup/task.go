package followup

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a follow-up task row.
type Status string

const (
	StatusActive    Status = "active"
	StatusReplied   Status = "replied"
	StatusConverted Status = "converted"
	StatusLost      Status = "lost"
	StatusPaused    Status = "paused"
)

// Closed reports whether the status ends the cadence for good.
func (s Status) Closed() bool {
	return s == StatusReplied || s == StatusConverted || s == StatusLost
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusReplied, StatusConverted, StatusLost, StatusPaused:
		return true
	}
	return false
}

// Outcome is what the user recorded after contacting a lead.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeNoAnswer         Outcome = "no_answer"
	OutcomeReplied          Outcome = "replied"
	OutcomeInterested       Outcome = "interested"
	OutcomeMeetingScheduled Outcome = "meeting_scheduled"
	OutcomeNotInterested    Outcome = "not_interested"
	OutcomeConverted        Outcome = "converted"
	OutcomeLost             Outcome = "lost"
)

func (o Outcome) isReply() bool {
	return o == OutcomeReplied || o == OutcomeInterested || o == OutcomeMeetingScheduled
}

// Channel is the medium used to reach a lead.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelCall     Channel = "call"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelLinkedIn Channel = "linkedin"
)

// LeadProfile is the subset of a lead record the engine needs for rendering messages.
type LeadProfile struct {
	ID           uint              `json:"id"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Email        string            `json:"email"`
	Phone        string            `json:"phone"`
	Company      string            `json:"company"`
	Position     string            `json:"position"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// Task is one row per (lead, active cadence).
type Task struct {
	StatusID         uint        `json:"status_id"`
	LeadID           uint        `json:"lead_id"`
	Lead             LeadProfile `json:"lead"`
	CurrentStepCode  StepCode    `json:"current_step_code"`
	Status           Status      `json:"status"`
	NextFollowUpAt   *time.Time  `json:"next_follow_up_at"`
	PausedUntil      *time.Time  `json:"paused_until"`
	LastContactedAt  *time.Time  `json:"last_contacted_at"`
	ContactCount     int         `json:"contact_count"`
	ReplyCount       int         `json:"reply_count"`
	PreferredChannel Channel     `json:"preferred_channel,omitempty"`
	DefaultChannel   Channel     `json:"default_channel"`

	// Derived at read time, never persisted.
	Phase       Phase   `json:"phase,omitempty"`
	Urgency     Urgency `json:"urgency,omitempty"`
	DaysOverdue int     `json:"days_overdue"`
}

// Channel returns the preferred channel when set, the default otherwise.
func (t Task) Channel() Channel {
	if t.PreferredChannel != "" {
		return t.PreferredChannel
	}
	return t.DefaultChannel
}

// Validate checks the due-date invariant: NextFollowUpAt is null exactly when the
// task is closed or paused, and a paused task carries its resume time.
func (t Task) Validate() error {
	if !t.Status.Valid() {
		return fmt.Errorf("task %d: invalid status %q", t.StatusID, t.Status)
	}
	needsDue := t.Status == StatusActive
	if needsDue && t.NextFollowUpAt == nil {
		return fmt.Errorf("task %d: active task without next follow-up", t.StatusID)
	}
	if !needsDue && t.NextFollowUpAt != nil {
		return fmt.Errorf("task %d: %s task must not have a next follow-up", t.StatusID, t.Status)
	}
	if t.Status == StatusPaused && t.PausedUntil == nil {
		return fmt.Errorf("task %d: paused task without resume time", t.StatusID)
	}
	return nil
}

// derive fills the read-time fields from the catalog and the clock.
func (t Task) derive(now time.Time) Task {
	if phase, err := PhaseOf(t.CurrentStepCode); err == nil {
		t.Phase = phase
	}
	t.Urgency, t.DaysOverdue = "", 0
	if t.NextFollowUpAt != nil {
		t.Urgency, t.DaysOverdue = ClassifyUrgency(*t.NextFollowUpAt, now)
	}
	return t
}

func (t Task) clone() Task {
	t.NextFollowUpAt = copyTime(t.NextFollowUpAt)
	t.PausedUntil = copyTime(t.PausedUntil)
	t.LastContactedAt = copyTime(t.LastContactedAt)
	if t.Lead.CustomFields != nil {
		fields := make(map[string]string, len(t.Lead.CustomFields))
		for k, v := range t.Lead.CustomFields {
			fields[k] = v
		}
		t.Lead.CustomFields = fields
	}
	return t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// HistoryEntry is one appended audit record of a contact attempt or status change.
type HistoryEntry struct {
	StatusID    uint      `json:"status_id" validate:"required"`
	LeadID      uint      `json:"lead_id" validate:"required"`
	StepCode    StepCode  `json:"step_code" validate:"required"`
	Outcome     Outcome   `json:"outcome" validate:"required"`
	Channel     Channel   `json:"channel"`
	MessageSent string    `json:"message_sent,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	ContactedAt time.Time `json:"contacted_at" validate:"required"`
}
