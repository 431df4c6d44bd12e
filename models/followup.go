package models

import (
	"time"

	"gorm.io/gorm"
)

// FollowUpStatus is the task row: where a lead sits in the outreach cadence.
type FollowUpStatus struct {
	gorm.Model
	LeadID uint `gorm:"not null;uniqueIndex" json:"lead_id"`

	CurrentStepCode string     `gorm:"not null;default:'fu_0_intro'" json:"current_step_code"`
	Status          string     `gorm:"not null;default:'active';index" json:"status"` // active, replied, converted, lost, paused
	NextFollowUpAt  *time.Time `gorm:"index" json:"next_follow_up_at"`
	PausedUntil     *time.Time `json:"paused_until"`
	LastContactedAt *time.Time `json:"last_contacted_at"`

	// Counters, only ever moved forward by confirmed transitions
	ContactCount int `gorm:"default:0" json:"contact_count"`
	ReplyCount   int `gorm:"default:0" json:"reply_count"`

	PreferredChannel string `json:"preferred_channel"`
	DefaultChannel   string `gorm:"default:'email'" json:"default_channel"`

	// Relations
	Lead    Lead              `gorm:"foreignKey:LeadID" json:"lead"`
	History []FollowUpHistory `gorm:"foreignKey:StatusID" json:"history,omitempty"`
}

// FollowUpHistory is the append-only audit trail of contact attempts and
// status changes.
type FollowUpHistory struct {
	gorm.Model
	StatusID uint `gorm:"not null;index" json:"status_id"`
	LeadID   uint `gorm:"not null;index" json:"lead_id"`

	StepCode    string    `gorm:"not null" json:"step_code"`
	Outcome     string    `gorm:"not null" json:"outcome"`
	Channel     string    `json:"channel"`
	MessageSent string    `gorm:"type:text" json:"message_sent"`
	Notes       string    `gorm:"type:text" json:"notes"`
	ContactedAt time.Time `gorm:"not null;index" json:"contacted_at"`

	// Idempotency-Key of the request that wrote the row, when the client sent one
	RequestID *string `gorm:"uniqueIndex" json:"request_id,omitempty"`
}
