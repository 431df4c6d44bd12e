package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence represents a user-authored multi-step cadence
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'active'" json:"status"` // draft, active, paused

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents steps in a sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepNumber      int    `gorm:"not null" json:"step_number"`
	DelayDays       int    `gorm:"not null" json:"delay_days"`
	Channel         string `gorm:"not null;default:'email'" json:"channel"`
	Subject         string `json:"subject"`
	MessageTemplate string `gorm:"type:text" json:"message_template"`

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`
}

// SequenceEnrollment tracks one lead's progress through a sequence. A lead can
// be enrolled in a given sequence only once.
type SequenceEnrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_enrollment_sequence_lead" json:"sequence_id"`
	LeadID     uint `gorm:"not null;uniqueIndex:idx_enrollment_sequence_lead" json:"lead_id"`

	CurrentStep    int        `gorm:"not null;default:1" json:"current_step"`
	Status         string     `gorm:"not null;default:'active';index" json:"status"` // active, completed, cancelled
	NextActionDate *time.Time `gorm:"index" json:"next_action_date"`

	// Relations
	Sequence Sequence `gorm:"foreignKey:SequenceID" json:"-"`
	Lead     Lead     `gorm:"foreignKey:LeadID" json:"lead"`
}
