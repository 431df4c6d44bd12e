package models

import (
	"errors"

	"gorm.io/gorm"
)

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Lead{},
		&LeadTag{},
		&LeadCustomField{},
		&FollowUpStatus{},
		&FollowUpHistory{},
		&Sequence{},
		&SequenceStep{},
		&SequenceEnrollment{},
	}
}

// DefaultSequenceName is the sequence seeded on first migration.
const DefaultSequenceName = "Default nurture"

// CreateDefaultSequences seeds the stock nurture sequence if it is missing.
func CreateDefaultSequences(db *gorm.DB) error {
	defaults := []Sequence{
		{
			Name:        DefaultSequenceName,
			Description: "Three touches over ten days",
			Status:      "active",
			Steps: []SequenceStep{
				{StepNumber: 1, DelayDays: 0, Channel: "email", Subject: "Quick intro, {{first_name}}", MessageTemplate: "Hi {{first_name}}, I work with teams like {{company}}."},
				{StepNumber: 2, DelayDays: 3, Channel: "email", Subject: "Re: Quick intro", MessageTemplate: "Following up on my last note, {{first_name}}."},
				{StepNumber: 3, DelayDays: 7, Channel: "call", MessageTemplate: "Call {{full_name}} at {{phone}}"},
			},
		},
	}
	for _, seq := range defaults {
		var existing Sequence
		err := db.Where("name = ?", seq.Name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Create(&seq).Error; err != nil {
			return err
		}
	}
	return nil
}
