package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact/lead
type Lead struct {
	gorm.Model

	Email     string `gorm:"index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`

	// Status
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	CustomFields []LeadCustomField `gorm:"foreignKey:LeadID" json:"custom_fields,omitempty"`
	LeadTags     []LeadTag         `gorm:"foreignKey:LeadID" json:"tags,omitempty"`
}

// LeadTag represents tags for leads (normalized)
type LeadTag struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Tag    string `gorm:"not null;index" json:"tag"`
}

// LeadCustomField represents custom fields for leads. They double as message
// template placeholders.
type LeadCustomField struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Name   string `gorm:"not null;index" json:"name"`
	Value  string `gorm:"type:text" json:"value"`
}
