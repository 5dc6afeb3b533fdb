package models

import (
	"time"
)

type ProjectStatus string

const (
	ProjectStatusPlanned   ProjectStatus = "Planned"
	ProjectStatusActive    ProjectStatus = "Active"
	ProjectStatusOnHold    ProjectStatus = "OnHold"
	ProjectStatusCompleted ProjectStatus = "Completed"
)

// Project is the parent entity kind. Rows originate in the external
// system-of-record and are only ever written by the sync engine.
type Project struct {
	ID                 int            `gorm:"primary_key" json:"id"`
	ExternalId         string         `gorm:"uniqueIndex;size:128;not null" json:"external_id"`
	Name               string         `gorm:"size:255;not null" json:"name"`
	Status             ProjectStatus  `gorm:"size:20;default:'Planned'" json:"status"`
	StartDate          *time.Time     `json:"start_date"`
	ExternalModifiedAt *time.Time     `gorm:"index" json:"external_modified_at"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
