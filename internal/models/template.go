package models

import (
	"time"

	"gorm.io/datatypes"
)

// Template is a researcher-defined interview script. Immutable to the core.
type Template struct {
	ID               string                      `gorm:"primaryKey;size:36"`
	ResearcherID     string                      `gorm:"size:64;not null;index"`
	Title            string                      `gorm:"size:256;not null"`
	Topic            *string                     `gorm:"size:256"`
	StarterQuestions datatypes.JSONSlice[string] `gorm:"type:json"`
	CreatedAt        time.Time
}
