package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Session statuses. completed and abandoned are terminal.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionAbandoned = "abandoned"
)

// Turn is one message in an interview transcript.
type Turn struct {
	Role      string    `json:"role"` // "assistant" or "user"
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one respondent's run through a template. Summary,
// SentimentScore, KeyThemes, CompletedAt and DurationSeconds stay nil while
// the session is active. Version increments on every write and guards
// transcript appends.
type Session struct {
	ID              string                      `gorm:"primaryKey;size:36"`
	TemplateID      string                      `gorm:"size:36;not null;index"`
	RespondentID    string                      `gorm:"size:36;not null;index:idx_session_respondent_status"`
	Status          string                      `gorm:"size:16;not null;default:active;index:idx_session_respondent_status"`
	Version         int                         `gorm:"not null;default:0"`
	Transcript      datatypes.JSONSlice[Turn]   `gorm:"type:json"`
	Summary         *string                     `gorm:"type:text"`
	SentimentScore  decimal.NullDecimal         `gorm:"type:decimal(5,4)"`
	KeyThemes       datatypes.JSONSlice[string] `gorm:"type:json"`
	StartedAt       time.Time                   `gorm:"not null"`
	CompletedAt     *time.Time
	DurationSeconds *int64
	UpdatedAt       time.Time
}
