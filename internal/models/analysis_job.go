package models

import "time"

// Analysis job statuses.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed" // gave up after max attempts
)

// AnalysisJob queues a transcript analysis retry for a session that was
// completed while the analyzer was unavailable.
type AnalysisJob struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	SessionID     string    `gorm:"size:36;not null;uniqueIndex"`
	Status        string    `gorm:"size:16;not null;default:pending;index:idx_job_due"`
	Attempts      int       `gorm:"not null;default:0"`
	NextAttemptAt time.Time `gorm:"index:idx_job_due"`
	LastError     string    `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}
