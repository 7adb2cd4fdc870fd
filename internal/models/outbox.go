package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outbox delivery statuses.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
)

// OutboxEvent is a domain event written in the same transaction as the
// transition that produced it. There is at most one event per
// (EntityID, Kind). Value carries the sentiment or the paid amount.
type OutboxEvent struct {
	ID            uint                `gorm:"primaryKey;autoIncrement"`
	Kind          string              `gorm:"size:48;not null;uniqueIndex:idx_outbox_entity_kind"`
	EntityID      string              `gorm:"size:36;not null;uniqueIndex:idx_outbox_entity_kind"`
	RespondentID  string              `gorm:"size:36;not null;index"`
	Value         decimal.NullDecimal `gorm:"type:decimal(16,4)"`
	Status        string              `gorm:"size:16;not null;default:pending;index:idx_outbox_due"`
	Attempts      int                 `gorm:"not null;default:0"`
	NextAttemptAt time.Time           `gorm:"index:idx_outbox_due"`
	LastError     string              `gorm:"type:text"`
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// AppliedEvent records that the aggregate already absorbed one transition
// of one entity. Its primary key is the idempotency key.
type AppliedEvent struct {
	EntityID     string `gorm:"primaryKey;size:36"`
	Transition   string `gorm:"primaryKey;size:48"`
	RespondentID string `gorm:"size:36;not null;index"`
	AppliedAt    time.Time
}
