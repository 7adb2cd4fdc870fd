package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Incentive statuses. pending -> paid only.
const (
	IncentivePending = "pending"
	IncentivePaid    = "paid"
)

// Incentive is the payment owed for one completed session.
type Incentive struct {
	ID           string          `gorm:"primaryKey;size:36"`
	RespondentID string          `gorm:"size:36;not null;index"`
	SessionID    string          `gorm:"size:36;not null;uniqueIndex"`
	Amount       decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Currency     string          `gorm:"size:3;not null;default:USD"`
	Status       string          `gorm:"size:16;not null;default:pending;index"`
	PaidAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
