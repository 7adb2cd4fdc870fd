package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Demographics is the structured profile a researcher records for a panel member.
type Demographics struct {
	AgeRange   string `json:"age_range,omitempty"`
	Location   string `json:"location,omitempty"`
	Occupation string `json:"occupation,omitempty"`
}

// Respondent is a panel member. ParticipationCount, TotalIncentives and
// AvgSentiment are caches of the respondent's completed sessions and paid
// incentives; only the aggregate package writes them. SentimentCount and
// SentimentSum track the sentiment-bearing sub-population behind AvgSentiment.
type Respondent struct {
	ID                 string                           `gorm:"primaryKey;size:36"`
	UserID             string                           `gorm:"size:64;not null;uniqueIndex"`
	Name               string                           `gorm:"size:128;not null"`
	Demographics       datatypes.JSONType[Demographics] `gorm:"type:json"`
	BehaviorTags       datatypes.JSONSlice[string]      `gorm:"type:json"`
	ParticipationCount int64                            `gorm:"not null;default:0"`
	TotalIncentives    decimal.Decimal                  `gorm:"type:decimal(14,2);not null;default:0"`
	AvgSentiment       decimal.NullDecimal              `gorm:"type:decimal(5,4)"`
	SentimentCount     int64                            `gorm:"not null;default:0"`
	SentimentSum       decimal.Decimal                  `gorm:"type:decimal(16,4);not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RespondentStats is the aggregate portion of a Respondent.
type RespondentStats struct {
	ParticipationCount int64               `json:"participation_count"`
	TotalIncentives    decimal.Decimal     `json:"total_incentives"`
	AvgSentiment       decimal.NullDecimal `json:"avg_sentiment"`
	SentimentCount     int64               `json:"sentiment_count"`
	SentimentSum       decimal.Decimal     `json:"sentiment_sum"`
}

// Stats returns the cached aggregate fields.
func (r *Respondent) Stats() RespondentStats {
	return RespondentStats{
		ParticipationCount: r.ParticipationCount,
		TotalIncentives:    r.TotalIncentives,
		AvgSentiment:       r.AvgSentiment,
		SentimentCount:     r.SentimentCount,
		SentimentSum:       r.SentimentSum,
	}
}
