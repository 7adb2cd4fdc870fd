package db

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/panelyard/internal/config"
	"github.com/zulandar/panelyard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Template{},
		&models.Respondent{},
		&models.Session{},
		&models.Incentive{},
		&models.OutboxEvent{},
		&models.AppliedEvent{},
		&models.AnalysisJob{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedTemplates upserts Template rows from configuration. Templates without
// an explicit id get a fresh UUID on every run.
func SeedTemplates(db *gorm.DB, seeds []config.TemplateSeed) error {
	for _, ts := range seeds {
		id := ts.ID
		if id == "" {
			id = uuid.NewString()
		}
		tmpl := models.Template{
			ID:               id,
			ResearcherID:     ts.ResearcherID,
			Title:            ts.Title,
			StarterQuestions: datatypes.JSONSlice[string](ts.StarterQuestions),
		}
		if ts.Topic != "" {
			topic := ts.Topic
			tmpl.Topic = &topic
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"researcher_id", "title", "topic", "starter_questions"}),
		}).Create(&tmpl)
		if result.Error != nil {
			return fmt.Errorf("db: seed template %q: %w", ts.Title, result.Error)
		}
	}
	return nil
}

// SeedRespondents upserts Respondent rows keyed by user id. Aggregate
// columns are never touched by seeding.
func SeedRespondents(db *gorm.DB, seeds []config.RespondentSeed) error {
	for _, rs := range seeds {
		r := models.Respondent{
			ID:     uuid.NewString(),
			UserID: rs.UserID,
			Name:   rs.Name,
			Demographics: datatypes.NewJSONType(models.Demographics{
				AgeRange:   rs.Demographics.AgeRange,
				Location:   rs.Demographics.Location,
				Occupation: rs.Demographics.Occupation,
			}),
			BehaviorTags: datatypes.JSONSlice[string](rs.BehaviorTags),
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "demographics", "behavior_tags"}),
		}).Create(&r)
		if result.Error != nil {
			return fmt.Errorf("db: seed respondent %q: %w", rs.UserID, result.Error)
		}
	}
	return nil
}
