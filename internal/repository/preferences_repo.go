package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cinelog/cinelog-sync/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PreferencesRepository provides data access for the singleton per-user
// preferences/filters row, under the same last-write-wins contract as
// FilmStatusRepository.
type PreferencesRepository struct {
	db *gorm.DB
}

// NewPreferencesRepository creates a new repository bound to the given DB connection.
func NewPreferencesRepository(database *gorm.DB) *PreferencesRepository {
	return &PreferencesRepository{db: database}
}

// Upsert applies an incoming preferences row. Same semantics as the film
// status write path: insert when absent, replace only when strictly newer,
// stale is (false, nil).
func (r *PreferencesRepository) Upsert(ctx context.Context, rec *db.UserPreferences) (bool, error) {
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Millisecond)
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = db.PreferencesSchemaVersion
	}

	assignments := map[string]interface{}{
		"schema_version":    rec.SchemaVersion,
		"preferences":       rec.Preferences,
		"persisted_filters": rec.PersistedFilters,
		"updated_at":        rec.UpdatedAt,
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.UserPreferences{}).
			Where("user_id = ? AND updated_at < ?", rec.UserID, rec.UpdatedAt).
			Updates(assignments)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			applied = true
			return nil
		}

		var count int64
		if err := tx.Model(&db.UserPreferences{}).
			Where("user_id = ?", rec.UserID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil // stale, ignored
		}

		res = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			applied = true
			return nil
		}

		res = tx.Model(&db.UserPreferences{}).
			Where("user_id = ? AND updated_at < ?", rec.UserID, rec.UpdatedAt).
			Updates(assignments)
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	return applied, err
}

// Get returns the user's preferences row. When none exists yet the defined
// defaults are returned (zero UpdatedAt) without creating a row: the row
// itself is only materialized by the first preference write.
func (r *PreferencesRepository) Get(ctx context.Context, userID string) (*db.UserPreferences, error) {
	var rec db.UserPreferences
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &db.UserPreferences{
			UserID:           userID,
			SchemaVersion:    db.PreferencesSchemaVersion,
			Preferences:      db.DefaultPreferences(),
			PersistedFilters: db.DefaultFilters(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ChangedSince returns the preferences row if it changed strictly after the
// watermark, else nil.
func (r *PreferencesRepository) ChangedSince(ctx context.Context, userID string, since time.Time) (*db.UserPreferences, error) {
	var rec db.UserPreferences
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND updated_at > ?", userID, since.UTC()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
