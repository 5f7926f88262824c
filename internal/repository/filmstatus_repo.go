package repository

import (
	"context"
	"time"

	"github.com/cinelog/cinelog-sync/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FilmStatusRepository provides data access methods for the FilmStatus model.
// It encapsulates the conflict-resolving write path for per-(user, film) records.
type FilmStatusRepository struct {
	db *gorm.DB
}

// NewFilmStatusRepository creates a new repository bound to the given DB connection.
func NewFilmStatusRepository(database *gorm.DB) *FilmStatusRepository {
	return &FilmStatusRepository{db: database}
}

// statusAssignments lists every column a sync write may replace. AddedAt is
// deliberately absent: it is set once on first creation and never overwritten.
func statusAssignments(rec *db.FilmStatus) map[string]interface{} {
	return map[string]interface{}{
		"status":          rec.Status,
		"seen_at":         rec.SeenAt,
		"rating":          rec.Rating,
		"notes":           rec.Notes,
		"film_title":      rec.FilmTitle,
		"film_year":       rec.FilmYear,
		"film_directors":  rec.FilmDirectors,
		"film_poster_url": rec.FilmPosterURL,
		"updated_at":      rec.UpdatedAt,
	}
}

// Upsert applies an incoming record under last-write-wins resolution.
//
// Behavior:
//   - No row for (user_id, film_id) → insert unconditionally.
//   - Row exists and incoming UpdatedAt is strictly newer → replace.
//   - Otherwise → no-op; returns (false, nil), "stale, ignored" is not an error.
//
// The guarded UPDATE and the insert-if-absent both run inside one
// transaction, so two concurrent writers cannot interleave into a row that
// mixes fields from both attempts, and two concurrent creations resolve to
// a single row. Re-applying the same UpdatedAt is a no-op (strict
// comparison), which makes delivery idempotent under duplication or
// reordering. Writers' clocks are assumed reasonably synchronized; skewed
// clocks can lose an update, an accepted trade for lock-free multi-device
// writes.
func (r *FilmStatusRepository) Upsert(ctx context.Context, rec *db.FilmStatus) (bool, error) {
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Millisecond)
	rec.Normalize()

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.FilmStatus{}).
			Where("user_id = ? AND film_id = ? AND updated_at < ?", rec.UserID, rec.FilmID, rec.UpdatedAt).
			Updates(statusAssignments(rec))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			applied = true
			return nil
		}

		// Either the row is missing or the incoming write is stale.
		var count int64
		if err := tx.Model(&db.FilmStatus{}).
			Where("user_id = ? AND film_id = ?", rec.UserID, rec.FilmID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil // stale, ignored
		}

		// First write for this key.
		if rec.AddedAt.IsZero() {
			rec.AddedAt = rec.UpdatedAt
		}
		res = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "film_id"}},
			DoNothing: true,
		}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			applied = true
			return nil
		}

		// Lost a creation race; the winner's row is in place, so fall back
		// to the guarded update once more.
		res = tx.Model(&db.FilmStatus{}).
			Where("user_id = ? AND film_id = ? AND updated_at < ?", rec.UserID, rec.FilmID, rec.UpdatedAt).
			Updates(statusAssignments(rec))
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	return applied, err
}

// Get returns one record, or gorm.ErrRecordNotFound.
func (r *FilmStatusRepository) Get(ctx context.Context, userID, filmID string) (*db.FilmStatus, error) {
	var rec db.FilmStatus
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND film_id = ?", userID, filmID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByUser returns all of one user's records, most recently updated first.
func (r *FilmStatusRepository) ListByUser(ctx context.Context, userID string) ([]db.FilmStatus, error) {
	var recs []db.FilmStatus
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC, film_id").
		Find(&recs).Error
	return recs, err
}

// ChangedSince returns records whose updated_at is strictly newer than the
// given watermark, oldest first so pullers can advance incrementally.
func (r *FilmStatusRepository) ChangedSince(ctx context.Context, userID string, since time.Time) ([]db.FilmStatus, error) {
	var recs []db.FilmStatus
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND updated_at > ?", userID, since.UTC()).
		Order("updated_at ASC, film_id").
		Find(&recs).Error
	return recs, err
}

// Remove deletes a single record. Missing rows are not an error so removal
// replays stay idempotent. There is no tombstone: a removal is invisible to
// changed-since pulls, so another device keeps its copy (and a later edit
// there can recreate the row) until it removes the record itself.
func (r *FilmStatusRepository) Remove(ctx context.Context, userID, filmID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND film_id = ?", userID, filmID).
		Delete(&db.FilmStatus{}).Error
}
