// Package localstore is the device-resident state cache: a sqlite mirror
// of the user's records, a durable outbound change queue, and the pull
// watermark. Every local edit lands here first and survives restarts; the
// sync coordinator drains the queue when connectivity allows.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cinelog/cinelog-sync/internal/db"
	"github.com/cinelog/cinelog-sync/internal/syncapi"
)

// ChangeKind discriminates what a queued outbound change carries.
type ChangeKind string

const (
	ChangeStatusUpsert ChangeKind = "status_upsert"
	ChangeStatusRemove ChangeKind = "status_remove"
	ChangePrefsUpsert  ChangeKind = "prefs_upsert"
)

// OutboundChange is one pending push. Key is the coalescing unit: at most
// one row exists per record key, and a newer local edit for the same key
// replaces the queued one instead of appending behind it.
type OutboundChange struct {
	Key         string         `gorm:"primaryKey;size:96"`
	Kind        ChangeKind     `gorm:"size:24;not null"`
	FilmID      string         `gorm:"size:64"`
	Payload     datatypes.JSON
	UpdatedAtMs int64          `gorm:"not null;index"`
	Attempts    int            `gorm:"not null;default:0"`
	EnqueuedAt  time.Time      `gorm:"autoCreateTime"`
}

// syncState is the singleton bookkeeping row: device identity plus the
// pull watermark (highest server updated_at already applied locally).
type syncState struct {
	ID          int    `gorm:"primaryKey"`
	DeviceID    string `gorm:"size:36;not null"`
	WatermarkMs int64  `gorm:"not null;default:0"`
}

func statusKey(filmID string) string { return "status:" + filmID }

const prefsKey = "prefs"

// Store wraps the local sqlite database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the local database at path and migrates
// its schema. The mirror tables reuse the server-side models so a record
// round-trips without shape loss.
func Open(path string) (*Store, error) {
	database, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(&db.FilmStatus{}, &db.UserPreferences{}, &OutboundChange{}, &syncState{}); err != nil {
		return nil, err
	}
	return &Store{db: database}, nil
}

// OpenInMemory opens a throwaway store that lives only as long as the
// process. Each call gets its own private database, so two in-memory
// stores never observe each other's queue or device id.
func OpenInMemory() (*Store, error) {
	return Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DeviceID returns this installation's stable identifier, minting one on
// first call.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	state, err := s.state(ctx)
	if err != nil {
		return "", err
	}
	return state.DeviceID, nil
}

func (s *Store) state(ctx context.Context) (*syncState, error) {
	var state syncState
	err := s.db.WithContext(ctx).First(&state, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = syncState{ID: 1, DeviceID: uuid.NewString()}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SetStatus records a local edit: the mirror row is replaced, the edit is
// stamped with the current wall clock (millisecond resolution, the
// conflict-resolution clock), and an outbound change is queued,
// superseding any still-pending change for the same film.
//
// Callers hand in a fresh struct per edit; fields that describe history
// rather than current state are carried over from the mirror row:
// added_at is set once on first creation, and seen_at moves only on an
// actual transition into seen, never on a rating or notes edit while the
// record is already seen.
func (s *Store) SetStatus(ctx context.Context, rec *db.FilmStatus) error {
	rec.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.FilmStatus
		err := tx.Where("user_id = ? AND film_id = ?", rec.UserID, rec.FilmID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if rec.AddedAt.IsZero() {
				rec.AddedAt = rec.UpdatedAt
			}
		case err != nil:
			return err
		default:
			rec.AddedAt = existing.AddedAt
			if rec.Status == db.StatusSeen && existing.Status == db.StatusSeen && rec.SeenAt == nil {
				rec.SeenAt = existing.SeenAt
			}
		}
		rec.Normalize()

		wire := syncapi.StatusRecordFromModel(rec)
		payload, err := json.Marshal(wire)
		if err != nil {
			return err
		}

		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		return enqueue(tx, &OutboundChange{
			Key:         statusKey(rec.FilmID),
			Kind:        ChangeStatusUpsert,
			FilmID:      rec.FilmID,
			Payload:     datatypes.JSON(payload),
			UpdatedAtMs: wire.UpdatedAtMs,
		})
	})
}

// RemoveStatus deletes a record locally and queues the removal. A pending
// upsert for the same film is superseded; the server only ever sees the
// removal.
func (s *Store) RemoveStatus(ctx context.Context, userID, filmID string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND film_id = ?", userID, filmID).
			Delete(&db.FilmStatus{}).Error; err != nil {
			return err
		}
		return enqueue(tx, &OutboundChange{
			Key:         statusKey(filmID),
			Kind:        ChangeStatusRemove,
			FilmID:      filmID,
			UpdatedAtMs: now.UnixMilli(),
		})
	})
}

// SetPreferences records a local preferences edit; there is a single
// queue slot for preferences, so repeated edits collapse into the latest.
func (s *Store) SetPreferences(ctx context.Context, rec *db.UserPreferences) error {
	rec.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = db.PreferencesSchemaVersion
	}

	wire := syncapi.PreferencesRecordFromModel(rec)
	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		return enqueue(tx, &OutboundChange{
			Key:         prefsKey,
			Kind:        ChangePrefsUpsert,
			Payload:     datatypes.JSON(payload),
			UpdatedAtMs: wire.UpdatedAtMs,
		})
	})
}

// enqueue inserts or replaces the pending change for change.Key. Replace,
// not append: the newest local state for a key is the only thing worth
// pushing; Attempts resets because the payload is new.
func enqueue(tx *gorm.DB, change *OutboundChange) error {
	if err := tx.Where("key = ?", change.Key).Delete(&OutboundChange{}).Error; err != nil {
		return err
	}
	return tx.Create(change).Error
}

// GetStatus returns one mirrored record, or gorm.ErrRecordNotFound.
func (s *Store) GetStatus(ctx context.Context, userID, filmID string) (*db.FilmStatus, error) {
	var rec db.FilmStatus
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND film_id = ?", userID, filmID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListStatuses returns all mirrored records, most recently updated first.
func (s *Store) ListStatuses(ctx context.Context, userID string) ([]db.FilmStatus, error) {
	var recs []db.FilmStatus
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC, film_id").
		Find(&recs).Error
	return recs, err
}

// GetPreferences returns the mirrored preferences row, or defaults (zero
// UpdatedAt) when the user never saved any.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*db.UserPreferences, error) {
	var rec db.UserPreferences
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
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

// PendingChanges returns queued outbound changes, oldest edit first.
func (s *Store) PendingChanges(ctx context.Context, limit int) ([]OutboundChange, error) {
	var changes []OutboundChange
	q := s.db.WithContext(ctx).Order("updated_at_ms ASC, key")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&changes).Error
	return changes, err
}

// Dequeue removes a pending change after its push settled. The delete is
// guarded on the change's timestamp: if a local edit superseded the row
// while the push was in flight, the newer change stays queued.
func (s *Store) Dequeue(ctx context.Context, key string, updatedAtMs int64) error {
	return s.db.WithContext(ctx).
		Where("key = ? AND updated_at_ms = ?", key, updatedAtMs).
		Delete(&OutboundChange{}).Error
}

// RecordAttempt bumps the failure counter on a pending change.
func (s *Store) RecordAttempt(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Model(&OutboundChange{}).
		Where("key = ?", key).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

// Watermark returns the pull watermark in unix millis.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	state, err := s.state(ctx)
	if err != nil {
		return 0, err
	}
	return state.WatermarkMs, nil
}

// AdvanceWatermark raises the pull watermark; it never moves backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, ms int64) error {
	if _, err := s.state(ctx); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&syncState{}).
		Where("id = ? AND watermark_ms < ?", 1, ms).
		UpdateColumn("watermark_ms", ms).Error
}

// ApplyRemoteStatus merges a pulled record into the mirror. The remote
// value wins only when strictly newer than what is here; on a tie the
// local copy stands, so applying is idempotent and a just-made local edit
// is never clobbered by its own echo. No outbound change is queued:
// pulled state is already the server's.
func (s *Store) ApplyRemoteStatus(ctx context.Context, userID string, wire syncapi.FilmStatusRecord) (bool, error) {
	rec := wire.ToModel(userID)
	rec.Normalize()

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.FilmStatus
		err := tx.Where("user_id = ? AND film_id = ?", userID, rec.FilmID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to create
		case err != nil:
			return err
		default:
			if !rec.UpdatedAt.After(existing.UpdatedAt) {
				return nil // local copy is as new or newer
			}
		}
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ApplyRemotePreferences merges the pulled preferences row, same tie
// semantics as ApplyRemoteStatus.
func (s *Store) ApplyRemotePreferences(ctx context.Context, userID string, wire syncapi.PreferencesRecord) (bool, error) {
	rec := wire.ToModel(userID)

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.UserPreferences
		err := tx.Where("user_id = ?", userID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if !rec.UpdatedAt.After(existing.UpdatedAt) {
				return nil
			}
		}
		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}
