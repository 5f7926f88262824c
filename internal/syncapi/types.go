// Package syncapi defines the JSON wire types of the sync boundary,
// shared by the server handlers and the client-side coordinator.
// Timestamps travel as unix milliseconds; the millisecond is the
// resolution of the conflict-resolution clock everywhere in the system.
package syncapi

import (
	"encoding/json"
	"time"

	"github.com/cinelog/cinelog-sync/internal/db"

	"gorm.io/datatypes"
)

// FilmStatusRecord is one (user, film) tracking record on the wire. The
// user is implied by the authenticated session, never by the payload.
type FilmStatusRecord struct {
	FilmID        string   `json:"film_id" binding:"required"`
	Status        string   `json:"status" binding:"required"`
	AddedAtMs     int64    `json:"added_at_ms,omitempty"`
	SeenAtMs      *int64   `json:"seen_at_ms,omitempty"`
	Rating        *int     `json:"rating,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	FilmTitle     string   `json:"film_title,omitempty"`
	FilmYear      int      `json:"film_year,omitempty"`
	FilmDirectors []string `json:"film_directors,omitempty"`
	FilmPosterURL string   `json:"film_poster_url,omitempty"`
	UpdatedAtMs   int64    `json:"updated_at_ms" binding:"required"`
}

// PreferencesRecord is the per-user preferences/filters blob on the wire.
type PreferencesRecord struct {
	SchemaVersion    int             `json:"schema_version"`
	Preferences      json.RawMessage `json:"preferences"`
	PersistedFilters json.RawMessage `json:"persisted_filters"`
	UpdatedAtMs      int64           `json:"updated_at_ms" binding:"required"`
}

// PushResponse reports whether a pushed record replaced the stored one.
// applied=false means the push was stale and the server value stands;
// either way the client's attempt is settled and must be dequeued.
type PushResponse struct {
	Applied bool `json:"applied"`
}

// ChangesResponse is the pull payload: everything that changed strictly
// after the requested watermark, plus the highest updated_at observed so
// the client can advance its watermark without regressing it.
type ChangesResponse struct {
	Statuses       []FilmStatusRecord `json:"statuses"`
	Preferences    *PreferencesRecord `json:"preferences,omitempty"`
	MaxUpdatedAtMs int64              `json:"max_updated_at_ms"`
}

// Ms converts a time to the wire clock.
func Ms(t time.Time) int64 { return t.UTC().UnixMilli() }

// FromMs converts a wire clock value back to a time.
func FromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ToModel converts a wire record to the stored model for the given user.
func (r *FilmStatusRecord) ToModel(userID string) *db.FilmStatus {
	rec := &db.FilmStatus{
		UserID:        userID,
		FilmID:        r.FilmID,
		Status:        db.Status(r.Status),
		Rating:        r.Rating,
		Notes:         r.Notes,
		FilmTitle:     r.FilmTitle,
		FilmYear:      r.FilmYear,
		FilmPosterURL: r.FilmPosterURL,
		UpdatedAt:     FromMs(r.UpdatedAtMs),
	}
	if r.AddedAtMs > 0 {
		rec.AddedAt = FromMs(r.AddedAtMs)
	}
	if r.SeenAtMs != nil {
		ts := FromMs(*r.SeenAtMs)
		rec.SeenAt = &ts
	}
	if len(r.FilmDirectors) > 0 {
		if b, err := json.Marshal(r.FilmDirectors); err == nil {
			rec.FilmDirectors = datatypes.JSON(b)
		}
	}
	return rec
}

// StatusRecordFromModel converts a stored model to its wire form.
func StatusRecordFromModel(rec *db.FilmStatus) FilmStatusRecord {
	out := FilmStatusRecord{
		FilmID:        rec.FilmID,
		Status:        string(rec.Status),
		AddedAtMs:     Ms(rec.AddedAt),
		Rating:        rec.Rating,
		Notes:         rec.Notes,
		FilmTitle:     rec.FilmTitle,
		FilmYear:      rec.FilmYear,
		FilmPosterURL: rec.FilmPosterURL,
		UpdatedAtMs:   Ms(rec.UpdatedAt),
	}
	if rec.SeenAt != nil {
		ms := Ms(*rec.SeenAt)
		out.SeenAtMs = &ms
	}
	if len(rec.FilmDirectors) > 0 {
		_ = json.Unmarshal(rec.FilmDirectors, &out.FilmDirectors)
	}
	return out
}

// ToModel converts a wire preferences record to the stored model.
func (r *PreferencesRecord) ToModel(userID string) *db.UserPreferences {
	rec := &db.UserPreferences{
		UserID:        userID,
		SchemaVersion: r.SchemaVersion,
		UpdatedAt:     FromMs(r.UpdatedAtMs),
	}
	if len(r.Preferences) > 0 {
		rec.Preferences = datatypes.JSON(r.Preferences)
	} else {
		rec.Preferences = db.DefaultPreferences()
	}
	if len(r.PersistedFilters) > 0 {
		rec.PersistedFilters = datatypes.JSON(r.PersistedFilters)
	} else {
		rec.PersistedFilters = db.DefaultFilters()
	}
	return rec
}

// PreferencesRecordFromModel converts a stored model to its wire form.
func PreferencesRecordFromModel(rec *db.UserPreferences) *PreferencesRecord {
	return &PreferencesRecord{
		SchemaVersion:    rec.SchemaVersion,
		Preferences:      json.RawMessage(rec.Preferences),
		PersistedFilters: json.RawMessage(rec.PersistedFilters),
		UpdatedAtMs:      Ms(rec.UpdatedAt),
	}
}
