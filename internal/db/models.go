package db

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// User table
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"size:255;not null"`
	Active       bool   `gorm:"default:true"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// Watch status values for a FilmStatus record.
type Status string

const (
	StatusWantToSee     Status = "want_to_see"
	StatusSeen          Status = "seen"
	StatusNotInterested Status = "not_interested"
)

// Valid reports whether s is one of the known watch statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWantToSee, StatusSeen, StatusNotInterested:
		return true
	}
	return false
}

// FilmStatus is one user's tracking record for one film.
//
// Composite PK: (UserID, FilmID)
//   - Ensures a single row per pair (overwrite guarantee).
//
// Indexes:
//   - idx_user_updated(user_id, updated_at)
//     Optimizes changed-since pulls for a single user.
//
// UpdatedAt is stamped by the writing client and is authoritative for
// conflict resolution; gorm's automatic update tracking is disabled so a
// replayed or reordered write never gets re-stamped server side. AddedAt
// is set on first creation and never overwritten. The Film* fields are a
// denormalized snapshot captured at write time so the record stays
// displayable without a join against a possibly-changed film catalog.
type FilmStatus struct {
	UserID        string         `gorm:"primaryKey;size:36;index:idx_user_updated,priority:1"`
	FilmID        string         `gorm:"primaryKey;size:64"`
	Status        Status         `gorm:"size:16;not null"`
	AddedAt       time.Time      `gorm:"not null"`
	SeenAt        *time.Time
	Rating        *int
	Notes         string         `gorm:"type:text"`
	FilmTitle     string         `gorm:"size:255"`
	FilmYear      int
	FilmDirectors datatypes.JSON
	FilmPosterURL string         `gorm:"size:512"`
	UpdatedAt     time.Time      `gorm:"not null;autoUpdateTime:false;index:idx_user_updated,priority:2"`
}

// Normalize enforces the seenAt invariant: present iff the latest
// transition set status to seen. A transition to seen without an explicit
// seenAt stamps it with the write's UpdatedAt; any other status clears it.
func (f *FilmStatus) Normalize() {
	if f.Status == StatusSeen {
		if f.SeenAt == nil {
			ts := f.UpdatedAt
			f.SeenAt = &ts
		}
	} else {
		f.SeenAt = nil
	}
}

// PreferencesSchemaVersion is bumped whenever the shape of the
// preferences/filters blobs changes; readers of older rows migrate
// explicitly instead of guessing at runtime.
const PreferencesSchemaVersion = 1

// PreferencesValue is the structured settings blob stored per user.
type PreferencesValue struct {
	SelectedCinemas      []string `json:"selected_cinemas"`
	DefaultView          string   `json:"default_view"`
	DefaultDateRangeDays int      `json:"default_date_range_days"`
}

// FiltersValue is the persisted filter defaults blob stored per user.
type FiltersValue struct {
	Cinemas       []string `json:"cinemas"`
	Formats       []string `json:"formats"`
	Genres        []string `json:"genres"`
	Decades       []string `json:"decades"`
	HideSeen      bool     `json:"hide_seen"`
	OnlyFirstRuns bool     `json:"only_first_runs"`
}

// UserPreferences holds exactly one settings/filters row per user.
// UpdatedAt follows the same client-stamped LWW semantics as FilmStatus.
type UserPreferences struct {
	UserID           string         `gorm:"primaryKey;size:36"`
	SchemaVersion    int            `gorm:"not null;default:1"`
	Preferences      datatypes.JSON `gorm:"not null"`
	PersistedFilters datatypes.JSON `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null;autoUpdateTime:false"`
}

// DefaultPreferences returns the settings blob a lazily-created row starts with.
func DefaultPreferences() datatypes.JSON {
	b, _ := json.Marshal(PreferencesValue{
		SelectedCinemas:      []string{},
		DefaultView:          "calendar",
		DefaultDateRangeDays: 7,
	})
	return datatypes.JSON(b)
}

// DefaultFilters returns the filter blob a lazily-created row starts with.
func DefaultFilters() datatypes.JSON {
	b, _ := json.Marshal(FiltersValue{
		Cinemas: []string{},
		Formats: []string{},
		Genres:  []string{},
		Decades: []string{},
	})
	return datatypes.JSON(b)
}
