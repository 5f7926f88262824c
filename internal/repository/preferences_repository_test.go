package repository_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cinelog/cinelog-sync/internal/db"
	"github.com/cinelog/cinelog-sync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func prefsAt(userID, view string, at time.Time) *db.UserPreferences {
	blob, _ := json.Marshal(db.PreferencesValue{
		SelectedCinemas:      []string{"metrograph"},
		DefaultView:          view,
		DefaultDateRangeDays: 7,
	})
	return &db.UserPreferences{
		UserID:           userID,
		Preferences:      datatypes.JSON(blob),
		PersistedFilters: db.DefaultFilters(),
		UpdatedAt:        at,
	}
}

func TestPreferencesUpsertLastWriteWins(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPreferencesRepository(setupTestDB(t))

	base := time.Now().UTC().Truncate(time.Millisecond)

	applied, err := repo.Upsert(ctx, prefsAt("u1", "calendar", base))
	require.NoError(t, err)
	assert.True(t, applied)

	// newer replaces
	applied, err = repo.Upsert(ctx, prefsAt("u1", "list", base.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, applied)

	// stale is ignored
	applied, err = repo.Upsert(ctx, prefsAt("u1", "calendar", base))
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	var val db.PreferencesValue
	require.NoError(t, json.Unmarshal(got.Preferences, &val))
	assert.Equal(t, "list", val.DefaultView)
	assert.Equal(t, db.PreferencesSchemaVersion, got.SchemaVersion)
}

func TestPreferencesGetReturnsDefaultsWithoutCreating(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	repo := repository.NewPreferencesRepository(database)

	got, err := repo.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.IsZero(), "defaults carry no sync timestamp")

	var val db.PreferencesValue
	require.NoError(t, json.Unmarshal(got.Preferences, &val))
	assert.Equal(t, "calendar", val.DefaultView)

	var count int64
	require.NoError(t, database.Model(&db.UserPreferences{}).Count(&count).Error)
	assert.Zero(t, count, "reading defaults must not materialize a row")
}

func TestPreferencesChangedSince(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPreferencesRepository(setupTestDB(t))

	base := time.Now().UTC().Truncate(time.Millisecond)
	_, err := repo.Upsert(ctx, prefsAt("u1", "calendar", base))
	require.NoError(t, err)

	// at the watermark: already synced
	rec, err := repo.ChangedSince(ctx, "u1", base)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = repo.ChangedSince(ctx, "u1", base.Add(-time.Second))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ms(base), ms(rec.UpdatedAt))

	// no row at all
	rec, err = repo.ChangedSince(ctx, "nobody", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, rec)
}
