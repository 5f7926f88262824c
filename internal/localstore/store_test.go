package localstore_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cinelog/cinelog-sync/internal/db"
	"github.com/cinelog/cinelog-sync/internal/localstore"
	"github.com/cinelog/cinelog-sync/internal/syncapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testUser = "u1"

func openStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func localStatus(filmID string, status db.Status) *db.FilmStatus {
	return &db.FilmStatus{
		UserID:    testUser,
		FilmID:    filmID,
		Status:    status,
		FilmTitle: "Stalker",
		FilmYear:  1979,
	}
}

func TestSetStatusMirrorsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusWantToSee)))

	got, err := store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusWantToSee, got.Status)
	assert.False(t, got.UpdatedAt.IsZero(), "local edits are stamped at edit time")

	pending, err := store.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, localstore.ChangeStatusUpsert, pending[0].Kind)
	assert.Equal(t, "f1", pending[0].FilmID)
}

func TestQueueCoalescesPerKey(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusWantToSee)))
	require.NoError(t, store.SetStatus(ctx, localStatus("f2", db.StatusSeen)))
	time.Sleep(2 * time.Millisecond) // distinct millisecond stamps
	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusSeen)))

	pending, err := store.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2, "one slot per record key")

	for _, change := range pending {
		if change.FilmID != "f1" {
			continue
		}
		var wire syncapi.FilmStatusRecord
		require.NoError(t, json.Unmarshal(change.Payload, &wire))
		assert.Equal(t, string(db.StatusSeen), wire.Status, "newest edit supersedes the queued one")
	}
}

func TestSetStatusPreservesAddedAtAcrossEdits(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusSeen)))
	first, err := store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)

	// a later edit from a fresh struct, as the UI builds them
	time.Sleep(3 * time.Millisecond)
	edit := localStatus("f1", db.StatusSeen)
	rating := 4
	edit.Rating = &rating
	require.NoError(t, store.SetStatus(ctx, edit))

	got, err := store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	assert.Equal(t, first.AddedAt.UnixMilli(), got.AddedAt.UnixMilli(),
		"added_at is set once on creation, a rating edit must not move it")
	assert.Greater(t, got.UpdatedAt.UnixMilli(), first.UpdatedAt.UnixMilli())
}

func TestSetStatusKeepsSeenAtWithoutTransition(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusSeen)))
	first, err := store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	require.NotNil(t, first.SeenAt)

	// rating edit while already seen: no transition, seen_at stays put
	time.Sleep(3 * time.Millisecond)
	edit := localStatus("f1", db.StatusSeen)
	rating := 4
	edit.Rating = &rating
	require.NoError(t, store.SetStatus(ctx, edit))

	got, err := store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	require.NotNil(t, got.SeenAt)
	assert.Equal(t, first.SeenAt.UnixMilli(), got.SeenAt.UnixMilli(),
		"seen_at reflects the latest transition, not the latest edit")

	// and the queued payload carries the original stamp, so the drift
	// cannot reach the server either
	pending, err := store.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	var wire syncapi.FilmStatusRecord
	require.NoError(t, json.Unmarshal(pending[0].Payload, &wire))
	require.NotNil(t, wire.SeenAtMs)
	assert.Equal(t, first.SeenAt.UnixMilli(), *wire.SeenAtMs)

	// leaving seen clears it; coming back is a new transition
	time.Sleep(3 * time.Millisecond)
	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusWantToSee)))
	got, err = store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	assert.Nil(t, got.SeenAt)

	time.Sleep(3 * time.Millisecond)
	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusSeen)))
	got, err = store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	require.NotNil(t, got.SeenAt)
	assert.Greater(t, got.SeenAt.UnixMilli(), first.SeenAt.UnixMilli())
}

func TestOpenInMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()

	a, err := localstore.OpenInMemory()
	require.NoError(t, err)
	defer a.Close()
	b, err := localstore.OpenInMemory()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SetStatus(ctx, localStatus("f1", db.StatusSeen)))

	pending, err := b.PendingChanges(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "a second in-memory store must not see the first one's queue")

	idA, err := a.DeviceID(ctx)
	require.NoError(t, err)
	idB, err := b.DeviceID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestRemoveSupersedesPendingUpsert(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusWantToSee)))
	require.NoError(t, store.RemoveStatus(ctx, testUser, "f1"))

	_, err := store.GetStatus(ctx, testUser, "f1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	pending, err := store.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, localstore.ChangeStatusRemove, pending[0].Kind)
}

func TestDequeueIsGuardedAgainstSupersession(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusWantToSee)))
	pending, err := store.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	inFlight := pending[0]

	// a local edit lands while the push is in flight
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusSeen)))

	// the settled push dequeues with its own stamp; the newer change survives
	require.NoError(t, store.Dequeue(ctx, inFlight.Key, inFlight.UpdatedAtMs))

	pending, err = store.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Greater(t, pending[0].UpdatedAtMs, inFlight.UpdatedAtMs)
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	store, err := localstore.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusWantToSee)))
	deviceID, err := store.DeviceID(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AdvanceWatermark(ctx, 42))
	require.NoError(t, store.Close())

	reopened, err := localstore.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.PendingChanges(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "queued edits survive a restart")

	sameDevice, err := reopened.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, deviceID, sameDevice)

	watermark, err := reopened.Watermark(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 42, watermark)
}

func TestWatermarkNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.AdvanceWatermark(ctx, 100))
	require.NoError(t, store.AdvanceWatermark(ctx, 50))

	watermark, err := store.Watermark(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 100, watermark)
}

func TestApplyRemoteStatusTieKeepsLocal(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	require.NoError(t, store.SetStatus(ctx, localStatus("f1", db.StatusSeen)))
	local, err := store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)

	echo := syncapi.StatusRecordFromModel(local)
	echo.Status = string(db.StatusWantToSee) // same stamp, different body

	applied, err := store.ApplyRemoteStatus(ctx, testUser, echo)
	require.NoError(t, err)
	assert.False(t, applied, "equal timestamps keep the local copy")

	got, err := store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusSeen, got.Status)

	// strictly newer remote wins
	newer := echo
	newer.UpdatedAtMs = echo.UpdatedAtMs + 1
	applied, err = store.ApplyRemoteStatus(ctx, testUser, newer)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = store.GetStatus(ctx, testUser, "f1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusWantToSee, got.Status)

	// and applying never queues an outbound echo
	pending, err := store.PendingChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, localstore.ChangeStatusUpsert, pending[0].Kind)
}

func TestApplyRemotePreferences(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	wire := syncapi.PreferencesRecord{
		SchemaVersion: db.PreferencesSchemaVersion,
		UpdatedAtMs:   time.Now().UnixMilli(),
	}
	applied, err := store.ApplyRemotePreferences(ctx, testUser, wire)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetPreferences(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, wire.UpdatedAtMs, got.UpdatedAt.UnixMilli())

	// replaying the same pull is a no-op
	applied, err = store.ApplyRemotePreferences(ctx, testUser, wire)
	require.NoError(t, err)
	assert.False(t, applied)
}
