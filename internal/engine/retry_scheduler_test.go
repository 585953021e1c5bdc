package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/storage"
)

func TestRetryScheduler_ReactivatesDueFailedRows(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusFailed,
		NextRetryAt: &past, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	settings := config.NewSettings(store.DB)
	var woke int
	w := NewRetryScheduler(store, settings, events.New(), NewHeartbeats(), discardLogger(), func() { woke++ })
	w.tick(nil)

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaiting, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 1, woke)
}

func TestRetryScheduler_LeavesNotYetDueFailedRowAlone(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusFailed,
		NextRetryAt: &future, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	settings := config.NewSettings(store.DB)
	w := NewRetryScheduler(store, settings, events.New(), NewHeartbeats(), discardLogger())
	w.tick(nil)

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
}

func TestRetryScheduler_ResumesDueScheduledRows(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusScheduled,
		ScheduledStart: &past, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	settings := config.NewSettings(store.DB)
	w := NewRetryScheduler(store, settings, events.New(), NewHeartbeats(), discardLogger())
	w.tick(nil)

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaiting, got.Status)
}

func TestRetryScheduler_NeverResumesThePauseSentinel(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusScheduled,
		ScheduledStart: &PauseSentinel, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	settings := config.NewSettings(store.DB)
	w := NewRetryScheduler(store, settings, events.New(), NewHeartbeats(), discardLogger())
	w.tick(nil)

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusScheduled, got.Status, "a paused row must not be auto-resumed")
}

func TestRetryScheduler_ReclaimsStaleLocks(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	staleLock := now.Add(-time.Hour)
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusDownloading,
		LockedBy: "worker-dead", LockedAt: &staleLock, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	settings := config.NewSettings(store.DB)
	require.NoError(t, settings.SetString(config.KeyLockTimeoutMs, "300000"))
	w := NewRetryScheduler(store, settings, events.New(), NewHeartbeats(), discardLogger())
	w.tick(nil)

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Empty(t, got.LockedBy, "a lock held far past the timeout should be cleared")
}
