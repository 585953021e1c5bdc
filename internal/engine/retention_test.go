package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/storage"
)

func TestRetentionJob_DisabledByDefaultLeavesTerminalRows(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -90)
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusCompleted, CompletedAt: &old, CreatedAt: old, UpdatedAt: old}
	require.NoError(t, store.DB.Create(row).Error)

	settings := config.NewSettings(store.DB)
	job := NewRetentionJob(store, settings, discardLogger())
	job.run()

	_, err := store.Get("d1")
	require.NoError(t, err, "with retention disabled the row must survive")
}

func TestRetentionJob_PrunesTerminalRowsOlderThanWindow(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -90)
	recent := time.Now().UTC()
	require.NoError(t, store.DB.Create(&storage.Download{ID: "old", TrackID: "t1", Status: storage.StatusCompleted, CompletedAt: &old, CreatedAt: old, UpdatedAt: old}).Error)
	require.NoError(t, store.DB.Create(&storage.Download{ID: "new", TrackID: "t2", Status: storage.StatusCompleted, CompletedAt: &recent, CreatedAt: recent, UpdatedAt: recent}).Error)
	require.NoError(t, store.DB.Create(&storage.Download{ID: "active", TrackID: "t3", Status: storage.StatusWaiting, CreatedAt: old, UpdatedAt: old}).Error)

	settings := config.NewSettings(store.DB)
	require.NoError(t, settings.SetString(config.KeyRetentionDays, "30"))
	job := NewRetentionJob(store, settings, discardLogger())
	job.run()

	_, err := store.Get("old")
	assert.Error(t, err, "a terminal row past the retention window should be pruned")

	_, err = store.Get("new")
	assert.NoError(t, err, "a recent terminal row should survive")

	_, err = store.Get("active")
	assert.NoError(t, err, "pruning must never touch a non-terminal row regardless of age")
}
