package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozzfozz/soulspot/internal/breaker"
	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/downloader"
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/storage"
)

type statusFake struct {
	result downloader.StatusResult
	err    error
}

func (d *statusFake) Search(context.Context, string) ([]downloader.Hit, error) { return nil, nil }
func (d *statusFake) Enqueue(context.Context, string, string, int) (string, error) {
	return "", nil
}
func (d *statusFake) Status(context.Context, string) (downloader.StatusResult, error) {
	return d.result, d.err
}
func (d *statusFake) Cancel(context.Context, string) error { return nil }
func (d *statusFake) Ping(context.Context) error           { return nil }

func queuedRow(now time.Time) *storage.Download {
	return &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusQueued, MaxRetries: 3,
		ExternalRef: "ref-1", CreatedAt: now, UpdatedAt: now}
}

func TestStatusSyncWorker_TransferringPromotesQueuedToDownloading(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.DB.Create(queuedRow(now)).Error)

	dl := &statusFake{result: downloader.StatusResult{State: downloader.TransferTransferring, BytesDone: 10, BytesTotal: 100}}
	settings := config.NewSettings(store.DB)
	w := NewStatusSyncWorker(store, settings, dl, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, got.Status)
	assert.Equal(t, int64(10), got.BytesDone)
	assert.NotNil(t, got.StartedAt)
}

func TestStatusSyncWorker_CompletedRecordsDailyStat(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.DB.Create(queuedRow(now)).Error)

	dl := &statusFake{result: downloader.StatusResult{State: downloader.TransferCompleted, BytesDone: 100, BytesTotal: 100, LocalPath: "/music/song.flac"}}
	settings := config.NewSettings(store.DB)
	w := NewStatusSyncWorker(store, settings, dl, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.Equal(t, "/music/song.flac", got.TargetPath)

	stats, err := store.ListDailyStats("2000-01-01")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(100), stats[0].Bytes)
}

func TestStatusSyncWorker_IgnoresReplyForAlreadyTerminalRow(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	row := queuedRow(now)
	require.NoError(t, store.DB.Create(row).Error)

	// Simulate an API cancel landing before the tick.
	require.NoError(t, store.UpdateConditional("d1", []storage.Status{storage.StatusQueued},
		map[string]interface{}{"status": storage.StatusCancelled, "updated_at": now}))

	dl := &statusFake{result: downloader.StatusResult{State: downloader.TransferTransferring, BytesDone: 5, BytesTotal: 100}}
	settings := config.NewSettings(store.DB)
	w := NewStatusSyncWorker(store, settings, dl, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, got.Status, "a stale status reply must not resurrect a cancelled row")
	assert.Equal(t, int64(0), got.BytesDone)
}

func TestStatusSyncWorker_ErrorClassifiesAndSchedulesRetry(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.DB.Create(queuedRow(now)).Error)

	dl := &statusFake{result: downloader.StatusResult{State: downloader.TransferErrored, ErrorMessage: "peer connection timeout"}}
	settings := config.NewSettings(store.DB)
	w := NewStatusSyncWorker(store, settings, dl, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, string(downloader.CodeTimeout), got.LastErrorCode)
	assert.NotNil(t, got.NextRetryAt)
}

func TestStatusSyncWorker_TickSyncsEveryActiveRowNotJustOne(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	row1 := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusQueued, MaxRetries: 3,
		ExternalRef: "ref-1", CreatedAt: now, UpdatedAt: now}
	row2 := &storage.Download{ID: "d2", TrackID: "t2", Status: storage.StatusDownloading, MaxRetries: 3,
		ExternalRef: "ref-2", CreatedAt: now, UpdatedAt: now.Add(time.Second)}
	row3 := &storage.Download{ID: "d3", TrackID: "t3", Status: storage.StatusQueued, MaxRetries: 3,
		ExternalRef: "ref-3", CreatedAt: now, UpdatedAt: now.Add(2 * time.Second)}
	require.NoError(t, store.DB.Create(row1).Error)
	require.NoError(t, store.DB.Create(row2).Error)
	require.NoError(t, store.DB.Create(row3).Error)

	dl := &statusFake{result: downloader.StatusResult{State: downloader.TransferTransferring, BytesDone: 10, BytesTotal: 100}}
	settings := config.NewSettings(store.DB)
	w := NewStatusSyncWorker(store, settings, dl, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	for _, id := range []string{"d1", "d2", "d3"} {
		got, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusDownloading, got.Status, "row %s must be synced in the same tick as the others", id)
		assert.Equal(t, int64(10), got.BytesDone)
	}
}
