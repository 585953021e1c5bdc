package orchestrator

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bozzfozz/soulspot/internal/breaker"
	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/downloader"
	"github.com/bozzfozz/soulspot/internal/engine"
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/storage"
)

type stubDownloader struct {
	cancelled []string
}

func (d *stubDownloader) Search(context.Context, string) ([]downloader.Hit, error) { return nil, nil }
func (d *stubDownloader) Enqueue(context.Context, string, string, int) (string, error) {
	return "ref-1", nil
}
func (d *stubDownloader) Status(context.Context, string) (downloader.StatusResult, error) {
	return downloader.StatusResult{State: downloader.TransferQueued}, nil
}
func (d *stubDownloader) Cancel(_ context.Context, ref string) error {
	d.cancelled = append(d.cancelled, ref)
	return nil
}
func (d *stubDownloader) Ping(context.Context) error { return nil }

type stubNudger struct{ count int }

func (n *stubNudger) Nudge() { n.count++ }

func newTestAPI(t *testing.T) (*API, *storage.Store, *stubDownloader, *stubNudger, *stubNudger) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	store, err := storage.Open(db)
	require.NoError(t, err)

	settings := config.NewSettings(db)
	dl := &stubDownloader{}
	cb := breaker.New(breaker.Config{})
	bus := events.New()
	hb := engine.NewHeartbeats()
	dispatcher := &stubNudger{}
	enqueue := &stubNudger{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	api := New(store, settings, dl, cb, bus, hb, dispatcher, enqueue, t.TempDir(), log)
	return api, store, dl, dispatcher, enqueue
}

func TestEnqueue_IsIdempotentPerTrack(t *testing.T) {
	api, _, _, dispatcher, _ := newTestAPI(t)

	first, err := api.Enqueue(context.Background(), "track-1", 0, nil)
	require.NoError(t, err)

	second, err := api.Enqueue(context.Background(), "track-1", 5, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, dispatcher.count, "dispatcher should only be nudged on the first enqueue")
}

func TestEnqueue_FutureScheduledStartCreatesScheduledRow(t *testing.T) {
	api, _, _, _, _ := newTestAPI(t)
	future := time.Now().Add(24 * time.Hour)

	row, err := api.Enqueue(context.Background(), "track-1", 0, &future)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusScheduled, row.Status)
}

func TestEnqueue_RejectsWhenQueueFull(t *testing.T) {
	api, _, _, _, _ := newTestAPI(t)
	require.NoError(t, api.settings.SetString(config.KeyMaxQueueSize, "1"))

	_, err := api.Enqueue(context.Background(), "track-1", 0, nil)
	require.NoError(t, err)

	_, err = api.Enqueue(context.Background(), "track-2", 0, nil)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ReasonQueueFull, apiErr.Reason)
}

func TestCancel_IsNoOpOnFailedRow(t *testing.T) {
	api, store, dl, _, _ := newTestAPI(t)
	now := time.Now().UTC()
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusFailed, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	err := api.Cancel(context.Background(), "d1")
	require.NoError(t, err)

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status, "cancelling a FAILED row must leave it FAILED")
	assert.Empty(t, dl.cancelled)
}

func TestCancel_TransitionsActiveDownloadAndCallsDownstream(t *testing.T) {
	api, store, dl, _, _ := newTestAPI(t)
	now := time.Now().UTC()
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusDownloading,
		ExternalRef: "ref-9", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	require.NoError(t, api.Cancel(context.Background(), "d1"))

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, got.Status)
	assert.Contains(t, dl.cancelled, "ref-9")
}

func TestCancel_UnknownIDReturnsNotFound(t *testing.T) {
	api, _, _, _, _ := newTestAPI(t)
	err := api.Cancel(context.Background(), "missing")
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, ReasonNotFound, apiErr.Reason)
}

func TestBatchAction_ReportsPerIDOutcomesWithoutFailingWholeRequest(t *testing.T) {
	api, store, _, _, _ := newTestAPI(t)
	now := time.Now().UTC()
	ok := &storage.Download{ID: "ok", TrackID: "t1", Status: storage.StatusWaiting, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(ok).Error)

	result := api.BatchAction(context.Background(), "cancel", []string{"ok", "missing"}, nil)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "missing", result.Errors[0].ID)
	assert.Equal(t, ReasonNotFound, result.Errors[0].Reason)
}

func TestPauseAndResume_RoundTripThroughScheduledSentinel(t *testing.T) {
	api, store, _, _, enqueue := newTestAPI(t)
	now := time.Now().UTC()
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusWaiting, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	result := api.BatchAction(context.Background(), "pause", []string{"d1"}, nil)
	assert.Equal(t, 1, result.SuccessCount)

	paused, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusScheduled, paused.Status)
	assert.True(t, engine.IsPaused(paused.ScheduledStart))

	result = api.BatchAction(context.Background(), "resume", []string{"d1"}, nil)
	assert.Equal(t, 1, result.SuccessCount)

	resumed, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaiting, resumed.Status)
	assert.Nil(t, resumed.ScheduledStart)
	assert.Equal(t, 1, enqueue.count, "resume should nudge workers for a fresh WAITING row")
}

func TestHealth_ReportsBreakerStateAndCounts(t *testing.T) {
	api, store, _, _, _ := newTestAPI(t)
	now := time.Now().UTC()
	require.NoError(t, store.DB.Create(&storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusWaiting, CreatedAt: now, UpdatedAt: now}).Error)

	report, err := api.Health()
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", report.Breaker.State)
	assert.Equal(t, int64(1), report.CountsByStatus[string(storage.StatusWaiting)])
}
