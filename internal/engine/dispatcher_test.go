package engine

import (
	"context"
	"io"
	"log/slog"
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
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/storage"
	"github.com/bozzfozz/soulspot/internal/trackmeta"
)

type fakeDownloader struct {
	hits      []downloader.Hit
	searchErr error
}

func (d *fakeDownloader) Search(context.Context, string) ([]downloader.Hit, error) {
	return d.hits, d.searchErr
}
func (d *fakeDownloader) Enqueue(context.Context, string, string, int) (string, error) {
	return "ref", nil
}
func (d *fakeDownloader) Status(context.Context, string) (downloader.StatusResult, error) {
	return downloader.StatusResult{}, nil
}
func (d *fakeDownloader) Cancel(context.Context, string) error { return nil }
func (d *fakeDownloader) Ping(context.Context) error           { return nil }

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	store, err := storage.Open(db)
	require.NoError(t, err)
	return store
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcherWorker_PromotesWaitingToPendingOnAcceptedHit(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	row := &storage.Download{ID: "d1", TrackID: "track-1", Status: storage.StatusWaiting, MaxRetries: 3, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	tracks := trackmeta.NewStaticReader(nil)
	tracks.Set("track-1", trackmeta.Track{Title: "Song1", Artist: "Artist1"})

	dl := &fakeDownloader{hits: []downloader.Hit{{Peer: "peer1", Filename: "song.flac", SizeBytes: 30 << 20, BitrateKbps: 900}}}

	settings := config.NewSettings(store.DB)
	cb := breaker.New(breaker.Config{})
	bus := events.New()
	hb := NewHeartbeats()

	w := NewDispatcherWorker(store, settings, dl, cb, bus, tracks, hb, discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	require.NotNil(t, got.Candidate())
	assert.Equal(t, "peer1", got.Candidate().Peer)
}

func TestDispatcherWorker_NoAcceptedHitSchedulesRetry(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	row := &storage.Download{ID: "d1", TrackID: "track-1", Status: storage.StatusWaiting, MaxRetries: 3, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(row).Error)

	tracks := trackmeta.NewStaticReader(nil)
	tracks.Set("track-1", trackmeta.Track{Title: "Song1", Artist: "Artist1"})

	dl := &fakeDownloader{hits: nil}
	settings := config.NewSettings(store.DB)
	cb := breaker.New(breaker.Config{})
	bus := events.New()
	hb := NewHeartbeats()

	w := NewDispatcherWorker(store, settings, dl, cb, bus, tracks, hb, discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.NextRetryAt)
}

func TestDispatcherWorker_RespectsConcurrencyCap(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	active := &storage.Download{ID: "busy", TrackID: "track-0", Status: storage.StatusDownloading, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(active).Error)
	waiting := &storage.Download{ID: "d1", TrackID: "track-1", Status: storage.StatusWaiting, Priority: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.DB.Create(waiting).Error)

	tracks := trackmeta.NewStaticReader(nil)
	settings := config.NewSettings(store.DB)
	require.NoError(t, settings.SetString(config.KeyMaxConcurrent, "1"))
	cb := breaker.New(breaker.Config{})
	bus := events.New()
	hb := NewHeartbeats()

	w := NewDispatcherWorker(store, settings, &fakeDownloader{}, cb, bus, tracks, hb, discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaiting, got.Status, "at capacity the claimed row should be released untouched")
	assert.Empty(t, got.LockedBy)
}
