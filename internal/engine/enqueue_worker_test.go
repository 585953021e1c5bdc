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

type enqueueFake struct {
	ref string
	err error
}

func (d *enqueueFake) Search(context.Context, string) ([]downloader.Hit, error) { return nil, nil }
func (d *enqueueFake) Enqueue(context.Context, string, string, int) (string, error) {
	return d.ref, d.err
}
func (d *enqueueFake) Status(context.Context, string) (downloader.StatusResult, error) {
	return downloader.StatusResult{}, nil
}
func (d *enqueueFake) Cancel(context.Context, string) error { return nil }
func (d *enqueueFake) Ping(context.Context) error           { return nil }

func pendingRowWithCandidate(now time.Time) *storage.Download {
	row := &storage.Download{ID: "d1", TrackID: "t1", Status: storage.StatusPending, MaxRetries: 3, CreatedAt: now, UpdatedAt: now}
	row.SetCandidate(&storage.Candidate{Peer: "peer1", Filename: "song.flac", SizeBytes: 1, BitrateKbps: 320, Format: "flac"})
	return row
}

func TestEnqueueWorker_PromotesPendingToQueuedOnSuccess(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.DB.Create(pendingRowWithCandidate(now)).Error)

	settings := config.NewSettings(store.DB)
	w := NewEnqueueWorker(store, settings, &enqueueFake{ref: "ext-1"}, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusQueued, got.Status)
	assert.Equal(t, "ext-1", got.ExternalRef)
}

func TestEnqueueWorker_RejectedCandidateBlocklistsAndBouncesToWaiting(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.DB.Create(pendingRowWithCandidate(now)).Error)

	rejectErr := &downloader.PortError{Code: downloader.CodeTransferRejected}
	settings := config.NewSettings(store.DB)
	w := NewEnqueueWorker(store, settings, &enqueueFake{err: rejectErr}, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaiting, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	blocked, err := store.IsBlocked("peer1", "song.flac", now)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestEnqueueWorker_RespectsPerPeerConcurrencyCap(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	busy := &storage.Download{ID: "busy", TrackID: "t0", Status: storage.StatusDownloading, CreatedAt: now, UpdatedAt: now}
	busy.SetCandidate(&storage.Candidate{Peer: "peer1", Filename: "other.flac"})
	require.NoError(t, store.DB.Create(busy).Error)
	require.NoError(t, store.DB.Create(pendingRowWithCandidate(now)).Error)

	settings := config.NewSettings(store.DB)
	require.NoError(t, settings.SetString(config.KeyMaxConcurrentPerPeer, "1"))
	w := NewEnqueueWorker(store, settings, &enqueueFake{ref: "ext-1"}, breaker.New(breaker.Config{}), events.New(), NewHeartbeats(), discardLogger())
	w.tick(context.Background())

	got, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status, "per-peer cap should leave the row untouched for a later tick")
	assert.Empty(t, got.LockedBy)
}
