package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bozzfozz/soulspot/internal/breaker"
	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/downloader"
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/quality"
	"github.com/bozzfozz/soulspot/internal/storage"
	"github.com/bozzfozz/soulspot/internal/trackmeta"
)

// storeBlocklist adapts *storage.Store to quality.Blocklist, binding the
// "now" evaluation point and swallowing lookup errors (a blocklist read
// failure must not stall dispatch; an unreachable row defaults to "not
// blocked" and lets the normal retry/backoff path deal with a bad pick).
type storeBlocklist struct {
	store *storage.Store
	now   time.Time
	log   *slog.Logger
}

func (b storeBlocklist) IsBlocked(peer, filename string) bool {
	blocked, err := b.store.IsBlocked(peer, filename, b.now)
	if err != nil {
		b.log.Warn("blocklist lookup failed", "peer", peer, "error", err)
		return false
	}
	return blocked
}

// DispatcherWorker promotes WAITING rows to PENDING by searching the
// external downloader and selecting a candidate via the QualityScorer
// (spec §4.6).
type DispatcherWorker struct {
	store      *storage.Store
	settings   *config.Settings
	downloader downloader.ExternalDownloader
	breaker    *breaker.CircuitBreaker
	bus        *events.Bus
	tracks     trackmeta.Reader
	heartbeats *Heartbeats
	wake       *wakeup
	log        *slog.Logger
	workerID   string
}

// NewDispatcherWorker builds a DispatcherWorker.
func NewDispatcherWorker(store *storage.Store, settings *config.Settings, dl downloader.ExternalDownloader,
	cb *breaker.CircuitBreaker, bus *events.Bus, tracks trackmeta.Reader, hb *Heartbeats, log *slog.Logger) *DispatcherWorker {
	return &DispatcherWorker{
		store: store, settings: settings, downloader: dl, breaker: cb, bus: bus,
		tracks: tracks, heartbeats: hb, wake: newWakeup(), log: log, workerID: "dispatcher-" + uuid.NewString()[:8],
	}
}

// Nudge wakes the worker immediately instead of waiting for its next tick.
func (w *DispatcherWorker) Nudge() { w.wake.Broadcast() }

// Run blocks, ticking until ctx is cancelled.
func (w *DispatcherWorker) Run(ctx context.Context) {
	for {
		interval := w.settings.DispatchInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			w.tick(ctx)
		case <-w.wake.C():
			w.tick(ctx)
		}
	}
}

func (w *DispatcherWorker) tick(ctx context.Context) {
	now := time.Now().UTC()
	defer w.heartbeats.Tick("dispatcher", now)

	lockTimeout := w.settings.LockTimeout()
	row, err := w.store.ClaimNext(w.workerID, []storage.Status{storage.StatusWaiting}, now, lockTimeout)
	if err != nil {
		w.log.Error("dispatcher: claim failed", "error", err)
		return
	}
	if row == nil {
		return
	}

	maxConcurrent := w.settings.MaxConcurrent()
	active, err := w.store.CountActive(storage.Filter{})
	if err != nil {
		w.log.Error("dispatcher: count active failed", "error", err)
		w.release(row.ID, nil)
		return
	}
	if int(active) >= maxConcurrent {
		w.release(row.ID, nil)
		return
	}

	track, err := w.tracks.Get(ctx, row.TrackID)
	if err != nil {
		w.log.Warn("dispatcher: track metadata lookup failed", "track_id", row.TrackID, "error", err)
		w.failOrRetry(row, string(downloader.CodeNoResults), "track metadata unavailable", now)
		return
	}

	if !w.breaker.Allow() {
		w.release(row.ID, nil)
		return
	}

	hits, err := w.downloader.Search(ctx, track.Query())
	if err != nil {
		if pe, ok := downloader.AsPortError(err); ok {
			if downloader.IsTransportClass(pe.Code) {
				w.breaker.RecordOutcome(false)
			}
			w.failOrRetry(row, string(pe.Code), pe.Error(), now)
			return
		}
		w.breaker.RecordOutcome(false)
		w.failOrRetry(row, string(downloader.CodeNetworkError), err.Error(), now)
		return
	}
	w.breaker.RecordOutcome(true)

	profile := w.settings.QualityProfile()
	bl := storeBlocklist{store: w.store, now: now, log: w.log}
	best, score, ok := quality.Best(hits, profile, bl)
	if !ok {
		w.failOrRetry(row, string(downloader.CodeNoResults), "no accepted candidate", now)
		return
	}
	w.log.Debug("dispatcher: candidate selected", "download_id", row.ID, "peer", best.Peer, "score", score)

	patch := map[string]interface{}{
		"candidate_peer":     best.Peer,
		"candidate_filename": best.Filename,
		"candidate_size":     best.SizeBytes,
		"candidate_bitrate":  best.BitrateKbps,
		"candidate_format":   best.Format,
		"updated_at":         now,
	}
	if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusWaiting, storage.StatusPending, patch); err != nil {
		w.log.Error("dispatcher: release failed", "download_id", row.ID, "error", err)
		return
	}
	w.publish(row.ID, storage.StatusPending, row.Priority, row.RetryCount, 0, 0, "", now)
}

// failOrRetry applies the retry/backoff decision for a dispatch-stage
// failure (spec §4.1's "WAITING -> FAILED" edge and §4.9's backoff rule).
func (w *DispatcherWorker) failOrRetry(row *storage.Download, code, message string, now time.Time) {
	retryCount := row.RetryCount
	if downloader.IsRetryable(downloader.ErrorCode(code)) && retryCount < row.MaxRetries {
		backoff := w.settings.RetryBackoff()
		idx := retryCount
		if idx >= len(backoff) {
			idx = len(backoff) - 1
		}
		next := now.Add(backoff[idx])
		patch := map[string]interface{}{
			"retry_count":         retryCount + 1,
			"next_retry_at":       next,
			"last_error_code":     code,
			"last_error_message":  truncate(message),
			"completed_at":        now,
			"updated_at":          now,
		}
		if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusWaiting, storage.StatusFailed, patch); err != nil {
			w.log.Error("dispatcher: release failed (retry)", "download_id", row.ID, "error", err)
			return
		}
		w.publish(row.ID, storage.StatusFailed, row.Priority, retryCount+1, row.BytesDone, row.BytesTotal, code, now)
		return
	}

	patch := map[string]interface{}{
		"last_error_code":     code,
		"last_error_message":  truncate(message),
		"completed_at":        now,
		"updated_at":          now,
	}
	if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusWaiting, storage.StatusFailed, patch); err != nil {
		w.log.Error("dispatcher: release failed (terminal)", "download_id", row.ID, "error", err)
		return
	}
	w.publish(row.ID, storage.StatusFailed, row.Priority, retryCount, row.BytesDone, row.BytesTotal, code, now)
}

func (w *DispatcherWorker) release(id string, patch map[string]interface{}) {
	if patch == nil {
		patch = map[string]interface{}{}
	}
	if err := w.store.Release(id, w.workerID, patch); err != nil {
		w.log.Warn("dispatcher: release (no-op) failed", "download_id", id, "error", err)
	}
}

func (w *DispatcherWorker) publish(id string, status storage.Status, priority, retryCount int, bytesDone, bytesTotal int64, errCode string, now time.Time) {
	w.bus.Publish(events.DownloadChanged{
		ID: id, Status: string(status), Priority: priority, RetryCount: retryCount,
		BytesDone: bytesDone, BytesTotal: bytesTotal, ErrorCode: errCode, UpdatedAt: now,
	})
}

const maxErrorMessageBytes = 2048

func truncate(s string) string {
	if len(s) <= maxErrorMessageBytes {
		return s
	}
	return s[:maxErrorMessageBytes]
}
