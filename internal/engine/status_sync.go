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
	"github.com/bozzfozz/soulspot/internal/storage"
)

// StatusSyncWorker polls the external downloader for QUEUED/DOWNLOADING
// rows and reconciles terminal states, driving the circuit breaker on
// transport-class failures (spec §4.8).
type StatusSyncWorker struct {
	store      *storage.Store
	settings   *config.Settings
	downloader downloader.ExternalDownloader
	breaker    *breaker.CircuitBreaker
	bus        *events.Bus
	heartbeats *Heartbeats
	log        *slog.Logger
	workerID   string
}

// NewStatusSyncWorker builds a StatusSyncWorker.
func NewStatusSyncWorker(store *storage.Store, settings *config.Settings, dl downloader.ExternalDownloader,
	cb *breaker.CircuitBreaker, bus *events.Bus, hb *Heartbeats, log *slog.Logger) *StatusSyncWorker {
	return &StatusSyncWorker{
		store: store, settings: settings, downloader: dl, breaker: cb, bus: bus,
		heartbeats: hb, log: log, workerID: "statussync-" + uuid.NewString()[:8],
	}
}

// Run blocks, ticking until ctx is cancelled.
func (w *StatusSyncWorker) Run(ctx context.Context) {
	for {
		interval := w.settings.SyncInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			w.tick(ctx)
		}
	}
}

// syncBatchSize bounds how many active rows a single tick polls, matching
// the Limit(32) candidate window used elsewhere in the store.
const syncBatchSize = 32

func (w *StatusSyncWorker) tick(ctx context.Context) {
	now := time.Now().UTC()
	defer w.heartbeats.Tick("status_sync", now)

	lockTimeout := w.settings.LockTimeout()
	rows, err := w.store.ClaimSyncBatch(w.workerID, []storage.Status{storage.StatusQueued, storage.StatusDownloading}, syncBatchSize, now, lockTimeout)
	if err != nil {
		w.log.Error("status_sync: claim failed", "error", err)
		return
	}

	// Spec §4.8 step 1 polls every claimed active transfer, oldest first;
	// step 2 stops issuing new downloader calls once the breaker trips, so
	// the remaining claimed rows in this tick are released untouched rather
	// than dropped, leaving them to the next tick.
	for i, row := range rows {
		if !w.breaker.Allow() {
			for _, rest := range rows[i:] {
				w.release(rest.ID)
			}
			return
		}
		w.processRow(ctx, row, now)
	}
}

func (w *StatusSyncWorker) processRow(ctx context.Context, row *storage.Download, now time.Time) {
	if row.ExternalRef == "" {
		w.log.Error("status_sync: claimed row with no external_ref", "download_id", row.ID)
		w.release(row.ID)
		return
	}

	result, err := w.downloader.Status(ctx, row.ExternalRef)
	if err != nil {
		if pe, ok := downloader.AsPortError(err); ok {
			if downloader.IsTransportClass(pe.Code) {
				w.breaker.RecordOutcome(false)
			}
			w.handleStatusFailure(row, pe.Code, pe.Error(), now)
			return
		}
		w.breaker.RecordOutcome(false)
		w.handleStatusFailure(row, downloader.CodeNetworkError, err.Error(), now)
		return
	}
	w.breaker.RecordOutcome(true)

	// A cancel may have landed via the API while this row was claimed;
	// any transfer status for an already-terminal row is ignored.
	current, err := w.store.Get(row.ID)
	if err != nil {
		w.log.Error("status_sync: re-read failed", "download_id", row.ID, "error", err)
		w.release(row.ID)
		return
	}
	if current.Status.IsTerminal() {
		w.release(row.ID)
		return
	}

	switch result.State {
	case downloader.TransferQueued:
		w.release(row.ID)

	case downloader.TransferTransferring:
		patch := map[string]interface{}{
			"bytes_done":  result.BytesDone,
			"bytes_total": result.BytesTotal,
			"updated_at":  now,
		}
		if row.Status == storage.StatusQueued {
			if row.StartedAt == nil {
				patch["started_at"] = now
			}
			if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusQueued, storage.StatusDownloading, patch); err != nil {
				w.log.Error("status_sync: release failed", "download_id", row.ID, "error", err)
				return
			}
			w.publish(row.ID, storage.StatusDownloading, row.Priority, row.RetryCount, result.BytesDone, result.BytesTotal, "", now)
			return
		}
		if err := w.store.Release(row.ID, w.workerID, patch); err != nil {
			w.log.Error("status_sync: release failed", "download_id", row.ID, "error", err)
			return
		}
		w.publish(row.ID, row.Status, row.Priority, row.RetryCount, result.BytesDone, result.BytesTotal, "", now)

	case downloader.TransferCompleted:
		if result.BytesDone <= 0 {
			// A "completed" transfer with nothing transferred is not a real
			// completion (spec §4.8 step 3 requires bytes_done > 0).
			w.handleStatusFailure(row, downloader.CodeInvalidFile, "completed with zero bytes transferred", now)
			return
		}
		patch := map[string]interface{}{
			"bytes_done":   result.BytesDone,
			"bytes_total":  result.BytesTotal,
			"target_path":  result.LocalPath,
			"completed_at": now,
			"updated_at":   now,
		}
		if err := releaseTransition(w.store, w.workerID, row.ID, row.Status, storage.StatusCompleted, patch); err != nil {
			w.log.Error("status_sync: release failed", "download_id", row.ID, "error", err)
			return
		}
		if err := w.store.IncrementDailyStat(now.Format("2006-01-02"), result.BytesDone, 1); err != nil {
			w.log.Warn("status_sync: daily stat update failed", "error", err)
		}
		w.publish(row.ID, storage.StatusCompleted, row.Priority, row.RetryCount, result.BytesDone, result.BytesTotal, "", now)

	case downloader.TransferCancelled:
		patch := map[string]interface{}{"completed_at": now, "updated_at": now}
		if err := releaseTransition(w.store, w.workerID, row.ID, row.Status, storage.StatusCancelled, patch); err != nil {
			w.log.Error("status_sync: release failed", "download_id", row.ID, "error", err)
			return
		}
		w.publish(row.ID, storage.StatusCancelled, row.Priority, row.RetryCount, result.BytesDone, result.BytesTotal, "", now)

	default: // errored
		code := downloader.ClassifyRemoteErrorString(result.ErrorMessage)
		w.handleStatusFailure(row, code, result.ErrorMessage, now)
	}
}

// handleStatusFailure applies the "QUEUED/DOWNLOADING -> FAILED" edge,
// feeding the retry scheduler for retryable codes (spec §4.1, §4.8).
func (w *StatusSyncWorker) handleStatusFailure(row *storage.Download, code downloader.ErrorCode, message string, now time.Time) {
	retryCount := row.RetryCount
	patch := map[string]interface{}{
		"last_error_code":    string(code),
		"last_error_message": truncate(message),
		"completed_at":       now,
		"updated_at":         now,
	}
	if downloader.IsRetryable(code) && retryCount < row.MaxRetries {
		backoff := w.settings.RetryBackoff()
		idx := retryCount
		if idx >= len(backoff) {
			idx = len(backoff) - 1
		}
		patch["retry_count"] = retryCount + 1
		patch["next_retry_at"] = now.Add(backoff[idx])
	}
	if err := releaseTransition(w.store, w.workerID, row.ID, row.Status, storage.StatusFailed, patch); err != nil {
		w.log.Error("status_sync: release failed (fail)", "download_id", row.ID, "error", err)
		return
	}
	w.publish(row.ID, storage.StatusFailed, row.Priority, retryCount, row.BytesDone, row.BytesTotal, string(code), now)
}

func (w *StatusSyncWorker) release(id string) {
	if err := w.store.Release(id, w.workerID, map[string]interface{}{}); err != nil {
		w.log.Warn("status_sync: release (no-op) failed", "download_id", id, "error", err)
	}
}

func (w *StatusSyncWorker) publish(id string, status storage.Status, priority, retryCount int, bytesDone, bytesTotal int64, errCode string, now time.Time) {
	w.bus.Publish(events.DownloadChanged{
		ID: id, Status: string(status), Priority: priority, RetryCount: retryCount,
		BytesDone: bytesDone, BytesTotal: bytesTotal, ErrorCode: errCode, UpdatedAt: now,
	})
}
