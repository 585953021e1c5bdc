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

// EnqueueWorker promotes PENDING rows to QUEUED by handing the chosen
// candidate to the external downloader (spec §4.7).
type EnqueueWorker struct {
	store      *storage.Store
	settings   *config.Settings
	downloader downloader.ExternalDownloader
	breaker    *breaker.CircuitBreaker
	bus        *events.Bus
	heartbeats *Heartbeats
	wake       *wakeup
	log        *slog.Logger
	workerID   string
}

// NewEnqueueWorker builds an EnqueueWorker.
func NewEnqueueWorker(store *storage.Store, settings *config.Settings, dl downloader.ExternalDownloader,
	cb *breaker.CircuitBreaker, bus *events.Bus, hb *Heartbeats, log *slog.Logger) *EnqueueWorker {
	return &EnqueueWorker{
		store: store, settings: settings, downloader: dl, breaker: cb, bus: bus,
		heartbeats: hb, wake: newWakeup(), log: log, workerID: "enqueue-" + uuid.NewString()[:8],
	}
}

// Nudge wakes the worker immediately.
func (w *EnqueueWorker) Nudge() { w.wake.Broadcast() }

// Run blocks, ticking until ctx is cancelled.
func (w *EnqueueWorker) Run(ctx context.Context) {
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

func (w *EnqueueWorker) tick(ctx context.Context) {
	now := time.Now().UTC()
	defer w.heartbeats.Tick("enqueue", now)

	lockTimeout := w.settings.LockTimeout()
	row, err := w.store.ClaimNext(w.workerID, []storage.Status{storage.StatusPending}, now, lockTimeout)
	if err != nil {
		w.log.Error("enqueue: claim failed", "error", err)
		return
	}
	if row == nil {
		return
	}

	candidate := row.Candidate()
	if candidate == nil {
		w.log.Error("enqueue: claimed PENDING row with no candidate", "download_id", row.ID)
		w.retryToWaiting(row, string(downloader.CodeTransferFailed), "missing candidate", now)
		return
	}

	maxPerPeer := w.settings.MaxConcurrentPerPeer()
	activePeer, err := w.store.CountActiveByPeer(candidate.Peer)
	if err != nil {
		w.log.Error("enqueue: per-peer count failed", "error", err)
		w.release(row.ID)
		return
	}
	// activePeer includes this PENDING row itself.
	if int(activePeer) > maxPerPeer {
		w.release(row.ID)
		return
	}

	if !w.breaker.Allow() {
		w.release(row.ID)
		return
	}

	ref, err := w.downloader.Enqueue(ctx, candidate.Peer, candidate.Filename, row.Priority)
	if err != nil {
		if pe, ok := downloader.AsPortError(err); ok {
			if downloader.IsTransportClass(pe.Code) {
				w.breaker.RecordOutcome(false)
			}
			w.handleEnqueueFailure(row, candidate, pe.Code, pe.Error(), now)
			return
		}
		w.breaker.RecordOutcome(false)
		w.handleEnqueueFailure(row, candidate, downloader.CodeNetworkError, err.Error(), now)
		return
	}
	w.breaker.RecordOutcome(true)

	patch := map[string]interface{}{
		"external_ref": ref,
		"queued_at":    now,
		"updated_at":   now,
	}
	if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusPending, storage.StatusQueued, patch); err != nil {
		w.log.Error("enqueue: release failed", "download_id", row.ID, "error", err)
		return
	}
	w.bus.Publish(events.DownloadChanged{
		ID: row.ID, Status: string(storage.StatusQueued), Priority: row.Priority,
		RetryCount: row.RetryCount, UpdatedAt: now,
	})
}

// handleEnqueueFailure applies spec §4.1's "Rejected/NotFound" handling:
// record the error, blocklist the candidate, and bounce back to WAITING
// to let the dispatcher try an alternative. The row goes to terminal
// FAILED instead when the code is not retryable (FILE_NOT_FOUND) or the
// retry budget is spent.
func (w *EnqueueWorker) handleEnqueueFailure(row *storage.Download, candidate *storage.Candidate, code downloader.ErrorCode, message string, now time.Time) {
	if code == downloader.CodeTransferRejected || code == downloader.CodeFileNotFound {
		blockID := uuid.NewString()
		if err := w.store.AddBlock(blockID, candidate.Peer, candidate.Filename, string(code), now, 0); err != nil {
			w.log.Warn("enqueue: add block failed", "error", err)
		}
	}
	w.retryToWaiting(row, string(code), message, now)
}

func (w *EnqueueWorker) retryToWaiting(row *storage.Download, code, message string, now time.Time) {
	retryCount := row.RetryCount
	if !downloader.IsRetryable(downloader.ErrorCode(code)) || retryCount >= row.MaxRetries {
		patch := map[string]interface{}{
			"last_error_code":    code,
			"last_error_message": truncate(message),
			"completed_at":       now,
			"updated_at":         now,
		}
		if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusPending, storage.StatusFailed, patch); err != nil {
			w.log.Error("enqueue: release failed (terminal)", "download_id", row.ID, "error", err)
			return
		}
		w.bus.Publish(events.DownloadChanged{ID: row.ID, Status: string(storage.StatusFailed), Priority: row.Priority, RetryCount: retryCount, ErrorCode: code, UpdatedAt: now})
		return
	}

	// "prefer alternative candidate" codes bump retry_count without
	// scheduling a future retry (spec §4.1 tie-break note).
	patch := map[string]interface{}{
		"retry_count":         retryCount + 1,
		"last_error_code":     code,
		"last_error_message":  truncate(message),
		"updated_at":          now,
	}
	if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusPending, storage.StatusWaiting, patch); err != nil {
		w.log.Error("enqueue: release failed (retry)", "download_id", row.ID, "error", err)
		return
	}
	w.bus.Publish(events.DownloadChanged{ID: row.ID, Status: string(storage.StatusWaiting), Priority: row.Priority, RetryCount: retryCount + 1, ErrorCode: code, UpdatedAt: now})
}

func (w *EnqueueWorker) release(id string) {
	if err := w.store.Release(id, w.workerID, map[string]interface{}{}); err != nil {
		w.log.Warn("enqueue: release (no-op) failed", "download_id", id, "error", err)
	}
}
