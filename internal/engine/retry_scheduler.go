package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/storage"
)

// RetryScheduler reactivates FAILED rows whose next_retry_at has arrived,
// and reclaims stale worker locks left behind by a crash (spec §4.9,
// §4.2's ReclaimStale).
type RetryScheduler struct {
	store      *storage.Store
	settings   *config.Settings
	bus        *events.Bus
	heartbeats *Heartbeats
	log        *slog.Logger
	workerID   string
	onWake     []func()
}

// NewRetryScheduler builds a RetryScheduler. onWake callbacks (typically
// Dispatcher/Enqueue Nudge) are invoked whenever a row is reactivated so
// the rest of the pipeline doesn't wait out its full tick interval.
func NewRetryScheduler(store *storage.Store, settings *config.Settings, bus *events.Bus, hb *Heartbeats, log *slog.Logger, onWake ...func()) *RetryScheduler {
	return &RetryScheduler{
		store: store, settings: settings, bus: bus, heartbeats: hb, log: log,
		workerID: "retry-" + uuid.NewString()[:8], onWake: onWake,
	}
}

// Run blocks, ticking until ctx is cancelled.
func (w *RetryScheduler) Run(ctx context.Context) {
	for {
		interval := w.settings.RetryInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			w.tick(ctx)
		}
	}
}

func (w *RetryScheduler) tick(_ context.Context) {
	now := time.Now().UTC()
	defer w.heartbeats.Tick("retry_scheduler", now)

	lockTimeout := w.settings.LockTimeout()
	reclaimed, err := w.store.ReclaimStale(now, lockTimeout)
	if err != nil {
		w.log.Error("retry_scheduler: reclaim stale failed", "error", err)
	} else if reclaimed > 0 {
		w.log.Info("retry_scheduler: reclaimed stale locks", "count", reclaimed)
	}

	if err := w.reactivateDue(now); err != nil {
		w.log.Error("retry_scheduler: reactivate failed", "error", err)
	}

	if err := w.resumeScheduled(now); err != nil {
		w.log.Error("retry_scheduler: resume scheduled failed", "error", err)
	}
}

// reactivateDue claims FAILED rows whose next_retry_at has passed and
// bounces them back to WAITING (spec §4.1's "FAILED -> WAITING" edge).
func (w *RetryScheduler) reactivateDue(now time.Time) error {
	for {
		row, err := w.store.ClaimNextFailedDue(w.workerID, now, w.settings.LockTimeout())
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}

		patch := map[string]interface{}{"next_retry_at": nil, "updated_at": now}
		if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusFailed, storage.StatusWaiting, patch); err != nil {
			w.log.Error("retry_scheduler: release failed", "download_id", row.ID, "error", err)
			continue
		}
		w.bus.Publish(events.DownloadChanged{ID: row.ID, Status: string(storage.StatusWaiting), Priority: row.Priority, RetryCount: row.RetryCount, UpdatedAt: now})
		w.wakeDownstream()
	}
}

// resumeScheduled promotes SCHEDULED rows (excluding paused ones, which
// carry the far-future sentinel) whose scheduled_start has arrived
// (spec §4.1's "SCHEDULED -> WAITING" edge).
func (w *RetryScheduler) resumeScheduled(now time.Time) error {
	for {
		row, err := w.store.ClaimNextScheduledDue(w.workerID, now, w.settings.LockTimeout())
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}

		patch := map[string]interface{}{"updated_at": now}
		if err := releaseTransition(w.store, w.workerID, row.ID, storage.StatusScheduled, storage.StatusWaiting, patch); err != nil {
			w.log.Error("retry_scheduler: release failed (scheduled)", "download_id", row.ID, "error", err)
			continue
		}
		w.bus.Publish(events.DownloadChanged{ID: row.ID, Status: string(storage.StatusWaiting), Priority: row.Priority, RetryCount: row.RetryCount, UpdatedAt: now})
		w.wakeDownstream()
	}
}

func (w *RetryScheduler) wakeDownstream() {
	for _, fn := range w.onWake {
		fn()
	}
}
