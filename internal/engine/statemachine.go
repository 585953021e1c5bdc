// Package engine hosts the background workers that drive Download rows
// through their lifecycle: DispatcherWorker, EnqueueWorker,
// StatusSyncWorker, RetryScheduler, and the retention pruning job. Each
// worker is a goroutine running a ticker loop, grounded on the teacher's
// queueWorker shape in internal/engine/executor.go.
package engine

import (
	"errors"
	"time"

	"github.com/bozzfozz/soulspot/internal/storage"
)

// ErrIllegalTransition is returned when a caller attempts a status change
// not present in the transition table below (spec §4.1).
var ErrIllegalTransition = errors.New("engine: illegal transition")

// transitions enumerates every legal Status -> Status edge from spec §4.1.
// A brand new row has no entry here: creation writes WAITING or SCHEDULED
// directly without consulting the table.
var transitions = map[storage.Status][]storage.Status{
	storage.StatusScheduled:   {storage.StatusWaiting, storage.StatusCancelled},
	storage.StatusWaiting:     {storage.StatusPending, storage.StatusFailed, storage.StatusCancelled, storage.StatusScheduled},
	storage.StatusPending:     {storage.StatusQueued, storage.StatusWaiting, storage.StatusCancelled, storage.StatusScheduled},
	storage.StatusQueued:      {storage.StatusDownloading, storage.StatusCompleted, storage.StatusFailed, storage.StatusCancelled},
	storage.StatusDownloading: {storage.StatusCompleted, storage.StatusFailed, storage.StatusCancelled},
	storage.StatusFailed:      {storage.StatusWaiting},
	storage.StatusCompleted:   {},
	storage.StatusCancelled:   {},
}

// ValidateTransition reports whether moving a row from `from` to `to` is
// legal per the table above. Terminal statuses (COMPLETED, CANCELLED)
// never transition anywhere.
func ValidateTransition(from, to storage.Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return ErrIllegalTransition
}

// PauseSentinel is the far-future timestamp used to represent a paused
// row, per spec §9: pause moves WAITING|PENDING rows to SCHEDULED with
// this sentinel rather than introducing a tenth state.
var PauseSentinel = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// IsPaused reports whether a SCHEDULED row is a user pause rather than a
// future-dated scheduled start.
func IsPaused(scheduledStart *time.Time) bool {
	return scheduledStart != nil && scheduledStart.Equal(PauseSentinel)
}

// releaseTransition validates from->to against the transition table
// before handing patch to store.Release, so a worker bug can never
// persist a status the table doesn't allow.
func releaseTransition(store *storage.Store, workerID, id string, from, to storage.Status, patch map[string]interface{}) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	patch["status"] = to
	return store.Release(id, workerID, patch)
}
