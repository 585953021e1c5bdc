// Package orchestrator implements OrchestratorAPI, the request-side
// surface the HTTP transport binds to: Enqueue, Cancel, Reprioritize,
// Reorder, BatchAction, List, Stream, Health (spec §4.10).
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/bozzfozz/soulspot/internal/breaker"
	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/downloader"
	"github.com/bozzfozz/soulspot/internal/engine"
	"github.com/bozzfozz/soulspot/internal/events"
	"github.com/bozzfozz/soulspot/internal/storage"
)

// Reason tags are the stable machine-readable codes spec §7 requires on
// API validation failures.
const (
	ReasonNotFound          = "NotFound"
	ReasonInvalidTransition = "InvalidTransition"
	ReasonQueueFull         = "QueueFull"
	ReasonConflict          = "Conflict"
)

// APIError carries a stable Reason alongside a human message, so the HTTP
// layer can map it to the right status code without string matching.
type APIError struct {
	Reason  string
	Message string
}

func (e *APIError) Error() string { return e.Reason + ": " + e.Message }

func notFound(msg string) error          { return &APIError{Reason: ReasonNotFound, Message: msg} }
func queueFull(msg string) error         { return &APIError{Reason: ReasonQueueFull, Message: msg} }
func conflict(msg string) error          { return &APIError{Reason: ReasonConflict, Message: msg} }
func invalidTransition(msg string) error { return &APIError{Reason: ReasonInvalidTransition, Message: msg} }

// Nudger lets the orchestrator wake background workers immediately after
// a mutation instead of waiting for their next tick.
type Nudger interface {
	Nudge()
}

// API is the OrchestratorAPI implementation.
type API struct {
	store      *storage.Store
	settings   *config.Settings
	downloader downloader.ExternalDownloader
	breaker    *breaker.CircuitBreaker
	bus        *events.Bus
	heartbeats *engine.Heartbeats
	dispatcher Nudger
	enqueue    Nudger
	dataDir    string
	log        *slog.Logger
}

// New builds an API. dispatcher/enqueue may be nil in tests that don't
// care about low-latency wakeups. dataDir is the filesystem root Health
// reports free space for (the directory holding the sqlite database).
func New(store *storage.Store, settings *config.Settings, dl downloader.ExternalDownloader, cb *breaker.CircuitBreaker,
	bus *events.Bus, hb *engine.Heartbeats, dispatcher, enqueue Nudger, dataDir string, log *slog.Logger) *API {
	return &API{
		store: store, settings: settings, downloader: dl, breaker: cb, bus: bus,
		heartbeats: hb, dispatcher: dispatcher, enqueue: enqueue, dataDir: dataDir, log: log,
	}
}

func (a *API) nudge() {
	if a.dispatcher != nil {
		a.dispatcher.Nudge()
	}
	if a.enqueue != nil {
		a.enqueue.Nudge()
	}
}

// Enqueue creates a new Download for trackID, or returns the existing
// non-terminal row for the same track (idempotent guard, spec §4.10).
func (a *API) Enqueue(ctx context.Context, trackID string, priority int, scheduledStart *time.Time) (*storage.Download, error) {
	existing, err := a.store.GetActiveByTrack(trackID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	status := storage.StatusWaiting
	if scheduledStart != nil && scheduledStart.After(now) {
		status = storage.StatusScheduled
	}

	row := &storage.Download{
		ID:             uuid.NewString(),
		TrackID:        trackID,
		Status:         status,
		Priority:       priority,
		MaxRetries:     3,
		ScheduledStart: scheduledStart,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.Create(row, a.settings.MaxQueueSize()); err != nil {
		if errors.Is(err, storage.ErrQueueFull) {
			return nil, queueFull("non-terminal queue is at capacity")
		}
		return nil, err
	}

	a.bus.Publish(events.DownloadChanged{ID: row.ID, Status: string(row.Status), Priority: row.Priority, UpdatedAt: now})
	if status == storage.StatusWaiting {
		a.nudge()
	}
	return row, nil
}

// EnqueueAlbum creates a Download for every trackID, returning existing
// rows for any track already in flight (spec §6's POST /downloads/album).
func (a *API) EnqueueAlbum(ctx context.Context, trackIDs []string, priority int) ([]*storage.Download, error) {
	rows := make([]*storage.Download, 0, len(trackIDs))
	for _, id := range trackIDs {
		row, err := a.Enqueue(ctx, id, priority, nil)
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Cancel transitions any non-terminal row other than FAILED to CANCELLED and best-effort
// cancels the downstream transfer (spec §4.10, §5).
func (a *API) Cancel(ctx context.Context, id string) error {
	row, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("download not found")
		}
		return err
	}
	if row.Status.IsTerminal() || row.Status == storage.StatusFailed {
		// Cancel;Cancel is idempotent (spec §8); a FAILED row is left for
		// the retry scheduler rather than pulled into CANCELLED (spec §8
		// scenario S6: cancel is a no-op on every terminal-ish state
		// except an active transfer).
		return nil
	}

	now := time.Now().UTC()
	if err := engine.ValidateTransition(row.Status, storage.StatusCancelled); err != nil {
		return invalidTransition(err.Error())
	}
	patch := map[string]interface{}{"status": storage.StatusCancelled, "completed_at": now, "updated_at": now}
	if err := a.store.UpdateConditional(id, []storage.Status{row.Status}, patch); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return conflict("download changed concurrently")
		}
		return err
	}

	if row.ExternalRef != "" {
		cctx, cancel := context.WithTimeout(ctx, downloader.CancelTimeout)
		defer cancel()
		if err := a.downloader.Cancel(cctx, row.ExternalRef); err != nil {
			a.log.Warn("cancel: downstream cancel failed", "download_id", id, "error", err)
		}
	}

	a.bus.Publish(events.DownloadChanged{ID: id, Status: string(storage.StatusCancelled), Priority: row.Priority, RetryCount: row.RetryCount, UpdatedAt: now})
	return nil
}

// Reprioritize conditionally updates priority on any non-terminal row.
func (a *API) Reprioritize(id string, newPriority int) (*storage.Download, error) {
	row, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("download not found")
		}
		return nil, err
	}
	if row.Status.IsTerminal() {
		return nil, invalidTransition("cannot reprioritize a terminal download")
	}

	now := time.Now().UTC()
	patch := map[string]interface{}{"priority": newPriority, "updated_at": now}
	if err := a.store.UpdateConditional(id, []storage.Status{row.Status}, patch); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, conflict("download changed concurrently")
		}
		return nil, err
	}
	row.Priority = newPriority
	a.bus.Publish(events.DownloadChanged{ID: id, Status: string(row.Status), Priority: newPriority, RetryCount: row.RetryCount, UpdatedAt: now})
	return row, nil
}

// Reorder assigns queue_position in ascending order for orderedIDs; ids
// not listed keep their relative order after the listed ones
// (spec §4.10). Reorder(List().ids) is a documented no-op.
func (a *API) Reorder(orderedIDs []string) (int, error) {
	updated := 0
	listed := make(map[string]bool, len(orderedIDs))
	for i, id := range orderedIDs {
		listed[id] = true
		if err := a.store.SetQueuePosition(id, i); err != nil {
			return updated, err
		}
		updated++
	}

	// Ids left out of the request keep their existing relative order but
	// are pushed after every listed id (spec §4.10).
	rows, _, err := a.store.List(storage.Filter{}, 0, 0)
	if err != nil {
		return updated, err
	}
	next := len(orderedIDs)
	for _, row := range rows {
		if listed[row.ID] {
			continue
		}
		if err := a.store.SetQueuePosition(row.ID, next); err != nil {
			return updated, err
		}
		next++
	}
	return updated, nil
}

// BatchResult is the per-id outcome report for BatchAction (spec §6).
type BatchResult struct {
	SuccessCount int                 `json:"success_count"`
	FailedCount  int                 `json:"failed_count"`
	Errors       []BatchItemError    `json:"errors,omitempty"`
}

// BatchItemError names a single id/reason failure within a batch.
type BatchItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchAction applies action to every id, never failing the whole
// request: each id gets an independent ok/reason outcome (spec §7).
func (a *API) BatchAction(ctx context.Context, action string, ids []string, priority *int) BatchResult {
	result := BatchResult{}
	for _, id := range ids {
		var err error
		switch action {
		case "cancel":
			err = a.Cancel(ctx, id)
		case "retry":
			err = a.retryOne(id)
		case "set_priority":
			if priority == nil {
				err = errors.New("priority required for set_priority")
			} else {
				_, err = a.Reprioritize(id, *priority)
			}
		case "pause":
			err = a.pauseOne(id)
		case "resume":
			err = a.resumeOne(id)
		default:
			err = errors.New("unknown action: " + action)
		}
		if err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, BatchItemError{ID: id, Reason: reasonOf(err)})
			continue
		}
		result.SuccessCount++
	}
	return result
}

func reasonOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return err.Error()
}

// retryOne forces a FAILED row back to WAITING, resetting retry_count
// (spec §4.10: "retry ... resets retry_count to 0 on explicit user
// action"). A WAITING row is already a no-op per the round-trip law.
func (a *API) retryOne(id string) error {
	row, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("download not found")
		}
		return err
	}
	if row.Status == storage.StatusWaiting {
		return nil
	}
	if row.Status != storage.StatusFailed {
		return invalidTransition("retry only applies to FAILED or WAITING downloads")
	}

	now := time.Now().UTC()
	patch := map[string]interface{}{
		"status": storage.StatusWaiting, "retry_count": 0, "next_retry_at": nil, "updated_at": now,
	}
	if err := a.store.UpdateConditional(id, []storage.Status{storage.StatusFailed}, patch); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return conflict("download changed concurrently")
		}
		return err
	}
	a.bus.Publish(events.DownloadChanged{ID: id, Status: string(storage.StatusWaiting), Priority: row.Priority, UpdatedAt: now})
	a.nudge()
	return nil
}

// pauseOne moves a pre-queue row to SCHEDULED with the pause sentinel,
// per spec §9's chosen resolution restricting pause to WAITING/PENDING.
func (a *API) pauseOne(id string) error {
	row, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("download not found")
		}
		return err
	}
	if row.Status != storage.StatusWaiting && row.Status != storage.StatusPending {
		return invalidTransition("pause only applies to WAITING or PENDING downloads")
	}

	now := time.Now().UTC()
	patch := map[string]interface{}{
		"status": storage.StatusScheduled, "scheduled_start": engine.PauseSentinel, "updated_at": now,
	}
	if err := a.store.UpdateConditional(id, []storage.Status{row.Status}, patch); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return conflict("download changed concurrently")
		}
		return err
	}
	a.bus.Publish(events.DownloadChanged{ID: id, Status: string(storage.StatusScheduled), Priority: row.Priority, UpdatedAt: now})
	return nil
}

// resumeOne clears a pause sentinel, moving the row back to WAITING.
func (a *API) resumeOne(id string) error {
	row, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound("download not found")
		}
		return err
	}
	if row.Status != storage.StatusScheduled || !engine.IsPaused(row.ScheduledStart) {
		return invalidTransition("resume only applies to paused downloads")
	}

	now := time.Now().UTC()
	patch := map[string]interface{}{
		"status": storage.StatusWaiting, "scheduled_start": nil, "updated_at": now,
	}
	if err := a.store.UpdateConditional(id, []storage.Status{storage.StatusScheduled}, patch); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return conflict("download changed concurrently")
		}
		return err
	}
	a.bus.Publish(events.DownloadChanged{ID: id, Status: string(storage.StatusWaiting), Priority: row.Priority, UpdatedAt: now})
	a.nudge()
	return nil
}

// List is a read-only paginated query over downloads.
func (a *API) List(statuses []storage.Status, trackID string, limit, offset int) ([]storage.Download, int64, error) {
	return a.store.List(storage.Filter{Statuses: statuses, TrackID: trackID}, limit, offset)
}

// Get fetches a single download by id.
func (a *API) Get(id string) (*storage.Download, error) {
	row, err := a.store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, notFound("download not found")
	}
	return row, err
}

// Subscribe registers a new event stream subscriber.
func (a *API) Subscribe() *events.Subscriber { return a.bus.Subscribe() }

// Unsubscribe removes a stream subscriber.
func (a *API) Unsubscribe(sub *events.Subscriber) { a.bus.Unsubscribe(sub) }

// HealthReport is the payload for GET /downloads/health (spec §6).
type HealthReport struct {
	Breaker        BreakerStatus            `json:"breaker"`
	Workers        []engine.WorkerHeartbeat `json:"workers"`
	CountsByStatus map[string]int64         `json:"counts_by_status"`
	Disk           *DiskStatus              `json:"disk,omitempty"`
}

// BreakerStatus is the circuit breaker's exposed read model (spec §4.4):
// {state, failure_count, last_success_at, last_failure_at, opened_at}.
type BreakerStatus struct {
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

func breakerStatusFrom(snap breaker.Snapshot) BreakerStatus {
	status := BreakerStatus{State: snap.State.String(), FailureCount: snap.FailureCount}
	if !snap.LastSuccessAt.IsZero() {
		t := snap.LastSuccessAt
		status.LastSuccessAt = &t
	}
	if !snap.LastFailureAt.IsZero() {
		t := snap.LastFailureAt
		status.LastFailureAt = &t
	}
	if !snap.OpenedAt.IsZero() {
		t := snap.OpenedAt
		status.OpenedAt = &t
	}
	return status
}

// DiskStatus reports free space on the volume backing dataDir, so an
// operator can see storage pressure without shelling into the host.
type DiskStatus struct {
	TotalBytes   uint64  `json:"total_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	UsedPercent  float64 `json:"used_percent"`
}

// Health reports breaker state, worker heartbeats, counts by status, and
// free disk space on the data volume.
func (a *API) Health() (HealthReport, error) {
	counts := make(map[string]int64)
	for _, status := range []storage.Status{
		storage.StatusWaiting, storage.StatusPending, storage.StatusQueued, storage.StatusDownloading,
		storage.StatusCompleted, storage.StatusFailed, storage.StatusCancelled, storage.StatusScheduled,
	} {
		_, total, err := a.store.List(storage.Filter{Statuses: []storage.Status{status}}, 1, 0)
		if err != nil {
			return HealthReport{}, err
		}
		counts[string(status)] = total
	}

	report := HealthReport{
		Breaker:        breakerStatusFrom(a.breaker.Snapshot()),
		Workers:        a.heartbeats.Snapshot(time.Now().UTC()),
		CountsByStatus: counts,
	}

	if usage, err := disk.Usage(a.dataDir); err == nil {
		report.Disk = &DiskStatus{TotalBytes: usage.Total, FreeBytes: usage.Free, UsedPercent: usage.UsedPercent}
	} else {
		a.log.Warn("health: disk usage unavailable", "data_dir", a.dataDir, "error", err)
	}

	return report, nil
}

// DailyStatEntry is one day's transfer totals, as surfaced by Stats.
type DailyStatEntry struct {
	Date  string `json:"date"`
	Bytes int64  `json:"bytes"`
	Files int64  `json:"files"`
}

// Stats reports completed-transfer totals for the last sinceDays days
// (spec's supplemented GET /downloads/stats endpoint).
func (a *API) Stats(sinceDays int) ([]DailyStatEntry, error) {
	if sinceDays <= 0 {
		sinceDays = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -sinceDays).Format("2006-01-02")
	rows, err := a.store.ListDailyStats(since)
	if err != nil {
		return nil, err
	}
	out := make([]DailyStatEntry, len(rows))
	for i, row := range rows {
		out[i] = DailyStatEntry{Date: row.Date, Bytes: row.Bytes, Files: row.Files}
	}
	return out, nil
}
