package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store wraps a gorm DB handle with the atomic operations the download
// engine relies on. The exported DB field mirrors the teacher's
// storage.Storage{DB: db} shape so tests can open an in-memory sqlite
// handle directly, the way storage/db_test.go and core/engine_test.go do.
type Store struct {
	DB *gorm.DB
}

// Open runs AutoMigrate against the given gorm DB and returns a Store.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Download{}, &BlocklistEntry{}, &AppSetting{}, &DailyStat{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Filter narrows List/CountActive queries.
type Filter struct {
	Statuses []Status
	TrackID  string
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.TrackID != "" {
		q = q.Where("track_id = ?", f.TrackID)
	}
	return q
}

// Create inserts a new Download, rejecting it if the non-terminal count
// has reached maxQueueSize (spec §4.2).
func (s *Store) Create(d *Download, maxQueueSize int) error {
	var count int64
	if err := s.DB.Model(&Download{}).Where("status IN ?", NonTerminalStatuses).Count(&count).Error; err != nil {
		return fmt.Errorf("storage: count active: %w", err)
	}
	if maxQueueSize > 0 && int(count) >= maxQueueSize {
		return ErrQueueFull
	}
	if err := s.DB.Create(d).Error; err != nil {
		return fmt.Errorf("storage: create: %w", err)
	}
	return nil
}

// Get fetches a Download by id.
func (s *Store) Get(id string) (*Download, error) {
	var d Download
	if err := s.DB.First(&d, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	return &d, nil
}

// GetActiveByTrack returns the non-terminal Download for a track, if any,
// backing the idempotent-Enqueue guarantee in spec §4.10.
func (s *Store) GetActiveByTrack(trackID string) (*Download, error) {
	var d Download
	err := s.DB.Where("track_id = ? AND status IN ?", trackID, NonTerminalStatuses).
		Order("created_at asc").First(&d).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get active by track: %w", err)
	}
	return &d, nil
}

// List returns rows matching filter, ordered by priority desc then
// queue_position asc then created_at asc, paginated.
func (s *Store) List(filter Filter, limit, offset int) ([]Download, int64, error) {
	q := filter.apply(s.DB.Model(&Download{}))
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("storage: count: %w", err)
	}
	q = filter.apply(s.DB.Model(&Download{})).Order("priority desc, queue_position asc, created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var rows []Download
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("storage: list: %w", err)
	}
	return rows, total, nil
}

// CountActive counts PENDING, QUEUED and DOWNLOADING rows, optionally narrowed by filter,
// used to enforce the global/per-peer concurrency caps in spec §5.
func (s *Store) CountActive(filter Filter) (int64, error) {
	q := filter.apply(s.DB.Model(&Download{}).Where("status IN ?", ActiveStatuses))
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("storage: count active: %w", err)
	}
	return count, nil
}

// CountActiveByPeer counts active rows whose candidate peer matches.
func (s *Store) CountActiveByPeer(peer string) (int64, error) {
	var count int64
	err := s.DB.Model(&Download{}).
		Where("status IN ? AND candidate_peer = ?", ActiveStatuses, peer).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("storage: count active by peer: %w", err)
	}
	return count, nil
}

// ClaimNext atomically claims the highest-priority row among states that
// is unlocked or whose lock is stale. It scans a bounded set of
// candidates in priority order and performs a conditional UPDATE per
// candidate, relying on sqlite evaluating each UPDATE's WHERE clause
// atomically; the first UPDATE that affects exactly one row wins the
// claim, so two concurrent ClaimNext callers can never return the same
// row (spec §4.2, testable property 4).
func (s *Store) ClaimNext(workerID string, states []Status, now time.Time, lockTimeout time.Duration) (*Download, error) {
	staleCutoff := now.Add(-lockTimeout)

	var candidateIDs []string
	err := s.DB.Model(&Download{}).
		Where("status IN ?", states).
		Order("priority desc, queue_position asc, created_at asc").
		Limit(32).
		Pluck("id", &candidateIDs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: claim candidates: %w", err)
	}

	for _, id := range candidateIDs {
		res := s.DB.Model(&Download{}).
			Where("id = ? AND status IN ? AND (locked_by = '' OR locked_at <= ?)", id, states, staleCutoff).
			Updates(map[string]interface{}{"locked_by": workerID, "locked_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("storage: claim update: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return s.Get(id)
		}
	}
	return nil, nil
}

// ClaimSyncBatch claims up to batchSize rows in states, oldest updated_at
// first, using the same conditional-UPDATE-plus-RowsAffected pattern as
// ClaimNext. Spec §4.8 step 1 polls every active transfer each tick rather
// than the single highest-priority row, so this orders by staleness instead
// of dispatch priority.
func (s *Store) ClaimSyncBatch(workerID string, states []Status, batchSize int, now time.Time, lockTimeout time.Duration) ([]*Download, error) {
	staleCutoff := now.Add(-lockTimeout)

	var candidateIDs []string
	err := s.DB.Model(&Download{}).
		Where("status IN ?", states).
		Order("updated_at asc").
		Limit(batchSize * 4).
		Pluck("id", &candidateIDs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: claim sync batch candidates: %w", err)
	}

	claimed := make([]*Download, 0, batchSize)
	for _, id := range candidateIDs {
		if len(claimed) >= batchSize {
			break
		}
		res := s.DB.Model(&Download{}).
			Where("id = ? AND status IN ? AND (locked_by = '' OR locked_at <= ?)", id, states, staleCutoff).
			Updates(map[string]interface{}{"locked_by": workerID, "locked_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("storage: claim sync batch update: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			row, err := s.Get(id)
			if err != nil {
				return nil, err
			}
			claimed = append(claimed, row)
		}
	}
	return claimed, nil
}

// ClaimNextFailedDue claims the oldest FAILED row whose next_retry_at has
// arrived, using the same conditional-UPDATE-plus-RowsAffected pattern as
// ClaimNext but filtered on status and next_retry_at only; workers set
// next_retry_at only on FAILED rows they schedule for a retry.
func (s *Store) ClaimNextFailedDue(workerID string, now time.Time, lockTimeout time.Duration) (*Download, error) {
	staleCutoff := now.Add(-lockTimeout)

	var candidateIDs []string
	err := s.DB.Model(&Download{}).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", StatusFailed, now).
		Order("next_retry_at asc").
		Limit(32).
		Pluck("id", &candidateIDs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: claim due candidates: %w", err)
	}

	for _, id := range candidateIDs {
		res := s.DB.Model(&Download{}).
			Where("id = ? AND status = ? AND (locked_by = '' OR locked_at <= ?)", id, StatusFailed, staleCutoff).
			Updates(map[string]interface{}{"locked_by": workerID, "locked_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("storage: claim due update: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return s.Get(id)
		}
	}
	return nil, nil
}

// ClaimNextScheduledDue claims the oldest SCHEDULED row whose
// scheduled_start has arrived and is not the far-future pause sentinel.
func (s *Store) ClaimNextScheduledDue(workerID string, now time.Time, lockTimeout time.Duration) (*Download, error) {
	staleCutoff := now.Add(-lockTimeout)

	var candidateIDs []string
	err := s.DB.Model(&Download{}).
		Where("status = ? AND scheduled_start IS NOT NULL AND scheduled_start <= ?", StatusScheduled, now).
		Order("scheduled_start asc").
		Limit(32).
		Pluck("id", &candidateIDs).Error
	if err != nil {
		return nil, fmt.Errorf("storage: claim scheduled candidates: %w", err)
	}

	for _, id := range candidateIDs {
		res := s.DB.Model(&Download{}).
			Where("id = ? AND status = ? AND (locked_by = '' OR locked_at <= ?)", id, StatusScheduled, staleCutoff).
			Updates(map[string]interface{}{"locked_by": workerID, "locked_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("storage: claim scheduled update: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return s.Get(id)
		}
	}
	return nil, nil
}

// ReclaimStale clears locks older than now-lockTimeout, returning the
// number of rows reclaimed (spec §4.2).
func (s *Store) ReclaimStale(now time.Time, lockTimeout time.Duration) (int64, error) {
	cutoff := now.Add(-lockTimeout)
	res := s.DB.Model(&Download{}).
		Where("locked_by != '' AND locked_at <= ?", cutoff).
		Updates(map[string]interface{}{"locked_by": "", "locked_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("storage: reclaim stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Release applies patch to the row, succeeding only if it is still held
// by workerID; on success the lock is cleared (spec §4.2).
func (s *Store) Release(id, workerID string, patch map[string]interface{}) error {
	patch["locked_by"] = ""
	patch["locked_at"] = nil
	res := s.DB.Model(&Download{}).Where("id = ? AND locked_by = ?", id, workerID).Updates(patch)
	if res.Error != nil {
		return fmt.Errorf("storage: release: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateConditional applies patch only if the row's current status is one
// of expected, used by API mutations that need no claim (spec §4.2).
func (s *Store) UpdateConditional(id string, expected []Status, patch map[string]interface{}) error {
	res := s.DB.Model(&Download{}).Where("id = ? AND status IN ?", id, expected).Updates(patch)
	if res.Error != nil {
		return fmt.Errorf("storage: update conditional: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// SetQueuePosition sets the queue_position column directly, used by Reorder.
func (s *Store) SetQueuePosition(id string, pos int) error {
	return s.DB.Model(&Download{}).Where("id = ?", id).Update("queue_position", pos).Error
}

// Blocklist operations.

// AddBlock inserts or bumps a blocklist entry for peer/filename.
func (s *Store) AddBlock(id, peer, filename, reason string, now time.Time, ttl time.Duration) error {
	if err := s.IncrementFailure(peer, filename); err == nil {
		return nil
	} else if err != ErrNotFound {
		return err
	}
	var expires *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expires = &t
	}
	entry := BlocklistEntry{
		ID:           id,
		Peer:         peer,
		Filename:     filename,
		Reason:       reason,
		FailureCount: 1,
		CreatedAt:    now,
		ExpiresAt:    expires,
	}
	if err := s.DB.Create(&entry).Error; err != nil {
		return fmt.Errorf("storage: add block: %w", err)
	}
	return nil
}

// IsBlocked reports whether peer/filename is covered by an active
// blocklist entry, per the matching rule in spec §3.
func (s *Store) IsBlocked(peer, filename string, now time.Time) (bool, error) {
	var entries []BlocklistEntry
	if err := s.DB.Where("peer = ?", peer).Find(&entries).Error; err != nil {
		return false, fmt.Errorf("storage: is blocked: %w", err)
	}
	for _, e := range entries {
		if e.Active(now) && e.Matches(peer, filename) {
			return true, nil
		}
	}
	return false, nil
}

// IncrementFailure bumps the failure_count of an existing peer/filename
// entry, or returns ErrNotFound if none exists yet.
func (s *Store) IncrementFailure(peer, filename string) error {
	res := s.DB.Model(&BlocklistEntry{}).
		Where("peer = ? AND filename = ?", peer, filename).
		Update("failure_count", gorm.Expr("failure_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("storage: increment failure: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpired deletes blocklist entries whose expiry has passed.
func (s *Store) PurgeExpired(now time.Time) (int64, error) {
	res := s.DB.Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&BlocklistEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("storage: purge expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PruneTerminal deletes terminal rows older than olderThan, implementing
// the optional retention policy hinted at in spec §3.
func (s *Store) PruneTerminal(olderThan time.Time) (int64, error) {
	res := s.DB.Where("status IN ? AND completed_at IS NOT NULL AND completed_at <= ?",
		[]Status{StatusCompleted, StatusFailed, StatusCancelled}, olderThan).Delete(&Download{})
	if res.Error != nil {
		return 0, fmt.Errorf("storage: prune terminal: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// IncrementDailyStat upserts today's byte/file counters, grounded on the
// teacher's StatsManager.TrackDownloadBytes upsert.
func (s *Store) IncrementDailyStat(date string, bytesDelta, filesDelta int64) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		err := tx.Where("date = ?", date).First(&stat).Error
		if err == gorm.ErrRecordNotFound {
			stat = DailyStat{Date: date, Bytes: bytesDelta, Files: filesDelta}
			return tx.Create(&stat).Error
		}
		if err != nil {
			return err
		}
		stat.Bytes += bytesDelta
		stat.Files += filesDelta
		return tx.Save(&stat).Error
	})
}

// ListDailyStats returns daily transfer totals for dates >= sinceDate,
// most recent first.
func (s *Store) ListDailyStats(sinceDate string) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.DB.Where("date >= ?", sinceDate).Order("date desc").Find(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list daily stats: %w", err)
	}
	return stats, nil
}
