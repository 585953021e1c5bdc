// Package storage persists Download rows, blocklist entries and
// application settings behind gorm.
package storage

import (
	"time"

	"gorm.io/gorm"
)

// Status is one of the eight states a Download can occupy.
type Status string

const (
	StatusWaiting     Status = "WAITING"
	StatusPending     Status = "PENDING"
	StatusQueued      Status = "QUEUED"
	StatusDownloading Status = "DOWNLOADING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
	StatusScheduled   Status = "SCHEDULED"
)

// NonTerminalStatuses are statuses that still count against queue caps.
var NonTerminalStatuses = []Status{
	StatusWaiting, StatusPending, StatusQueued, StatusDownloading, StatusScheduled, StatusFailed,
}

// ActiveStatuses are statuses that occupy a download slot per spec §3.
var ActiveStatuses = []Status{StatusPending, StatusQueued, StatusDownloading}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Download is the primary entity of the orchestration engine.
type Download struct {
	ID      string `gorm:"primaryKey" json:"id"`
	TrackID string `gorm:"index;not null" json:"track_id"`

	Status        Status `gorm:"index" json:"status"`
	Priority      int    `gorm:"default:0" json:"priority"`
	QueuePosition int    `gorm:"default:0" json:"queue_position"`

	RetryCount int        `gorm:"default:0" json:"retry_count"`
	MaxRetries int        `gorm:"default:3" json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	LastErrorCode    string `json:"last_error_code,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`

	ExternalRef string `gorm:"index" json:"external_ref,omitempty"`

	// Candidate is flattened onto the row; Candidate() reassembles it.
	CandidatePeer     string `json:"-"`
	CandidateFilename string `json:"-"`
	CandidateSize     int64  `json:"-"`
	CandidateBitrate  int    `json:"-"`
	CandidateFormat   string `json:"-"`

	BytesDone  int64 `json:"bytes_done"`
	BytesTotal int64 `json:"bytes_total"`

	TargetPath string `json:"target_path,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LockedBy string     `gorm:"index" json:"-"`
	LockedAt *time.Time `json:"-"`

	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName pins the table name the way the teacher's models do.
func (Download) TableName() string { return "downloads" }

// Candidate is the chosen search hit for a Download.
type Candidate struct {
	Peer        string `json:"peer"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	BitrateKbps int    `json:"bitrate_kbps"`
	Format      string `json:"format"`
}

// Candidate reassembles the flattened candidate columns, or nil if unset.
func (d *Download) Candidate() *Candidate {
	if d.CandidatePeer == "" && d.CandidateFilename == "" {
		return nil
	}
	return &Candidate{
		Peer:        d.CandidatePeer,
		Filename:    d.CandidateFilename,
		SizeBytes:   d.CandidateSize,
		BitrateKbps: d.CandidateBitrate,
		Format:      d.CandidateFormat,
	}
}

// SetCandidate flattens c onto the row's candidate columns.
func (d *Download) SetCandidate(c *Candidate) {
	if c == nil {
		d.CandidatePeer, d.CandidateFilename, d.CandidateSize, d.CandidateBitrate, d.CandidateFormat = "", "", 0, 0, ""
		return
	}
	d.CandidatePeer = c.Peer
	d.CandidateFilename = c.Filename
	d.CandidateSize = c.SizeBytes
	d.CandidateBitrate = c.BitrateKbps
	d.CandidateFormat = c.Format
}

// BlocklistEntry records a peer or peer+filename pair to avoid re-selecting.
type BlocklistEntry struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Peer           string     `gorm:"index" json:"peer"`
	Filename       string     `json:"filename,omitempty"` // empty means whole-peer block
	Reason         string     `json:"reason,omitempty"`
	FailureCount   int        `gorm:"default:1" json:"failure_count"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// TableName pins the table name for BlocklistEntry.
func (BlocklistEntry) TableName() string { return "download_blocklist" }

// Active reports whether the entry is still in effect at the given time.
func (b BlocklistEntry) Active(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// Matches reports whether the entry blocks the given peer/filename pair,
// following the matching rule in spec §3: a null filename blocks the
// whole peer, otherwise the filename must match exactly.
func (b BlocklistEntry) Matches(peer, filename string) bool {
	if b.Peer != peer {
		return false
	}
	return b.Filename == "" || b.Filename == filename
}

// AppSetting is a single key/value row backing the live settings store.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName pins the table name for AppSetting.
func (AppSetting) TableName() string { return "app_settings" }

// DailyStat is a day's aggregate transfer statistics, grounded on the
// teacher's analytics stats model.
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

// TableName pins the table name for DailyStat.
func (DailyStat) TableName() string { return "daily_stats" }
