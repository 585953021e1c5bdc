// Package config provides the live-reloaded settings key/value store and
// process-level environment configuration, grounded in the teacher's
// internal/config.ConfigManager typed-getter pattern.
package config

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/bozzfozz/soulspot/internal/storage"
)

// Recognized setting keys (spec §3).
const (
	KeyMaxConcurrent        = "download.max_concurrent"
	KeyMaxConcurrentPerPeer = "download.max_concurrent_per_peer"
	KeyMaxQueueSize         = "download.max_queue_size"
	KeySyncIntervalMs       = "download.sync_interval_ms"
	KeyDispatchIntervalMs   = "download.dispatch_interval_ms"
	KeyRetryIntervalMs      = "download.retry_interval_ms"
	KeyBreakerFailureThresh = "download.breaker_failure_threshold"
	KeyBreakerRecoveryMs    = "download.breaker_recovery_ms"
	KeyRetryBackoffMs       = "download.retry_backoff_ms"
	KeyAutoImport           = "download.auto_import"
	KeyQualityProfile       = "download.quality_profile"
	KeyRetentionDays        = "download.retention_days"
	KeyLockTimeoutMs        = "download.lock_timeout_ms"
)

// Settings is a thin typed wrapper over the AppSetting gorm table. Workers
// call its getters at the top of every tick instead of caching values
// across ticks, per spec §9.
type Settings struct {
	db *gorm.DB
}

// NewSettings builds a Settings store from a gorm handle already migrated
// by storage.Open.
func NewSettings(db *gorm.DB) *Settings {
	return &Settings{db: db}
}

func (s *Settings) getString(key, fallback string) string {
	var row storage.AppSetting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return fallback
	}
	return row.Value
}

// SetString stores a raw string value under key.
func (s *Settings) SetString(key, value string) error {
	row := storage.AppSetting{Key: key, Value: value}
	return s.db.Save(&row).Error
}

func (s *Settings) getInt(key string, fallback int) int {
	v := s.getString(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Settings) getBool(key string, fallback bool) bool {
	v := s.getString(key, "")
	if v == "" {
		return fallback
	}
	return v == "true"
}

// MaxConcurrent returns the global active-download cap.
func (s *Settings) MaxConcurrent() int { return s.getInt(KeyMaxConcurrent, 3) }

// MaxConcurrentPerPeer returns the per-peer active-download cap.
func (s *Settings) MaxConcurrentPerPeer() int { return s.getInt(KeyMaxConcurrentPerPeer, 1) }

// MaxQueueSize returns the non-terminal row cap.
func (s *Settings) MaxQueueSize() int { return s.getInt(KeyMaxQueueSize, 100) }

// SyncInterval returns the StatusSyncWorker tick cadence.
func (s *Settings) SyncInterval() time.Duration {
	return time.Duration(s.getInt(KeySyncIntervalMs, 5000)) * time.Millisecond
}

// DispatchInterval returns the Dispatcher/Enqueue worker tick cadence.
func (s *Settings) DispatchInterval() time.Duration {
	return time.Duration(s.getInt(KeyDispatchIntervalMs, 2000)) * time.Millisecond
}

// RetryInterval returns the RetryScheduler tick cadence.
func (s *Settings) RetryInterval() time.Duration {
	return time.Duration(s.getInt(KeyRetryIntervalMs, 10000)) * time.Millisecond
}

// BreakerFailureThreshold returns the consecutive-failure count that opens
// the circuit breaker.
func (s *Settings) BreakerFailureThreshold() int {
	return s.getInt(KeyBreakerFailureThresh, 3)
}

// BreakerRecovery returns how long the breaker stays OPEN before probing.
func (s *Settings) BreakerRecovery() time.Duration {
	return time.Duration(s.getInt(KeyBreakerRecoveryMs, 60000)) * time.Millisecond
}

// RetryBackoff returns the per-attempt backoff schedule, default
// [60s, 300s, 900s] per spec §4.9.
func (s *Settings) RetryBackoff() []time.Duration {
	raw := s.getString(KeyRetryBackoffMs, "")
	if raw == "" {
		return []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	var ms []int
	if err := json.Unmarshal([]byte(raw), &ms); err != nil || len(ms) == 0 {
		return []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

// AutoImport reports whether finished files should be handed to the
// external library collaborator.
func (s *Settings) AutoImport() bool { return s.getBool(KeyAutoImport, false) }

// RetentionDays returns the terminal-row retention window; 0 disables
// pruning, matching "default disabled" in spec §3.
func (s *Settings) RetentionDays() int { return s.getInt(KeyRetentionDays, 0) }

// LockTimeout returns the claim-staleness window, default 5 minutes
// (spec §3 invariant 4).
func (s *Settings) LockTimeout() time.Duration {
	return time.Duration(s.getInt(KeyLockTimeoutMs, 5*60*1000)) * time.Millisecond
}

// QualityProfile is the active candidate-filtering configuration (spec §3).
type QualityProfile struct {
	PreferredFormats []string `json:"preferred_formats"`
	MinBitrate       int      `json:"min_bitrate"`
	MaxBitrate       int      `json:"max_bitrate"`
	MinSizeMB        int      `json:"min_size_mb"`
	MaxSizeMB        int      `json:"max_size_mb"`
	ExcludeKeywords  []string `json:"exclude_keywords"`
	AllowLossy       bool     `json:"allow_lossy"`
	PreferLossless   bool     `json:"prefer_lossless"`
}

// DefaultQualityProfile is used when no profile has been configured.
func DefaultQualityProfile() QualityProfile {
	return QualityProfile{
		PreferredFormats: []string{"flac", "mp3"},
		MinBitrate:       128,
		MaxBitrate:       2000,
		MinSizeMB:        1,
		MaxSizeMB:        500,
		AllowLossy:       true,
		PreferLossless:   true,
	}
}

// QualityProfile returns the single active profile.
func (s *Settings) QualityProfile() QualityProfile {
	raw := s.getString(KeyQualityProfile, "")
	if raw == "" {
		return DefaultQualityProfile()
	}
	var p QualityProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return DefaultQualityProfile()
	}
	return p
}

// SetQualityProfile persists a new active profile.
func (s *Settings) SetQualityProfile(p QualityProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.SetString(KeyQualityProfile, string(raw))
}
