package engine

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bozzfozz/soulspot/internal/config"
	"github.com/bozzfozz/soulspot/internal/storage"
)

// RetentionJob prunes terminal Download rows older than the configured
// retention window. It is the supplemented feature spec §9 hints at but
// leaves unenforced; disabled by default (download.retention_days = 0).
type RetentionJob struct {
	store    *storage.Store
	settings *config.Settings
	log      *slog.Logger
	cron     *cron.Cron
}

// NewRetentionJob builds a RetentionJob scheduled to run once a day.
func NewRetentionJob(store *storage.Store, settings *config.Settings, log *slog.Logger) *RetentionJob {
	return &RetentionJob{store: store, settings: settings, log: log, cron: cron.New()}
}

// Start registers the daily prune entry and starts the cron scheduler.
// Safe to call once; Stop reverses it.
func (j *RetentionJob) Start() error {
	_, err := j.cron.AddFunc("@daily", j.run)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for an in-flight run to finish.
func (j *RetentionJob) Stop() {
	<-j.cron.Stop().Done()
}

func (j *RetentionJob) run() {
	days := j.settings.RetentionDays()
	if days <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	pruned, err := j.store.PruneTerminal(cutoff)
	if err != nil {
		j.log.Error("retention: prune failed", "error", err)
		return
	}
	if pruned > 0 {
		j.log.Info("retention: pruned terminal downloads", "count", pruned, "cutoff", cutoff)
	}
}
