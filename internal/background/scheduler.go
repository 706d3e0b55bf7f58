package background

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/backup"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/store"
)

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler runs periodic maintenance: purging terminal checkpoints past
// retention, clearing stale per-token rate limiters, and taking data
// snapshots.
type Scheduler struct {
	cron    *cron.Cron
	store   *store.Store
	limiter *auth.RateLimiter
	backups *backup.Manager

	retention time.Duration
}

// NewScheduler creates the maintenance scheduler. retentionDays bounds
// how long terminal checkpoints are kept. backups may be nil to disable
// snapshots.
func NewScheduler(st *store.Store, limiter *auth.RateLimiter, backups *backup.Manager, retentionDays int) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Scheduler{
		cron:      cron.New(cron.WithParser(cronParser)),
		store:     st,
		limiter:   limiter,
		backups:   backups,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start registers the jobs and begins the cron loop. Both schedules are
// standard 5-field cron expressions; an empty backupSchedule disables
// snapshots.
func (s *Scheduler) Start(purgeSchedule, backupSchedule string) error {
	if _, err := s.cron.AddFunc(purgeSchedule, s.purgeCheckpoints); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 * * * *", s.cleanupLimiters); err != nil {
		return err
	}
	if s.backups != nil && backupSchedule != "" {
		if _, err := s.cron.AddFunc(backupSchedule, s.snapshotData); err != nil {
			return err
		}
	}
	s.cron.Start()
	logger.Info("maintenance scheduler started", "purge_schedule", purgeSchedule)
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) purgeCheckpoints() {
	cutoff := time.Now().Add(-s.retention)
	n, err := s.store.PurgeCheckpoints(context.Background(), cutoff)
	if err != nil {
		logger.Error("checkpoint purge failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("purged terminal checkpoints", "count", n)
	}
}

func (s *Scheduler) cleanupLimiters() {
	if s.limiter != nil {
		s.limiter.Cleanup(time.Hour)
	}
}

func (s *Scheduler) snapshotData() {
	if _, err := s.backups.Snapshot(); err != nil {
		logger.Error("data snapshot failed", "error", err)
	}
}
