/**
 * @description
 * Cron scheduler setup for the faucet's periodic jobs.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron                *cron.Cron
	jobs                *Jobs
	logger              *zap.SugaredLogger
	clockSyncSchedule   string
	poolMonitorSchedule string
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.SugaredLogger, clockSyncSchedule, poolMonitorSchedule string) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{log: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	return &Scheduler{
		cron:                c,
		jobs:                jobs,
		logger:              logger,
		clockSyncSchedule:   clockSyncSchedule,
		poolMonitorSchedule: poolMonitorSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if s.jobs.syncer != nil {
		if _, err := s.cron.AddFunc(s.clockSyncSchedule, s.jobs.SyncClock); err != nil {
			s.logger.Errorw("failed to schedule clock sync job", "error", err)
		} else {
			s.logger.Infow("scheduled clock sync job", "schedule", s.clockSyncSchedule)
		}
	}

	if _, err := s.cron.AddFunc(s.poolMonitorSchedule, s.jobs.MonitorPool); err != nil {
		s.logger.Errorw("failed to schedule pool monitor job", "error", err)
	} else {
		s.logger.Infow("scheduled pool monitor job", "schedule", s.poolMonitorSchedule)
	}

	s.cron.Start()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
