package orchestrator

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/ofreceptor/sync-engine/infrastructure/logging"
)

// Scheduler triggers orchestrator runs on a cron expression. Overlapping
// fires are harmless: the run lock makes the second fire a no-op.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger
}

// NewScheduler constructs an empty Scheduler; Add registers each
// orchestrator under its cron spec. The expression format is the standard
// five-field cron, plus the "@every 12h" descriptor form.
func NewScheduler(logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		logger: logger,
	}
}

// Add schedules o to run per spec. The run context is the scheduler's
// lifetime context handed to Start.
func (s *Scheduler) Add(spec string, o *Orchestrator, ctx func() context.Context) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if _, err := o.Run(ctx()); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"orchestrator": o.cfg.Name,
			}).Warn("scheduled sync run did not complete")
		}
	})
}

// Start begins firing schedules in their own goroutines.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and returns at once; the returned context is done
// once in-flight runs have finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
