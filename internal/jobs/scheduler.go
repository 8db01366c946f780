// Package jobs runs the periodic background work of the auction server.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Engine is what the scheduled jobs drive
type Engine interface {
	CheckDeadline(ctx context.Context) bool
	PublishState()
}

// Scheduler runs the deadline sweep and the room state heartbeat
type Scheduler struct {
	cron         *cron.Cron
	engine       Engine
	sweepSpec    string
	snapshotSpec string
}

// NewScheduler creates a scheduler. An empty spec disables that job.
func NewScheduler(engine Engine, sweepSpec, snapshotSpec string) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		engine:       engine,
		sweepSpec:    sweepSpec,
		snapshotSpec: snapshotSpec,
	}
}

// Start registers the jobs and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	if s.sweepSpec != "" {
		// the deadline timer normally resolves rounds itself; this catches anything it missed
		_, err := s.cron.AddFunc(s.sweepSpec, func() {
			if s.engine.CheckDeadline(ctx) {
				log.Info("[CRON] Deadline sweep resolved an expired round")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid deadline sweep schedule %q: %w", s.sweepSpec, err)
		}
	}

	if s.snapshotSpec != "" {
		_, err := s.cron.AddFunc(s.snapshotSpec, func() {
			log.Debug("[CRON] Broadcasting room state")
			s.engine.PublishState()
		})
		if err != nil {
			return fmt.Errorf("invalid snapshot schedule %q: %w", s.snapshotSpec, err)
		}
	}

	s.cron.Start()
	log.WithFields(log.Fields{
		"sweep":    s.sweepSpec,
		"snapshot": s.snapshotSpec,
	}).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Scheduler stopped")
}
