// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of background work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages cron-scheduled jobs.
type Scheduler struct {
	cron *cron.Cron
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

// AddJob registers a job with a cron schedule, e.g. "@daily" or
// "*/5 * * * *".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			slog.Error("job failed", "job", job.Name(), "err", err)
			return
		}
		slog.Debug("job completed", "job", job.Name())
	})
	if err != nil {
		return err
	}

	slog.Info("job registered", "job", job.Name(), "schedule", schedule)
	return nil
}
