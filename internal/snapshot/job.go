package snapshot

import (
	"context"
	"time"
)

// Job adapts the aggregator to the cron scheduler, snapshotting every
// portfolio once per run.
type Job struct {
	agg     *Aggregator
	timeout time.Duration
}

// NewJob creates the daily snapshot job.
func NewJob(agg *Aggregator) *Job {
	return &Job{agg: agg, timeout: 2 * time.Minute}
}

// Name implements scheduler.Job.
func (j *Job) Name() string { return "daily-snapshot" }

// Run implements scheduler.Job.
func (j *Job) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.agg.TakeAll(ctx, time.Now())
}
