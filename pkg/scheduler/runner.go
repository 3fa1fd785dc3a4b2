package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Schedule holds the cron spec of each job. An empty spec leaves the job
// unscheduled.
type Schedule struct {
	SyncSubscriptionStatuses     string
	CheckRenewalReminders        string
	ProcessExpiredSubscriptions  string
	SendPaymentFailureReminders  string
	UpdateSubscriptionStatistics string
}

// DefaultSchedule runs the sync hourly, the daily sweeps each morning UTC and
// statistics every Sunday
func DefaultSchedule() Schedule {
	return Schedule{
		SyncSubscriptionStatuses:     "@hourly",
		CheckRenewalReminders:        "0 9 * * *",
		ProcessExpiredSubscriptions:  "5 0 * * *",
		SendPaymentFailureReminders:  "0 10 * * *",
		UpdateSubscriptionStatistics: "10 0 * * 0",
	}
}

func (s Schedule) specs() map[string]string {
	return map[string]string{
		JobSyncSubscriptionStatuses:     s.SyncSubscriptionStatuses,
		JobCheckRenewalReminders:        s.CheckRenewalReminders,
		JobProcessExpiredSubscriptions:  s.ProcessExpiredSubscriptions,
		JobSendPaymentFailureReminders:  s.SendPaymentFailureReminders,
		JobUpdateSubscriptionStatistics: s.UpdateSubscriptionStatistics,
	}
}

// Runner triggers scheduler jobs from cron. A job whose previous run is
// still going is skipped, so runs of the same job never overlap.
type Runner struct {
	scheduler  *Scheduler
	cron       *cron.Cron
	logger     *logrus.Logger
	runTimeout time.Duration
	entries    map[string]cron.EntryID
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewRunner registers every scheduled job. runTimeout bounds a single run;
// zero means no limit.
func NewRunner(s *Scheduler, schedule Schedule, runTimeout time.Duration, logger *logrus.Logger) (*Runner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cronLogger := cron.PrintfLogger(logger)
	r := &Runner{
		scheduler: s,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger:     logger,
		runTimeout: runTimeout,
		entries:    make(map[string]cron.EntryID),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	specs := schedule.specs()
	for _, job := range JobNames() {
		spec := specs[job]
		if spec == "" {
			logger.WithField("job", job).Info("Job not scheduled")
			continue
		}
		id, err := r.cron.AddFunc(spec, func() { r.trigger(job) })
		if err != nil {
			return nil, fmt.Errorf("failed to schedule %s with %q: %w", job, spec, err)
		}
		r.entries[job] = id
		logger.WithFields(logrus.Fields{"job": job, "schedule": spec}).Info("Job scheduled")
	}
	return r, nil
}

func (r *Runner) trigger(job string) {
	ctx := r.ctx
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}
	if _, err := r.scheduler.RunJob(ctx, job); err != nil {
		r.logger.WithField("job", job).WithError(err).Error("Failed to run job")
	}
}

// Entries returns the cron entry id of each scheduled job
func (r *Runner) Entries() map[string]cron.EntryID {
	out := make(map[string]cron.EntryID, len(r.entries))
	for job, id := range r.entries {
		out[job] = id
	}
	return out
}

// Next returns the next run time of a scheduled job
func (r *Runner) Next(job string) (time.Time, bool) {
	id, ok := r.entries[job]
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(id).Next, true
}

// Start begins running jobs in the background
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.WithField("jobs", len(r.entries)).Info("Scheduler started")
}

// Stop stops triggering jobs, cancels running ones and waits for them to
// return or for ctx to end
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	r.cancel()
	select {
	case <-done.Done():
		r.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single job immediately and returns its result
func (r *Runner) RunOnce(ctx context.Context, job string) (JobResult, error) {
	return r.scheduler.RunJob(ctx, job)
}
