// Package scheduler runs LeadPipe's periodic maintenance on cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/LeadPipe/internal/store"
)

const (
	// DefaultJanitorSchedule purges expired sessions and dedup entries every ten minutes.
	DefaultJanitorSchedule = "*/10 * * * *"
	// DefaultPurgeTimeout bounds one purge run.
	DefaultPurgeTimeout = time.Minute
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// slogAdapter lets cron report through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := slogAdapter{logger: logger}
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Start()
	return &Scheduler{cron: c, logger: logger}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddJanitor schedules periodic purging of expired rows from p.
func (s *Scheduler) AddJanitor(expr string, p store.Purger) error {
	return s.AddJob(expr, PurgeJob(p, DefaultPurgeTimeout, s.logger))
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// PurgeJob returns a task that runs one purge of p.
func PurgeJob(p store.Purger, timeout time.Duration, logger *slog.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		n, err := p.PurgeExpired(ctx, start)
		if err != nil {
			logger.Error("Scheduler.janitor: purge failed", "error", err)
			return
		}
		logger.Info("Scheduler.janitor: expired rows purged", "rows", n, "duration", time.Since(start))
	}
}
