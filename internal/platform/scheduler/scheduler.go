// Package scheduler runs periodic maintenance jobs on a gocron scheduler.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero means Interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler wraps gocron so that runs never overlap, panics are recovered and
// results are logged.
type Scheduler struct {
	cron   *gocron.Scheduler
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: no run function", job.Name)
	}
	_, err := s.cron.Every(job.Interval).Name(job.Name).SingletonMode().Do(s.run, job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	return nil
}

func (s *Scheduler) run(job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job", job.Name).Interface("panic", r).Msg("job panicked")
		}
	}()
	if err := job.Run(ctx); err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Dur("took", time.Since(start)).Msg("job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job finished")
}

func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.logger.Info().Int("jobs", len(s.cron.Jobs())).Msg("scheduler started")
}

// Stop cancels running jobs and waits for the scheduler to halt.
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
}
