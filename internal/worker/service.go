package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	reaperSchedule  = "@every 30m"
	reclaimSchedule = "@every 5m"
)

// Service runs the task runner together with the periodic maintenance
// jobs: the temp-root reaper and the expired-claim reclaim sweep.
type Service struct {
	Runner *Runner
	Reaper *Reaper
	Logger zerolog.Logger
}

// NewService composes a worker service.
func NewService(runner *Runner, reaper *Reaper, logger zerolog.Logger) *Service {
	return &Service{
		Runner: runner,
		Reaper: reaper,
		Logger: logger,
	}
}

// Run blocks until ctx is cancelled. The cron scheduler is stopped and
// drained before the call returns.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc(reaperSchedule, func() {
		s.Reaper.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	if _, err := c.AddFunc(reclaimSchedule, func() {
		if n, err := s.Runner.Store.Reclaim(ctx); err != nil {
			s.Logger.Error().
				Str("event", "queue.reclaim_failed").
				Err(err).
				Msg("reclaim sweep failed")
		} else if n > 0 {
			s.Logger.Warn().
				Str("event", "queue.reclaim_completed").
				Int("recovered", n).
				Msg("re-delivered submissions with expired claims")
		}
	}); err != nil {
		return fmt.Errorf("schedule reclaim: %w", err)
	}

	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.Logger.Info().
		Str("event", "worker.service_started").
		Int("concurrency", s.Runner.Concurrency).
		Msg("worker service started")
	return s.Runner.Run(ctx)
}
