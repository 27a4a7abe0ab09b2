package ingest

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Scheduler fires the controller at hh:01:30 every hour. The 90 second
// offset absorbs the upstream publisher's latency for the fresh hour.
// Cron-driven deployments skip the scheduler and call TriggerOnce instead.
type Scheduler struct {
	scheduler *gocron.Scheduler
	ctrl      *Controller
	logger    zerolog.Logger
}

// NewScheduler wraps the controller with the hourly schedule.
func NewScheduler(ctrl *Controller, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		ctrl:      ctrl,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the hourly job and runs the scheduler asynchronously.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.CronWithSeconds("30 1 * * * *").Do(func() {
		tickCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		result, err := s.ctrl.TriggerOnce(tickCtx)
		if err != nil {
			s.logger.Error().Err(err).Str("mode", string(result.Mode)).
				Str("state", string(result.State)).Msg("Scheduled tick failed")
			return
		}
		s.logger.Info().Str("mode", string(result.Mode)).Time("hour", result.Hour).
			Int("tracked", result.TrackedCount).Msg("Scheduled tick complete")
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info().Msg("Hourly ingest schedule armed")
	return nil
}

// Stop halts the scheduler; a tick already running completes.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}
