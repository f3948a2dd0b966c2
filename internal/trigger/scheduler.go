package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"vendorwatch/internal/logger"
	"vendorwatch/internal/metrics"
	"vendorwatch/internal/models"
)

// SchedulerConfig configures the scheduler. Cron takes precedence over
// Interval when both are set.
type SchedulerConfig struct {
	Interval       time.Duration
	Cron           string
	RunImmediately bool
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Scheduler emits a schedule signal on every tick
type Scheduler struct {
	schedule  cron.Schedule
	immediate bool
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

var _ Source = (*Scheduler)(nil)

// fixedInterval is a cron.Schedule without the one-second rounding of
// cron.Every.
type fixedInterval time.Duration

func (f fixedInterval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(f))
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	var sched cron.Schedule
	switch {
	case cfg.Cron != "":
		s, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", cfg.Cron, err)
		}
		sched = s
	case cfg.Interval > 0:
		sched = fixedInterval(cfg.Interval)
	default:
		return nil, errors.New("scheduler needs an interval or a cron expression")
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Scheduler{
		schedule:  sched,
		immediate: cfg.RunImmediately,
		log:       logger.WithComponent(cfg.Logger, "scheduler"),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}, nil
}

// Run ticks until ctx is cancelled. The next tick is computed from the time
// the previous one fired.
func (s *Scheduler) Run(ctx context.Context, out chan<- models.TriggerSignal) error {
	if s.immediate {
		if !emit(ctx, out, models.NewTriggerSignal(models.TriggerSchedule), s.metrics) {
			return nil
		}
	}

	next := s.schedule.Next(s.now())
	s.log.Info().Time("next_run", next).Msg("scheduler started")

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-timer.C:
			if !emit(ctx, out, models.NewTriggerSignal(models.TriggerSchedule), s.metrics) {
				return nil
			}
			next = s.schedule.Next(s.now())
			s.log.Debug().Time("next_run", next).Msg("scheduled run triggered")
		}
	}
}
