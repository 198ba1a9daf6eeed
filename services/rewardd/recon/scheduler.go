package recon

import (
	"context"
	"log/slog"
	"time"

	"lprewards/rewards"
)

// SchedulerConfig configures the daily accounting scheduler.
type SchedulerConfig struct {
	Runner    *Runner
	Registrar *Registrar
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler executes the accounting period once per day at the configured
// wall-clock time, settling the day that just closed. Pending positions are
// revalidated first so newly decidable positions join the run.
type Scheduler struct {
	runner    *Runner
	registrar *Registrar
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:    cfg.Runner,
		registrar: cfg.Registrar,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if s.registrar != nil {
				if decided, err := s.registrar.RevalidatePending(ctx); err != nil {
					s.logger.Warn("pending revalidation failed", "error", err)
				} else if decided > 0 {
					s.logger.Info("pending positions decided", "count", decided)
				}
			}
			day := rewards.DayKey(next.Add(-24 * time.Hour))
			if _, err := s.runner.Run(ctx, day); err != nil {
				s.logger.Error("scheduled period run failed", "day", day, "error", err)
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
