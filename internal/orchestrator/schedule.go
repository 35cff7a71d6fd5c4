package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Schedule fires once on DayOfMonth of each listed month at Hour:Minute in
// Location.
type Schedule struct {
	Months     []time.Month
	DayOfMonth int
	Hour       int
	Minute     int
	Location   *time.Location
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Next returns the first firing strictly after t, or the zero time when the
// schedule can never fire.
func (s Schedule) Next(t time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	if len(s.Months) == 0 || s.DayOfMonth < 1 || s.DayOfMonth > 31 {
		return time.Time{}
	}
	// Scanning eight years covers any valid day, including Feb 29.
	for year := t.Year(); year <= t.Year()+8; year++ {
		for m := time.January; m <= time.December; m++ {
			if !slices.Contains(s.Months, m) {
				continue
			}
			candidate := time.Date(year, m, s.DayOfMonth, s.Hour, s.Minute, 0, 0, loc)
			if candidate.Month() != m {
				continue
			}
			if candidate.After(t) {
				return candidate
			}
		}
	}
	return time.Time{}
}

// Scheduler triggers job on the schedule, checking every Interval.
type Scheduler struct {
	schedule   Schedule
	interval   time.Duration
	runOnStart bool
	job        func(ctx context.Context) error
	logger     *zap.Logger
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time
}

// NewScheduler constructs a Scheduler.
func NewScheduler(
	schedule Schedule,
	interval time.Duration,
	runOnStart bool,
	job func(ctx context.Context) error,
	logger *zap.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		schedule:   schedule,
		interval:   interval,
		runOnStart: runOnStart,
		job:        job,
		logger:     logger,
		now:        time.Now,
		after:      time.After,
	}
}

// Run blocks until ctx ends. Job errors are logged; the scheduler keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.runOnStart {
		s.logger.Info("running initial harvest")
		s.fire(ctx)
	}
	next := s.schedule.Next(s.now())
	s.logger.Info("scheduler active", zap.Time("next_run", next), zap.Duration("check_interval", s.interval))

	for ctx.Err() == nil {
		wait := s.interval
		if !next.IsZero() {
			if until := next.Sub(s.now()); until < wait {
				wait = max(until, 0)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.after(wait):
		}
		now := s.now()
		if next.IsZero() || now.Before(next) {
			continue
		}
		s.logger.Info("scheduled harvest triggered", zap.Time("scheduled_for", next))
		s.fire(ctx)
		next = s.schedule.Next(s.now())
		s.logger.Info("next harvest scheduled", zap.Time("next_run", next))
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context) {
	if err := s.job(ctx); err != nil {
		s.logger.Error("scheduled harvest failed", zap.Error(err))
	}
}
