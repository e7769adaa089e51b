package reminder

import (
	"context"
	"log/slog"
	"time"

	"fiscalcontrol/payment"
)

// DefaultHour is the local hour the daily sweep fires at.
const DefaultHour = 8

// Scheduler fires the sweep once a day at a fixed local hour.
type Scheduler struct {
	sweeper *Sweeper
	hour    int
	loc     *time.Location
	logger  *slog.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

func NewScheduler(sweeper *Sweeper, hour int, loc *time.Location, logger *slog.Logger) *Scheduler {
	if hour < 0 || hour > 23 {
		hour = DefaultHour
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper: sweeper,
		hour:    hour,
		loc:     loc,
		logger:  logger,
		now:     time.Now,
		after:   time.After,
	}
}

// NextRun returns the first instant strictly after now at which the sweep fires.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, 0, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, 0, 0, 0, s.loc)
	}
	return next
}

// Run blocks until ctx is cancelled, sweeping once per day. A failed sweep is
// logged and the next day's run still happens.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.NextRun(s.now())
		s.logger.InfoContext(ctx, "next reminder sweep scheduled", "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(next.Sub(s.now())):
		}

		today := payment.DateOf(s.now().In(s.loc))
		if _, err := s.sweeper.Run(ctx, today); err != nil {
			s.logger.ErrorContext(ctx, "reminder sweep failed", "date", today.String(), "error", err)
		}
	}
}
