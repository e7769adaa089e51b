package reminder

import (
	"context"
	"fmt"
	"log/slog"

	"fiscalcontrol/notify"
	"fiscalcontrol/payment"
)

// Lister is the read side of the record store.
type Lister interface {
	List(ctx context.Context) ([]payment.Record, error)
}

// Report summarises one sweep.
type Report struct {
	Date    payment.Date
	Matched int
	Sent    int
	Failed  int
}

// Sweeper reads a snapshot of the store and dispatches one reminder per match.
// It keeps no state between runs; running twice on the same day sends twice.
type Sweeper struct {
	store      Lister
	dispatcher notify.Dispatcher
	opts       Options
	logger     *slog.Logger
}

func NewSweeper(store Lister, dispatcher notify.Dispatcher, opts Options, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, dispatcher: dispatcher, opts: opts.withDefaults(), logger: logger}
}

// Run sweeps for today. Only a store failure aborts the run; dispatch failures
// are counted and logged.
func (s *Sweeper) Run(ctx context.Context, today payment.Date) (Report, error) {
	report := Report{Date: today}

	records, err := s.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("reminder: list records: %w", err)
	}

	for r := range FindDue(records, today, s.opts) {
		report.Matched++
		if err := ctx.Err(); err != nil {
			return report, err
		}

		text, err := r.Text()
		if err != nil {
			report.Failed++
			s.logger.ErrorContext(ctx, "render reminder", "payment_id", r.Record.ID, "error", err)
			continue
		}
		if err := s.dispatcher.Send(ctx, notify.Message{Phone: r.Record.ContactPhone, Text: text}); err != nil {
			report.Failed++
			s.logger.WarnContext(ctx, "reminder not delivered",
				"payment_id", r.Record.ID,
				"phone", r.Record.ContactPhone,
				"error", err,
			)
			continue
		}
		report.Sent++
	}

	s.logger.InfoContext(ctx, "reminder sweep finished",
		"date", today.String(),
		"matched", report.Matched,
		"sent", report.Sent,
		"failed", report.Failed,
	)
	return report, nil
}
