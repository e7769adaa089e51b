// Package reminder finds payments whose due date is a fixed number of days
// away and sends a reminder for each of them.
package reminder

import (
	"iter"
	"slices"

	"fiscalcontrol/payment"
)

// DefaultHorizonDays is how many days ahead of the due date a reminder goes out.
const DefaultHorizonDays = 3

// DefaultStatuses are the statuses eligible for a reminder.
var DefaultStatuses = []payment.Status{payment.StatusPendingReview, payment.StatusApproved}

// Options tunes FindDue. Zero values select the defaults.
type Options struct {
	HorizonDays int
	Statuses    []payment.Status
}

func (o Options) withDefaults() Options {
	if o.HorizonDays <= 0 {
		o.HorizonDays = DefaultHorizonDays
	}
	if len(o.Statuses) == 0 {
		o.Statuses = DefaultStatuses
	}
	return o
}

// Reminder is a record due exactly DaysRemaining days from the sweep date.
type Reminder struct {
	Record        payment.Record
	DaysRemaining int
}

// FindDue yields, in input order, every record with a contact phone and an
// eligible status whose due date is exactly HorizonDays after today. Days are
// counted between civil dates, so time of day never matters. The sequence
// reads records afresh on every range.
func FindDue(records []payment.Record, today payment.Date, opts Options) iter.Seq[Reminder] {
	opts = opts.withDefaults()
	return func(yield func(Reminder) bool) {
		for _, rec := range records {
			if rec.ContactPhone == "" || rec.PaymentDateReal.IsZero() {
				continue
			}
			if !slices.Contains(opts.Statuses, rec.Status) {
				continue
			}
			days := today.DaysUntil(rec.PaymentDateReal)
			if days != opts.HorizonDays {
				continue
			}
			if !yield(Reminder{Record: rec, DaysRemaining: days}) {
				return
			}
		}
	}
}
