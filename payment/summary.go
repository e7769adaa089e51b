package payment

import (
	"slices"

	"github.com/shopspring/decimal"
)

// UpcomingWindowDays is how far ahead Summarize looks for due payments.
const UpcomingWindowDays = 30

// UpcomingLimit caps how many upcoming payments Summarize returns.
const UpcomingLimit = 5

var monthsPerYear = decimal.NewFromInt(12)

// TypeSummary aggregates spending for one payment type.
type TypeSummary struct {
	Type            Type
	TotalSpent      decimal.Decimal
	ProjectedAnnual decimal.Decimal
	Count           int
}

// Summary holds the figures behind the dashboard charts.
type Summary struct {
	ByType          []TypeSummary
	TotalSpent      decimal.Decimal
	ProjectedAnnual decimal.Decimal
	PendingAmount   decimal.Decimal
	PendingCount    int
	Upcoming        []Record
}

// Summarize aggregates records per type. The annual projection is the
// current total times twelve. Upcoming lists non-rejected payments due
// between today and UpcomingWindowDays ahead, earliest first, at most
// UpcomingLimit of them.
func Summarize(records []Record, today Date) Summary {
	var (
		sum    Summary
		byType = make(map[Type]*TypeSummary, len(Types))
	)
	for _, rec := range records {
		ts, ok := byType[rec.Type]
		if !ok {
			ts = &TypeSummary{Type: rec.Type}
			byType[rec.Type] = ts
		}
		ts.TotalSpent = ts.TotalSpent.Add(rec.Amount)
		ts.Count++
		sum.TotalSpent = sum.TotalSpent.Add(rec.Amount)

		if rec.Status == StatusPendingReview {
			sum.PendingAmount = sum.PendingAmount.Add(rec.Amount)
			sum.PendingCount++
		}

		days := today.DaysUntil(rec.PaymentDateReal)
		if rec.Status != StatusRejected && days >= 0 && days <= UpcomingWindowDays {
			sum.Upcoming = append(sum.Upcoming, rec)
		}
	}

	for _, t := range Types {
		if ts, ok := byType[t]; ok {
			ts.ProjectedAnnual = ts.TotalSpent.Mul(monthsPerYear)
			sum.ByType = append(sum.ByType, *ts)
			delete(byType, t)
		}
	}
	// Types outside the known set, e.g. rows edited by hand in the sheet.
	for _, ts := range byType {
		ts.ProjectedAnnual = ts.TotalSpent.Mul(monthsPerYear)
		sum.ByType = append(sum.ByType, *ts)
	}
	slices.SortStableFunc(sum.ByType[len(sum.ByType)-len(byType):], func(a, b TypeSummary) int {
		if a.Type < b.Type {
			return -1
		}
		if a.Type > b.Type {
			return 1
		}
		return 0
	})

	sum.ProjectedAnnual = sum.TotalSpent.Mul(monthsPerYear)
	slices.SortStableFunc(sum.Upcoming, func(a, b Record) int {
		return b.PaymentDateReal.DaysUntil(a.PaymentDateReal)
	})
	if len(sum.Upcoming) > UpcomingLimit {
		sum.Upcoming = sum.Upcoming[:UpcomingLimit]
	}
	return sum
}
