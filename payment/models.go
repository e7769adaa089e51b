package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fiscalcontrol/auth"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPendingReview Status = "PendingReview"
	StatusApproved      Status = "Approved"
	StatusRejected      Status = "Rejected"
)

// ParseStatus maps stored status values, including the legacy two-state
// vocabulary (Pending/Paid), onto the canonical three states.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "", "pendingreview", "pending":
		return StatusPendingReview, nil
	case "approved", "paid":
		return StatusApproved, nil
	case "rejected":
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("payment: unknown status %q", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Type is the closed set of payment categories.
type Type string

const (
	TypeFiscal        Type = "Fiscal"
	TypeParafiscal    Type = "Parafiscal"
	TypePublicService Type = "PublicService"
	TypeMunicipal     Type = "Municipal"
	TypeOther         Type = "Other"
)

// Types lists every payment type in display order.
var Types = []Type{TypeFiscal, TypeParafiscal, TypePublicService, TypeMunicipal, TypeOther}

var typeLabels = map[Type]string{
	TypeFiscal:        "Fiscal (Impuestos)",
	TypeParafiscal:    "Parafiscal (SSO, INCES, etc.)",
	TypePublicService: "Servicio Público",
	TypeMunicipal:     "Impuesto Municipal",
	TypeOther:         "Otro",
}

// Label returns the human readable name shown on forms and sheets.
func (t Type) Label() string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return string(t)
}

// ParseType accepts either the type code or its label, case-insensitively.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for _, t := range Types {
		if strings.EqualFold(s, string(t)) || strings.EqualFold(s, t.Label()) {
			return t, nil
		}
	}
	return "", fmt.Errorf("payment: unknown payment type %q", s)
}

// AmountScale is the number of decimal places an amount may carry.
const AmountScale = 2

// MaxAmount is the exclusive upper bound of an amount. Every store keeps
// amounts below it exactly at AmountScale.
var MaxAmount = decimal.New(1, 16)

// Date is a calendar date without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp, keeping the date part.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DateOf(t), nil
	}
	return Date{}, fmt.Errorf("payment: invalid date %q", s)
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// DaysUntil returns the number of whole days from d to other. Both ends are
// midnights, so the ceiling of the difference is exact.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time().Sub(d.Time()).Hours() / 24)
}

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(dateLayout)
}

// Record is a single tracked payment obligation.
type Record struct {
	ID              string
	DateRegistered  Date
	Organism        string
	Type            Type
	Amount          decimal.Decimal
	PaymentDateReal Date
	UnitCode        string
	UnitName        string
	Municipality    string
	Status          Status
	Description     string
	ContactPhone    string
	CreatedAt       time.Time
}

// Input is the unvalidated registration payload as supplied by a client.
type Input struct {
	DateRegistered  string
	Organism        string
	Type            string
	Amount          string
	PaymentDateReal string
	UnitCode        string
	UnitName        string
	Municipality    string
	Description     string
	ContactPhone    string
}

// Action is an operation subject to the capability table.
type Action string

const (
	ActionRegister Action = "register"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionRead     Action = "read"
)

// ParseAction normalises a transition name such as "Approve" or "reject".
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionRegister, ActionApprove, ActionReject, ActionRead:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, s)
	}
}

// StatusChange describes a conditional status update handed to the store.
type StatusChange struct {
	ID    string
	From  Status
	To    Status
	Actor auth.Actor
	At    time.Time
}

// EventKind classifies audit trail entries.
type EventKind string

const (
	EventRegistered    EventKind = "registered"
	EventStatusChanged EventKind = "status_changed"
)

// Event is an append-only audit trail entry.
type Event struct {
	PaymentID string
	Kind      EventKind
	From      Status
	To        Status
	Actor     auth.Actor
	At        time.Time
}
