package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fiscalcontrol/auth"
	"fiscalcontrol/notify"
)

// Repository is the record store. Writes are serialised by the store itself;
// UpdateStatus must apply only when the stored status still equals change.From.
type Repository interface {
	Create(ctx context.Context, rec Record, actor auth.Actor) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	UpdateStatus(ctx context.Context, change StatusChange) (Record, error)
}

// EventReader is implemented by stores that expose the audit trail.
type EventReader interface {
	Events(ctx context.Context, id string) ([]Event, error)
}

// Service implements the payment lifecycle: registration and the
// PendingReview -> Approved | Rejected transitions.
type Service struct {
	repo        Repository
	dispatcher  notify.Dispatcher
	logger      *slog.Logger
	auditPhone  string
	idGenerator func() string
	now         func() time.Time
	loc         *time.Location
}

// NewService wires the lifecycle. dispatcher should not block; production code
// passes a notify.Async.
func NewService(repo Repository, dispatcher notify.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		dispatcher:  dispatcher,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		loc:         time.Local,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLocation sets the zone used to derive "today".
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// WithAuditPhone sets the fallback recipient of transition notices for records
// without a contact phone.
func (s *Service) WithAuditPhone(phone string) *Service {
	s.auditPhone = NormalizePhone(phone)
	return s
}

// Today returns the current calendar date in the service zone.
func (s *Service) Today() Date {
	return DateOf(s.now().In(s.loc))
}

// Register validates input and stores a new PendingReview record. When the
// store is unavailable the built record is returned together with an error
// wrapping ErrStoreUnavailable so the caller can keep it locally.
func (s *Service) Register(ctx context.Context, actor auth.Actor, in Input) (Record, error) {
	if !Can(actor.Role, ActionRegister) {
		return Record{}, fmt.Errorf("%w: role %q cannot register payments", ErrForbidden, actor.Role)
	}

	rec, err := s.build(in)
	if err != nil {
		return Record{}, err
	}

	created, err := s.repo.Create(ctx, rec, actor)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			s.logger.WarnContext(ctx, "payment kept locally, store unavailable", "payment_id", rec.ID, "error", err)
			return rec, err
		}
		return Record{}, err
	}

	s.logger.InfoContext(ctx, "payment registered",
		"payment_id", created.ID,
		"organism", created.Organism,
		"amount", created.Amount.StringFixed(2),
		"actor", actor.Name,
	)
	return created, nil
}

func (s *Service) build(in Input) (Record, error) {
	organism := strings.TrimSpace(in.Organism)
	if organism == "" {
		return Record{}, fmt.Errorf("%w: organism required", ErrValidation)
	}

	amountStr := strings.TrimSpace(in.Amount)
	if amountStr == "" {
		amountStr = "0"
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid amount %q", ErrValidation, in.Amount)
	}
	if amount.IsNegative() {
		return Record{}, fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return Record{}, fmt.Errorf("%w: amount %s has more than %d decimal places", ErrValidation, amountStr, AmountScale)
	}
	if amount.GreaterThanOrEqual(MaxAmount) {
		return Record{}, fmt.Errorf("%w: amount must be below %s", ErrValidation, MaxAmount.String())
	}
	amount = amount.Round(AmountScale)

	typ := TypeFiscal
	if strings.TrimSpace(in.Type) != "" {
		if typ, err = ParseType(in.Type); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	if strings.TrimSpace(in.PaymentDateReal) == "" {
		return Record{}, fmt.Errorf("%w: payment date required", ErrValidation)
	}
	due, err := ParseDate(in.PaymentDateReal)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	registered := s.Today()
	if strings.TrimSpace(in.DateRegistered) != "" {
		if registered, err = ParseDate(in.DateRegistered); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	return Record{
		ID:              s.idGenerator(),
		DateRegistered:  registered,
		Organism:        organism,
		Type:            typ,
		Amount:          amount,
		PaymentDateReal: due,
		UnitCode:        strings.TrimSpace(in.UnitCode),
		UnitName:        strings.TrimSpace(in.UnitName),
		Municipality:    strings.TrimSpace(in.Municipality),
		Status:          StatusPendingReview,
		Description:     strings.TrimSpace(in.Description),
		ContactPhone:    NormalizePhone(in.ContactPhone),
		CreatedAt:       s.now().UTC(),
	}, nil
}

// Transition applies an approve or reject action. Terminal records fail with
// ErrInvalidState for every role.
func (s *Service) Transition(ctx context.Context, id string, action Action, actor auth.Actor) (Record, error) {
	next, ok := Target(action)
	if !ok {
		return Record{}, fmt.Errorf("%w: %q is not a transition", ErrValidation, action)
	}

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: payment %s is already %s", ErrInvalidState, id, rec.Status)
	}
	if !Can(actor.Role, action) {
		return Record{}, fmt.Errorf("%w: role %q cannot %s payments", ErrForbidden, actor.Role, action)
	}

	updated, err := s.repo.UpdateStatus(ctx, StatusChange{
		ID:    id,
		From:  rec.Status,
		To:    next,
		Actor: actor,
		At:    s.now().UTC(),
	})
	if err != nil {
		return Record{}, err
	}

	s.logger.InfoContext(ctx, "payment status changed",
		"payment_id", id,
		"from", rec.Status,
		"to", updated.Status,
		"actor", actor.Name,
		"role", actor.Role,
	)
	s.notifyTransition(ctx, updated, actor)
	return updated, nil
}

func (s *Service) notifyTransition(ctx context.Context, rec Record, actor auth.Actor) {
	if s.dispatcher == nil {
		return
	}
	phone := rec.ContactPhone
	if phone == "" {
		phone = s.auditPhone
	}
	if phone == "" {
		s.logger.InfoContext(ctx, "transition notice skipped, no recipient", "payment_id", rec.ID)
		return
	}

	text, err := TransitionText(rec, actor)
	if err != nil {
		s.logger.ErrorContext(ctx, "render transition notice", "payment_id", rec.ID, "error", err)
		return
	}
	if err := s.dispatcher.Send(context.WithoutCancel(ctx), notify.Message{Phone: phone, Text: text}); err != nil {
		s.logger.ErrorContext(ctx, "transition notice failed", "payment_id", rec.ID, "error", err)
	}
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// List returns every record in registration order.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	return s.repo.List(ctx)
}

// History returns the audit trail of a record when the store keeps one.
func (s *Service) History(ctx context.Context, id string) ([]Event, error) {
	reader, ok := s.repo.(EventReader)
	if !ok {
		return nil, fmt.Errorf("payment: store does not keep an audit trail")
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return reader.Events(ctx, id)
}

// NormalizePhone keeps the digits of a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
