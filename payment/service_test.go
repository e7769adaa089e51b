package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalcontrol/auth"
	"fiscalcontrol/notify"
)

var (
	admin  = auth.Actor{Name: "Administrador Principal", Role: auth.RoleAdmin}
	payer  = auth.Actor{Name: "Operador de Pagos", Role: auth.RolePayer}
	viewer = auth.Actor{Name: "Auditor Visor", Role: auth.RoleViewer}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (d *recordingDispatcher) Send(_ context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return d.err
}

func (d *recordingDispatcher) messages() []notify.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Message(nil), d.sent...)
}

type unavailableRepo struct {
	*MemoryRepository
}

func (unavailableRepo) Create(context.Context, Record, auth.Actor) (Record, error) {
	return Record{}, fmt.Errorf("sheet: acquire lock: %w", ErrStoreUnavailable)
}

// racingRepo reports PendingReview on Get but loses the conditional update.
type racingRepo struct {
	*MemoryRepository
}

func (racingRepo) UpdateStatus(_ context.Context, change StatusChange) (Record, error) {
	return Record{}, fmt.Errorf("%w: payment %s is Approved", ErrInvalidState, change.ID)
}

var fixedNow = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func newTestService(repo Repository, d notify.Dispatcher) *Service {
	seq := 0
	return NewService(repo, d, discardLogger()).
		WithClock(func() time.Time { return fixedNow }).
		WithLocation(time.UTC).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("pay-%03d", seq)
		})
}

func validInput() Input {
	return Input{
		Organism:        "SENIAT",
		Type:            "Fiscal (Impuestos)",
		Amount:          "100",
		PaymentDateReal: "2025-03-13",
		ContactPhone:    "+58 412-123-4567",
	}
}

func mustRegister(t *testing.T, svc *Service, in Input) Record {
	t.Helper()
	rec, err := svc.Register(context.Background(), admin, in)
	require.NoError(t, err)
	return rec
}

func TestRegister_PendingReviewWithFreshID(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, discardLogger()).WithLocation(time.UTC)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		rec, err := svc.Register(context.Background(), payer, validInput())
		require.NoError(t, err)
		assert.Equal(t, StatusPendingReview, rec.Status)
		assert.NotEmpty(t, rec.ID)
		assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true
	}
}

func TestRegister_Defaults(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)

	in := validInput()
	in.Type = ""
	rec := mustRegister(t, svc, in)

	assert.Equal(t, Date{2025, time.March, 10}, rec.DateRegistered)
	assert.Equal(t, TypeFiscal, rec.Type)
	assert.Equal(t, "584121234567", rec.ContactPhone)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(100)))
}

func TestRegister_Validation(t *testing.T) {
	cases := map[string]func(in *Input){
		"missing organism":  func(in *Input) { in.Organism = "   " },
		"negative amount":   func(in *Input) { in.Amount = "-0.01" },
		"garbage amount":    func(in *Input) { in.Amount = "ten" },
		"missing due date":  func(in *Input) { in.PaymentDateReal = "" },
		"bad due date":      func(in *Input) { in.PaymentDateReal = "13/03/2025" },
		"bad register date": func(in *Input) { in.DateRegistered = "yesterday" },
		"unknown type":      func(in *Input) { in.Type = "Lottery" },
		"sub-cent amount":   func(in *Input) { in.Amount = "0.125" },
		"amount too large":  func(in *Input) { in.Amount = "10000000000000000" },
		"huge with cents":   func(in *Input) { in.Amount = "12345678901234567.89" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			repo := NewMemoryRepository()
			svc := newTestService(repo, nil)
			in := validInput()
			mutate(&in)

			_, err := svc.Register(context.Background(), admin, in)
			assert.ErrorIs(t, err, ErrValidation)

			all, _ := repo.List(context.Background())
			assert.Empty(t, all)
		})
	}
}

func TestRegister_ZeroAmountAllowed(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	in := validInput()
	in.Amount = "0"
	rec := mustRegister(t, svc, in)
	assert.True(t, rec.Amount.IsZero())
}

func TestRegister_AmountLimits(t *testing.T) {
	for _, amount := range []string{"0.01", "1.50", "1.500", "9999999999999999.99"} {
		repo := NewMemoryRepository()
		svc := newTestService(repo, nil)
		in := validInput()
		in.Amount = amount

		rec := mustRegister(t, svc, in)
		want := decimal.RequireFromString(amount)
		assert.True(t, rec.Amount.Equal(want), "amount %s returned %s", amount, rec.Amount)
		assert.Equal(t, want.StringFixed(2), rec.Amount.StringFixed(2))

		stored, err := repo.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.True(t, stored.Amount.Equal(rec.Amount))
	}
}

func TestRegister_ViewerForbidden(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	_, err := svc.Register(context.Background(), viewer, validInput())
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRegister_StoreUnavailableKeepsLocalCopy(t *testing.T) {
	svc := newTestService(unavailableRepo{NewMemoryRepository()}, nil)

	rec, err := svc.Register(context.Background(), payer, validInput())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "pay-001", rec.ID)
	assert.Equal(t, "SENIAT", rec.Organism)
	assert.Equal(t, StatusPendingReview, rec.Status)
}

func TestTransition_ApproveNotifies(t *testing.T) {
	d := &recordingDispatcher{}
	repo := NewMemoryRepository()
	svc := newTestService(repo, d)
	rec := mustRegister(t, svc, validInput())

	updated, err := svc.Transition(context.Background(), rec.ID, ActionApprove, viewer)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, updated.Status)
	assert.Equal(t, rec.Organism, updated.Organism)

	msgs := d.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "584121234567", msgs[0].Phone)
	assert.Contains(t, msgs[0].Text, "SENIAT")
	assert.Contains(t, msgs[0].Text, "$100.00")
	assert.Contains(t, msgs[0].Text, "Auditor Visor")
	assert.Contains(t, msgs[0].Text, "Aprobado")

	events, err := svc.History(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventStatusChanged, events[1].Kind)
	assert.Equal(t, StatusPendingReview, events[1].From)
	assert.Equal(t, StatusApproved, events[1].To)
	assert.Equal(t, viewer, events[1].Actor)
}

func TestTransition_AdminRejects(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	rec := mustRegister(t, svc, validInput())

	updated, err := svc.Transition(context.Background(), rec.ID, ActionReject, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, updated.Status)
}

func TestTransition_PayerForbiddenStatusUnchanged(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(repo, nil)
	rec := mustRegister(t, svc, validInput())

	_, err := svc.Transition(context.Background(), rec.ID, ActionApprove, payer)
	assert.ErrorIs(t, err, ErrForbidden)

	stored, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReview, stored.Status)
}

func TestTransition_RolesOutsideAuditForbidden(t *testing.T) {
	for _, role := range []auth.Role{auth.RolePayer, "", "guest", "ADMIN"} {
		for _, action := range []Action{ActionApprove, ActionReject} {
			svc := newTestService(NewMemoryRepository(), nil)
			rec := mustRegister(t, svc, validInput())

			_, err := svc.Transition(context.Background(), rec.ID, action, auth.Actor{Role: role})
			assert.ErrorIs(t, err, ErrForbidden, "role %q action %s", role, action)
		}
	}
}

func TestTransition_UnknownID(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	_, err := svc.Transition(context.Background(), "missing", ActionApprove, admin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_TerminalAlwaysInvalid(t *testing.T) {
	roles := []auth.Role{auth.RoleAdmin, auth.RoleViewer, auth.RolePayer, "guest"}
	for _, first := range []Action{ActionApprove, ActionReject} {
		svc := newTestService(NewMemoryRepository(), nil)
		rec := mustRegister(t, svc, validInput())
		_, err := svc.Transition(context.Background(), rec.ID, first, admin)
		require.NoError(t, err)

		for _, role := range roles {
			for _, action := range []Action{ActionApprove, ActionReject} {
				_, err := svc.Transition(context.Background(), rec.ID, action, auth.Actor{Role: role})
				assert.ErrorIs(t, err, ErrInvalidState, "after %s: role %q action %s", first, role, action)
			}
		}
	}
}

func TestTransition_NotATransition(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	rec := mustRegister(t, svc, validInput())
	_, err := svc.Transition(context.Background(), rec.ID, ActionRegister, admin)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTransition_LostRace(t *testing.T) {
	repo := racingRepo{NewMemoryRepository()}
	svc := newTestService(repo, nil)
	rec := mustRegister(t, svc, validInput())

	_, err := svc.Transition(context.Background(), rec.ID, ActionApprove, admin)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTransition_DispatcherFailureKeepsChange(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("relay down")}
	repo := NewMemoryRepository()
	svc := newTestService(repo, d)
	rec := mustRegister(t, svc, validInput())

	updated, err := svc.Transition(context.Background(), rec.ID, ActionApprove, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, updated.Status)
	assert.Len(t, d.messages(), 1)

	stored, _ := repo.Get(context.Background(), rec.ID)
	assert.Equal(t, StatusApproved, stored.Status)
}

func TestTransition_NoticeRecipient(t *testing.T) {
	in := validInput()
	in.ContactPhone = ""

	d := &recordingDispatcher{}
	svc := newTestService(NewMemoryRepository(), d)
	rec := mustRegister(t, svc, in)
	_, err := svc.Transition(context.Background(), rec.ID, ActionReject, admin)
	require.NoError(t, err)
	assert.Empty(t, d.messages(), "no phone and no audit phone means no notice")

	d = &recordingDispatcher{}
	svc = newTestService(NewMemoryRepository(), d).WithAuditPhone("0414 555 0000")
	rec = mustRegister(t, svc, in)
	_, err = svc.Transition(context.Background(), rec.ID, ActionReject, admin)
	require.NoError(t, err)
	msgs := d.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "04145550000", msgs[0].Phone)
	assert.Contains(t, msgs[0].Text, "Rechazado")
}

func TestHistory_UnknownID(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	_, err := svc.History(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
