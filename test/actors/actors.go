// Package actors drives concurrent traffic against the payment lifecycle for
// the stress test.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fiscalcontrol/auth"
	"fiscalcontrol/payment"
	"fiscalcontrol/reminder"
)

// Ledger records what the actors observed so the test can compare it with
// the database afterwards.
type Ledger struct {
	mu          sync.Mutex
	ids         []string
	wins        map[string]int
	unavailable int
}

func NewLedger() *Ledger {
	return &Ledger{wins: make(map[string]int)}
}

func (l *Ledger) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *Ledger) pick(rng *rand.Rand) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ids) == 0 {
		return "", false
	}
	return l.ids[rng.Intn(len(l.ids))], true
}

func (l *Ledger) win(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wins[id]++
}

func (l *Ledger) storeUnavailable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable++
}

// Wins returns how many transitions each payment accepted.
func (l *Ledger) Wins() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.wins))
	for k, v := range l.wins {
		out[k] = v
	}
	return out
}

// Registered returns the number of payments created.
func (l *Ledger) Registered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// Unavailable returns how many calls hit the bounded lock wait.
func (l *Ledger) Unavailable() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unavailable
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// transient reports errors chaos is allowed to cause.
func transient(ctx context.Context, err error) bool {
	return errors.Is(err, payment.ErrStoreUnavailable) || ctx.Err() != nil
}

// Registrar keeps registering payments due a few days out.
func Registrar(ctx context.Context, svc *payment.Service, ledger *Ledger, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	actor := auth.Actor{Name: "Operador de Pagos", Role: auth.RolePayer}
	for n := 0; !stopped(ctx, stop); n++ {
		due := svc.Today().AddDays(rng.Intn(7))
		rec, err := svc.Register(ctx, actor, payment.Input{
			Organism:        "Organismo " + strconv.Itoa(rng.Intn(20)),
			Type:            string(payment.Types[rng.Intn(len(payment.Types))]),
			Amount:          fmt.Sprintf("%d.%02d", rng.Intn(5000), rng.Intn(100)),
			PaymentDateReal: due.String(),
			ContactPhone:    "58412" + strconv.Itoa(1000000+rng.Intn(8999999)),
		})
		switch {
		case err == nil:
			ledger.add(rec.ID)
		case transient(ctx, err):
			ledger.storeUnavailable()
		default:
			return fmt.Errorf("registrar: %w", err)
		}
		time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
	}
	return nil
}

// Auditor races approve/reject calls over random payments with random roles.
func Auditor(ctx context.Context, svc *payment.Service, ledger *Ledger, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	roles := []auth.Role{auth.RoleAdmin, auth.RoleViewer, auth.RolePayer}
	actions := []payment.Action{payment.ActionApprove, payment.ActionReject}
	for !stopped(ctx, stop) {
		id, ok := ledger.pick(rng)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		role := roles[rng.Intn(len(roles))]
		_, err := svc.Transition(ctx, id, actions[rng.Intn(len(actions))], auth.Actor{Name: "auditor-" + string(role), Role: role})
		switch {
		case err == nil:
			if role == auth.RolePayer {
				return fmt.Errorf("auditor: payer transitioned %s", id)
			}
			ledger.win(id)
		case errors.Is(err, payment.ErrInvalidState), errors.Is(err, payment.ErrForbidden):
		case transient(ctx, err):
			ledger.storeUnavailable()
		default:
			return fmt.Errorf("auditor: %w", err)
		}
		time.Sleep(time.Duration(rng.Intn(10)) * time.Millisecond)
	}
	return nil
}

// Sweeper runs the reminder computation over live snapshots.
func Sweeper(ctx context.Context, svc *payment.Service, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		records, err := svc.List(ctx)
		if err != nil {
			if transient(ctx, err) {
				continue
			}
			return fmt.Errorf("sweeper: %w", err)
		}
		for r := range reminder.FindDue(records, svc.Today(), reminder.Options{}) {
			if r.DaysRemaining != reminder.DefaultHorizonDays {
				return fmt.Errorf("sweeper: %s yielded with %d days", r.Record.ID, r.DaysRemaining)
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// RogueWriter bypasses the service and tries to rewrite terminal records or
// delete rows directly. The schema guards must reject every attempt.
func RogueWriter(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		tag, err := pool.Exec(ctx, `
UPDATE payments SET status = CASE status WHEN 'Approved' THEN 'Rejected' ELSE 'Approved' END
WHERE id = (SELECT id FROM payments WHERE status <> 'PendingReview' ORDER BY random() LIMIT 1)`)
		if err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("rogue writer: terminal record rewritten")
		}
		tag, err = pool.Exec(ctx, `DELETE FROM payments WHERE id = (SELECT id FROM payments ORDER BY random() LIMIT 1)`)
		if err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("rogue writer: payment deleted")
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}
