package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fiscalcontrol/auth"
)

const (
	// DefaultLockTimeout bounds the wait for the store's write lock.
	DefaultLockTimeout = 10 * time.Second

	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
	pgUniqueViolation  = "23505"
	pgNumericOverflow  = "22003"
)

// PGRepository implements Repository backed by PostgreSQL. Every write takes
// a transaction-scoped advisory lock with a bounded wait.
type PGRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository creates a PostgreSQL-backed payment repository.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *PGRepository {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PGRepository{pool: pool, lockTimeout: lockTimeout}
}

const selectColumns = `id, date_registered, organism, payment_type, amount::text, payment_date_real,
       unit_code, unit_name, municipality, status, description, contact_phone, created_at`

// Create inserts a new record and its registration event.
func (r *PGRepository) Create(ctx context.Context, rec Record, actor auth.Actor) (Record, error) {
	var created Record
	err := r.withWriteLock(ctx, func(tx pgx.Tx) error {
		const insertSQL = `
INSERT INTO payments (id, date_registered, organism, payment_type, amount, payment_date_real,
                      unit_code, unit_name, municipality, status, description, contact_phone, created_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + selectColumns

		var err error
		created, err = scanRecord(tx.QueryRow(ctx, insertSQL,
			rec.ID,
			rec.DateRegistered.Time(),
			rec.Organism,
			string(rec.Type),
			rec.Amount.String(),
			rec.PaymentDateReal.Time(),
			rec.UnitCode,
			rec.UnitName,
			rec.Municipality,
			string(rec.Status),
			rec.Description,
			rec.ContactPhone,
			rec.CreatedAt,
		))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case pgUniqueViolation:
					return fmt.Errorf("%w: duplicate id %s", ErrValidation, rec.ID)
				case pgNumericOverflow:
					return fmt.Errorf("%w: amount %s out of range", ErrValidation, rec.Amount)
				}
			}
			return fmt.Errorf("payment: insert: %w", err)
		}

		return appendEvent(ctx, tx, Event{
			PaymentID: created.ID,
			Kind:      EventRegistered,
			To:        created.Status,
			Actor:     actor,
			At:        created.CreatedAt,
		})
	})
	if err != nil {
		return Record{}, err
	}
	return created, nil
}

// Get fetches a record by id.
func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, unavailable("payment: get", err)
	}
	return rec, nil
}

// List returns every record in registration order.
func (r *PGRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+` FROM payments ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, unavailable("payment: list", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 32)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("payment: iterate", err)
	}
	return out, nil
}

// UpdateStatus rewrites the status column when it still equals change.From.
func (r *PGRepository) UpdateStatus(ctx context.Context, change StatusChange) (Record, error) {
	var updated Record
	err := r.withWriteLock(ctx, func(tx pgx.Tx) error {
		const updateSQL = `
UPDATE payments
SET status = $1
WHERE id = $2 AND status = $3
RETURNING ` + selectColumns

		var err error
		updated, err = scanRecord(tx.QueryRow(ctx, updateSQL, string(change.To), change.ID, string(change.From)))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("payment: update status: %w", err)
			}
			var current string
			if err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, change.ID).Scan(&current); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("payment: update status fetch: %w", err)
			}
			return fmt.Errorf("%w: payment %s is %s", ErrInvalidState, change.ID, current)
		}

		return appendEvent(ctx, tx, Event{
			PaymentID: change.ID,
			Kind:      EventStatusChanged,
			From:      change.From,
			To:        change.To,
			Actor:     change.Actor,
			At:        change.At,
		})
	})
	if err != nil {
		return Record{}, err
	}
	return updated, nil
}

// Events returns the audit trail of a record, oldest first.
func (r *PGRepository) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
SELECT payment_id, kind, COALESCE(from_status, ''), to_status, actor_name, actor_role, created_at
FROM payment_events
WHERE payment_id = $1
ORDER BY id ASC`, id)
	if err != nil {
		return nil, unavailable("payment: events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev         Event
			kind, from string
			to, role   string
		)
		if err := rows.Scan(&ev.PaymentID, &kind, &from, &to, &ev.Actor.Name, &role, &ev.At); err != nil {
			return nil, fmt.Errorf("payment: scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.From = Status(from)
		ev.To = Status(to)
		ev.Actor.Role = auth.Role(role)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *PGRepository) withWriteLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return unavailable("payment: begin tx", err)
	}
	defer tx.Rollback(ctx)

	timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return unavailable("payment: set lock timeout", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fiscalcontrol.payments'))`); err != nil {
		return unavailable("payment: acquire write lock", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("payment: commit", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	var from any
	if ev.From != "" {
		from = string(ev.From)
	}
	const insertSQL = `
INSERT INTO payment_events (payment_id, kind, from_status, to_status, actor_name, actor_role, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insertSQL, ev.PaymentID, string(ev.Kind), from, string(ev.To), ev.Actor.Name, string(ev.Actor.Role), ev.At); err != nil {
		return fmt.Errorf("payment: insert event: %w", err)
	}
	return nil
}

// unavailable wraps transport and lock failures as ErrStoreUnavailable. Other
// server-side errors keep their own identity.
func unavailable(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		registered time.Time
		due        time.Time
		typ        string
		amount     string
		status     string
	)
	err := row.Scan(
		&rec.ID,
		&registered,
		&rec.Organism,
		&typ,
		&amount,
		&due,
		&rec.UnitCode,
		&rec.UnitName,
		&rec.Municipality,
		&status,
		&rec.Description,
		&rec.ContactPhone,
		&rec.CreatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	rec.DateRegistered = DateOf(registered)
	rec.PaymentDateReal = DateOf(due)
	rec.Type = Type(typ)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return Record{}, fmt.Errorf("payment: parse amount %q: %w", amount, err)
	}
	if rec.Status, err = ParseStatus(status); err != nil {
		return Record{}, err
	}
	return rec, nil
}
