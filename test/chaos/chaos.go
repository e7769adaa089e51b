package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend randomly kills another backend of the current database.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// HoldWriteLock occasionally takes the store's advisory write lock for longer
// than hold, forcing writers into their bounded wait.
func HoldWriteLock(ctx context.Context, pool *pgxpool.Pool, hold time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			tx, err := pool.Begin(ctx)
			if err != nil {
				continue
			}
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fiscalcontrol.payments'))`); err == nil {
				select {
				case <-time.After(hold):
				case <-ctx.Done():
				}
			}
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}
}
