package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of a migrated Postgres for integration tests.
type Harness struct {
	container *Container
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness boots Postgres 16 (or reuses STRESS_TEST_PG_DSN inside a fresh
// schema) and applies the embedded migrations.
func NewHarness(ctx context.Context) (*Harness, error) {
	container, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, container.C == nil)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Harness{container: container, pool: pool, teardown: teardown, dsn: dsn}, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset empties both tables. TRUNCATE bypasses the row-level delete guards.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE payment_events, payments RESTART IDENTITY"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
