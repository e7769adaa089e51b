package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_transition",
			SQL: `SELECT payment_id, COUNT(*) FROM payment_events
                  WHERE kind = 'status_changed'
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_transition_from_pending",
			SQL: `SELECT id, payment_id, from_status FROM payment_events
                  WHERE kind = 'status_changed' AND from_status IS DISTINCT FROM 'PendingReview'`,
		},
		{
			Name: "O3_status_matches_trail",
			SQL: `SELECT p.id, p.status FROM payments p
                  LEFT JOIN payment_events e ON e.payment_id = p.id AND e.kind = 'status_changed'
                  WHERE (p.status = 'PendingReview' AND e.id IS NOT NULL)
                     OR (p.status <> 'PendingReview' AND (e.id IS NULL OR e.to_status <> p.status))`,
		},
		{
			Name: "O4_single_registration",
			SQL: `SELECT p.id, COUNT(e.id) FROM payments p
                  LEFT JOIN payment_events e ON e.payment_id = p.id AND e.kind = 'registered'
                  GROUP BY p.id HAVING COUNT(e.id) <> 1`,
		},
		{
			Name: "O5_transition_actor_role",
			SQL: `SELECT id, payment_id, actor_role FROM payment_events
                  WHERE kind = 'status_changed' AND actor_role NOT IN ('admin', 'viewer')`,
		},
		{
			Name: "O6_guards_installed",
			SQL: `SELECT 'missing_guard_trigger' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger
                         WHERE tgname IN ('payments_guard_update', 'payments_forbid_delete', 'payment_events_forbid_delete')) < 3`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
