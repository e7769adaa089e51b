package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Container wraps a started test container. A zero Container stands for an
// externally managed service and terminates as a no-op.
type Container struct {
	C testcontainers.Container
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If overrideDSN or
// STRESS_TEST_PG_DSN is set, it reuses that database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*Container, string, error) {
	if overrideDSN != "" {
		return &Container{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &Container{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("fiscalcontrol"),
		postgres.WithUsername("fiscal"),
		postgres.WithPassword("fiscal"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &Container{C: pgC}, dsn, nil
}

// StartRedis starts a Redis 7 container and returns its host:port. TEST_REDIS_ADDR
// short-circuits to an existing server.
func StartRedis(ctx context.Context) (*Container, string, error) {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return &Container{}, addr, nil
	}

	c, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		return nil, "", err
	}
	addr, err := c.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	return &Container{C: c}, addr, nil
}

func (c *Container) Terminate(ctx context.Context) error {
	if c == nil || c.C == nil {
		return nil
	}
	return c.C.Terminate(ctx)
}
