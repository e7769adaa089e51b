package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fiscalcontrol/payment"
)

const defaultKey = "fiscalcontrol:payments:snapshot"

// Redis shares the snapshot between API instances.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("cache: redis address required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &Redis{client: client, key: defaultKey, ttl: ttl}, nil
}

func (r *Redis) Load(ctx context.Context) ([]payment.Record, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}

	var records []payment.Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&records); err != nil {
		return nil, false, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	return records, true, nil
}

func (r *Redis) Store(ctx context.Context, records []payment.Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return fmt.Errorf("cache: encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, buf.Bytes(), r.ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
