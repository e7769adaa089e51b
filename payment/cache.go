package payment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"fiscalcontrol/auth"
)

// SnapshotCache holds the full record list between writes.
type SnapshotCache interface {
	Load(ctx context.Context) ([]Record, bool, error)
	Store(ctx context.Context, records []Record) error
	Invalidate(ctx context.Context) error
}

// CachedRepository is a read-through cache in front of the authoritative
// store. Every mutating call invalidates the snapshot, successful or not.
// Cache failures are logged and fall back to the store.
type CachedRepository struct {
	next       Repository
	cache      SnapshotCache
	logger     *slog.Logger
	group      singleflight.Group
	generation atomic.Uint64

	// fill serializes the generation check plus Store against invalidate.
	fill sync.Mutex
}

func NewCachedRepository(next Repository, cache SnapshotCache, logger *slog.Logger) *CachedRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedRepository{next: next, cache: cache, logger: logger}
}

func (c *CachedRepository) Create(ctx context.Context, rec Record, actor auth.Actor) (Record, error) {
	defer c.invalidate(ctx)
	return c.next.Create(ctx, rec, actor)
}

func (c *CachedRepository) UpdateStatus(ctx context.Context, change StatusChange) (Record, error) {
	defer c.invalidate(ctx)
	return c.next.UpdateStatus(ctx, change)
}

// Get always reads the store; transitions must see the current status.
func (c *CachedRepository) Get(ctx context.Context, id string) (Record, error) {
	return c.next.Get(ctx, id)
}

// Events forwards to the store's audit trail.
func (c *CachedRepository) Events(ctx context.Context, id string) ([]Event, error) {
	reader, ok := c.next.(EventReader)
	if !ok {
		return nil, fmt.Errorf("payment: store does not keep an audit trail")
	}
	return reader.Events(ctx, id)
}

func (c *CachedRepository) List(ctx context.Context) ([]Record, error) {
	records, ok, err := c.cache.Load(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "payment cache load failed", "error", err)
	}
	if ok {
		return slices.Clone(records), nil
	}

	v, err, _ := c.group.Do("list", func() (any, error) {
		gen := c.generation.Load()
		records, err := c.next.List(ctx)
		if err != nil {
			return nil, err
		}
		c.storeIfCurrent(ctx, gen, records)
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Record)), nil
}

// storeIfCurrent caches records unless a write landed after gen was read.
func (c *CachedRepository) storeIfCurrent(ctx context.Context, gen uint64, records []Record) {
	c.fill.Lock()
	defer c.fill.Unlock()
	if c.generation.Load() != gen {
		return
	}
	if err := c.cache.Store(ctx, records); err != nil {
		c.logger.WarnContext(ctx, "payment cache store failed", "error", err)
	}
}

func (c *CachedRepository) invalidate(ctx context.Context) {
	c.fill.Lock()
	defer c.fill.Unlock()
	c.generation.Add(1)
	if err := c.cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
		c.logger.WarnContext(ctx, "payment cache invalidate failed", "error", err)
	}
}
