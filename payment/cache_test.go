package payment

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalcontrol/auth"
)

type mapCache struct {
	mu          sync.Mutex
	records     []Record
	valid       bool
	loadErr     error
	invalidated int
}

func (c *mapCache) Load(context.Context) ([]Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, false, c.loadErr
	}
	return slices.Clone(c.records), c.valid, nil
}

func (c *mapCache) Store(_ context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records, c.valid = slices.Clone(records), true
	return nil
}

func (c *mapCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records, c.valid = nil, false
	c.invalidated++
	return nil
}

type countingRepo struct {
	*MemoryRepository
	mu    sync.Mutex
	lists int
}

func (r *countingRepo) List(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	r.lists++
	r.mu.Unlock()
	return r.MemoryRepository.List(ctx)
}

func TestCachedRepository_ServesSnapshotUntilWrite(t *testing.T) {
	ctx := context.Background()
	inner := &countingRepo{MemoryRepository: NewMemoryRepository()}
	c := &mapCache{}
	repo := NewCachedRepository(inner, c, discardLogger())

	_, err := repo.Create(ctx, Record{ID: "a", Status: StatusPendingReview}, admin)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	}
	assert.Equal(t, 1, inner.lists)

	_, err = repo.UpdateStatus(ctx, StatusChange{ID: "a", From: StatusPendingReview, To: StatusApproved, Actor: admin})
	require.NoError(t, err)
	assert.Equal(t, 2, c.invalidated)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, all[0].Status)
	assert.Equal(t, 2, inner.lists)
}

func TestCachedRepository_FailedWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	c := &mapCache{valid: true, records: []Record{{ID: "stale"}}}
	repo := NewCachedRepository(NewMemoryRepository(), c, discardLogger())

	_, err := repo.UpdateStatus(ctx, StatusChange{ID: "missing", From: StatusPendingReview, To: StatusApproved})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, c.invalidated)
}

func TestCachedRepository_CacheErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryRepository()
	_, err := inner.Create(ctx, Record{ID: "a"}, auth.Actor{})
	require.NoError(t, err)

	repo := NewCachedRepository(inner, &mapCache{loadErr: errors.New("redis down")}, discardLogger())
	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCachedRepository_GetBypassesCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryRepository()
	_, err := inner.Create(ctx, Record{ID: "a", Status: StatusPendingReview}, admin)
	require.NoError(t, err)
	c := &mapCache{valid: true, records: []Record{{ID: "a", Status: StatusRejected}}}
	repo := NewCachedRepository(inner, c, discardLogger())

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReview, got.Status)

	events, err := repo.Events(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// gatedCache blocks the first Store until release is closed.
type gatedCache struct {
	mapCache
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCache) Store(ctx context.Context, records []Record) error {
	first := false
	c.once.Do(func() { first = true })
	if first {
		close(c.entered)
		<-c.release
	}
	return c.mapCache.Store(ctx, records)
}

// signallingRepo reports when a Create has reached the store.
type signallingRepo struct {
	*MemoryRepository
	created chan struct{}
}

func (r signallingRepo) Create(ctx context.Context, rec Record, actor auth.Actor) (Record, error) {
	out, err := r.MemoryRepository.Create(ctx, rec, actor)
	close(r.created)
	return out, err
}

func TestCachedRepository_WriteDuringFillIsVisible(t *testing.T) {
	ctx := context.Background()
	inner := signallingRepo{MemoryRepository: NewMemoryRepository(), created: make(chan struct{})}
	_, err := inner.MemoryRepository.Create(ctx, Record{ID: "a", Status: StatusPendingReview}, admin)
	require.NoError(t, err)

	c := &gatedCache{entered: make(chan struct{}), release: make(chan struct{})}
	repo := NewCachedRepository(inner, c, discardLogger())

	readerDone := make(chan error, 1)
	go func() {
		_, err := repo.List(ctx)
		readerDone <- err
	}()
	<-c.entered

	writerDone := make(chan error, 1)
	go func() {
		_, err := repo.Create(ctx, Record{ID: "b", Status: StatusPendingReview}, admin)
		writerDone <- err
	}()
	<-inner.created
	time.Sleep(20 * time.Millisecond)

	close(c.release)
	require.NoError(t, <-readerDone)
	require.NoError(t, <-writerDone)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "records visible after write")
}
