// Package cache provides SnapshotCache backends for payment.CachedRepository.
package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"fiscalcontrol/payment"
)

// Memory keeps the snapshot in process. A zero ttl never expires.
type Memory struct {
	mu      sync.RWMutex
	records []payment.Record
	valid   bool
	expires time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now}
}

func (m *Memory) Load(_ context.Context) ([]payment.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.valid || (m.ttl > 0 && !m.now().Before(m.expires)) {
		return nil, false, nil
	}
	return slices.Clone(m.records), true, nil
}

func (m *Memory) Store(_ context.Context, records []payment.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = slices.Clone(records)
	m.valid = true
	m.expires = m.now().Add(m.ttl)
	return nil
}

func (m *Memory) Invalidate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.valid = false
	return nil
}
