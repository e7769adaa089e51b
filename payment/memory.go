package payment

import (
	"context"
	"fmt"
	"sync"

	"fiscalcontrol/auth"
)

// MemoryRepository keeps records in process. It backs the offline demo mode,
// where nothing survives a restart.
type MemoryRepository struct {
	mu      sync.Mutex
	order   []string
	records map[string]Record
	events  []Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

func (m *MemoryRepository) Create(_ context.Context, rec Record, actor auth.Actor) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return Record{}, fmt.Errorf("%w: duplicate id %s", ErrValidation, rec.ID)
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	m.events = append(m.events, Event{PaymentID: rec.ID, Kind: EventRegistered, To: rec.Status, Actor: actor, At: rec.CreatedAt})
	return rec, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryRepository) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, change StatusChange) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[change.ID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != change.From {
		return Record{}, fmt.Errorf("%w: payment %s is %s", ErrInvalidState, change.ID, rec.Status)
	}
	rec.Status = change.To
	m.records[change.ID] = rec
	m.events = append(m.events, Event{
		PaymentID: change.ID,
		Kind:      EventStatusChanged,
		From:      change.From,
		To:        change.To,
		Actor:     change.Actor,
		At:        change.At,
	})
	return rec, nil
}

// Events returns the audit trail of a record, oldest first.
func (m *MemoryRepository) Events(_ context.Context, id string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.PaymentID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}
