package store

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotency is the in-process IdempotencyStore. Expired keys are
// pruned lazily on access.
type MemoryIdempotency struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryIdempotency creates an empty in-memory idempotency store.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{expires: make(map[string]time.Time)}
}

func (m *MemoryIdempotency) MarkIfUnseen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[key]; ok && exp.After(now) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	m.pruneLocked(now)
	return true, nil
}

func (m *MemoryIdempotency) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expires[key]
	return ok && exp.After(time.Now()), nil
}

func (m *MemoryIdempotency) Mark(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = time.Now().Add(ttl)
	return nil
}

// pruneLocked drops expired keys. Caller holds m.mu.
func (m *MemoryIdempotency) pruneLocked(now time.Time) {
	for k, exp := range m.expires {
		if !exp.After(now) {
			delete(m.expires, k)
		}
	}
}

type inflightEntry struct {
	rec InflightRecord
	exp time.Time
}

// MemoryInflight is the in-process InflightStore.
type MemoryInflight struct {
	mu      sync.Mutex
	entries map[string]inflightEntry
}

// NewMemoryInflight creates an empty in-memory inflight store.
func NewMemoryInflight() *MemoryInflight {
	return &MemoryInflight{entries: make(map[string]inflightEntry)}
}

func (m *MemoryInflight) Set(ctx context.Context, rec InflightRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rec.CommandID] = inflightEntry{rec: rec, exp: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryInflight) Get(ctx context.Context, commandID string) (*InflightRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[commandID]
	if !ok || !e.exp.After(time.Now()) {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

func (m *MemoryInflight) Remove(ctx context.Context, commandID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[commandID]
	delete(m.entries, commandID)
	return ok, nil
}

func (m *MemoryInflight) List(ctx context.Context) ([]InflightRecord, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InflightRecord, 0, len(m.entries))
	for id, e := range m.entries {
		if !e.exp.After(now) {
			delete(m.entries, id)
			continue
		}
		out = append(out, e.rec)
	}
	return out, nil
}
