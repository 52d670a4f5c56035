package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with a mutex-guarded map. Single-process
// fallback; the uniqueness guarantee only spans this process.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func memKey(scope, key string) string { return scope + "\x00" + key }

func (m *MemoryStore) BeginKey(_ context.Context, scope, key string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[memKey(scope, key)]; ok {
		cp := *rec
		return &cp, false, nil
	}
	rec := &Record{Scope: scope, Key: key, CreatedAt: time.Now()}
	m.recs[memKey(scope, key)] = rec
	cp := *rec
	return &cp, true, nil
}

func (m *MemoryStore) CompleteKey(_ context.Context, scope, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[memKey(scope, key)]; ok {
		rec.Response = response
	}
	return nil
}

func (m *MemoryStore) AbortKey(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, memKey(scope, key))
	return nil
}

func (m *MemoryStore) GetKey(_ context.Context, scope, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[memKey(scope, key)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
