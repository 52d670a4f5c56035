package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DemandCounter is a spatial-cell counter with per-key expiry refresh.
// Counts are approximate by design; lost updates across processes are
// acceptable.
type DemandCounter interface {
	Increment(ctx context.Context, cell string) (int64, error)
	Count(ctx context.Context, cell string) (int64, error)
}

// DefaultDemandTTL keeps idle cells decaying to zero within five minutes.
const DefaultDemandTTL = 5 * time.Minute

// RedisDemand backs the demand grid with INCR + EXPIRE. Every increment
// refreshes the TTL, so a busy cell never decays mid-surge.
type RedisDemand struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisDemand(client *redis.Client, ttl time.Duration) *RedisDemand {
	if ttl <= 0 {
		ttl = DefaultDemandTTL
	}
	return &RedisDemand{Client: client, TTL: ttl}
}

func demandKey(cell string) string { return "demand:" + cell }

func (r *RedisDemand) Increment(ctx context.Context, cell string) (int64, error) {
	n, err := r.Client.Incr(ctx, demandKey(cell)).Result()
	if err != nil {
		return 0, err
	}
	_ = r.Client.Expire(ctx, demandKey(cell), r.TTL).Err()
	return n, nil
}

func (r *RedisDemand) Count(ctx context.Context, cell string) (int64, error) {
	n, err := r.Client.Get(ctx, demandKey(cell)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// MemoryDemand is the single-process fallback used in tests and when no
// Redis address is configured.
type MemoryDemand struct {
	mu    sync.Mutex
	ttl   time.Duration
	cells map[string]*memCell
	now   func() time.Time
}

type memCell struct {
	n       int64
	expires time.Time
}

func NewMemoryDemand(ttl time.Duration) *MemoryDemand {
	if ttl <= 0 {
		ttl = DefaultDemandTTL
	}
	return &MemoryDemand{ttl: ttl, cells: make(map[string]*memCell), now: time.Now}
}

func (m *MemoryDemand) Increment(_ context.Context, cell string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[cell]
	if !ok || m.now().After(c.expires) {
		c = &memCell{}
		m.cells[cell] = c
	}
	c.n++
	c.expires = m.now().Add(m.ttl)
	return c.n, nil
}

func (m *MemoryDemand) Count(_ context.Context, cell string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[cell]
	if !ok || m.now().After(c.expires) {
		return 0, nil
	}
	return c.n, nil
}
