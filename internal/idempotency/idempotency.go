// Package idempotency deduplicates mutating requests. A Redis cache answers
// replays cheaply; a durable unique constraint underneath is the arbiter
// when two first-time writers race.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-hailing/internal/apperr"
)

// Record is one reserved key. Response is nil while the owning operation is
// still in flight.
type Record struct {
	Scope     string
	Key       string
	Response  []byte
	CreatedAt time.Time
}

// Store is the durable layer. BeginKey inserts a pending record and reports
// created=false (with the existing record) when the unique constraint
// rejects the insert.
type Store interface {
	BeginKey(ctx context.Context, scope, key string) (rec *Record, created bool, err error)
	CompleteKey(ctx context.Context, scope, key string, response []byte) error
	AbortKey(ctx context.Context, scope, key string) error
	GetKey(ctx context.Context, scope, key string) (*Record, error)
}

// Executor runs an operation at most once per (scope, key) and returns the
// stored payload byte-identically on replay.
type Executor struct {
	Store Store
	Cache *redis.Client // optional response cache in front of Store
	TTL   time.Duration // cache expiry, default 24h

	// Polling knobs for the concurrent-first-writer case.
	WaitInterval time.Duration
	WaitAttempts int
}

func NewExecutor(store Store, cache *redis.Client) *Executor {
	return &Executor{
		Store:        store,
		Cache:        cache,
		TTL:          24 * time.Hour,
		WaitInterval: 100 * time.Millisecond,
		WaitAttempts: 20,
	}
}

func cacheKey(scope, key string) string { return "idem:" + scope + ":" + key }

// Do executes op exactly once for the given key. An empty key disables
// deduplication. The op's JSON-marshaled result is what replays receive.
func (e *Executor) Do(ctx context.Context, scope, key string, op func(context.Context) (any, error)) ([]byte, error) {
	if key == "" {
		v, err := op(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}

	if e.Cache != nil {
		if b, err := e.Cache.Get(ctx, cacheKey(scope, key)).Bytes(); err == nil {
			return b, nil
		}
	}

	rec, created, err := e.Store.BeginKey(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if !created {
		if rec.Response != nil {
			e.cacheSet(ctx, scope, key, rec.Response)
			return rec.Response, nil
		}
		return e.awaitPeer(ctx, scope, key)
	}

	v, err := op(ctx)
	if err != nil {
		// Release the key so a retry can run the operation.
		_ = e.Store.AbortKey(ctx, scope, key)
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		_ = e.Store.AbortKey(ctx, scope, key)
		return nil, err
	}
	if err := e.Store.CompleteKey(ctx, scope, key, b); err != nil {
		return nil, err
	}
	e.cacheSet(ctx, scope, key, b)
	return b, nil
}

// awaitPeer polls for the committed result of a concurrent caller holding
// the same key, then gives up with DuplicateRequestError.
func (e *Executor) awaitPeer(ctx context.Context, scope, key string) ([]byte, error) {
	for i := 0; i < e.WaitAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.WaitInterval):
		}
		rec, err := e.Store.GetKey(ctx, scope, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Peer aborted; the caller may retry the whole request.
			break
		}
		if rec.Response != nil {
			e.cacheSet(ctx, scope, key, rec.Response)
			return rec.Response, nil
		}
	}
	return nil, &apperr.DuplicateRequestError{Key: key}
}

func (e *Executor) cacheSet(ctx context.Context, scope, key string, b []byte) {
	if e.Cache == nil {
		return
	}
	_ = e.Cache.Set(ctx, cacheKey(scope, key), b, e.TTL).Err()
}
