package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/tapguard/internal/domain"
)

// TTL is a typed view over a domain.Cache namespace. Values are stored as JSON.
// A nil backing cache turns every call into a miss, which lets engines run
// uncached in tests.
type TTL[V any] struct {
	backend   domain.Cache
	namespace string
	ttl       time.Duration
}

// NewTTL returns a typed cache over one namespace of backend.
func NewTTL[V any](backend domain.Cache, namespace string, ttl time.Duration) *TTL[V] {
	return &TTL[V]{backend: backend, namespace: namespace, ttl: ttl}
}

// Get returns the cached value and whether it was present.
// Undecodable entries are treated as misses.
func (t *TTL[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if t.backend == nil || t.ttl <= 0 {
		return zero, false
	}

	raw, err := t.backend.Get(ctx, t.namespace, key)
	if err != nil || raw == nil {
		return zero, false
	}

	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		_ = t.backend.Delete(ctx, t.namespace, key)
		return zero, false
	}
	return v, true
}

// Set stores v under key for the configured TTL.
func (t *TTL[V]) Set(ctx context.Context, key string, v V) error {
	if t.backend == nil || t.ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.backend.Set(ctx, t.namespace, key, raw, t.ttl)
}

// Invalidate drops one key.
func (t *TTL[V]) Invalidate(ctx context.Context, key string) error {
	if t.backend == nil {
		return nil
	}
	return t.backend.Delete(ctx, t.namespace, key)
}

// InvalidateAll drops the whole namespace.
func (t *TTL[V]) InvalidateAll(ctx context.Context) error {
	if t.backend == nil {
		return nil
	}
	return t.backend.Clear(ctx, t.namespace)
}
