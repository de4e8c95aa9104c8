package kv

import (
	"context"
	"sync"
)

// Quota enforces a byte quota on top of a backend that has none.
// Sizes are indexed lazily on first use and tracked per key afterwards.
type Quota struct {
	inner KeyValueStore
	quota int64

	mu     sync.Mutex
	sizes  map[string]int64
	used   int64
	loaded bool
}

// WithQuota wraps inner. quota <= 0 returns inner unchanged.
func WithQuota(inner KeyValueStore, quota int64) KeyValueStore {
	if quota <= 0 {
		return inner
	}
	return &Quota{inner: inner, quota: quota}
}

func (q *Quota) load(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	keys, err := q.inner.Keys(ctx)
	if err != nil {
		return err
	}
	sizes := make(map[string]int64, len(keys))
	var used int64
	for _, k := range keys {
		v, ok, err := q.inner.Get(ctx, k)
		if err != nil {
			return err
		}
		if ok {
			sizes[k] = EntrySize(k, v)
			used += sizes[k]
		}
	}
	q.sizes, q.used, q.loaded = sizes, used, true
	return nil
}

func (q *Quota) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return q.inner.Get(ctx, key)
}

func (q *Quota) Set(ctx context.Context, key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return err
	}
	size := EntrySize(key, value)
	next := q.used - q.sizes[key] + size
	if next > q.quota {
		return quotaError(next, q.quota)
	}
	if err := q.inner.Set(ctx, key, value); err != nil {
		return err
	}
	q.sizes[key] = size
	q.used = next
	return nil
}

func (q *Quota) Delete(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return err
	}
	if err := q.inner.Delete(ctx, key); err != nil {
		return err
	}
	q.used -= q.sizes[key]
	delete(q.sizes, key)
	return nil
}

func (q *Quota) Keys(ctx context.Context) ([]string, error) {
	return q.inner.Keys(ctx)
}

func (q *Quota) Usage(ctx context.Context) (Usage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return Usage{}, err
	}
	return Usage{UsedBytes: q.used, QuotaBytes: q.quota}, nil
}

// Resync drops the size index so the next call rescans the backend.
// Called after out-of-band changes.
func (q *Quota) Resync() {
	q.mu.Lock()
	q.loaded = false
	q.mu.Unlock()
}

// Watch forwards to the wrapped backend when it supports watching, and
// resyncs the size index on every reported change.
func (q *Quota) Watch(ctx context.Context, fn func(key string)) error {
	w, ok := q.inner.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func(key string) {
		q.Resync()
		fn(key)
	})
}

func (q *Quota) Close() error { return q.inner.Close() }

// Inner returns the wrapped backend.
func (q *Quota) Inner() KeyValueStore { return q.inner }
