// Package kv defines the KeyValueStore capability the attendcore services
// persist through, together with its backends.
//
// Values are opaque byte slices, one per storage key. A backend either
// enforces a byte quota itself (memory) or is wrapped with WithQuota.
// Quota exhaustion is reported as errclass.ErrQuotaExceeded.
package kv

import (
	"context"
	"sort"

	"github.com/qrclock/attendcore/pkg/errclass"
)

// KeyValueStore is the persistent key-value capability.
type KeyValueStore interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	Usage(ctx context.Context) (Usage, error)
	Close() error
}

// Watcher is implemented by backends that can observe writes made by other
// processes. fn is called with the changed key.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

// Usage reports storage consumption. QuotaBytes of zero means unlimited.
type Usage struct {
	UsedBytes  int64 `json:"usedBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
}

// Percent returns used/quota in percent, or 0 when unlimited.
func (u Usage) Percent() float64 {
	if u.QuotaBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) * 100 / float64(u.QuotaBytes)
}

// Headroom returns the remaining bytes, or -1 when unlimited.
func (u Usage) Headroom() int64 {
	if u.QuotaBytes <= 0 {
		return -1
	}
	if u.UsedBytes >= u.QuotaBytes {
		return 0
	}
	return u.QuotaBytes - u.UsedBytes
}

// EntrySize is the accounted size of one key/value pair.
func EntrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

func quotaError(need, quota int64) error {
	return errclass.ErrQuotaExceeded.WithMessagef("write needs %d bytes, quota is %d", need, quota)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
