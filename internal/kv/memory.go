package kv

import (
	"context"
	"sync"
)

// Memory is an in-process KeyValueStore with a native byte quota, the
// analogue of a browser's localStorage.
type Memory struct {
	mu    sync.Mutex
	data  map[string][]byte
	used  int64
	quota int64
}

// NewMemory returns an empty store. quota <= 0 disables the limit.
func NewMemory(quota int64) *Memory {
	return &Memory{data: make(map[string][]byte), quota: quota}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.used + EntrySize(key, value)
	if old, ok := m.data[key]; ok {
		next -= EntrySize(key, old)
	}
	if m.quota > 0 && next > m.quota {
		return quotaError(next, m.quota)
	}
	m.data[key] = append([]byte(nil), value...)
	m.used = next
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.used -= EntrySize(key, old)
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.data), nil
}

func (m *Memory) Usage(context.Context) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{UsedBytes: m.used, QuotaBytes: m.quota}, nil
}

// SetQuota changes the quota; existing data is kept even if it exceeds it.
func (m *Memory) SetQuota(quota int64) {
	m.mu.Lock()
	m.quota = quota
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
