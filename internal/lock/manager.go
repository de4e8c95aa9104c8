// Package lock implements the optional single-writer lease. The lease is a
// JSON record under the writer-lock key carrying a holder nonce, an expiry
// and a fencing token that grows on every takeover.
//
// The key-value capability has no compare-and-swap, so Acquire reads its
// write back and fails if another writer's record landed instead.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
	"github.com/qrclock/attendcore/pkg/uuidutil"
)

// DefaultLeaseTTL is used when the manager is created with a zero TTL.
const DefaultLeaseTTL = 30 * time.Second

var key = model.CollectionWriterLock.String()

// Manager handles writer lease operations.
type Manager struct {
	kv    kv.KeyValueStore
	ttl   time.Duration
	clock clock.PassiveClock
	mu    sync.Mutex
}

// NewManager creates a lease manager over backend.
func NewManager(backend kv.KeyValueStore, ttl time.Duration, clk clock.PassiveClock) *Manager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{kv: backend, ttl: ttl, clock: clk}
}

// Acquire takes the lease for holder. A live lease held by anyone else is
// a conflict; an expired one is taken over with the next fencing token.
func (m *Manager) Acquire(ctx context.Context, holder, purpose string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	prev, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	var token int64 = 1
	if prev != nil {
		if !prev.IsExpired(now) {
			return nil, errclass.ErrLockConflict.WithMessagef("writer lease held by %s until %s", prev.Holder, prev.ExpiresAt.Format(time.RFC3339))
		}
		token = prev.FencingToken + 1
	}

	rec := &model.Lease{
		Holder:       holder,
		HolderNonce:  uuidutil.NewV4(),
		Purpose:      purpose,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.ttl),
		FencingToken: token,
	}
	if err := m.write(ctx, rec); err != nil {
		return nil, err
	}

	got, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	if got == nil || got.HolderNonce != rec.HolderNonce {
		return nil, errclass.ErrLockConflict.WithMessage("writer lease taken concurrently")
	}
	return rec, nil
}

// Renew extends the lease held under holderNonce.
func (m *Manager) Renew(ctx context.Context, holderNonce string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errclass.ErrLockNotHeld.WithMessage("no lease held")
	}
	now := m.clock.Now().UTC()
	if rec.IsExpired(now) {
		return nil, errclass.ErrLockNotHeld.WithMessage("lease has expired")
	}
	if rec.HolderNonce != holderNonce {
		return nil, errclass.ErrLockNotHeld.WithMessage("nonce mismatch")
	}

	rec.ExpiresAt = now.Add(m.ttl)
	if err := m.write(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Release frees the lease. Releasing a free lease is a no-op.
func (m *Manager) Release(ctx context.Context, holderNonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.HolderNonce != holderNonce {
		return errclass.ErrLockNotHeld.WithMessage("cannot release: nonce mismatch")
	}
	if err := m.kv.Delete(ctx, key); err != nil {
		return errclass.ErrStorageFailure.Wrap(err, "delete writer lease")
	}
	return nil
}

// ValidateFencing checks that token belongs to the current live lease.
func (m *Manager) ValidateFencing(ctx context.Context, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read(ctx)
	if err != nil {
		return err
	}
	if rec == nil || rec.IsExpired(m.clock.Now()) {
		return errclass.ErrLockNotHeld.WithMessage("no live lease")
	}
	if rec.FencingToken != token {
		return errclass.ErrLockConflict.WithMessagef("expected fencing token %d, got %d", rec.FencingToken, token)
	}
	return nil
}

// Status returns the current lease state.
func (m *Manager) Status(ctx context.Context) (model.LeaseState, *model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read(ctx)
	if err != nil {
		return model.LeaseFree, nil, err
	}
	if rec == nil {
		return model.LeaseFree, nil, nil
	}
	if rec.IsExpired(m.clock.Now()) {
		return model.LeaseExpired, rec, nil
	}
	return model.LeaseHeld, rec, nil
}

// Hold runs fn while holding the lease and releases it afterwards.
func (m *Manager) Hold(ctx context.Context, holder, purpose string, fn func(ctx context.Context) error) error {
	rec, err := m.Acquire(ctx, holder, purpose)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), rec.HolderNonce)
	return fn(ctx)
}

func (m *Manager) read(ctx context.Context) (*model.Lease, error) {
	data, ok, err := m.kv.Get(ctx, key)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "read writer lease")
	}
	if !ok {
		return nil, nil
	}
	var rec model.Lease
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse writer lease: %w", err)
	}
	return &rec, nil
}

func (m *Manager) write(ctx context.Context, rec *model.Lease) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal writer lease: %w", err)
	}
	if err := m.kv.Set(ctx, key, data); err != nil {
		return errclass.ErrStorageFailure.Wrap(err, "write writer lease")
	}
	return nil
}
