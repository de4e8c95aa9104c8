package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/integrity"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/internal/store"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

var (
	t0         = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	admin      = model.Actor{ID: "admin-1", Role: model.RoleAdmin}
	worker     = model.Actor{ID: "u1", Role: model.RoleWorker}
	positions  = model.CollectionPositions
	clockRecs  = model.CollectionClockRecords
	errBackend = errors.New("disk unplugged")
)

type fixture struct {
	backend kv.KeyValueStore
	mem     *kv.Memory
	store   *store.Store
	audit   *audit.Log
	signer  *integrity.Signer
	clock   *testingclock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, kv.NewMemory(0))
}

func newFixtureOn(t *testing.T, backend kv.KeyValueStore) *fixture {
	t.Helper()
	clk := testingclock.NewFakeClock(t0)
	signer, err := integrity.NewSigner([]byte("secret"), "test")
	require.NoError(t, err)
	log := audit.New(backend, audit.Options{Clock: clk})
	f := &fixture{
		backend: backend,
		store:   store.New(backend, store.Options{Signer: signer, Audit: log, Clock: clk}),
		audit:   log,
		signer:  signer,
		clock:   clk,
	}
	f.mem, _ = backend.(*kv.Memory)
	return f
}

func (f *fixture) auditCount(t *testing.T) int {
	t.Helper()
	n, err := f.audit.Count(context.Background())
	require.NoError(t, err)
	return n
}

// failingKV fails every Set of one key.
type failingKV struct {
	kv.KeyValueStore
	failKey string
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if key == f.failKey {
		return errBackend
	}
	return f.KeyValueStore.Set(ctx, key, value)
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, err := f.store.Add(ctx, positions, map[string]any{"id": "p1", "name": "Gate A", "isDeleted": true}, admin)
	require.NoError(t, err)
	assert.Equal(t, "p1", rec.ID)
	assert.Equal(t, t0, rec.CreatedAt)
	assert.False(t, rec.IsDeleted, "reserved fields in the item are ignored")
	assert.Equal(t, int64(1), rec.Version)
	assert.Empty(t, rec.Signature, "positions are not signed")

	got, err := f.store.Get(ctx, positions, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Gate A", got.Payload["name"])

	entries, err := f.audit.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionCreate, entries[0].Action)
	assert.Equal(t, "p1", entries[0].TargetID)
	assert.Equal(t, "admin-1", entries[0].ActorID)
	assert.Equal(t, "positions", entries[0].Module)
	assert.Empty(t, entries[0].Details)
}

func TestAdd_GeneratesIDAndRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.store.Add(ctx, positions, map[string]any{"name": "Gate B"}, admin)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	_, err = f.store.Add(ctx, positions, map[string]any{"id": rec.ID}, admin)
	assert.ErrorIs(t, err, errclass.ErrAlreadyExists)

	_, err = f.store.Add(ctx, positions, map[string]any{"id": "has space"}, admin)
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	assert.Equal(t, 1, f.auditCount(t))
}

func TestAdd_SignsEvidenceRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.store.Add(ctx, clockRecs, map[string]any{"id": "c1", "userId": "u1", "status": "in-progress"}, worker)
	require.NoError(t, err)
	require.NotEmpty(t, rec.Signature)
	ok, err := f.signer.Verify(clockRecs, rec)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, clockRecs, map[string]any{"id": "c1", "userId": "u1", "status": "in-progress"}, worker)
	require.NoError(t, err)
	f.clock.Step(8 * time.Hour)

	rec, err := f.store.Update(ctx, clockRecs, "c1", map[string]any{
		"status": "completed", "endTime": "2024-01-01T16:00:00Z", "signature": "forged",
	}, worker, 1)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Payload["status"])
	require.NotNil(t, rec.UpdatedAt)
	assert.Equal(t, t0.Add(8*time.Hour), *rec.UpdatedAt)
	assert.Equal(t, int64(2), rec.Version)
	ok, err := f.signer.Verify(clockRecs, rec)
	require.NoError(t, err)
	assert.True(t, ok, "update re-signs and ignores a supplied signature")

	entries, err := f.audit.List(ctx, audit.Filter{Action: model.ActionUpdate})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []any{"endTime", "status"}, entries[0].Details["changedFields"])
	assert.Equal(t, "in-progress", entries[0].Details["before"].(map[string]any)["status"])
	assert.Equal(t, "completed", entries[0].Details["after"].(map[string]any)["status"])
}

func TestUpdate_Failures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, positions, map[string]any{"id": "p1"}, admin)
	require.NoError(t, err)

	_, err = f.store.Update(ctx, positions, "missing", map[string]any{"name": "x"}, admin, 0)
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	_, err = f.store.Update(ctx, positions, "p1", map[string]any{"name": "x"}, admin, 7)
	assert.ErrorIs(t, err, errclass.ErrVersionConflict)

	_, err = f.store.SoftDelete(ctx, positions, "p1", admin)
	require.NoError(t, err)
	_, err = f.store.Update(ctx, positions, "p1", map[string]any{"name": "x"}, admin, 0)
	assert.ErrorIs(t, err, errclass.ErrStaleOperation)

	assert.Equal(t, 2, f.auditCount(t), "failed updates are not audited")
}

func TestSoftDeleteRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orig, err := f.store.Add(ctx, positions, map[string]any{"id": "p1", "name": "Gate A"}, admin)
	require.NoError(t, err)

	deleted, err := f.store.SoftDelete(ctx, positions, "p1", worker)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	require.NotNil(t, deleted.DeletedAt)
	assert.Equal(t, "u1", deleted.DeletedBy)

	active, err := f.store.GetActive(ctx, positions)
	require.NoError(t, err)
	assert.Empty(t, active)
	gone, err := f.store.GetDeleted(ctx, positions)
	require.NoError(t, err)
	require.Len(t, gone, 1)

	restored, err := f.store.Restore(ctx, positions, "p1", admin)
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)
	assert.Nil(t, restored.DeletedAt)
	assert.Empty(t, restored.DeletedBy)
	assert.Equal(t, orig.Payload, restored.Payload)
	assert.Equal(t, orig.CreatedAt, restored.CreatedAt)

	active, err = f.store.GetActive(ctx, positions)
	require.NoError(t, err)
	require.Len(t, active, 1)
	gone, err = f.store.GetDeleted(ctx, positions)
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestSoftDeleteRestore_IdempotentWithoutAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, positions, map[string]any{"id": "p1"}, admin)
	require.NoError(t, err)

	_, err = f.store.Restore(ctx, positions, "p1", admin)
	require.NoError(t, err)
	_, err = f.store.SoftDelete(ctx, positions, "p1", admin)
	require.NoError(t, err)
	again, err := f.store.SoftDelete(ctx, positions, "p1", admin)
	require.NoError(t, err)
	assert.True(t, again.IsDeleted)

	assert.Equal(t, 2, f.auditCount(t))

	_, err = f.store.SoftDelete(ctx, positions, "nope", admin)
	assert.ErrorIs(t, err, errclass.ErrNotFound)
	_, err = f.store.Restore(ctx, positions, "nope", admin)
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestPermanentDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, clockRecs, map[string]any{"id": "c1", "userId": "u1"}, worker)
	require.NoError(t, err)

	_, err = f.store.PermanentDelete(ctx, clockRecs, "c1", worker)
	assert.ErrorIs(t, err, errclass.ErrPolicyViolation)
	denied, err := f.audit.List(ctx, audit.Filter{Action: model.ActionAccessDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 1)

	removed, err := f.store.PermanentDelete(ctx, clockRecs, "c1", admin)
	require.NoError(t, err)
	assert.Equal(t, "c1", removed.ID)
	_, err = f.store.Get(ctx, clockRecs, "c1")
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	entries, err := f.audit.List(ctx, audit.Filter{Action: model.ActionPermanentDelete})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	last := entries[0].Details["record"].(map[string]any)
	assert.Equal(t, "u1", last["userId"])
	assert.Equal(t, "c1", last["id"])
}

func TestAuditCompleteness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	type step struct {
		action model.AuditAction
		target string
		run    func() error
	}
	do := func(fn func() (model.Record, error)) func() error {
		return func() error { _, err := fn(); return err }
	}
	steps := []step{
		{model.ActionCreate, "p1", do(func() (model.Record, error) {
			return f.store.Add(ctx, positions, map[string]any{"id": "p1"}, admin)
		})},
		{model.ActionCreate, "p2", do(func() (model.Record, error) {
			return f.store.Add(ctx, positions, map[string]any{"id": "p2"}, admin)
		})},
		{model.ActionUpdate, "p1", do(func() (model.Record, error) {
			return f.store.Update(ctx, positions, "p1", map[string]any{"name": "A"}, admin, 0)
		})},
		{model.ActionDelete, "p2", do(func() (model.Record, error) {
			return f.store.SoftDelete(ctx, positions, "p2", admin)
		})},
		{model.ActionRestore, "p2", do(func() (model.Record, error) {
			return f.store.Restore(ctx, positions, "p2", admin)
		})},
		{model.ActionDelete, "p1", do(func() (model.Record, error) {
			return f.store.SoftDelete(ctx, positions, "p1", admin)
		})},
	}
	for _, s := range steps {
		require.NoError(t, s.run())
	}

	entries, err := f.audit.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, len(steps))
	for i, s := range steps {
		assert.Equal(t, s.action, entries[i].Action, "entry %d", i)
		assert.Equal(t, s.target, entries[i].TargetID, "entry %d", i)
	}
}

func TestStorageFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, positions, map[string]any{"id": "p1", "name": "Gate A"}, admin)
	require.NoError(t, err)

	u, err := f.mem.Usage(ctx)
	require.NoError(t, err)
	f.mem.SetQuota(u.UsedBytes)

	_, err = f.store.Add(ctx, positions, map[string]any{"id": "p2", "name": "Gate B"}, admin)
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrStorageFailure)
	assert.ErrorIs(t, err, errclass.ErrQuotaExceeded)

	_, err = f.store.Update(ctx, positions, "p1", map[string]any{"name": "a much longer gate name"}, admin, 0)
	assert.ErrorIs(t, err, errclass.ErrStorageFailure)

	f.mem.SetQuota(0)
	active, err := f.store.GetActive(ctx, positions)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Gate A", active[0].Payload["name"])
	assert.Equal(t, 1, f.auditCount(t))
}

func TestAuditFailureRollsBackCollection(t *testing.T) {
	ctx := context.Background()
	backend := &failingKV{KeyValueStore: kv.NewMemory(0), failKey: "audit-log"}
	f := newFixtureOn(t, backend)

	_, err := f.store.Add(ctx, positions, map[string]any{"id": "p1"}, admin)
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrStorageFailure)

	_, ok, err := backend.Get(ctx, "positions")
	require.NoError(t, err)
	assert.False(t, ok, "collection write is undone")
	_, err = f.store.Get(ctx, positions, "p1")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestUpdateRejectsTamperedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, clockRecs, map[string]any{"id": "c1", "userId": "u1", "status": "in-progress"}, worker)
	require.NoError(t, err)
	tamper(t, f.backend, "c1", "status", "completed")

	_, err = f.store.Update(ctx, clockRecs, "c1", map[string]any{"notes": "late"}, worker, 0)
	assert.ErrorIs(t, err, errclass.ErrIntegrityViolation)

	rec, err := f.store.Get(ctx, clockRecs, "c1")
	require.NoError(t, err)
	tampered, err := f.signer.HasBeenTampered(clockRecs, rec)
	require.NoError(t, err)
	assert.True(t, tampered, "a non-privileged update must not re-sign a tampered record")

	detections, err := f.audit.List(ctx, audit.Filter{Action: model.ActionTamperDetected})
	require.NoError(t, err)
	assert.Len(t, detections, 1)
}

func TestPutAndUpsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, positions, map[string]any{"id": "p1", "name": "old"}, admin)
	require.NoError(t, err)

	replace := []model.Record{{ID: "p9", Payload: map[string]any{"name": "nine"}, CreatedAt: t0, Version: 3}}
	require.NoError(t, f.store.Put(ctx, positions, replace, audit.Event{Action: model.ActionBackupImport, TargetID: "positions"}))
	all, err := f.store.All(ctx, positions)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p9", all[0].ID)
	assert.Equal(t, int64(3), all[0].Version)

	n, err := f.store.Upsert(ctx, positions, []model.Record{
		{ID: "p9", Payload: map[string]any{"name": "nine v2"}, CreatedAt: t0},
		{ID: "p10", Payload: map[string]any{"name": "ten"}, CreatedAt: t0, IsDeleted: true, DeletedBy: "x"},
	}, audit.Event{Action: model.ActionBackupImport, TargetID: "positions"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := f.store.GetActive(ctx, positions)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "nine v2", active[0].Payload["name"])
	deleted, err := f.store.GetDeleted(ctx, positions)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "p10", deleted[0].ID)
	assert.Equal(t, 3, f.auditCount(t))
}

func TestOutOfBandWriteIsVisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Add(ctx, positions, map[string]any{"id": "p1", "name": "Gate A"}, admin)
	require.NoError(t, err)
	_, err = f.store.GetActive(ctx, positions)
	require.NoError(t, err)

	require.NoError(t, f.backend.Set(ctx, "positions", []byte(`[{"id":"p1","name":"edited","createdAt":"2024-01-01T08:00:00Z","isDeleted":false,"version":1}]`)))
	rec, err := f.store.Get(ctx, positions, "p1")
	require.NoError(t, err)
	assert.Equal(t, "edited", rec.Payload["name"])
}

func TestCorruptCollectionIsStorageFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.backend.Set(ctx, "workers", []byte(`{not json`)))
	_, err := f.store.GetActive(ctx, model.CollectionWorkers)
	assert.ErrorIs(t, err, errclass.ErrStorageFailure)
}

// tamper edits a field of a stored record directly in the backend.
func tamper(t *testing.T, backend kv.KeyValueStore, id, field string, value any) {
	t.Helper()
	ctx := context.Background()
	raw, ok, err := backend.Get(ctx, "clock-records")
	require.NoError(t, err)
	require.True(t, ok)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &recs))
	for _, r := range recs {
		if r["id"] == id {
			r[field] = value
		}
	}
	raw, err = json.Marshal(recs)
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, "clock-records", raw))
}
