package integrity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/integrity"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

type fakeRecords struct {
	recs   map[string]model.Record
	events []audit.Event
}

func (f *fakeRecords) Get(_ context.Context, _ model.Collection, id string) (model.Record, error) {
	r, ok := f.recs[id]
	if !ok {
		return model.Record{}, errclass.ErrNotFound.WithMessage(id)
	}
	return r.Clone(), nil
}

func (f *fakeRecords) All(_ context.Context, _ model.Collection) ([]model.Record, error) {
	var out []model.Record
	for _, id := range []string{"c1", "c2", "c3"} {
		if r, ok := f.recs[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *fakeRecords) Resign(_ context.Context, _ model.Collection, id string, sig model.HashValue, ev audit.Event) (model.Record, error) {
	r := f.recs[id]
	r.Signature = sig
	f.recs[id] = r
	f.events = append(f.events, ev)
	return r, nil
}

func (f *fakeRecords) Append(_ context.Context, ev audit.Event) (model.AuditEntry, error) {
	f.events = append(f.events, ev)
	return model.AuditEntry{Action: ev.Action, TargetID: ev.TargetID}, nil
}

func setupVerifier(t *testing.T) (*integrity.Verifier, *fakeRecords, *integrity.Signer) {
	t.Helper()
	s := newSigner(t)
	good := clockRecord()
	good.Signature, _ = s.Sign(model.CollectionClockRecords, good)

	bad := clockRecord()
	bad.ID = "c2"
	bad.Signature, _ = s.Sign(model.CollectionClockRecords, bad)
	bad.Payload["endTime"] = "2024-01-01T20:00:00Z"

	unsigned := clockRecord()
	unsigned.ID = "c3"

	f := &fakeRecords{recs: map[string]model.Record{"c1": good, "c2": bad, "c3": unsigned}}
	return integrity.NewVerifier(s, f, f, nil, nil), f, s
}

func TestScan(t *testing.T) {
	v, f, _ := setupVerifier(t)
	results, err := v.Scan(context.Background(), model.CollectionClockRecords, integrity.ScanOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, model.IntegrityVerified, results[0].State)
	assert.Equal(t, model.IntegrityTampered, results[1].State)
	assert.Equal(t, model.IntegrityUnsigned, results[2].State)
	assert.Empty(t, f.events)

	tampered := integrity.Tampered(results)
	require.Len(t, tampered, 1)
	assert.Equal(t, "c2", tampered[0].ID)
}

func TestScan_RecordsDetections(t *testing.T) {
	v, f, _ := setupVerifier(t)
	_, err := v.Scan(context.Background(), model.CollectionClockRecords, integrity.ScanOptions{RecordDetections: true, Actor: model.SystemActor})
	require.NoError(t, err)
	require.Len(t, f.events, 1)
	assert.Equal(t, model.ActionTamperDetected, f.events[0].Action)
	assert.Equal(t, model.SeverityCritical, f.events[0].Severity)
}

func TestScan_UnsignedCollection(t *testing.T) {
	v, _, _ := setupVerifier(t)
	results, err := v.Scan(context.Background(), model.CollectionWorkers, integrity.ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRepair_Privileged(t *testing.T) {
	v, f, s := setupVerifier(t)
	admin := model.Actor{ID: "admin-1", Role: model.RoleAdmin}

	rec, err := v.Repair(context.Background(), model.CollectionClockRecords, "c2", admin, "confirmed with supervisor")
	require.NoError(t, err)
	ok, err := s.Verify(model.CollectionClockRecords, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.events, 1)
	assert.Equal(t, model.ActionRepair, f.events[0].Action)
	assert.Equal(t, "admin-1", f.events[0].ActorID)
	assert.Equal(t, "c2", f.events[0].TargetID)
}

func TestRepair_DeniedForWorker(t *testing.T) {
	v, f, s := setupVerifier(t)
	worker := model.Actor{ID: "u1", Role: model.RoleWorker}

	_, err := v.Repair(context.Background(), model.CollectionClockRecords, "c2", worker, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrPolicyViolation)

	require.Len(t, f.events, 1)
	assert.Equal(t, model.ActionRepairDenied, f.events[0].Action)
	assert.Equal(t, model.SeverityCritical, f.events[0].Severity)

	still, err := s.HasBeenTampered(model.CollectionClockRecords, f.recs["c2"])
	require.NoError(t, err)
	assert.True(t, still, "record must stay tampered")
}

func TestRepair_VerifiedRecordIsNoop(t *testing.T) {
	v, f, _ := setupVerifier(t)
	_, err := v.Repair(context.Background(), model.CollectionClockRecords, "c1", model.SystemActor, "")
	require.NoError(t, err)
	assert.Empty(t, f.events)
}

func TestRepair_NotFound(t *testing.T) {
	v, _, _ := setupVerifier(t)
	_, err := v.Repair(context.Background(), model.CollectionClockRecords, "missing", model.SystemActor, "")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}
