package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/integrity"
	"github.com/qrclock/attendcore/pkg/model"
)

func TestTamperAndRepairScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	verifier := integrity.NewVerifier(f.signer, f.store, f.audit, nil, nil)

	rec, err := f.store.Add(ctx, clockRecs, map[string]any{
		"id":         "c1",
		"userId":     "u1",
		"positionId": "p1",
		"startTime":  "2024-01-01T08:00:00Z",
		"status":     "in-progress",
	}, worker)
	require.NoError(t, err)
	ok, err := f.signer.Verify(clockRecs, rec)
	require.NoError(t, err)
	require.True(t, ok)

	tamper(t, f.backend, "c1", "endTime", "2024-01-01T23:00:00Z")
	res, err := verifier.Check(ctx, clockRecs, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.IntegrityTampered, res.State)

	repaired, err := verifier.Repair(ctx, clockRecs, "c1", model.Actor{ID: "sup-1", Role: model.RoleSupervisor}, "badge reader fault")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T23:00:00Z", repaired.Payload["endTime"])

	stored, err := f.store.Get(ctx, clockRecs, "c1")
	require.NoError(t, err)
	ok, err = f.signer.Verify(clockRecs, stored)
	require.NoError(t, err)
	assert.True(t, ok)

	repairs, err := f.audit.List(ctx, audit.Filter{Action: model.ActionRepair})
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Equal(t, "sup-1", repairs[0].ActorID)
	assert.Equal(t, "c1", repairs[0].TargetID)

	rep, err := f.audit.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK())
}
