package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrclock/attendcore/pkg/metrics"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *metrics.Registry
	assert.NotPanics(t, func() {
		r.StoreMutation("positions", "create")
		r.AuditAppend()
		r.SyncAttempt("clock-records", false)
		r.SetConnection(true, "good")
		r.ObserveProbe(time.Millisecond)
		r.CleanupFreed(10)
	})
}

func TestCountersExported(t *testing.T) {
	r := metrics.NewRegistry()
	r.StoreMutation("clock-records", "create")
	r.StoreMutation("clock-records", "create")
	r.SyncAttempt("clock-records", true)
	r.SyncTerminalFailure("workers")
	r.SetQueueDepth("pending", 4)

	n, err := testutil.GatherAndCount(r.Gatherer(), "attendcore_store_mutations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expected := `
# HELP attendcore_sync_queue_depth Queued operations by status.
# TYPE attendcore_sync_queue_depth gauge
attendcore_sync_queue_depth{status="pending"} 4
`
	require.NoError(t, testutil.GatherAndCompare(r.Gatherer(), strings.NewReader(expected), "attendcore_sync_queue_depth"))
}

func TestConnectionQualityKeepsSingleLabel(t *testing.T) {
	r := metrics.NewRegistry()
	r.SetConnection(true, "good")
	r.SetConnection(true, "poor")

	n, err := testutil.GatherAndCount(r.Gatherer(), "attendcore_connection_quality")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandlerServesExposition(t *testing.T) {
	r := metrics.NewRegistry()
	r.AuditAppend()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "attendcore_audit_appends_total 1")
}
