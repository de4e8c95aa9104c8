package syncqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/internal/syncqueue"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakePolicies struct {
	mu       sync.Mutex
	policies map[string]model.SyncPolicy
	blocked  map[string]bool
}

func newPolicies(list ...model.SyncPolicy) *fakePolicies {
	p := &fakePolicies{policies: map[string]model.SyncPolicy{}, blocked: map[string]bool{}}
	for _, pol := range list {
		p.policies[pol.DataType] = pol
	}
	return p
}

func (p *fakePolicies) Get(_ context.Context, dataType string) model.SyncPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pol, ok := p.policies[dataType]; ok {
		return pol
	}
	return model.SyncPolicy{DataType: dataType, Priority: model.PriorityMedium, Strategy: model.StrategyImmediate, BatchSize: 1, RetryOnFailure: true}
}

func (p *fakePolicies) ShouldSync(_ context.Context, dataType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.blocked[dataType]
}

type sent struct {
	dataType string
	ids      []string
}

type fakeRemote struct {
	mu    sync.Mutex
	calls []sent
	err   error
	delay time.Duration

	active    map[string]int
	maxActive int
}

func (r *fakeRemote) Send(_ context.Context, dataType string, ops []model.SyncOperation) error {
	r.mu.Lock()
	if r.active == nil {
		r.active = map[string]int{}
	}
	r.active[dataType]++
	if r.active[dataType] > r.maxActive {
		r.maxActive = r.active[dataType]
	}
	s := sent{dataType: dataType}
	for _, op := range ops {
		s.ids = append(s.ids, op.ID)
	}
	r.calls = append(r.calls, s)
	err, delay := r.err, r.delay
	r.mu.Unlock()

	time.Sleep(delay)

	r.mu.Lock()
	r.active[dataType]--
	r.mu.Unlock()
	return err
}

func (r *fakeRemote) sends() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.calls...)
}

type online bool

func (o online) Online() bool { return bool(o) }

type fixture struct {
	mem      *kv.Memory
	q        *syncqueue.Queue
	remote   *fakeRemote
	policies *fakePolicies
	audit    *audit.Log
	clock    *testingclock.FakeClock
}

func newFixture(t *testing.T, opts syncqueue.Options, pols ...model.SyncPolicy) *fixture {
	t.Helper()
	f := &fixture{
		mem:      kv.NewMemory(0),
		remote:   &fakeRemote{},
		policies: newPolicies(pols...),
		clock:    testingclock.NewFakeClock(t0),
	}
	f.audit = audit.New(f.mem, audit.Options{Clock: f.clock})
	opts.Clock = f.clock
	opts.Audit = f.audit
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Second
		opts.MaxBackoff = 10 * time.Second
	}
	f.q = syncqueue.New(f.mem, f.remote, f.policies, opts)
	return f
}

func (f *fixture) enqueue(t *testing.T, dataType string) model.SyncOperation {
	t.Helper()
	op, err := f.q.Enqueue(context.Background(), dataType, model.OpAdd, map[string]any{"type": dataType})
	require.NoError(t, err)
	return op
}

func (f *fixture) op(t *testing.T, id string) model.SyncOperation {
	t.Helper()
	ops, err := f.q.List(context.Background())
	require.NoError(t, err)
	for _, op := range ops {
		if op.ID == id {
			return op
		}
	}
	t.Fatalf("operation %s not in queue", id)
	return model.SyncOperation{}
}

func TestEnqueue_TagsPriorityAndDefaults(t *testing.T) {
	f := newFixture(t, syncqueue.Options{}, model.SyncPolicy{DataType: "clock-records", Priority: model.PriorityCritical, BatchSize: 1})

	op := f.enqueue(t, "clock-records")
	assert.Equal(t, model.PriorityCritical, op.Priority)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Zero(t, op.Attempts)
	assert.Equal(t, t0, op.EnqueuedAt)
	assert.EqualValues(t, 1, op.Seq)

	second := f.enqueue(t, "clock-records")
	assert.EqualValues(t, 2, second.Seq)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	_, err := f.q.Enqueue(context.Background(), "", model.OpAdd, nil)
	assert.Equal(t, "E_NAME_INVALID", errclass.Code(err))
	_, err = f.q.Enqueue(context.Background(), "workers", "upsert", nil)
	assert.Equal(t, "E_NAME_INVALID", errclass.Code(err))
}

func TestDrain_PriorityThenFIFO(t *testing.T) {
	f := newFixture(t, syncqueue.Options{},
		model.SyncPolicy{DataType: "workers", Priority: model.PriorityMedium, BatchSize: 1},
		model.SyncPolicy{DataType: "clock-records", Priority: model.PriorityCritical, BatchSize: 1},
		model.SyncPolicy{DataType: "absence-requests", Priority: model.PriorityHigh, BatchSize: 1},
	)
	w1 := f.enqueue(t, "workers")
	c1 := f.enqueue(t, "clock-records")
	a1 := f.enqueue(t, "absence-requests")
	w2 := f.enqueue(t, "workers")

	res, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{c1.ID, a1.ID, w1.ID, w2.ID}, res.Order)
	assert.Equal(t, 4, res.Succeeded)
	assert.Len(t, f.remote.sends(), 4)
}

func TestDrain_GroupsConsecutiveSameType(t *testing.T) {
	f := newFixture(t, syncqueue.Options{}, model.SyncPolicy{DataType: "positions", Priority: model.PriorityMedium, BatchSize: 2})
	for i := 0; i < 5; i++ {
		f.enqueue(t, "positions")
	}

	res, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)

	calls := f.remote.sends()
	require.Len(t, calls, 3)
	assert.Len(t, calls[0].ids, 2)
	assert.Len(t, calls[1].ids, 2)
	assert.Len(t, calls[2].ids, 1)
}

func TestDrain_SuccessRemovesOperations(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	f.enqueue(t, "workers")
	f.enqueue(t, "workers")

	_, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{})
	require.NoError(t, err)

	st, err := f.q.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 2, st.Done)
	ops, err := f.q.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDrain_RetryCeiling(t *testing.T) {
	f := newFixture(t, syncqueue.Options{MaxAttempts: 3})
	f.remote.err = errclass.ErrSyncFailure.WithMessage("503")
	op := f.enqueue(t, "clock-records")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := f.q.Drain(ctx, syncqueue.DrainOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed)
		got := f.op(t, op.ID)
		assert.Equal(t, i, got.Attempts)
		if i < 3 {
			assert.Equal(t, model.StatusPending, got.Status)
			assert.Equal(t, 1, res.Retried)
		} else {
			assert.Equal(t, model.StatusFailed, got.Status)
			require.Len(t, res.Failed, 1)
			assert.Equal(t, op.ID, res.Failed[0].ID)
		}
		f.clock.Step(time.Minute)
	}

	res, err := f.q.Drain(ctx, syncqueue.DrainOptions{Manual: true})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 3, f.op(t, op.ID).Attempts, "terminal operations are never attempted again")

	failed, err := f.q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "E_SYNC_FAILURE: 503", failed[0].LastError)

	entries, err := f.audit.List(ctx, audit.Filter{Action: model.ActionSyncFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, op.ID, entries[0].TargetID)
}

func TestDrain_BackoffDefersRetry(t *testing.T) {
	f := newFixture(t, syncqueue.Options{MaxAttempts: 5, InitialBackoff: 2 * time.Second, MaxBackoff: time.Minute})
	f.remote.err = errors.New("connection reset")
	op := f.enqueue(t, "workers")
	ctx := context.Background()

	_, err := f.q.Drain(ctx, syncqueue.DrainOptions{})
	require.NoError(t, err)

	res, err := f.q.Drain(ctx, syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "still backing off")

	f.clock.Step(3 * time.Second)
	res, err = f.q.Drain(ctx, syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, f.op(t, op.ID).Attempts)
}

func TestDrain_RejectedIsTerminal(t *testing.T) {
	f := newFixture(t, syncqueue.Options{MaxAttempts: 5})
	f.remote.err = errclass.ErrSyncRejected.WithMessage("400 bad payload")
	op := f.enqueue(t, "workers")

	res, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	got := f.op(t, op.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestDrain_NoRetryPolicyFailsAtOnce(t *testing.T) {
	f := newFixture(t, syncqueue.Options{MaxAttempts: 5},
		model.SyncPolicy{DataType: "notifications", Priority: model.PriorityLow, BatchSize: 10, RetryOnFailure: false})
	f.remote.err = errors.New("timeout")
	op := f.enqueue(t, "notifications")

	_, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, f.op(t, op.ID).Status)
}

func TestDrain_PolicyGating(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	f.policies.blocked["user-settings"] = true
	f.enqueue(t, "user-settings")
	w := f.enqueue(t, "workers")
	ctx := context.Background()

	res, err := f.q.Drain(ctx, syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{w.ID}, res.Order)

	res, err = f.q.Drain(ctx, syncqueue.DrainOptions{Manual: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded, "manual drains bypass policy gating")
}

func TestDrain_DataTypeFilter(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	f.enqueue(t, "workers")
	p := f.enqueue(t, "positions")

	res, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{DataTypes: []string{"positions"}})
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, res.Order)
}

func TestDrain_ManualNeedsConnection(t *testing.T) {
	f := newFixture(t, syncqueue.Options{Connection: online(false)})
	f.enqueue(t, "workers")

	res, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{Manual: true})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Empty(t, f.remote.sends())
}

func TestDrain_RecoversStaleProcessing(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	raw := `[{"id":"op-1","dataType":"workers","kind":"add","priority":3,"attempts":0,"status":"processing","enqueuedAt":"2024-03-01T08:00:00Z","seq":1}]`
	require.NoError(t, f.mem.Set(context.Background(), "sync-queue", []byte(raw)))

	res, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1"}, res.Order)
}

func TestDrain_CancelledContextStartsNoBatch(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	f.enqueue(t, "workers")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.q.Drain(ctx, syncqueue.DrainOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestDrain_SerializesPerType(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	f.remote.delay = 5 * time.Millisecond
	for i := 0; i < 6; i++ {
		f.enqueue(t, "clock-records")
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.q.Drain(context.Background(), syncqueue.DrainOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.remote.maxActive)
	seen := map[string]int{}
	for _, s := range f.remote.sends() {
		for _, id := range s.ids {
			seen[id]++
		}
	}
	assert.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRetry_ReArmsFailedOperation(t *testing.T) {
	f := newFixture(t, syncqueue.Options{MaxAttempts: 1})
	f.remote.err = errors.New("down")
	op := f.enqueue(t, "workers")
	ctx := context.Background()
	_, err := f.q.Drain(ctx, syncqueue.DrainOptions{})
	require.NoError(t, err)

	fresh, err := f.q.Retry(ctx, op.ID)
	require.NoError(t, err)
	assert.NotEqual(t, op.ID, fresh.ID)
	assert.Equal(t, model.StatusPending, fresh.Status)
	assert.Zero(t, fresh.Attempts)
	assert.Equal(t, op.Payload, fresh.Payload)

	failed, err := f.q.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = f.q.Retry(ctx, fresh.ID)
	assert.Equal(t, "E_STALE_OPERATION", errclass.Code(err))
	_, err = f.q.Retry(ctx, "nope")
	assert.Equal(t, "E_NOT_FOUND", errclass.Code(err))
}

func TestPurge(t *testing.T) {
	f := newFixture(t, syncqueue.Options{MaxAttempts: 1})
	f.remote.err = errors.New("down")
	f.enqueue(t, "workers")
	f.enqueue(t, "workers")
	ctx := context.Background()
	_, err := f.q.Drain(ctx, syncqueue.DrainOptions{})
	require.NoError(t, err)
	f.enqueue(t, "positions")

	_, err = f.q.Purge(ctx, model.StatusPending)
	assert.Equal(t, "E_POLICY_VIOLATION", errclass.Code(err))

	n, err := f.q.Purge(ctx, model.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := f.q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, map[string]int{"positions": 1}, st.ByDataType)
}
