package syncqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/qrclock/attendcore/internal/syncqueue"
	"github.com/qrclock/attendcore/pkg/model"
)

type fakeFeed struct {
	mu      sync.Mutex
	fns     map[int]func(model.ConnectionStatus)
	n       int
	current model.ConnectionStatus
}

func (f *fakeFeed) Status() model.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeFeed) Subscribe(fn func(model.ConnectionStatus)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fns == nil {
		f.fns = map[int]func(model.ConnectionStatus){}
	}
	id := f.n
	f.n++
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.fns, id)
	}
}

func (f *fakeFeed) emit(st model.ConnectionStatus) {
	f.mu.Lock()
	f.current = st
	var fns []func(model.ConnectionStatus)
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (f *fakeFeed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func pending(t *testing.T, f *fixture) int {
	st, err := f.q.Status(context.Background())
	if err != nil {
		return -1
	}
	return st.Pending
}

func TestScheduler_ImmediateEnqueueDrains(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	s := syncqueue.NewScheduler(f.q, nil, 0)
	s.Start(context.Background())
	defer s.Stop()

	f.enqueue(t, "clock-records")
	assert.Eventually(t, func() bool { return len(f.remote.sends()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_BatchStrategyWaitsForSweep(t *testing.T) {
	f := newFixture(t, syncqueue.Options{},
		model.SyncPolicy{DataType: "workers", Priority: model.PriorityMedium, Strategy: model.StrategyBatch, BatchSize: 20})
	s := syncqueue.NewScheduler(f.q, nil, 0)
	s.Start(context.Background())

	f.enqueue(t, "workers")
	s.Stop()
	assert.Empty(t, f.remote.sends(), "batch types are not drained on enqueue")
	assert.Equal(t, 1, pending(t, f))
}

func TestScheduler_PeriodicSweep(t *testing.T) {
	f := newFixture(t, syncqueue.Options{},
		model.SyncPolicy{DataType: "workers", Priority: model.PriorityMedium, Strategy: model.StrategyBatch, BatchSize: 20})
	f.enqueue(t, "workers")
	f.enqueue(t, "workers")

	s := syncqueue.NewScheduler(f.q, nil, 10*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return pending(t, f) == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.remote.sends(), 1)
}

func TestScheduler_ConnectionRegainedDrains(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	f.policies.blocked["workers"] = true
	f.enqueue(t, "workers")

	feed := &fakeFeed{}
	s := syncqueue.NewScheduler(f.q, feed, 0)
	s.Start(context.Background())
	assert.Equal(t, 1, feed.subscribers())

	feed.emit(model.ConnectionStatus{Online: false, Quality: model.QualityOffline})
	f.policies.mu.Lock()
	f.policies.blocked["workers"] = false
	f.policies.mu.Unlock()
	feed.emit(model.ConnectionStatus{Online: true, Quality: model.QualityGood})

	assert.Eventually(t, func() bool { return pending(t, f) == 0 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, 0, feed.subscribers())
}

func TestScheduler_QualityChangeWhileOnlineDoesNotDrain(t *testing.T) {
	f := newFixture(t, syncqueue.Options{},
		model.SyncPolicy{DataType: "workers", Priority: model.PriorityMedium, Strategy: model.StrategyBatch, BatchSize: 20})
	f.enqueue(t, "workers")

	feed := &fakeFeed{current: model.ConnectionStatus{Online: true, Quality: model.QualityUnknown}}
	s := syncqueue.NewScheduler(f.q, feed, 0)
	s.Start(context.Background())

	feed.emit(model.ConnectionStatus{Online: true, Quality: model.QualityGood})
	s.Stop()

	assert.Empty(t, f.remote.sends(), "already online, nothing was regained")
	assert.Equal(t, 1, pending(t, f))
}

func TestScheduler_TriggerNowAfterStopIsNoop(t *testing.T) {
	f := newFixture(t, syncqueue.Options{})
	s := syncqueue.NewScheduler(f.q, nil, 0)
	s.Start(context.Background())
	s.Stop()

	f.enqueue(t, "workers")
	s.TriggerNow()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.remote.sends())
}
