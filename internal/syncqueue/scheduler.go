package syncqueue

import (
	"context"
	"sync"
	"time"

	"github.com/qrclock/attendcore/internal/loop"
	"github.com/qrclock/attendcore/pkg/model"
)

// StatusFeed reports the current connection status and delivers changes.
type StatusFeed interface {
	Status() model.ConnectionStatus
	Subscribe(fn func(model.ConnectionStatus)) func()
}

// Scheduler owns the automatic drain triggers: connection regained, an
// immediate-strategy enqueue while online, and a periodic sweep.
type Scheduler struct {
	q     *Queue
	feed  StatusFeed
	sweep *loop.Loop

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	online      bool
	wg          sync.WaitGroup
}

// NewScheduler creates a stopped scheduler. feed may be nil.
func NewScheduler(q *Queue, feed StatusFeed, sweepInterval time.Duration) *Scheduler {
	s := &Scheduler{q: q, feed: feed}
	s.sweep = loop.New("sync-sweep", sweepInterval, func(ctx context.Context) {
		s.drain(ctx, DrainOptions{}, "sweep")
	}, q.log).WithJitter(0.1)
	return s
}

// Start installs the triggers. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.feed != nil {
		// Only a transition to online counts as regained.
		s.online = s.feed.Status().Online
		s.unsubscribe = s.feed.Subscribe(s.onStatus)
	}
	s.q.OnEnqueue(s.onEnqueue)
	s.sweep.Start(s.ctx)
}

// Stop removes the triggers and waits for running drains. A batch already
// sent completes; no further batches start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, unsubscribe := s.cancel, s.unsubscribe
	s.cancel, s.unsubscribe = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.q.OnEnqueue(nil)
	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	s.sweep.Stop()
	s.wg.Wait()
}

// TriggerNow starts an asynchronous manual drain.
func (s *Scheduler) TriggerNow() {
	s.spawn(DrainOptions{Manual: true}, "manual")
}

func (s *Scheduler) onStatus(st model.ConnectionStatus) {
	s.mu.Lock()
	regained := st.Online && !s.online
	s.online = st.Online
	s.mu.Unlock()
	if regained {
		s.spawn(DrainOptions{}, "connection regained")
	}
}

func (s *Scheduler) onEnqueue(op model.SyncOperation) {
	ctx := s.context()
	if ctx == nil {
		return
	}
	p := s.q.policies.Get(ctx, op.DataType)
	if p.Strategy == model.StrategyImmediate && s.q.policies.ShouldSync(ctx, op.DataType) {
		s.spawn(DrainOptions{DataTypes: []string{op.DataType}}, "immediate enqueue")
	}
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	return s.ctx
}

func (s *Scheduler) spawn(opts DrainOptions, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(ctx, opts, trigger)
	}()
}

func (s *Scheduler) drain(ctx context.Context, opts DrainOptions, trigger string) {
	if _, err := s.q.Drain(ctx, opts); err != nil {
		s.q.log.ErrorErr("sync drain failed", err, map[string]any{"trigger": trigger})
	}
}
