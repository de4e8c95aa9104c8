// Package loop runs periodic background work with an explicit Start/Stop
// lifecycle, so no timer outlives the service that owns it.
package loop

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/qrclock/attendcore/pkg/logging"
)

// Loop calls fn every period until stopped.
type Loop struct {
	name   string
	period time.Duration
	jitter float64
	fn     func(ctx context.Context)
	log    *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped loop. fn runs once immediately on Start, then every
// period measured from the end of the previous run.
func New(name string, period time.Duration, fn func(ctx context.Context), log *logging.Logger) *Loop {
	return &Loop{name: name, period: period, fn: fn, log: logging.OrGlobal(log)}
}

// WithJitter spreads runs by up to factor*period.
func (l *Loop) WithJitter(factor float64) *Loop {
	l.jitter = factor
	return l
}

// Start launches the loop. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil || l.period <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.log.Debug("loop started", map[string]any{"loop": l.name, "period": l.period.String()})
	go func() {
		defer close(done)
		wait.JitterUntilWithContext(ctx, l.fn, l.period, l.jitter, true)
	}()
}

// Stop cancels the loop and waits for an in-flight run to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.log.Debug("loop stopped", map[string]any{"loop": l.name})
}

// Running reports whether the loop is started.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}
