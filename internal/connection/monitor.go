// Package connection tracks whether the remote is reachable and how good
// the link is.
//
// Host events flip online/offline immediately. A periodic probe grades
// quality from the measured round trip; a failed probe while online
// degrades quality to poor instead of going offline.
package connection

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/loop"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
	"github.com/qrclock/attendcore/pkg/model"
)

// Thresholds map a round trip to a quality.
type Thresholds struct {
	Good   time.Duration
	Medium time.Duration
}

// Classify grades rtt.
func (t Thresholds) Classify(rtt time.Duration) model.Quality {
	switch {
	case rtt < t.Good:
		return model.QualityGood
	case rtt < t.Medium:
		return model.QualityMedium
	default:
		return model.QualityPoor
	}
}

// DefaultThresholds are used when none are configured.
var DefaultThresholds = Thresholds{Good: 150 * time.Millisecond, Medium: 600 * time.Millisecond}

// Listener receives every status change.
type Listener func(model.ConnectionStatus)

// Options configures a Monitor.
type Options struct {
	// Source defaults to an always-online source.
	Source         ConnectivitySource
	Prober         Prober
	Interval       time.Duration
	Timeout        time.Duration
	Thresholds     Thresholds
	ConnectionType string
	Clock          clock.PassiveClock
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

// Monitor owns the current ConnectionStatus.
type Monitor struct {
	opts Options
	log  *logging.Logger

	mu        sync.Mutex
	status    model.ConnectionStatus
	listeners map[int]Listener
	nextID    int

	probeLoop *loop.Loop
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(opts Options) *Monitor {
	if opts.Source == nil {
		opts.Source = NewStaticSource(true)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	m := &Monitor{
		opts:      opts,
		log:       logging.OrGlobal(opts.Logger),
		listeners: map[int]Listener{},
	}
	m.status = m.hostStatus(opts.Source.Online())
	m.probeLoop = loop.New("connection-probe", opts.Interval, func(ctx context.Context) {
		m.CheckConnection(ctx)
	}, m.log)
	return m
}

func (m *Monitor) hostStatus(online bool) model.ConnectionStatus {
	st := model.ConnectionStatus{
		Online:         online,
		Quality:        model.QualityUnknown,
		ConnectionType: m.opts.ConnectionType,
		LastChecked:    m.opts.Clock.Now().UTC(),
	}
	if !online {
		st.Quality = model.QualityOffline
	}
	return st
}

// Status returns the current snapshot.
func (m *Monitor) Status() model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Online reports whether the host is online.
func (m *Monitor) Online() bool { return m.Status().Online }

// Subscribe registers fn for status changes and returns its unsubscribe.
func (m *Monitor) Subscribe(fn func(model.ConnectionStatus)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetOnline applies a host connectivity event.
func (m *Monitor) SetOnline(online bool) {
	m.log.Info("connectivity changed", map[string]any{"online": online})
	m.apply(m.hostStatus(online))
}

// CheckConnection probes now and returns the refreshed status. Without a
// prober the host state is returned unchanged.
func (m *Monitor) CheckConnection(ctx context.Context) model.ConnectionStatus {
	if !m.opts.Source.Online() {
		return m.apply(m.hostStatus(false))
	}
	if m.opts.Prober == nil {
		return m.Status()
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	st := m.hostStatus(true)
	rtt, err := m.opts.Prober.Probe(ctx)
	if err != nil {
		m.log.Warn("connection probe failed", map[string]any{"error": err.Error()})
		st.Quality = model.QualityPoor
	} else {
		ms := rtt.Milliseconds()
		st.LatencyEstimateMs = &ms
		st.Quality = m.opts.Thresholds.Classify(rtt)
		m.opts.Metrics.ObserveProbe(rtt)
	}
	return m.apply(st)
}

// apply stores st and notifies listeners when online or quality changed.
func (m *Monitor) apply(st model.ConnectionStatus) model.ConnectionStatus {
	m.mu.Lock()
	prev := m.status
	m.status = st
	changed := prev.Online != st.Online || prev.Quality != st.Quality
	var fns []Listener
	if changed {
		fns = make([]Listener, 0, len(m.listeners))
		for id := 0; id < m.nextID; id++ {
			if fn, ok := m.listeners[id]; ok {
				fns = append(fns, fn)
			}
		}
	}
	m.mu.Unlock()

	m.opts.Metrics.SetConnection(st.Online, string(st.Quality))
	if changed {
		m.log.Debug("connection status changed", map[string]any{"online": st.Online, "quality": string(st.Quality)})
	}
	for _, fn := range fns {
		fn(st)
	}
	return st
}

// Start follows host events and begins periodic probing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		events := m.opts.Source.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-events:
				if !ok {
					return
				}
				m.SetOnline(online)
				if online {
					m.CheckConnection(ctx)
				}
			}
		}
	}()
	m.probeLoop.Start(ctx)
}

// Stop halts probing and event handling.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	m.probeLoop.Stop()
	cancel()
	<-done
}
