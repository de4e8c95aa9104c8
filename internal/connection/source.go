package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ConnectivitySource reports host connectivity. Events delivers every
// transition reported by the host.
type ConnectivitySource interface {
	Online() bool
	Events() <-chan bool
}

// Prober measures the round trip to the remote.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// StaticSource is a ConnectivitySource driven by Set. It stands in for host
// connectivity events in the CLI and in tests.
type StaticSource struct {
	mu     sync.Mutex
	online bool
	events chan bool
}

// NewStaticSource returns a source in the given state.
func NewStaticSource(online bool) *StaticSource {
	return &StaticSource{online: online, events: make(chan bool, 16)}
}

// Online returns the current state.
func (s *StaticSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Events returns the transition channel.
func (s *StaticSource) Events() <-chan bool { return s.events }

// Set changes the state and emits an event when it differs. Events are
// dropped when the channel is full.
func (s *StaticSource) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.events <- online:
	default:
		// Nobody is listening; Online still reports the new state.
	}
}

// HTTPProber issues a HEAD request and times the response.
type HTTPProber struct {
	url    string
	client *http.Client
	clock  clock.PassiveClock
}

// NewHTTPProber creates a prober for url. Any HTTP response counts as
// reachable; only transport errors fail the probe.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: timeout},
		clock:  clock.RealClock{},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	start := p.clock.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", p.url, err)
	}
	resp.Body.Close()
	return p.clock.Since(start), nil
}
