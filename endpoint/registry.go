// Package endpoint tracks the prioritized set of backend endpoints,
// health-checks them, and selects the best reachable one.
//
// The registry is process-wide state shared by every session: endpoints
// are global, not per-session. Status moves offline→online only through
// a successful health check, never optimistically, so a flapping server
// cannot be selected on hope alone.
package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/event"
)

// Status is the health state of one endpoint.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Event names emitted by the registry.
const (
	EventServerDown         = "server_down"
	EventServerDegraded     = "server_degraded"
	EventServerRestored     = "server_restored"
	EventFallbackActivated  = "fallback_activated"
	EventNoServersAvailable = "no_servers_available"
)

// Endpoint is one backend address capable of hosting media sessions.
// Lower Priority values are preferred.
type Endpoint struct {
	ID           string
	URL          string
	Priority     int
	Status       Status
	Latency      time.Duration
	Capabilities []string

	// consecutiveFailures counts probe failures since the last success;
	// the endpoint only goes offline once it exhausts the retry budget.
	consecutiveFailures int
}

// Prober measures connectivity to an endpoint URL and returns the
// observed round-trip latency. Injected in tests.
type Prober func(ctx context.Context, url string) (time.Duration, error)

// Config defines health checking behavior.
type Config struct {
	// CheckInterval is how often every endpoint is probed.
	CheckInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
	// DegradedLatency is the latency above which an endpoint is
	// degraded rather than online.
	DegradedLatency time.Duration
	// OfflineLatency is the latency above which an endpoint is treated
	// as offline even when the probe succeeds.
	OfflineLatency time.Duration
	// ProbeRetries is the per-endpoint failure budget before a probe
	// failure marks it offline.
	ProbeRetries int
}

// DefaultConfig returns the standard health check parameters.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		DegradedLatency: 250 * time.Millisecond,
		OfflineLatency:  1500 * time.Millisecond,
		ProbeRetries:    3,
	}
}

// Registry health-checks registered endpoints and selects the best one.
type Registry struct {
	mu        sync.Mutex
	config    Config
	endpoints map[string]*Endpoint
	currentID string

	events *event.Emitter
	probe  Prober

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates a registry over the given endpoints. Endpoints
// start in StatusUnknown; the first health check runs as soon as Start
// is called, not on the first interval tick.
func NewRegistry(config Config, endpoints []Endpoint) *Registry {
	if config.CheckInterval <= 0 {
		config = DefaultConfig()
	}

	r := &Registry{
		config:    config,
		endpoints: make(map[string]*Endpoint, len(endpoints)),
		events:    event.NewEmitter(),
		probe:     websocketProbe,
	}
	for i := range endpoints {
		ep := endpoints[i]
		ep.Status = StatusUnknown
		r.endpoints[ep.ID] = &ep
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewRegistry",
		"endpoints":      len(endpoints),
		"check_interval": config.CheckInterval,
	}).Info("Creating endpoint registry")

	return r
}

// Events exposes the registry's event registry.
func (r *Registry) Events() *event.Emitter {
	return r.events
}

// SetProber replaces the connectivity probe. Used by tests.
func (r *Registry) SetProber(p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probe = p
}

// Start launches the health check loop, probing immediately first.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.CheckAll()
		ticker := time.NewTicker(r.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.CheckAll()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts health checking and waits for the loop to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

// CheckAll probes every endpoint once. Overlapping passes are safe; each
// endpoint update is independent.
func (r *Registry) CheckAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	probe := r.probe
	r.mu.Unlock()

	for _, id := range ids {
		r.checkOne(id, probe)
	}
}

// checkOne probes a single endpoint and applies the status thresholds.
func (r *Registry) checkOne(id string, probe Prober) {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	url := ep.URL
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.ProbeTimeout)
	latency, err := probe(ctx, url)
	cancel()

	r.mu.Lock()
	ep, ok = r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	old := ep.Status
	var next Status
	if err != nil {
		ep.consecutiveFailures++
		if ep.consecutiveFailures >= r.config.ProbeRetries {
			next = StatusOffline
		} else {
			// Within the retry budget the previous status stands; one
			// dropped probe must not fail over a healthy server.
			next = old
		}
		logrus.WithFields(logrus.Fields{
			"function": "Registry.checkOne",
			"endpoint": id,
			"failures": ep.consecutiveFailures,
			"error":    err.Error(),
		}).Warn("Endpoint probe failed")
	} else {
		ep.consecutiveFailures = 0
		ep.Latency = latency
		switch {
		case latency <= r.config.DegradedLatency:
			next = StatusOnline
		case latency <= r.config.OfflineLatency:
			next = StatusDegraded
		default:
			next = StatusOffline
		}
	}

	ep.Status = next
	r.mu.Unlock()

	r.emitTransition(id, old, next)
}

// emitTransition publishes status-change events for one endpoint.
func (r *Registry) emitTransition(id string, old, next Status) {
	if old == next {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Registry.emitTransition",
		"endpoint": id,
		"old":      old,
		"new":      next,
	}).Info("Endpoint status changed")

	switch next {
	case StatusOffline:
		r.events.Emit(EventServerDown, id)
	case StatusDegraded:
		r.events.Emit(EventServerDegraded, id)
	case StatusOnline:
		if old == StatusOffline || old == StatusDegraded {
			r.events.Emit(EventServerRestored, id)
		}
	}
}

// SelectBest returns the best reachable endpoint: lowest priority value
// among online and unknown endpoints, tie-broken by latency.
//
// Selecting the endpoint that is already current is a no-op and emits
// nothing. Switching to a different endpoint emits fallback_activated.
// When nothing is selectable, no_servers_available is emitted and nil is
// returned; that event is fatal for any caller awaiting a channel join.
func (r *Registry) SelectBest() *Endpoint {
	r.mu.Lock()
	var best *Endpoint
	for _, ep := range r.endpoints {
		if ep.Status != StatusOnline && ep.Status != StatusUnknown {
			continue
		}
		if best == nil || better(ep, best) {
			best = ep
		}
	}

	if best == nil {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Registry.SelectBest",
		}).Error("No endpoints available")
		r.events.Emit(EventNoServersAvailable, nil)
		return nil
	}

	prev := r.currentID
	r.currentID = best.ID
	selected := *best
	r.mu.Unlock()

	if prev != "" && prev != selected.ID {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.SelectBest",
			"from":     prev,
			"to":       selected.ID,
		}).Warn("Failing over to fallback endpoint")
		r.events.Emit(EventFallbackActivated, selected.ID)
	}
	return &selected
}

// better reports whether a should be preferred over b.
func better(a, b *Endpoint) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Latency < b.Latency
}

// Current returns a copy of the currently selected endpoint, or nil.
func (r *Registry) Current() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[r.currentID]; ok {
		c := *ep
		return &c
	}
	return nil
}

// Get returns a copy of the endpoint with the given id, or nil.
func (r *Registry) Get(id string) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		c := *ep
		return &c
	}
	return nil
}

// Snapshot returns copies of all endpoints.
func (r *Registry) Snapshot() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	return out
}

// websocketProbe is the default connectivity probe: a websocket dial
// against the endpoint's signaling URL, measuring handshake latency.
func websocketProbe(ctx context.Context, url string) (time.Duration, error) {
	start := time.Now()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	_ = conn.Close(websocket.StatusNormalClosure, "health check")
	return latency, nil
}
