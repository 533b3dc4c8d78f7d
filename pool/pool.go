// Package pool maintains a bounded set of session connections, one per
// channel, with LRU eviction of idle connections at capacity and an
// idle-timeout sweep.
//
// Acquiring a channel that is already pooled returns the existing
// session rather than a second connection: there is never more than one
// session per channel id. In resource-sharing mode all pooled sessions
// share one media resource tracker, so handle accounting and memory
// ceilings apply across the whole pool instead of per session.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/media"
	"github.com/opd-ai/voicecore/session"
	"github.com/opd-ai/voicecore/verr"
)

// ErrExhausted is returned when the pool is at capacity and every
// pooled connection is active.
var ErrExhausted = errors.New("connection pool exhausted")

// Config defines pool behavior.
type Config struct {
	// MaxConnections bounds the pool. Acquiring beyond it evicts the
	// least recently used idle connection, or fails when none is idle.
	MaxConnections int
	// IdleTimeout is how long a released connection may sit unused
	// before the sweep destroys it. Zero disables the sweep.
	IdleTimeout time.Duration
	// SweepInterval is the idle sweep period.
	SweepInterval time.Duration
	// ShareResources makes all pooled sessions share one media resource
	// tracker instead of each owning its own.
	ShareResources bool
}

// DefaultConfig returns the standard pool parameters.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 5,
		IdleTimeout:    5 * time.Minute,
		SweepInterval:  time.Minute,
		ShareResources: true,
	}
}

// SharedResources is the bundle handed to the session factory when the
// pool runs in resource-sharing mode.
type SharedResources struct {
	Tracker *media.Tracker
}

// Factory builds one session manager for a channel. shared is non-nil
// only in resource-sharing mode; factories must then register media
// handles with shared.Tracker.
type Factory func(channelID string, shared *SharedResources) (*session.Manager, error)

// conn is one pool entry.
type conn struct {
	manager   *session.Manager
	channelID string
	lastUsed  time.Time
	active    bool
}

// Pool is a bounded, channel-keyed session pool.
type Pool struct {
	mu      sync.Mutex
	config  Config
	factory Factory
	conns   map[string]*conn
	shared  *SharedResources
	metrics *Metrics

	now func() time.Time

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a pool over the given session factory. In
// resource-sharing mode the pool owns a media tracker shared by every
// session it creates.
func New(config Config, factory Factory, reg prometheus.Registerer) *Pool {
	if config.MaxConnections <= 0 {
		config = DefaultConfig()
	}

	p := &Pool{
		config:  config,
		factory: factory,
		conns:   make(map[string]*conn),
		metrics: NewMetrics(reg),
		now:     time.Now,
	}
	if config.ShareResources {
		p.shared = &SharedResources{
			Tracker: media.NewTracker(media.DefaultConfig()),
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":        "pool.New",
		"max_connections": config.MaxConnections,
		"idle_timeout":    config.IdleTimeout,
		"share_resources": config.ShareResources,
	}).Info("Creating connection pool")

	return p
}

// SetNowFunc injects a clock for deterministic tests.
func (p *Pool) SetNowFunc(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Shared returns the shared resource bundle, or nil when each session
// owns its resources.
func (p *Pool) Shared() *SharedResources {
	return p.shared
}

// Start launches the idle sweep loop.
func (p *Pool) Start() {
	if p.config.IdleTimeout <= 0 || p.config.SweepInterval <= 0 {
		return
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.SweepIdle()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

// Acquire returns the session for channelID, creating it if needed.
//
// Acquire is idempotent per channel: a second acquire of a pooled
// channel returns the same session. At capacity the least recently used
// idle connection is destroyed to make room; when every connection is
// active, Acquire fails rather than exceeding the bound.
func (p *Pool) Acquire(ctx context.Context, channelID string) (*session.Manager, error) {
	p.mu.Lock()
	if c, ok := p.conns[channelID]; ok {
		c.active = true
		c.lastUsed = p.now()
		p.mu.Unlock()
		p.metrics.Reused.Inc()
		p.syncGauges()
		logrus.WithFields(logrus.Fields{
			"function": "Pool.Acquire",
			"channel":  channelID,
		}).Debug("Reusing pooled session")
		return c.manager, nil
	}

	if len(p.conns) >= p.config.MaxConnections {
		victim := p.lruIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			p.metrics.Exhausted.Inc()
			logrus.WithFields(logrus.Fields{
				"function": "Pool.Acquire",
				"channel":  channelID,
				"size":     p.config.MaxConnections,
			}).Warn("Pool exhausted, all connections active")
			return nil, verr.New(verr.CodeConnectionFailed,
				"connection pool exhausted", ErrExhausted)
		}
		delete(p.conns, victim.channelID)
		p.mu.Unlock()

		p.metrics.Evictions.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Pool.Acquire",
			"evicted":  victim.channelID,
			"idle_for": p.now().Sub(victim.lastUsed),
		}).Info("Evicting least recently used idle session")
		p.closeConn(ctx, victim)
	} else {
		p.mu.Unlock()
	}

	manager, err := p.factory(channelID, p.shared)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	// A concurrent Acquire may have raced us here; the first created
	// session wins and the duplicate is discarded.
	if existing, ok := p.conns[channelID]; ok {
		p.mu.Unlock()
		_ = manager.Close(ctx)
		return existing.manager, nil
	}
	p.conns[channelID] = &conn{
		manager:   manager,
		channelID: channelID,
		lastUsed:  p.now(),
		active:    true,
	}
	p.mu.Unlock()

	p.metrics.Created.Inc()
	p.syncGauges()

	logrus.WithFields(logrus.Fields{
		"function": "Pool.Acquire",
		"channel":  channelID,
	}).Info("Created pooled session")
	return manager, nil
}

// Disconnect releases the channel's connection back to the pool: media
// is torn down but the session object stays pooled for reuse until the
// idle timeout or an eviction claims it.
func (p *Pool) Disconnect(ctx context.Context, channelID string) error {
	p.mu.Lock()
	c, ok := p.conns[channelID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	c.active = false
	c.lastUsed = p.now()
	manager := c.manager
	p.mu.Unlock()

	p.syncGauges()
	return manager.Close(ctx)
}

// Destroy removes the channel's connection from the pool and tears it
// down completely.
func (p *Pool) Destroy(ctx context.Context, channelID string) error {
	p.mu.Lock()
	c, ok := p.conns[channelID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, channelID)
	p.mu.Unlock()

	err := p.closeConn(ctx, c)
	p.syncGauges()
	return err
}

// DestroyAll tears down every pooled connection, collecting errors. In
// resource-sharing mode the shared tracker is shut down last, after all
// sessions have released their handles.
func (p *Pool) DestroyAll(ctx context.Context) error {
	p.Stop()

	p.mu.Lock()
	all := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		all = append(all, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := p.closeConn(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if p.shared != nil {
		p.shared.Tracker.Shutdown()
	}
	p.syncGauges()

	logrus.WithFields(logrus.Fields{
		"function": "Pool.DestroyAll",
		"closed":   len(all),
		"errors":   len(errs),
	}).Info("Connection pool destroyed")
	return errors.Join(errs...)
}

// SweepIdle destroys connections idle longer than the timeout and
// returns how many were reaped.
func (p *Pool) SweepIdle() int {
	cutoff := p.now().Add(-p.config.IdleTimeout)

	p.mu.Lock()
	var victims []*conn
	for id, c := range p.conns {
		if !c.active && c.lastUsed.Before(cutoff) {
			victims = append(victims, c)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, c := range victims {
		p.metrics.IdleReaped.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Pool.SweepIdle",
			"channel":  c.channelID,
		}).Info("Reaping idle pooled session")
		p.closeConn(ctx, c)
	}
	p.syncGauges()
	return len(victims)
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// ActiveCount returns the number of checked-out connections.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c.active {
			n++
		}
	}
	return n
}

// ForEach invokes fn for every pooled session. The pool lock is not
// held during the calls, so fn may use the session freely.
func (p *Pool) ForEach(fn func(channelID string, m *session.Manager)) {
	p.mu.Lock()
	snapshot := make(map[string]*session.Manager, len(p.conns))
	for id, c := range p.conns {
		snapshot[id] = c.manager
	}
	p.mu.Unlock()

	for id, m := range snapshot {
		fn(id, m)
	}
}

// Contains reports whether a channel is pooled.
func (p *Pool) Contains(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[channelID]
	return ok
}

// lruIdleLocked returns the least recently used idle connection, or nil
// when every connection is active.
func (p *Pool) lruIdleLocked() *conn {
	var victim *conn
	for _, c := range p.conns {
		if c.active {
			continue
		}
		if victim == nil || c.lastUsed.Before(victim.lastUsed) {
			victim = c
		}
	}
	return victim
}

// closeConn tears down one connection's session.
func (p *Pool) closeConn(ctx context.Context, c *conn) error {
	if err := c.manager.Close(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Pool.closeConn",
			"channel":  c.channelID,
			"error":    err.Error(),
		}).Warn("Pooled session close reported error")
		return err
	}
	return nil
}

// syncGauges refreshes the size gauges from pool state.
func (p *Pool) syncGauges() {
	p.mu.Lock()
	total := len(p.conns)
	active := 0
	for _, c := range p.conns {
		if c.active {
			active++
		}
	}
	p.mu.Unlock()
	p.metrics.Connections.Set(float64(total))
	p.metrics.Active.Set(float64(active))
}
