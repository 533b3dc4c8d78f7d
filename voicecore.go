// Package voicecore is the top-level facade over the session core: it
// wires the endpoint registry, token client, and connection pool
// together and exposes channel join/leave as single calls.
package voicecore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/config"
	"github.com/opd-ai/voicecore/endpoint"
	"github.com/opd-ai/voicecore/media"
	"github.com/opd-ai/voicecore/pool"
	"github.com/opd-ai/voicecore/recovery"
	"github.com/opd-ai/voicecore/session"
	"github.com/opd-ai/voicecore/token"
	"github.com/opd-ai/voicecore/transport"
)

// TransportFactory builds the SDK transport for one channel join.
// Production supplies the vendor SDK adapter; tests supply
// transport.Mock.
type TransportFactory func(channelID string) transport.RoomTransport

// Core is the assembled session stack for one local user.
type Core struct {
	cfg      *config.Config
	userID   string
	registry *endpoint.Registry
	tokens   *token.Client
	pool     *pool.Pool
}

// New assembles a Core from configuration. The endpoint registry starts
// health checking immediately; sessions are created lazily per channel
// through the pool.
func New(cfg *config.Config, userID string, newTransport TransportFactory) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if newTransport == nil {
		return nil, errors.New("transport factory is required")
	}

	c := &Core{
		cfg:      cfg,
		userID:   userID,
		registry: endpoint.NewRegistry(cfg.HealthConfig(), cfg.EndpointList()),
		tokens:   token.NewClient(cfg.Backend.BaseURL, cfg.Backend.AuthToken),
	}

	factory := func(channelID string, shared *pool.SharedResources) (*session.Manager, error) {
		mcfg := session.DefaultManagerConfig(channelID, userID)
		mcfg.Recovery = cfg.RecoveryConfig()
		mcfg.Adapter = cfg.AdapterConfig()
		if cfg.Snapshot.Interval > 0 {
			mcfg.SnapshotInterval = cfg.Snapshot.Interval
		}

		var tracker *media.Tracker
		if shared != nil {
			tracker = shared.Tracker
			mcfg.Client.Ownership = media.OwnershipShared
		} else {
			tracker = media.NewTracker(cfg.MediaConfig())
		}

		var store recovery.SnapshotStore
		if cfg.Snapshot.Path != "" {
			store = recovery.NewFileStore(
				snapshotPath(cfg.Snapshot.Path, channelID),
				[]byte(cfg.Snapshot.Passphrase))
		}

		m := session.NewManager(mcfg, newTransport(channelID), tracker,
			c.tokens, c.registry, store)
		return m, nil
	}

	c.pool = pool.New(cfg.PoolConfig(), factory, prometheus.DefaultRegisterer)
	c.registry.Start()
	c.pool.Start()

	if cfg.Snapshot.Path != "" {
		c.recoverPersisted(context.Background())
	}

	logrus.WithFields(logrus.Fields{
		"function":  "voicecore.New",
		"endpoints": len(cfg.Endpoints),
		"user_id":   userID,
	}).Info("Voice session core assembled")

	return c, nil
}

// JoinChannel acquires (or creates) the session for channelID and joins
// it with the given initial state.
func (c *Core) JoinChannel(ctx context.Context, channelID string, muted, deafened bool) (*session.Manager, error) {
	m, err := c.pool.Acquire(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if m.State() == session.StateConnected {
		return m, nil
	}
	if err := m.Join(ctx, muted, deafened); err != nil {
		return nil, err
	}
	return m, nil
}

// LeaveChannel leaves the channel and returns its connection to the
// pool for reuse.
func (c *Core) LeaveChannel(ctx context.Context, channelID string) error {
	if !c.pool.Contains(channelID) {
		return nil
	}
	m, err := c.pool.Acquire(ctx, channelID)
	if err != nil {
		return err
	}
	err = m.Leave(ctx)
	if derr := c.pool.Disconnect(ctx, channelID); err == nil {
		err = derr
	}
	return err
}

// NetworkChanged forwards a platform network transition to every pooled
// session.
func (c *Core) NetworkChanged(networkType string, online bool) {
	c.pool.ForEach(func(_ string, m *session.Manager) {
		m.NetworkChanged(networkType, online)
	})
}

// Registry exposes the endpoint registry for status subscriptions.
func (c *Core) Registry() *endpoint.Registry {
	return c.registry
}

// Pool exposes the connection pool.
func (c *Core) Pool() *pool.Pool {
	return c.pool
}

// Close tears down every session, the pool, and the registry.
func (c *Core) Close(ctx context.Context) error {
	err := c.pool.DestroyAll(ctx)
	c.registry.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Core.Close",
	}).Info("Voice session core shut down")
	return err
}

// recoverPersisted scans for per-channel snapshot files left by a
// previous run and resumes each channel. Best effort: a channel that
// cannot be resumed is logged and its pooled session destroyed; stale
// and unreadable snapshots are skipped quietly, the managers clear
// them.
func (c *Core) recoverPersisted(ctx context.Context) {
	base := c.cfg.Snapshot.Path
	ext := filepath.Ext(base)
	prefix := base[:len(base)-len(ext)] + "-"

	matches, err := filepath.Glob(prefix + "*" + ext)
	if err != nil || len(matches) == 0 {
		return
	}

	for _, path := range matches {
		channelID := strings.TrimSuffix(strings.TrimPrefix(path, prefix), ext)
		if channelID == "" {
			continue
		}

		m, err := c.pool.Acquire(ctx, channelID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Core.recoverPersisted",
				"channel":  channelID,
				"error":    err.Error(),
			}).Warn("Session recovery skipped, pool acquire failed")
			continue
		}
		if err := m.RecoverPersisted(ctx); err != nil {
			if !errors.Is(err, recovery.ErrNoSnapshot) && !errors.Is(err, recovery.ErrStale) {
				logrus.WithFields(logrus.Fields{
					"function": "Core.recoverPersisted",
					"channel":  channelID,
					"error":    err.Error(),
				}).Warn("Persisted session resume failed")
			}
			_ = c.pool.Destroy(ctx, channelID)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "Core.recoverPersisted",
			"channel":  channelID,
		}).Info("Persisted session resumed")
	}
}

// snapshotPath derives the per-channel snapshot file from the base
// path, keeping the original extension.
func snapshotPath(base, channelID string) string {
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)] + "-" + channelID + ext
}
