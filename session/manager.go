package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/endpoint"
	"github.com/opd-ai/voicecore/event"
	"github.com/opd-ai/voicecore/media"
	"github.com/opd-ai/voicecore/quality"
	"github.com/opd-ai/voicecore/recovery"
	"github.com/opd-ai/voicecore/token"
	"github.com/opd-ai/voicecore/transport"
	"github.com/opd-ai/voicecore/verr"
)

// Event names emitted by the manager, in addition to the client's.
const (
	EventTierChanged     = "qualityTierChanged"
	EventTelemetry       = "telemetry"
	EventMuteChanged     = "muteChanged"
	EventDeafenChanged   = "deafenChanged"
	EventVideoChanged    = "videoChanged"
	EventScreenChanged   = "screenShareChanged"
	EventSessionFailed   = "sessionFailed"
	EventSessionRejoined = "sessionRejoined"
)

// Participant is one remote member of the channel as the session sees
// it, aggregated from transport callbacks.
type Participant struct {
	ID         string
	Name       string
	Speaking   bool
	AudioLevel float64
	Quality    string
	JoinedAt   time.Time
}

// Telemetry is the session's latest network reading.
type Telemetry struct {
	Report quality.Report
	Tier   quality.Tier
}

// ManagerConfig aggregates the tunables of one managed session.
type ManagerConfig struct {
	Client    ClientConfig
	Recovery  recovery.Config
	Adapter   quality.AdapterConfig
	Collector quality.CollectorConfig

	// SnapshotInterval is the heartbeat period for persisted session
	// state. Zero disables periodic persistence; state is still saved
	// on every toggle change.
	SnapshotInterval time.Duration
}

// DefaultManagerConfig returns standard manager parameters for one
// channel.
func DefaultManagerConfig(channelID, userID string) ManagerConfig {
	return ManagerConfig{
		Client:           DefaultClientConfig(channelID, userID),
		Recovery:         recovery.DefaultConfig(),
		Adapter:          quality.DefaultAdapterConfig(),
		Collector:        quality.DefaultCollectorConfig(),
		SnapshotInterval: 15 * time.Second,
	}
}

// Manager owns one channel session end to end: it mints join
// credentials, drives the client, maintains the participant roster and
// toggle state, feeds telemetry into the bandwidth adapter, persists
// recoverable state, and hands unexpected disconnects to the recovery
// orchestrator.
type Manager struct {
	mu     sync.Mutex
	config ManagerConfig

	client       *Client
	tokens       *token.Client
	registry     *endpoint.Registry
	store        recovery.SnapshotStore
	collector    *quality.Collector
	adapter      *quality.Adapter
	orchestrator *recovery.Orchestrator

	events *event.Emitter

	muted         bool
	deafened      bool
	videoEnabled  bool
	screenSharing bool

	participants map[string]*Participant
	monitors     map[string]*audio.RemoteLevelMonitor
	telemetry    Telemetry

	active bool

	snapshotStop chan struct{}
	snapshotOn   bool
	wg           sync.WaitGroup
}

// NewManager assembles a managed session. tokens, registry, and store
// may each be nil: without tokens the caller connects with explicit
// credentials, without a registry there is no failover, without a store
// session state is not persisted.
func NewManager(config ManagerConfig, rt transport.RoomTransport, tracker *media.Tracker,
	tokens *token.Client, registry *endpoint.Registry, store recovery.SnapshotStore) *Manager {

	m := &Manager{
		config:       config,
		tokens:       tokens,
		registry:     registry,
		store:        store,
		events:       event.NewEmitter(),
		participants: make(map[string]*Participant),
		monitors:     make(map[string]*audio.RemoteLevelMonitor),
	}

	m.client = NewClient(config.Client, rt, tracker)
	m.collector = quality.NewCollector(rt, config.Collector)
	m.adapter = quality.NewAdapter(config.Adapter)
	m.orchestrator = recovery.New(config.Recovery, m.reconnect, m.restoreSteps())

	m.wireClient()
	m.wireQuality()
	m.wireRecovery()
	if registry != nil {
		m.wireFailover()
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"channel":  config.Client.ChannelID,
		"user":     config.Client.UserID,
	}).Info("Creating session manager")

	return m
}

// Events exposes the manager's event registry. Client events are
// re-emitted here so callers subscribe in one place.
func (m *Manager) Events() *event.Emitter {
	return m.events
}

// Client returns the underlying session client.
func (m *Manager) Client() *Client {
	return m.client
}

// Adapter returns the session's bandwidth adapter. Pooled sessions in
// resource-sharing mode read tier changes from here.
func (m *Manager) Adapter() *quality.Adapter {
	return m.adapter
}

// Orchestrator returns the session's recovery orchestrator.
func (m *Manager) Orchestrator() *recovery.Orchestrator {
	return m.orchestrator
}

// State returns the connection state machine's current state.
func (m *Manager) State() State {
	return m.client.CurrentState()
}

// ChannelID returns the channel this session is bound to.
func (m *Manager) ChannelID() string {
	return m.config.Client.ChannelID
}

// Join mints a grant for the channel and connects. The initial
// mute/deafen flags are declared to the backend so the roster shows the
// correct state before any media flows.
func (m *Manager) Join(ctx context.Context, muted, deafened bool) error {
	m.mu.Lock()
	m.muted = muted
	m.deafened = deafened
	m.mu.Unlock()

	grant, err := m.mintGrant(ctx)
	if err != nil {
		return err
	}

	if err := m.client.Connect(ctx, grant.LiveURL, grant.LiveToken); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = true
	m.mu.Unlock()

	if !muted {
		if err := m.client.EnableMicrophone(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Join",
				"error":    err.Error(),
			}).Warn("Microphone unavailable at join, continuing muted")
			m.mu.Lock()
			m.muted = true
			m.mu.Unlock()
		}
	}

	m.collector.Start()
	m.startSnapshotLoop()
	m.persist()
	return nil
}

// Leave disconnects, clears persisted state, and notifies the backend.
// Leave supersedes any in-flight recovery.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	m.orchestrator.Cancel()
	m.collector.Stop()
	m.stopSnapshotLoop()

	err := m.client.Disconnect(ctx)

	if m.store != nil {
		if cerr := m.store.Clear(); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Leave",
				"error":    cerr.Error(),
			}).Warn("Snapshot clear failed")
		}
	}
	if m.tokens != nil {
		m.tokens.Leave(ctx, m.config.Client.ChannelID)
	}

	m.mu.Lock()
	m.participants = make(map[string]*Participant)
	m.monitors = make(map[string]*audio.RemoteLevelMonitor)
	m.mu.Unlock()
	return err
}

// SetMuted toggles microphone publication. Unmuting re-acquires the
// device; muting releases it entirely rather than sending silence.
func (m *Manager) SetMuted(ctx context.Context, muted bool) error {
	m.mu.Lock()
	if m.muted == muted {
		m.mu.Unlock()
		return nil
	}
	m.muted = muted
	m.mu.Unlock()

	var err error
	if muted {
		err = m.client.DisableMicrophone(ctx)
	} else {
		err = m.client.EnableMicrophone(ctx)
	}
	if err != nil {
		m.mu.Lock()
		m.muted = !muted
		m.mu.Unlock()
		return err
	}

	m.events.Emit(EventMuteChanged, muted)
	m.persist()
	return nil
}

// SetDeafened toggles deafen state. Deafening implies muting.
func (m *Manager) SetDeafened(ctx context.Context, deafened bool) error {
	m.mu.Lock()
	if m.deafened == deafened {
		m.mu.Unlock()
		return nil
	}
	m.deafened = deafened
	m.mu.Unlock()

	if deafened {
		if err := m.SetMuted(ctx, true); err != nil {
			return err
		}
	}
	m.events.Emit(EventDeafenChanged, deafened)
	m.persist()
	return nil
}

// EnableVideo turns the camera on at the current adaptation preset.
// Refused while the adapter is at the audio-only critical tier.
func (m *Manager) EnableVideo(ctx context.Context) error {
	preset := m.adapter.CurrentPreset()
	if !preset.Video.Enabled {
		return verr.New(verr.CodeCameraNotFound,
			"video is unavailable at the current network quality", nil)
	}
	if err := m.client.EnableCamera(ctx, preset.Video); err != nil {
		return err
	}

	m.mu.Lock()
	m.videoEnabled = true
	m.mu.Unlock()
	m.events.Emit(EventVideoChanged, true)
	m.persist()
	return nil
}

// DisableVideo turns the camera off.
func (m *Manager) DisableVideo(ctx context.Context) error {
	if err := m.client.DisableCamera(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.videoEnabled = false
	m.mu.Unlock()
	m.events.Emit(EventVideoChanged, false)
	m.persist()
	return nil
}

// StartScreenShare begins screen capture and publication.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	preset := m.adapter.CurrentPreset()
	if !preset.Screen.Enabled {
		return verr.New(verr.CodeScreenPermissionDenied,
			"screen share is unavailable at the current network quality", nil)
	}
	if err := m.client.StartScreenShare(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.screenSharing = true
	m.mu.Unlock()
	m.events.Emit(EventScreenChanged, true)
	m.persist()
	return nil
}

// StopScreenShare ends screen capture.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	if err := m.client.StopScreenShare(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.screenSharing = false
	m.mu.Unlock()
	m.events.Emit(EventScreenChanged, false)
	m.persist()
	return nil
}

// Muted reports the mute toggle.
func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Deafened reports the deafen toggle.
func (m *Manager) Deafened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deafened
}

// Participants returns a copy of the current roster.
func (m *Manager) Participants() []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, *p)
	}
	return out
}

// Telemetry returns the latest network reading.
func (m *Manager) Telemetry() Telemetry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.telemetry
}

// RecoverPersisted attempts to resume the session recorded in the
// snapshot store: mute/deafen/video toggles are restored and the
// channel rejoined. Returns recovery.ErrNoSnapshot or recovery.ErrStale
// when there is nothing usable.
func (m *Manager) RecoverPersisted(ctx context.Context) error {
	if m.store == nil {
		return recovery.ErrNoSnapshot
	}
	snap, err := m.store.Load()
	if err != nil {
		if errors.Is(err, recovery.ErrStale) {
			// Stale state is cleared so the next start is clean.
			_ = m.store.Clear()
		}
		return err
	}
	if snap.ChannelID != m.config.Client.ChannelID {
		return recovery.ErrNoSnapshot
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.RecoverPersisted",
		"channel":  snap.ChannelID,
	}).Info("Resuming persisted session")

	if err := m.Join(ctx, snap.Muted, snap.Deafened); err != nil {
		return err
	}
	if snap.Deafened {
		_ = m.SetDeafened(ctx, true)
	}
	if snap.VideoEnabled {
		_ = m.EnableVideo(ctx)
	}
	if snap.ScreenSharing {
		_ = m.StartScreenShare(ctx)
	}
	return nil
}

// Close tears the session down without backend notification, for use in
// pool eviction and process shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	m.orchestrator.Cancel()
	m.collector.Stop()
	m.stopSnapshotLoop()
	return m.client.Disconnect(ctx)
}

// mintGrant acquires join credentials, preferring the failover
// registry's current endpoint for the control-plane call when present.
func (m *Manager) mintGrant(ctx context.Context) (token.JoinGrant, error) {
	if m.tokens == nil {
		return token.JoinGrant{}, verr.New(verr.CodeConnectionFailed,
			"no token client configured", nil)
	}
	if m.registry != nil {
		if ep := m.registry.SelectBest(); ep == nil {
			return token.JoinGrant{}, verr.New(verr.CodeServerUnreachable,
				"no backend endpoints available", nil)
		}
	}

	m.mu.Lock()
	muted, deafened := m.muted, m.deafened
	m.mu.Unlock()
	return m.tokens.Join(ctx, m.config.Client.ChannelID, muted, deafened)
}

// reconnect is the orchestrator's dial function: re-mint credentials
// (tokens can expire during an outage, and failover may have moved the
// endpoint) and redial.
func (m *Manager) reconnect(ctx context.Context) error {
	if m.tokens != nil {
		grant, err := m.mintGrant(ctx)
		if err != nil {
			return err
		}
		m.client.SetCredentials(grant.LiveURL, grant.LiveToken)
	}
	if err := m.client.Reconnect(ctx); err != nil {
		return err
	}
	m.collector.ResetBaseline()
	return nil
}

// restoreSteps re-applies toggle state after a successful reconnect, in
// fixed order: mute, deafen, video, screen share.
func (m *Manager) restoreSteps() []recovery.RestoreStep {
	return []recovery.RestoreStep{
		{Name: "microphone", Apply: func(ctx context.Context) error {
			m.mu.Lock()
			muted := m.muted
			m.mu.Unlock()
			if muted {
				return m.client.DisableMicrophone(ctx)
			}
			return m.client.EnableMicrophone(ctx)
		}},
		{Name: "deafen", Apply: func(ctx context.Context) error {
			// Deafen is declared at join time; nothing to re-apply on the
			// media plane.
			return nil
		}},
		{Name: "video", Apply: func(ctx context.Context) error {
			m.mu.Lock()
			enabled := m.videoEnabled
			m.mu.Unlock()
			if !enabled {
				return nil
			}
			return m.client.EnableCamera(ctx, m.adapter.CurrentPreset().Video)
		}},
		{Name: "screenshare", Apply: func(ctx context.Context) error {
			m.mu.Lock()
			sharing := m.screenSharing
			m.mu.Unlock()
			if !sharing {
				return nil
			}
			return m.client.StartScreenShare(ctx)
		}},
	}
}

// wireClient forwards client events and maintains the roster.
func (m *Manager) wireClient() {
	ev := m.client.Events()

	ev.On(EventStatusChanged, func(payload any) {
		m.events.Emit(EventStatusChanged, payload)
	})
	ev.On(EventError, func(payload any) {
		m.events.Emit(EventError, payload)
	})

	ev.On(EventDisconnected, func(payload any) {
		m.mu.Lock()
		active := m.active
		m.mu.Unlock()
		if active {
			m.orchestrator.Trigger(recovery.MethodAuto)
		}
	})

	ev.On(EventParticipantJoined, func(payload any) {
		info, ok := payload.(transport.ParticipantInfo)
		if !ok {
			return
		}
		m.mu.Lock()
		m.participants[info.ID] = &Participant{
			ID:       info.ID,
			Name:     info.Identity,
			JoinedAt: time.Now(),
		}
		m.mu.Unlock()
		m.events.Emit(EventParticipantJoined, info)
		m.persist()
	})

	ev.On(EventParticipantLeft, func(payload any) {
		id, ok := payload.(string)
		if !ok {
			return
		}
		m.mu.Lock()
		delete(m.participants, id)
		delete(m.monitors, id)
		m.mu.Unlock()
		m.events.Emit(EventParticipantLeft, id)
		m.persist()
	})

	ev.On(EventSpeakingChanged, func(payload any) {
		change, ok := payload.(SpeakingChange)
		if !ok {
			return
		}
		m.mu.Lock()
		if p, found := m.participants[change.ParticipantID]; found {
			p.Speaking = change.Speaking
			p.AudioLevel = change.Level
		}
		m.mu.Unlock()
		m.events.Emit(EventSpeakingChanged, change)
	})

	ev.On(EventAudioFrame, func(payload any) {
		af, ok := payload.(AudioFrame)
		if !ok {
			return
		}
		m.mu.Lock()
		monitor, found := m.monitors[af.ParticipantID]
		if !found {
			monitor = audio.NewRemoteLevelMonitor()
			m.monitors[af.ParticipantID] = monitor
		}
		m.mu.Unlock()

		level, err := monitor.Ingest(af.Frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Manager.wireClient",
				"participant": af.ParticipantID,
				"error":       err.Error(),
			}).Debug("Audio frame decode failed, keeping last level")
		}

		m.mu.Lock()
		if p, found := m.participants[af.ParticipantID]; found {
			p.AudioLevel = level
		}
		m.mu.Unlock()
		m.events.Emit(EventAudioLevelChanged, SpeakingChange{
			ParticipantID: af.ParticipantID,
			Level:         level,
		})
	})

	ev.On(EventQualityChanged, func(payload any) {
		change, ok := payload.(QualityChange)
		if !ok {
			return
		}
		m.mu.Lock()
		if p, found := m.participants[change.ParticipantID]; found {
			p.Quality = change.Quality
		}
		m.mu.Unlock()
		m.events.Emit(EventQualityChanged, change)
	})
}

// wireQuality feeds collector reports into the adapter and applies
// preset and degradation changes back onto the client.
func (m *Manager) wireQuality() {
	m.collector.OnReport(func(r quality.Report) {
		tier := m.adapter.Observe(r.BandwidthKbps, r.LatencyMs, r.PacketLossPct, r.JitterMs)

		m.mu.Lock()
		m.telemetry = Telemetry{Report: r, Tier: tier}
		m.mu.Unlock()
		m.events.Emit(EventTelemetry, Telemetry{Report: r, Tier: tier})
	})

	m.adapter.SetCallbacks(
		func(p quality.Preset) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.client.ApplyPreset(ctx, p)
			if !p.Video.Enabled {
				m.mu.Lock()
				m.videoEnabled = false
				m.screenSharing = false
				m.mu.Unlock()
			}
		},
		func(old, new quality.Tier) {
			// Soft degradation on already-published tracks kicks in at
			// poor quality and is lifted only on full recovery.
			if new >= quality.TierPoor {
				m.client.SetDegraded(true)
			} else if new == quality.TierExcellent {
				m.client.SetDegraded(false)
			}
			m.events.Emit(EventTierChanged, [2]quality.Tier{old, new})
		},
	)
}

// wireRecovery connects orchestrator outcomes to session state and the
// bandwidth adapter's offline pin.
func (m *Manager) wireRecovery() {
	ev := m.orchestrator.Events()

	ev.On(recovery.EventReconnecting, func(payload any) {
		m.adapter.SetOffline(true)
		m.events.Emit(recovery.EventReconnecting, payload)
	})
	ev.On(recovery.EventReconnected, func(payload any) {
		m.adapter.SetOffline(false)
		m.events.Emit(EventSessionRejoined, nil)
		m.persist()
	})
	ev.On(recovery.EventRecoveryFailed, func(payload any) {
		m.client.MarkFailed()
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		m.events.Emit(EventSessionFailed, payload)
	})
}

// wireFailover reacts to the registry marking the in-use endpoint down
// by triggering fallback recovery.
func (m *Manager) wireFailover() {
	m.registry.Events().On(endpoint.EventServerDown, func(payload any) {
		id, ok := payload.(string)
		if !ok {
			return
		}
		current := m.registry.Current()
		if current == nil || current.ID != id {
			return
		}
		m.mu.Lock()
		active := m.active
		m.mu.Unlock()
		if !active {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "Manager.wireFailover",
			"endpoint": id,
		}).Warn("In-use endpoint went down, starting fallback recovery")
		m.orchestrator.Trigger(recovery.MethodFallback)
	})
}

// NetworkChanged forwards a platform network transition to the
// orchestrator and the adapter's offline pin.
func (m *Manager) NetworkChanged(networkType string, online bool) {
	m.adapter.SetOffline(!online)
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	m.orchestrator.NetworkChanged(networkType, online, active)
}

// persist writes the current session state to the snapshot store.
func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	snap := recovery.Snapshot{
		ChannelID:     m.config.Client.ChannelID,
		UserID:        m.config.Client.UserID,
		Muted:         m.muted,
		Deafened:      m.deafened,
		VideoEnabled:  m.videoEnabled,
		ScreenSharing: m.screenSharing,
	}
	for id := range m.participants {
		snap.Participants = append(snap.Participants, id)
	}
	m.mu.Unlock()

	if err := m.store.Save(snap); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.persist",
			"error":    err.Error(),
		}).Warn("Session snapshot save failed")
	}
}

// startSnapshotLoop launches the heartbeat persistence ticker.
func (m *Manager) startSnapshotLoop() {
	if m.store == nil || m.config.SnapshotInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.snapshotOn {
		m.mu.Unlock()
		return
	}
	m.snapshotOn = true
	m.snapshotStop = make(chan struct{})
	stop := m.snapshotStop
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.persist()
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) stopSnapshotLoop() {
	m.mu.Lock()
	if !m.snapshotOn {
		m.mu.Unlock()
		return
	}
	m.snapshotOn = false
	close(m.snapshotStop)
	m.mu.Unlock()
	m.wg.Wait()
}
