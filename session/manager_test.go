package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicecore/endpoint"
	"github.com/opd-ai/voicecore/media"
	"github.com/opd-ai/voicecore/quality"
	"github.com/opd-ai/voicecore/recovery"
	"github.com/opd-ai/voicecore/token"
	"github.com/opd-ai/voicecore/transport"
	"github.com/opd-ai/voicecore/verr"
)

// tokenBackend is an httptest control plane that mints grants and counts
// join/leave calls.
type tokenBackend struct {
	srv *httptest.Server

	mu     sync.Mutex
	joins  int
	leaves int
}

func newTokenBackend(t *testing.T) *tokenBackend {
	t.Helper()
	b := &tokenBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		switch filepath.Base(r.URL.Path) {
		case "join":
			b.joins++
		case "leave":
			b.leaves++
		}
		b.mu.Unlock()
		json.NewEncoder(w).Encode(token.JoinGrant{
			LiveURL:   "wss://media.example.com",
			LiveToken: "signed-token",
		})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *tokenBackend) joinCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins
}

func (b *tokenBackend) leaveCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaves
}

type managerFixture struct {
	manager *Manager
	mock    *transport.Mock
	tracker *media.Tracker
	backend *tokenBackend
	store   *recovery.FileStore
}

func newManagerFixture(t *testing.T, store *recovery.FileStore) *managerFixture {
	t.Helper()
	mock := transport.NewMock()
	mcfg := media.DefaultConfig()
	mcfg.SweepInterval = time.Hour
	tracker := media.NewTracker(mcfg)
	t.Cleanup(tracker.Shutdown)

	backend := newTokenBackend(t)

	cfg := DefaultManagerConfig("chan-1", "user-1")
	cfg.Client.HealthCheckInterval = 0
	cfg.Collector.Interval = time.Hour
	cfg.SnapshotInterval = 0
	cfg.Recovery.MaxRetries = 2
	cfg.Recovery.JitterMax = 0

	var snapStore recovery.SnapshotStore
	if store != nil {
		snapStore = store
	}
	m := NewManager(cfg, mock, tracker, token.NewClient(backend.srv.URL, "api-token"), nil, snapStore)
	m.Orchestrator().SetSleepFunc(func(ctx context.Context, d time.Duration) bool {
		return ctx.Err() == nil
	})
	t.Cleanup(func() { m.Close(context.Background()) })

	return &managerFixture{manager: m, mock: mock, tracker: tracker, backend: backend, store: store}
}

func TestJoinUnmutedEnablesMicrophone(t *testing.T) {
	f := newManagerFixture(t, nil)

	require.NoError(t, f.manager.Join(context.Background(), false, false))

	assert.Equal(t, StateConnected, f.manager.State())
	assert.False(t, f.manager.Muted())
	assert.Equal(t, 1, f.tracker.Count())
	assert.Equal(t, 1, f.backend.joinCalls())
}

func TestJoinMutedPublishesNothing(t *testing.T) {
	f := newManagerFixture(t, nil)

	require.NoError(t, f.manager.Join(context.Background(), true, false))

	assert.True(t, f.manager.Muted())
	assert.Equal(t, 0, f.tracker.Count())
	assert.Empty(t, f.mock.Published)
}

func TestJoinContinuesMutedWhenMicrophoneUnavailable(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.mock.AudioErr = errors.New("NotFoundError: no capture device")

	require.NoError(t, f.manager.Join(context.Background(), false, false),
		"a missing microphone must not abort the join")

	assert.Equal(t, StateConnected, f.manager.State())
	assert.True(t, f.manager.Muted())
}

func TestJoinWithoutTokenClientFails(t *testing.T) {
	mock := transport.NewMock()
	mcfg := media.DefaultConfig()
	mcfg.SweepInterval = time.Hour
	tracker := media.NewTracker(mcfg)
	t.Cleanup(tracker.Shutdown)

	m := NewManager(DefaultManagerConfig("chan-1", "user-1"), mock, tracker, nil, nil, nil)
	t.Cleanup(func() { m.Close(context.Background()) })

	err := m.Join(context.Background(), false, false)
	require.Error(t, err)
	assert.Equal(t, verr.CodeConnectionFailed, verr.CodeOf(err))
}

func TestJoinRefusedWhenAllEndpointsOffline(t *testing.T) {
	mock := transport.NewMock()
	mcfg := media.DefaultConfig()
	mcfg.SweepInterval = time.Hour
	tracker := media.NewTracker(mcfg)
	t.Cleanup(tracker.Shutdown)

	backend := newTokenBackend(t)

	rcfg := endpoint.DefaultConfig()
	rcfg.ProbeRetries = 1
	registry := endpoint.NewRegistry(rcfg, []endpoint.Endpoint{
		{ID: "only", URL: "wss://only.example.com", Priority: 0},
	})
	registry.SetProber(func(context.Context, string) (time.Duration, error) {
		return 0, errors.New("refused")
	})
	registry.CheckAll()

	cfg := DefaultManagerConfig("chan-1", "user-1")
	m := NewManager(cfg, mock, tracker, token.NewClient(backend.srv.URL, "api-token"), registry, nil)
	t.Cleanup(func() { m.Close(context.Background()) })

	err := m.Join(context.Background(), false, false)
	require.Error(t, err)
	assert.Equal(t, verr.CodeServerUnreachable, verr.CodeOf(err))
	assert.Equal(t, 0, backend.joinCalls(), "no grant may be minted without a live endpoint")
}

func TestSetMutedTogglesMicrophone(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), false, false))
	require.Equal(t, 1, f.tracker.Count())

	var muteEvents []bool
	f.manager.Events().On(EventMuteChanged, func(payload interface{}) {
		muteEvents = append(muteEvents, payload.(bool))
	})

	require.NoError(t, f.manager.SetMuted(context.Background(), true))
	assert.Equal(t, 0, f.tracker.Count(), "muting releases the device instead of sending silence")

	// Setting the same value again is a no-op.
	require.NoError(t, f.manager.SetMuted(context.Background(), true))

	require.NoError(t, f.manager.SetMuted(context.Background(), false))
	assert.Equal(t, 1, f.tracker.Count())

	assert.Equal(t, []bool{true, false}, muteEvents)
}

func TestSetMutedRollsBackOnFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), true, false))

	f.mock.AudioErr = errors.New("NotAllowedError: permission denied")
	err := f.manager.SetMuted(context.Background(), false)

	require.Error(t, err)
	assert.True(t, f.manager.Muted(), "failed unmute must leave the toggle muted")
}

func TestSetDeafenedImpliesMute(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), false, false))

	require.NoError(t, f.manager.SetDeafened(context.Background(), true))

	assert.True(t, f.manager.Deafened())
	assert.True(t, f.manager.Muted())
	assert.Equal(t, 0, f.tracker.Count())
}

func TestVideoFollowsAdapterPreset(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), true, false))

	require.NoError(t, f.manager.EnableVideo(context.Background()))
	assert.Equal(t, 1, f.tracker.Count())

	require.NoError(t, f.manager.DisableVideo(context.Background()))
	assert.Equal(t, 0, f.tracker.Count())
}

func TestVideoRefusedAtCriticalTier(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), true, false))

	f.manager.Adapter().SetOffline(true)

	err := f.manager.EnableVideo(context.Background())
	require.Error(t, err)
	assert.Equal(t, verr.CodeCameraNotFound, verr.CodeOf(err))

	err = f.manager.StartScreenShare(context.Background())
	require.Error(t, err)
	assert.Equal(t, verr.CodeScreenPermissionDenied, verr.CodeOf(err))
}

func TestCriticalTierTearsDownActiveVideo(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), true, false))
	require.NoError(t, f.manager.EnableVideo(context.Background()))
	require.Equal(t, 1, f.tracker.Count())

	var tiers [][2]quality.Tier
	f.manager.Events().On(EventTierChanged, func(payload interface{}) {
		tiers = append(tiers, payload.([2]quality.Tier))
	})

	f.manager.Adapter().SetOffline(true)

	assert.Equal(t, 0, f.tracker.Count(), "the audio-only preset must stop the camera")
	require.Len(t, tiers, 1)
	assert.Equal(t, quality.TierCritical, tiers[0][1])
}

func TestRosterFollowsTransportCallbacks(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), true, false))

	f.mock.FireParticipantConnected(transport.ParticipantInfo{ID: "p1", Identity: "alice"})
	f.mock.FireParticipantConnected(transport.ParticipantInfo{ID: "p2", Identity: "bob"})
	f.mock.FireSpeakingChanged("p1", true, 0.7)

	roster := f.manager.Participants()
	require.Len(t, roster, 2)
	byID := map[string]Participant{}
	for _, p := range roster {
		byID[p.ID] = p
	}
	assert.Equal(t, "alice", byID["p1"].Name)
	assert.True(t, byID["p1"].Speaking)
	assert.InDelta(t, 0.7, byID["p1"].AudioLevel, 1e-9)
	assert.False(t, byID["p2"].Speaking)

	f.mock.FireParticipantDisconnected("p1")
	assert.Len(t, f.manager.Participants(), 1)
}

func TestAudioFramesFeedLevelMonitors(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), true, false))
	f.mock.FireParticipantConnected(transport.ParticipantInfo{ID: "p1", Identity: "alice"})

	var levels []SpeakingChange
	f.manager.Events().On(EventAudioLevelChanged, func(payload interface{}) {
		levels = append(levels, payload.(SpeakingChange))
	})

	// An empty frame is a valid keepalive: the monitor reports its last
	// measured level without decoding.
	f.mock.FireAudioFrame("p1", nil)
	f.mock.FireAudioFrame("p1", nil)

	require.Len(t, levels, 2)
	assert.Equal(t, "p1", levels[0].ParticipantID)

	f.manager.mu.Lock()
	_, found := f.manager.monitors["p1"]
	f.manager.mu.Unlock()
	assert.True(t, found, "one level monitor per remote participant")

	f.mock.FireParticipantDisconnected("p1")
	f.manager.mu.Lock()
	_, found = f.manager.monitors["p1"]
	f.manager.mu.Unlock()
	assert.False(t, found, "the monitor is dropped with its participant")
}

func TestUnexpectedDisconnectRecoversAutomatically(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), false, false))

	rejoined := make(chan struct{})
	f.manager.Events().On(EventSessionRejoined, func(interface{}) {
		select {
		case <-rejoined:
		default:
			close(rejoined)
		}
	})

	f.mock.FireDisconnected("network blip")

	select {
	case <-rejoined:
	case <-time.After(2 * time.Second):
		t.Fatal("session never rejoined after the disconnect")
	}
	require.Eventually(t, func() bool { return !f.manager.Orchestrator().IsRecovering() },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateConnected, f.manager.State())
	assert.GreaterOrEqual(t, f.mock.ConnectCalls, 2)
	assert.GreaterOrEqual(t, f.backend.joinCalls(), 2,
		"recovery must re-mint credentials rather than reuse a possibly expired token")
}

func TestRecoveryExhaustionFailsSession(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), false, false))

	failed := make(chan struct{})
	f.manager.Events().On(EventSessionFailed, func(interface{}) {
		select {
		case <-failed:
		default:
			close(failed)
		}
	})

	f.mock.ConnectErr = errors.New("connection refused")
	f.mock.FireDisconnected("network down")

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal recovery failure never surfaced")
	}
	require.Eventually(t, func() bool { return f.manager.State() == StateFailed },
		2*time.Second, 5*time.Millisecond)
}

func TestLeaveClearsSnapshotAndNotifiesBackend(t *testing.T) {
	store := recovery.NewFileStore(filepath.Join(t.TempDir(), "session.state"), []byte("pass"))
	f := newManagerFixture(t, store)
	require.NoError(t, f.manager.Join(context.Background(), false, false))

	_, err := store.Load()
	require.NoError(t, err, "join must persist a snapshot")

	require.NoError(t, f.manager.Leave(context.Background()))

	_, err = store.Load()
	assert.ErrorIs(t, err, recovery.ErrNoSnapshot)
	assert.Equal(t, 1, f.backend.leaveCalls())
	assert.Empty(t, f.manager.Participants())
}

func TestRecoverPersistedResumesToggles(t *testing.T) {
	store := recovery.NewFileStore(filepath.Join(t.TempDir(), "session.state"), []byte("pass"))

	first := newManagerFixture(t, store)
	require.NoError(t, first.manager.Join(context.Background(), false, false))
	require.NoError(t, first.manager.EnableVideo(context.Background()))
	require.NoError(t, first.manager.Close(context.Background()))

	second := newManagerFixture(t, store)
	require.NoError(t, second.manager.RecoverPersisted(context.Background()))

	assert.Equal(t, StateConnected, second.manager.State())
	assert.False(t, second.manager.Muted())
	assert.Equal(t, 2, second.tracker.Count(), "microphone and camera are both restored")
}

func TestRecoverPersistedRejectsForeignChannel(t *testing.T) {
	store := recovery.NewFileStore(filepath.Join(t.TempDir(), "session.state"), []byte("pass"))
	require.NoError(t, store.Save(recovery.Snapshot{ChannelID: "someone-elses-channel"}))

	f := newManagerFixture(t, store)
	err := f.manager.RecoverPersisted(context.Background())

	assert.ErrorIs(t, err, recovery.ErrNoSnapshot)
	assert.Equal(t, StateDisconnected, f.manager.State())
}

func TestRecoverPersistedWithoutStore(t *testing.T) {
	f := newManagerFixture(t, nil)
	err := f.manager.RecoverPersisted(context.Background())
	assert.ErrorIs(t, err, recovery.ErrNoSnapshot)
}

func TestNetworkChangedPinsAdapterOffline(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.manager.Join(context.Background(), true, false))

	f.manager.NetworkChanged("wifi", false)
	assert.Equal(t, quality.TierCritical, f.manager.Adapter().CurrentTier())

	f.manager.NetworkChanged("wifi", true)
	require.Eventually(t, func() bool { return !f.manager.Orchestrator().IsRecovering() },
		2*time.Second, 5*time.Millisecond)
}
