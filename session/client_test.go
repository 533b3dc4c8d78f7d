package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicecore/media"
	"github.com/opd-ai/voicecore/quality"
	"github.com/opd-ai/voicecore/transport"
	"github.com/opd-ai/voicecore/verr"
)

func newTestClient(t *testing.T) (*Client, *transport.Mock, *media.Tracker) {
	t.Helper()
	mock := transport.NewMock()
	cfg := media.DefaultConfig()
	cfg.SweepInterval = time.Hour
	tracker := media.NewTracker(cfg)
	t.Cleanup(tracker.Shutdown)

	clientCfg := DefaultClientConfig("chan-1", "user-1")
	clientCfg.HealthCheckInterval = 0 // enabled per test
	c := NewClient(clientCfg, mock, tracker)
	t.Cleanup(func() { c.stopHealthCheck() })
	return c, mock, tracker
}

func connectClient(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), "wss://media.example.com", "tok"))
	require.Equal(t, StateConnected, c.CurrentState())
}

func TestConnectWalksStateMachine(t *testing.T) {
	c, mock, _ := newTestClient(t)

	var changes []StateChange
	c.Events().On(EventStatusChanged, func(payload interface{}) {
		changes = append(changes, payload.(StateChange))
	})

	connectClient(t, c)

	require.Len(t, changes, 2)
	assert.Equal(t, StateChange{Old: StateDisconnected, New: StateConnecting}, changes[0])
	assert.Equal(t, StateChange{Old: StateConnecting, New: StateConnected}, changes[1])
	assert.Equal(t, "wss://media.example.com", mock.ConnectedURL)
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)

	require.NoError(t, c.Connect(context.Background(), "wss://other.example.com", "tok2"))

	assert.Equal(t, 1, mock.ConnectCalls, "a connected session must not redial")
	assert.Equal(t, StateConnected, c.CurrentState())
	assert.Equal(t, "wss://media.example.com", mock.ConnectedURL)
}

func TestConnectFailureClassifiesAndReturnsToDisconnected(t *testing.T) {
	c, mock, _ := newTestClient(t)
	mock.ConnectErr = errors.New("server returned 401 unauthorized")

	var errs []*verr.Error
	c.Events().On(EventError, func(payload interface{}) {
		errs = append(errs, payload.(*verr.Error))
	})

	err := c.Connect(context.Background(), "wss://media.example.com", "tok")

	require.Error(t, err)
	assert.Equal(t, verr.CodeAuthenticationFailed, verr.CodeOf(err))
	assert.Equal(t, StateDisconnected, c.CurrentState())
	require.Len(t, errs, 1)
	assert.Equal(t, verr.CodeAuthenticationFailed, errs[0].Code)
}

func TestEnableMicrophoneRegistersHandle(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)

	require.NoError(t, c.EnableMicrophone(context.Background()))

	assert.Equal(t, 1, tracker.Count())
	require.Len(t, mock.Published, 1)
	assert.Equal(t, transport.TrackKindAudio, mock.Published[0].Kind())

	// Re-enabling while active is a no-op.
	require.NoError(t, c.EnableMicrophone(context.Background()))
	assert.Len(t, mock.Published, 1)
}

func TestEnableMicrophoneDeviceDenied(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)
	mock.AudioErr = errors.New("NotAllowedError: permission denied")

	err := c.EnableMicrophone(context.Background())

	require.Error(t, err)
	assert.Equal(t, verr.CodeMicPermissionDenied, verr.CodeOf(err))
	assert.Equal(t, 0, tracker.Count())
}

func TestEnableMicrophonePublishFailure(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)
	mock.PublishErr = errors.New("publish rejected")

	err := c.EnableMicrophone(context.Background())

	require.Error(t, err)
	assert.Equal(t, verr.CodeTrackPublishFailed, verr.CodeOf(err))
	assert.Equal(t, 0, tracker.Count(), "failed publish must not leave a tracked handle")
}

func TestEnableMicrophoneInstallsCaptureProcessor(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)

	require.NoError(t, c.EnableMicrophone(context.Background()))

	track := mock.Published[0].(*transport.MockTrack)
	require.NotNil(t, track.Processor, "the microphone track must carry the processing chain")
	assert.Equal(t, transport.SourceProcessed, track.Source())

	// A DC-offset frame is not speech: the DC blocker and the closed
	// noise gate must pull it far below the raw capture level.
	frame := make([]int16, 480)
	for i := range frame {
		frame[i] = 2000
	}
	out := track.Feed(frame)
	require.Len(t, out, len(frame))
	peak := 0
	for _, s := range out {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	assert.Less(t, peak, 500)
}

func TestDisableMicrophoneClearsCaptureProcessor(t *testing.T) {
	c, _, _ := newTestClient(t)
	connectClient(t, c)
	require.NoError(t, c.EnableMicrophone(context.Background()))
	require.NotNil(t, c.micPipeline)

	require.NoError(t, c.DisableMicrophone(context.Background()))
	assert.Nil(t, c.micPipeline)
}

func TestDisableMicrophoneReleasesHandle(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)
	require.NoError(t, c.EnableMicrophone(context.Background()))
	trackID := mock.Published[0].ID()

	require.NoError(t, c.DisableMicrophone(context.Background()))

	assert.Equal(t, 0, tracker.Count())
	assert.Contains(t, mock.Unpublished, trackID)
	assert.True(t, mock.Published[0].(*transport.MockTrack).IsStopped())

	// Disabling again is a no-op.
	require.NoError(t, c.DisableMicrophone(context.Background()))
}

func TestCameraLifecycle(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)

	preset := quality.PresetFor(quality.TierGood).Video
	require.NoError(t, c.EnableCamera(context.Background(), preset))
	assert.Equal(t, 1, tracker.Count())

	require.NoError(t, c.DisableCamera(context.Background()))
	assert.Equal(t, 0, tracker.Count())
	assert.True(t, mock.Published[0].(*transport.MockTrack).IsStopped())
}

func TestScreenShareLifecycle(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)

	require.NoError(t, c.StartScreenShare(context.Background()))
	assert.Equal(t, 1, tracker.Count())
	require.Len(t, mock.Published, 1)

	require.NoError(t, c.StopScreenShare(context.Background()))
	assert.Equal(t, 0, tracker.Count())
}

func TestScreenSharePublishFailureStopsUnpublishedTracks(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)
	mock.ScreenTracks = 3
	mock.PublishErr = errors.New("publish rejected")
	mock.PublishErrOnCall = 2

	err := c.StartScreenShare(context.Background())

	require.Error(t, err)
	assert.Equal(t, verr.CodeTrackPublishFailed, verr.CodeOf(err))
	assert.Equal(t, 0, tracker.Count())
	require.Len(t, mock.Created, 3)
	for _, tr := range mock.Created {
		assert.True(t, tr.(*transport.MockTrack).IsStopped(),
			"every screen capture device must be released on rollback")
	}
}

func TestDisconnectReleasesEverything(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)
	require.NoError(t, c.EnableMicrophone(context.Background()))
	require.NoError(t, c.StartScreenShare(context.Background()))
	require.Equal(t, 2, tracker.Count())

	require.NoError(t, c.Disconnect(context.Background()))

	assert.Equal(t, StateDisconnected, c.CurrentState())
	assert.Equal(t, 0, tracker.Count())
	assert.Equal(t, 1, mock.DisconnectCalls)
}

func TestRequestedDisconnectSuppressesRecoverySignal(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)

	fired := 0
	c.Events().On(EventDisconnected, func(payload interface{}) { fired++ })

	require.NoError(t, c.Disconnect(context.Background()))
	mock.FireDisconnected("late SDK callback")

	assert.Equal(t, 0, fired, "a requested disconnect must not look like a failure")
}

func TestUnexpectedDisconnectMovesToReconnecting(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)

	var reasons []string
	c.Events().On(EventDisconnected, func(payload interface{}) {
		reasons = append(reasons, payload.(string))
	})

	mock.FireDisconnected("network down")

	assert.Equal(t, StateReconnecting, c.CurrentState())
	assert.Equal(t, []string{"network down"}, reasons)
}

func TestMarkFailedAndReset(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)
	mock.FireDisconnected("network down")
	require.Equal(t, StateReconnecting, c.CurrentState())

	c.MarkFailed()
	assert.Equal(t, StateFailed, c.CurrentState())

	c.ResetFailed()
	assert.Equal(t, StateDisconnected, c.CurrentState())
}

func TestReconnectRequiresPriorConnect(t *testing.T) {
	c, _, _ := newTestClient(t)

	err := c.Reconnect(context.Background())
	require.Error(t, err)
	assert.Equal(t, verr.CodeConnectionFailed, verr.CodeOf(err))
}

func TestReconnectRedialsLastCredentials(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)
	mock.FireDisconnected("network down")
	require.Equal(t, StateReconnecting, c.CurrentState())

	require.NoError(t, c.Reconnect(context.Background()))

	assert.Equal(t, StateConnected, c.CurrentState())
	assert.Equal(t, 2, mock.ConnectCalls)
}

func TestSetDegradedTogglesTracks(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)
	require.NoError(t, c.EnableMicrophone(context.Background()))
	track := mock.Published[0].(*transport.MockTrack)

	c.SetDegraded(true)
	assert.True(t, track.Degraded)

	c.SetDegraded(false)
	assert.False(t, track.Degraded)
}

func TestApplyPresetUpdatesCameraEncoding(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)
	require.NoError(t, c.EnableCamera(context.Background(), quality.PresetFor(quality.TierExcellent).Video))
	track := mock.Published[0].(*transport.MockTrack)

	c.ApplyPreset(context.Background(), quality.PresetFor(quality.TierPoor))

	poor := quality.PresetFor(quality.TierPoor).Video
	assert.Equal(t, poor.BitrateKbps, track.Encoding.MaxBitrateKbps)
	assert.Equal(t, poor.Width, track.Encoding.Width)
}

func TestApplyCriticalPresetTearsDownVideo(t *testing.T) {
	c, mock, tracker := newTestClient(t)
	connectClient(t, c)
	require.NoError(t, c.EnableCamera(context.Background(), quality.PresetFor(quality.TierGood).Video))
	require.NoError(t, c.StartScreenShare(context.Background()))
	require.Equal(t, 2, tracker.Count())

	c.ApplyPreset(context.Background(), quality.PresetFor(quality.TierCritical))

	assert.Equal(t, 0, tracker.Count(), "the audio-only preset must stop camera and screen capture")
	for _, tr := range mock.Published {
		assert.True(t, tr.(*transport.MockTrack).IsStopped())
	}
}

func TestHealthCheckFailureForcesDisconnectTransition(t *testing.T) {
	mock := transport.NewMock()
	cfg := media.DefaultConfig()
	cfg.SweepInterval = time.Hour
	tracker := media.NewTracker(cfg)
	t.Cleanup(tracker.Shutdown)

	clientCfg := DefaultClientConfig("chan-1", "user-1")
	clientCfg.HealthCheckInterval = 5 * time.Millisecond
	c := NewClient(clientCfg, mock, tracker)
	t.Cleanup(func() { c.stopHealthCheck() })

	connectClient(t, c)

	disconnected := make(chan struct{})
	c.Events().On(EventDisconnected, func(payload interface{}) {
		select {
		case <-disconnected:
		default:
			close(disconnected)
		}
	})

	mock.PingErr = errors.New("socket is dead")

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("health check never forced the disconnect transition")
	}
	assert.Equal(t, StateReconnecting, c.CurrentState())
}

func TestParticipantEventsAreForwarded(t *testing.T) {
	c, mock, _ := newTestClient(t)
	connectClient(t, c)

	var joined []transport.ParticipantInfo
	var left []string
	var speaking []SpeakingChange
	c.Events().On(EventParticipantJoined, func(p interface{}) {
		joined = append(joined, p.(transport.ParticipantInfo))
	})
	c.Events().On(EventParticipantLeft, func(p interface{}) {
		left = append(left, p.(string))
	})
	c.Events().On(EventSpeakingChanged, func(p interface{}) {
		speaking = append(speaking, p.(SpeakingChange))
	})

	mock.FireParticipantConnected(transport.ParticipantInfo{ID: "p1", Identity: "alice"})
	mock.FireSpeakingChanged("p1", true, 0.8)
	mock.FireParticipantDisconnected("p1")

	require.Len(t, joined, 1)
	assert.Equal(t, "alice", joined[0].Identity)
	require.Len(t, speaking, 1)
	assert.True(t, speaking[0].Speaking)
	assert.Equal(t, []string{"p1"}, left)
}
