// Package session implements the per-channel session core: a
// crash-isolated client over the media transport SDK with a connection
// state machine, and the manager that orchestrates media toggles,
// participant roster, telemetry, and recovery around it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/event"
	"github.com/opd-ai/voicecore/media"
	"github.com/opd-ai/voicecore/quality"
	"github.com/opd-ai/voicecore/transport"
	"github.com/opd-ai/voicecore/verr"
)

// State is one state of the session connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed is terminal: reached only when retries are exhausted
	// and the caller does not request further retry.
	StateFailed State = "failed"
)

// State machine event names.
const (
	evConnect    = "connect"
	evEstablish  = "establish"
	evDrop       = "drop"
	evDisconnect = "disconnect"
	evFail       = "fail"
	evReset      = "reset"
)

// Event names emitted by the client.
const (
	EventStatusChanged      = "stateChanged"
	EventError              = "error"
	EventParticipantJoined  = "participantJoined"
	EventParticipantLeft    = "participantLeft"
	EventParticipantUpdated = "participantUpdated"
	EventSpeakingChanged    = "speakingChanged"
	EventAudioLevelChanged  = "audioLevelChanged"
	EventQualityChanged     = "qualityChanged"
	EventDisconnected       = "disconnected"
	EventAudioFrame         = "audioFrame"
)

// StateChange is the payload of EventStatusChanged.
type StateChange struct {
	Old State
	New State
}

// SpeakingChange is the payload of EventSpeakingChanged.
type SpeakingChange struct {
	ParticipantID string
	Speaking      bool
	Level         float64
}

// QualityChange is the payload of EventQualityChanged.
type QualityChange struct {
	ParticipantID string
	Quality       string
}

// AudioFrame is the payload of EventAudioFrame: one encoded frame
// received from a remote participant.
type AudioFrame struct {
	ParticipantID string
	Frame         []byte
}

// ClientConfig configures one session client.
type ClientConfig struct {
	ChannelID string
	UserID    string

	// MaxRetries is the retry budget reported on surfaced errors; the
	// recovery orchestrator owns the actual retry loop.
	MaxRetries int

	// HealthCheckInterval is the period of the liveness probe. Zero
	// disables the probe.
	HealthCheckInterval time.Duration

	// ConnectTimeout bounds one transport connect.
	ConnectTimeout time.Duration

	// Ownership tags handles the client registers with the tracker.
	Ownership media.Ownership

	// Audio configures the capture processing chain installed on the
	// microphone track.
	Audio audio.PipelineConfig
}

// DefaultClientConfig returns standard client parameters.
func DefaultClientConfig(channelID, userID string) ClientConfig {
	return ClientConfig{
		ChannelID:           channelID,
		UserID:              userID,
		MaxRetries:          5,
		HealthCheckInterval: 10 * time.Second,
		ConnectTimeout:      15 * time.Second,
		Ownership:           media.OwnershipExclusive,
		Audio:               audio.DefaultPipelineConfig(),
	}
}

// Client wraps the media transport SDK behind the session state machine.
//
// States move Disconnected → Connecting → Connected ⇄ Reconnecting →
// Disconnected, with terminal Failed once retries are exhausted.
// Transitions are driven exclusively by SDK callbacks and local
// connect/disconnect calls, never polled. All events are emitted
// synchronously, in emission order, to every registered listener.
type Client struct {
	mu sync.Mutex

	config  ClientConfig
	rt      transport.RoomTransport
	tracker *media.Tracker
	events  *event.Emitter
	machine *fsm.FSM

	sessionID string

	// Track handle ids; the tracker owns the handles themselves.
	micHandle     string
	cameraHandle  string
	screenHandles []string

	// micPipeline processes captured microphone frames while the mic
	// handle is active.
	micPipeline *audio.Pipeline

	// lastURL and lastToken allow the recovery orchestrator to redial
	// without re-minting credentials when the token is still valid.
	lastURL   string
	lastToken string

	degraded       bool
	wantDisconnect bool

	healthStop chan struct{}
	healthOn   bool
	wg         sync.WaitGroup
}

// NewClient creates a session client over the given transport and
// resource tracker. The client registers itself as the transport's
// event handler.
func NewClient(config ClientConfig, rt transport.RoomTransport, tracker *media.Tracker) *Client {
	c := &Client{
		config:    config,
		rt:        rt,
		tracker:   tracker,
		events:    event.NewEmitter(),
		sessionID: uuid.NewString(),
	}
	c.machine = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: evEstablish, Src: []string{string(StateConnecting), string(StateReconnecting)}, Dst: string(StateConnected)},
			{Name: evDrop, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: evDisconnect, Src: []string{string(StateConnecting), string(StateConnected), string(StateReconnecting), string(StateFailed)}, Dst: string(StateDisconnected)},
			{Name: evFail, Src: []string{string(StateConnecting), string(StateReconnecting)}, Dst: string(StateFailed)},
			{Name: evReset, Src: []string{string(StateFailed)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					c.events.Emit(EventStatusChanged, StateChange{Old: State(e.Src), New: State(e.Dst)})
				}
			},
		},
	)
	rt.SetHandler(c)

	logrus.WithFields(logrus.Fields{
		"function":   "NewClient",
		"session_id": c.sessionID,
		"channel_id": config.ChannelID,
		"user_id":    config.UserID,
	}).Info("Creating session client")

	return c
}

// ID returns the session identifier.
func (c *Client) ID() string {
	return c.sessionID
}

// Events exposes the client's event registry.
func (c *Client) Events() *event.Emitter {
	return c.events
}

// CurrentState returns the state machine's current state.
func (c *Client) CurrentState() State {
	return State(c.machine.Current())
}

// fire drives one state machine event, tolerating transitions that are
// no-ops for the current state. SDK callbacks can race local calls, so
// an impossible transition is logged, not fatal.
func (c *Client) fire(name string) {
	if err := c.machine.Event(context.Background(), name); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.fire",
			"event":    name,
			"state":    c.machine.Current(),
			"error":    err.Error(),
		}).Debug("State machine event not applicable")
	}
}

// Connect joins the channel at url using token.
//
// Failure is classified into the error taxonomy: authentication
// failures are never retried, network and connection failures are
// handed to the recovery orchestrator by the manager.
func (c *Client) Connect(ctx context.Context, url, token string) error {
	if c.CurrentState() == StateConnected {
		logrus.WithFields(logrus.Fields{
			"function":   "Client.Connect",
			"session_id": c.sessionID,
			"channel":    c.config.ChannelID,
		}).Debug("Connect ignored, session already connected")
		return nil
	}

	c.mu.Lock()
	c.wantDisconnect = false
	c.lastURL, c.lastToken = url, token
	c.mu.Unlock()

	c.fire(evConnect)

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	err := c.rt.Connect(ctx, url, token, transport.ConnectOptions{
		ChannelID:     c.config.ChannelID,
		UserID:        c.config.UserID,
		AutoSubscribe: true,
		Timeout:       c.config.ConnectTimeout,
	})
	if err != nil {
		classified := verr.ClassifyConnection(err).WithRetry(0, c.config.MaxRetries)
		c.fire(evDisconnect)
		c.events.Emit(EventError, classified)
		logrus.WithFields(logrus.Fields{
			"function": "Client.Connect",
			"channel":  c.config.ChannelID,
			"code":     classified.Code,
			"error":    err.Error(),
		}).Error("Session connect failed")
		return classified
	}

	c.fire(evEstablish)
	c.startHealthCheck()

	logrus.WithFields(logrus.Fields{
		"function":   "Client.Connect",
		"session_id": c.sessionID,
		"channel":    c.config.ChannelID,
	}).Info("Session connected")
	return nil
}

// Reconnect redials with the credentials of the last successful
// Connect. Used by the recovery orchestrator; the state machine is
// expected to be in Reconnecting.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	url, tok := c.lastURL, c.lastToken
	c.mu.Unlock()
	if url == "" {
		return verr.New(verr.CodeConnectionFailed, "no previous connection to recover", nil)
	}

	err := c.rt.Connect(ctx, url, tok, transport.ConnectOptions{
		ChannelID:     c.config.ChannelID,
		UserID:        c.config.UserID,
		AutoSubscribe: true,
		Timeout:       c.config.ConnectTimeout,
	})
	if err != nil {
		return verr.ClassifyConnection(err)
	}

	c.fire(evEstablish)
	c.startHealthCheck()

	// Filter state from before the drop does not apply to the fresh
	// capture stream.
	c.mu.Lock()
	pipeline := c.micPipeline
	c.mu.Unlock()
	if pipeline != nil {
		pipeline.Reset()
	}
	return nil
}

// SetCredentials swaps the redial target, used after failover selects a
// different endpoint or a fresh token is minted.
func (c *Client) SetCredentials(url, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastURL, c.lastToken = url, token
}

// Disconnect leaves the channel and releases every exclusive handle the
// session holds. Disconnect supersedes any in-flight recovery; the
// manager cancels the orchestrator before calling here.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.wantDisconnect = true
	c.mu.Unlock()

	c.stopHealthCheck()

	err := c.rt.Disconnect(ctx)
	c.tracker.ReleaseSession(c.sessionID)

	c.mu.Lock()
	c.micHandle = ""
	c.micPipeline = nil
	c.cameraHandle = ""
	c.screenHandles = nil
	c.mu.Unlock()

	c.fire(evDisconnect)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Disconnect",
			"error":    err.Error(),
		}).Warn("Transport disconnect reported error")
		return verr.Reclassify(err)
	}
	return nil
}

// MarkFailed moves the state machine to the terminal Failed state.
// Called when the recovery orchestrator exhausts its budget.
func (c *Client) MarkFailed() {
	c.stopHealthCheck()
	c.fire(evFail)
}

// ResetFailed returns a Failed client to Disconnected so a caller can
// explicitly try again.
func (c *Client) ResetFailed() {
	c.fire(evReset)
}

// EnableMicrophone acquires the microphone, publishes its track, and
// hands the handle to the resource tracker. Idempotent while active.
func (c *Client) EnableMicrophone(ctx context.Context) error {
	c.mu.Lock()
	if c.micHandle != "" {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	track, err := c.rt.CreateAudioTrack(ctx)
	if err != nil {
		classified := verr.ClassifyDevice(verr.DeviceMicrophone, err)
		c.events.Emit(EventError, classified)
		return classified
	}

	pipeline, err := audio.NewPipeline(c.config.Audio)
	if err != nil {
		_ = track.Stop()
		c.events.Emit(EventError, err)
		return err
	}
	if err := track.SetProcessor(func(samples []int16) []int16 {
		out, _, perr := pipeline.ProcessFrame(samples)
		if perr != nil {
			return samples
		}
		return out
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.EnableMicrophone",
			"error":    err.Error(),
		}).Warn("Capture processor install failed, publishing raw audio")
	}

	handleID, err := c.publishTrack(ctx, track)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.micHandle = handleID
	c.micPipeline = pipeline
	c.mu.Unlock()
	return nil
}

// DisableMicrophone unpublishes and releases the microphone track.
func (c *Client) DisableMicrophone(ctx context.Context) error {
	c.mu.Lock()
	handleID := c.micHandle
	c.micHandle = ""
	c.micPipeline = nil
	c.mu.Unlock()
	return c.releaseHandle(ctx, handleID)
}

// EnableCamera acquires the camera at the preset's capture parameters,
// publishes it, and hands the handle to the tracker.
func (c *Client) EnableCamera(ctx context.Context, preset quality.VideoPreset) error {
	c.mu.Lock()
	if c.cameraHandle != "" {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	track, err := c.rt.CreateVideoTrack(ctx, transport.EncodingParams{
		Width:          preset.Width,
		Height:         preset.Height,
		Framerate:      preset.Framerate,
		MaxBitrateKbps: preset.BitrateKbps,
	})
	if err != nil {
		classified := verr.ClassifyDevice(verr.DeviceCamera, err)
		c.events.Emit(EventError, classified)
		return classified
	}
	handleID, err := c.publishTrack(ctx, track)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cameraHandle = handleID
	c.mu.Unlock()
	return nil
}

// DisableCamera unpublishes and releases the camera track.
func (c *Client) DisableCamera(ctx context.Context) error {
	c.mu.Lock()
	handleID := c.cameraHandle
	c.cameraHandle = ""
	c.mu.Unlock()
	return c.releaseHandle(ctx, handleID)
}

// StartScreenShare begins screen capture. Platforms may return multiple
// tracks (video plus system audio); all are published and tracked.
func (c *Client) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if len(c.screenHandles) > 0 {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	tracks, err := c.rt.CreateScreenTracks(ctx)
	if err != nil {
		classified := verr.ClassifyDevice(verr.DeviceScreen, err)
		c.events.Emit(EventError, classified)
		return classified
	}

	var handles []string
	for i, track := range tracks {
		handleID, err := c.publishTrack(ctx, track)
		if err != nil {
			// Roll back the tracks already published for this share, and
			// stop the not-yet-published ones still holding their capture
			// devices.
			for _, h := range handles {
				_ = c.releaseHandle(ctx, h)
			}
			for _, unpublished := range tracks[i+1:] {
				_ = unpublished.Stop()
			}
			return err
		}
		handles = append(handles, handleID)
	}

	c.mu.Lock()
	c.screenHandles = handles
	c.mu.Unlock()
	return nil
}

// StopScreenShare unpublishes and releases all screen tracks.
func (c *Client) StopScreenShare(ctx context.Context) error {
	c.mu.Lock()
	handles := c.screenHandles
	c.screenHandles = nil
	c.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := c.releaseHandle(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// publishTrack publishes a freshly created track and registers it with
// the tracker, returning the handle id. On publish failure the track is
// stopped so the device is not left open.
func (c *Client) publishTrack(ctx context.Context, track transport.LocalTrack) (string, error) {
	if err := c.rt.PublishTrack(ctx, track); err != nil {
		_ = track.Stop()
		classified := verr.New(verr.CodeTrackPublishFailed, "track publish failed", err)
		c.events.Emit(EventError, classified)
		return "", classified
	}
	handle := c.tracker.Register(track, c.sessionID, c.config.Ownership)
	return handle.ID, nil
}

// releaseHandle unpublishes a handle's track and releases it. Unknown
// or already released handles are a no-op.
func (c *Client) releaseHandle(ctx context.Context, handleID string) error {
	if handleID == "" {
		return nil
	}
	handle := c.tracker.Lookup(handleID)
	if handle == nil {
		return nil
	}
	if err := c.rt.UnpublishTrack(ctx, handle.Track().ID()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Client.releaseHandle",
			"handle_id": handleID,
			"error":     err.Error(),
		}).Warn("Track unpublish failed, releasing anyway")
	}
	c.tracker.Release(handleID)
	return nil
}

// SetDegraded attaches (true) or removes (false) the downgrading media
// processor on every active local track. This is the soft adaptation
// path: it operates on already-published tracks without renegotiation,
// distinct from the bandwidth adapter's preset swap.
func (c *Client) SetDegraded(degraded bool) {
	c.mu.Lock()
	if c.degraded == degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = degraded
	handleIDs := c.activeHandleIDsLocked()
	c.mu.Unlock()

	for _, id := range handleIDs {
		if handle := c.tracker.Lookup(id); handle != nil {
			if err := handle.Track().SetDegraded(degraded); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Client.SetDegraded",
					"handle_id": id,
					"degraded":  degraded,
					"error":     err.Error(),
				}).Warn("Media processor toggle failed")
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.SetDegraded",
		"degraded": degraded,
		"tracks":   len(handleIDs),
	}).Info("Soft quality adaptation applied")
}

// ApplyPreset pushes a preset's encode parameters onto the published
// tracks. Video and screen capture are torn down when the preset
// disables them.
func (c *Client) ApplyPreset(ctx context.Context, preset quality.Preset) {
	c.mu.Lock()
	cameraID := c.cameraHandle
	screenIDs := append([]string(nil), c.screenHandles...)
	c.mu.Unlock()

	if cameraID != "" {
		if !preset.Video.Enabled {
			_ = c.DisableCamera(ctx)
		} else if handle := c.tracker.Lookup(cameraID); handle != nil {
			_ = handle.Track().ApplyEncoding(transport.EncodingParams{
				Width:          preset.Video.Width,
				Height:         preset.Video.Height,
				Framerate:      preset.Video.Framerate,
				MaxBitrateKbps: preset.Video.BitrateKbps,
			})
			c.tracker.Touch(cameraID)
		}
	}

	if len(screenIDs) > 0 {
		if !preset.Screen.Enabled {
			_ = c.StopScreenShare(ctx)
		} else {
			for _, id := range screenIDs {
				if handle := c.tracker.Lookup(id); handle != nil {
					_ = handle.Track().ApplyEncoding(transport.EncodingParams{
						Width:          preset.Screen.Width,
						Height:         preset.Screen.Height,
						MaxBitrateKbps: preset.Screen.BitrateKbps,
					})
					c.tracker.Touch(id)
				}
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.ApplyPreset",
		"tier":     preset.Tier.String(),
	}).Info("Adaptation preset applied")
}

// startHealthCheck launches the periodic transport liveness probe. Some
// transports hold a dead socket open without signaling it; a failed
// probe forces the unexpected-disconnect transition the SDK never sent.
func (c *Client) startHealthCheck() {
	if c.config.HealthCheckInterval <= 0 {
		return
	}
	c.mu.Lock()
	if c.healthOn {
		c.mu.Unlock()
		return
	}
	c.healthOn = true
	c.healthStop = make(chan struct{})
	stop := c.healthStop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.probe()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Client) stopHealthCheck() {
	c.mu.Lock()
	if !c.healthOn {
		c.mu.Unlock()
		return
	}
	c.healthOn = false
	close(c.healthStop)
	c.mu.Unlock()
	c.wg.Wait()
}

// probe runs one liveness check.
func (c *Client) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := c.rt.Ping(ctx)
	cancel()
	if err == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.probe",
		"error":    err.Error(),
	}).Warn("Health probe failed, forcing disconnect transition")

	if c.CurrentState() == StateConnected {
		c.fire(evDrop)
		c.events.Emit(EventDisconnected, "health check failed")
	}
}

// OnConnectionStateChanged implements transport.Handler.
func (c *Client) OnConnectionStateChanged(state transport.ConnectionState) {
	switch state {
	case transport.StateReconnecting:
		c.fire(evDrop)
	case transport.StateConnected:
		c.fire(evEstablish)
	}
}

// OnDisconnected implements transport.Handler. An SDK disconnect that
// was not requested locally moves the machine to Reconnecting and
// notifies the recovery path.
func (c *Client) OnDisconnected(reason string) {
	c.mu.Lock()
	wanted := c.wantDisconnect
	c.mu.Unlock()
	if wanted {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.OnDisconnected",
		"reason":   reason,
	}).Warn("Unexpected transport disconnect")

	c.fire(evDrop)
	c.events.Emit(EventDisconnected, reason)
}

// OnParticipantConnected implements transport.Handler.
func (c *Client) OnParticipantConnected(info transport.ParticipantInfo) {
	c.events.Emit(EventParticipantJoined, info)
}

// OnParticipantDisconnected implements transport.Handler.
func (c *Client) OnParticipantDisconnected(participantID string) {
	c.events.Emit(EventParticipantLeft, participantID)
}

// OnTrackPublished implements transport.Handler.
func (c *Client) OnTrackPublished(info transport.TrackInfo) {
	c.events.Emit(EventParticipantUpdated, info)
}

// OnTrackUnpublished implements transport.Handler.
func (c *Client) OnTrackUnpublished(trackID string) {
	c.events.Emit(EventParticipantUpdated, trackID)
}

// OnSpeakingChanged implements transport.Handler.
func (c *Client) OnSpeakingChanged(participantID string, speaking bool, level float64) {
	c.events.Emit(EventSpeakingChanged, SpeakingChange{
		ParticipantID: participantID,
		Speaking:      speaking,
		Level:         level,
	})
	c.events.Emit(EventAudioLevelChanged, SpeakingChange{
		ParticipantID: participantID,
		Speaking:      speaking,
		Level:         level,
	})
}

// OnAudioFrame implements transport.Handler. Frames are forwarded to
// the manager's level monitors via the event registry.
func (c *Client) OnAudioFrame(participantID string, frame []byte) {
	c.events.Emit(EventAudioFrame, AudioFrame{ParticipantID: participantID, Frame: frame})
}

// OnConnectionQualityChanged implements transport.Handler.
func (c *Client) OnConnectionQualityChanged(participantID string, q string) {
	c.events.Emit(EventQualityChanged, QualityChange{ParticipantID: participantID, Quality: q})
}

// activeHandleIDsLocked returns every handle id the session holds.
func (c *Client) activeHandleIDsLocked() []string {
	var ids []string
	if c.micHandle != "" {
		ids = append(ids, c.micHandle)
	}
	if c.cameraHandle != "" {
		ids = append(ids, c.cameraHandle)
	}
	ids = append(ids, c.screenHandles...)
	return ids
}
