package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock implements RoomTransport for testing.
//
// Every operation records its invocation and can be made to fail by
// setting the corresponding error field. Handler events are fired from
// test code via the Fire* helpers, which dispatch synchronously the way
// a real SDK event loop would.
type Mock struct {
	mu sync.Mutex

	handler Handler

	ConnectErr    error
	DisconnectErr error
	AudioErr      error
	VideoErr      error
	ScreenErr     error
	PublishErr    error
	UnpublishErr  error
	PingErr       error
	StatsErr      error

	StatsValue Stats

	// PublishErrOnCall makes PublishErr apply only to the Nth PublishTrack
	// call (1-based). Zero means PublishErr applies to every call.
	PublishErrOnCall int

	// ScreenTracks is how many tracks CreateScreenTracks returns. Zero
	// means one, the video-only platform case.
	ScreenTracks int

	ConnectCalls    int
	DisconnectCalls int
	PingCalls       int
	PublishCalls    int

	ConnectedURL   string
	ConnectedToken string
	Created        []LocalTrack
	Published      []LocalTrack
	Unpublished    []string

	nextTrack int
}

// NewMock creates a mock transport with no failures configured.
func NewMock() *Mock {
	return &Mock{}
}

// SetHandler implements RoomTransport.
func (m *Mock) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Connect implements RoomTransport.
func (m *Mock) Connect(_ context.Context, url, token string, _ ConnectOptions) error {
	m.mu.Lock()
	m.ConnectCalls++
	err := m.ConnectErr
	if err == nil {
		m.ConnectedURL = url
		m.ConnectedToken = token
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.FireConnectionState(StateConnected)
	return nil
}

// Disconnect implements RoomTransport.
func (m *Mock) Disconnect(_ context.Context) error {
	m.mu.Lock()
	m.DisconnectCalls++
	err := m.DisconnectErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.FireConnectionState(StateDisconnected)
	return nil
}

// CreateAudioTrack implements RoomTransport.
func (m *Mock) CreateAudioTrack(_ context.Context) (LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AudioErr != nil {
		return nil, m.AudioErr
	}
	return m.newTrackLocked(TrackKindAudio, SourceMicrophone), nil
}

// CreateVideoTrack implements RoomTransport.
func (m *Mock) CreateVideoTrack(_ context.Context, _ EncodingParams) (LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.VideoErr != nil {
		return nil, m.VideoErr
	}
	return m.newTrackLocked(TrackKindVideo, SourceCamera), nil
}

// CreateScreenTracks implements RoomTransport.
func (m *Mock) CreateScreenTracks(_ context.Context) ([]LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ScreenErr != nil {
		return nil, m.ScreenErr
	}
	count := m.ScreenTracks
	if count == 0 {
		count = 1
	}
	tracks := make([]LocalTrack, count)
	for i := range tracks {
		tracks[i] = m.newTrackLocked(TrackKindScreen, SourceScreen)
	}
	return tracks, nil
}

// PublishTrack implements RoomTransport.
func (m *Mock) PublishTrack(_ context.Context, track LocalTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls++
	if m.PublishErr != nil && (m.PublishErrOnCall == 0 || m.PublishErrOnCall == m.PublishCalls) {
		return m.PublishErr
	}
	m.Published = append(m.Published, track)
	return nil
}

// UnpublishTrack implements RoomTransport.
func (m *Mock) UnpublishTrack(_ context.Context, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UnpublishErr != nil {
		return m.UnpublishErr
	}
	m.Unpublished = append(m.Unpublished, trackID)
	return nil
}

// Ping implements RoomTransport.
func (m *Mock) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingCalls++
	return m.PingErr
}

// Stats implements RoomTransport.
func (m *Mock) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatsErr != nil {
		return Stats{}, m.StatsErr
	}
	s := m.StatsValue
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return s, nil
}

func (m *Mock) newTrackLocked(kind TrackKind, source TrackSource) *MockTrack {
	m.nextTrack++
	track := &MockTrack{
		TrackID:     fmt.Sprintf("mock-track-%d", m.nextTrack),
		TrackKind:   kind,
		TrackSource: source,
	}
	m.Created = append(m.Created, track)
	return track
}

func (m *Mock) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// FireConnectionState delivers a connection-state event to the handler.
func (m *Mock) FireConnectionState(state ConnectionState) {
	if h := m.currentHandler(); h != nil {
		h.OnConnectionStateChanged(state)
	}
}

// FireDisconnected delivers an unexpected-disconnect event.
func (m *Mock) FireDisconnected(reason string) {
	if h := m.currentHandler(); h != nil {
		h.OnDisconnected(reason)
	}
}

// FireParticipantConnected delivers a participant-joined event.
func (m *Mock) FireParticipantConnected(info ParticipantInfo) {
	if h := m.currentHandler(); h != nil {
		h.OnParticipantConnected(info)
	}
}

// FireParticipantDisconnected delivers a participant-left event.
func (m *Mock) FireParticipantDisconnected(id string) {
	if h := m.currentHandler(); h != nil {
		h.OnParticipantDisconnected(id)
	}
}

// FireSpeakingChanged delivers a speaking-changed event.
func (m *Mock) FireSpeakingChanged(id string, speaking bool, level float64) {
	if h := m.currentHandler(); h != nil {
		h.OnSpeakingChanged(id, speaking, level)
	}
}

// FireQualityChanged delivers a connection-quality event.
func (m *Mock) FireQualityChanged(id, quality string) {
	if h := m.currentHandler(); h != nil {
		h.OnConnectionQualityChanged(id, quality)
	}
}

// FireTrackPublished delivers a remote track publication event.
func (m *Mock) FireTrackPublished(info TrackInfo) {
	if h := m.currentHandler(); h != nil {
		h.OnTrackPublished(info)
	}
}

// FireTrackUnpublished delivers a remote track unpublish event.
func (m *Mock) FireTrackUnpublished(trackID string) {
	if h := m.currentHandler(); h != nil {
		h.OnTrackUnpublished(trackID)
	}
}

// FireAudioFrame delivers one remote audio frame.
func (m *Mock) FireAudioFrame(participantID string, frame []byte) {
	if h := m.currentHandler(); h != nil {
		h.OnAudioFrame(participantID, frame)
	}
}

// MockTrack implements LocalTrack for testing.
type MockTrack struct {
	mu          sync.Mutex
	TrackID     string
	TrackKind   TrackKind
	TrackSource TrackSource
	Stopped     bool
	StopCount   int
	Degraded    bool
	Encoding    EncodingParams
	StopErr     error
	Processor   FrameProcessor
}

// ID implements LocalTrack.
func (t *MockTrack) ID() string { return t.TrackID }

// Kind implements LocalTrack.
func (t *MockTrack) Kind() TrackKind { return t.TrackKind }

// Source implements LocalTrack.
func (t *MockTrack) Source() TrackSource { return t.TrackSource }

// Stop implements LocalTrack.
func (t *MockTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StopErr != nil {
		return t.StopErr
	}
	if !t.Stopped {
		t.Stopped = true
		t.StopCount++
	}
	return nil
}

// ApplyEncoding implements LocalTrack.
func (t *MockTrack) ApplyEncoding(params EncodingParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Encoding = params
	return nil
}

// SetDegraded implements LocalTrack.
func (t *MockTrack) SetDegraded(degraded bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Degraded = degraded
	return nil
}

// SetProcessor implements LocalTrack.
func (t *MockTrack) SetProcessor(p FrameProcessor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Processor = p
	if p != nil {
		t.TrackSource = SourceProcessed
	}
	return nil
}

// IsStopped reports whether Stop has been called.
func (t *MockTrack) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Stopped
}

// Feed runs one captured frame through the installed processor, the way
// the real capture loop would. With no processor the frame passes
// through unchanged.
func (t *MockTrack) Feed(samples []int16) []int16 {
	t.mu.Lock()
	p := t.Processor
	t.mu.Unlock()
	if p == nil {
		return samples
	}
	return p(samples)
}
