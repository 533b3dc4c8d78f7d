// Package transport defines the boundary to the real-time media SDK.
//
// The session core treats the underlying transport/signaling SDK as a
// black box providing room join/leave, track publish/unpublish, and a
// stream of connection and participant events. Everything above this
// package is SDK-agnostic: the session client drives a RoomTransport and
// reacts to its Handler callbacks, never to SDK types directly.
//
// A Mock implementation is provided for tests; production code supplies
// an adapter over the vendor SDK.
package transport

import (
	"context"
	"time"
)

// ConnectionState is the transport-level connection state as reported by
// the SDK. It is distinct from the session client's own state machine,
// which layers retry and failure semantics on top.
type ConnectionState int

const (
	// StateDisconnected indicates no transport connection exists.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in flight.
	StateConnecting
	// StateConnected indicates the room is joined and media can flow.
	StateConnected
	// StateReconnecting indicates the SDK is re-establishing a dropped
	// connection on its own.
	StateReconnecting
)

// String returns a human-readable connection state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TrackKind distinguishes the media type carried by a track.
type TrackKind string

const (
	TrackKindAudio  TrackKind = "audio"
	TrackKindVideo  TrackKind = "video"
	TrackKindScreen TrackKind = "screen"
)

// TrackSource identifies where a track's media originates.
type TrackSource string

const (
	SourceMicrophone TrackSource = "microphone"
	SourceCamera     TrackSource = "camera"
	SourceScreen     TrackSource = "screen"
	SourceRemote     TrackSource = "remote"
	SourceProcessed  TrackSource = "processed"
)

// FrameProcessor rewrites one PCM frame of locally captured audio before
// it is encoded and sent. It runs on the capture goroutine and must not
// block; returning the input slice unchanged is a valid pass-through.
type FrameProcessor func(samples []int16) []int16

// EncodingParams carries the encode configuration pushed onto a published
// track when the bandwidth adapter switches presets.
type EncodingParams struct {
	MaxBitrateKbps int
	Width          int
	Height         int
	Framerate      int
}

// LocalTrack is one locally captured media track owned by the client.
type LocalTrack interface {
	// ID returns the SDK-assigned track identifier.
	ID() string

	// Kind returns the media type of the track.
	Kind() TrackKind

	// Source returns the capture source of the track.
	Source() TrackSource

	// Stop halts capture and releases the underlying device. Stop is
	// idempotent.
	Stop() error

	// ApplyEncoding updates the encode parameters of a published track
	// without renegotiation.
	ApplyEncoding(params EncodingParams) error

	// SetDegraded attaches (true) or removes (false) the downgrading
	// media processor used for soft quality adaptation.
	SetDegraded(degraded bool) error

	// SetProcessor installs a PCM tap on the capture path, or removes it
	// when p is nil. Only audio tracks carry a processor; installing one
	// flips the track source to SourceProcessed.
	SetProcessor(p FrameProcessor) error
}

// ParticipantInfo describes a remote participant as reported by the SDK.
type ParticipantInfo struct {
	ID       string
	Identity string
	Muted    bool
	Speaking bool
	Video    bool
	Screen   bool
}

// TrackInfo describes a remote track publication.
type TrackInfo struct {
	ID            string
	ParticipantID string
	Kind          TrackKind
	Source        TrackSource
}

// Stats is one raw per-interval sample of transport metrics, polled by
// the stats collector.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	RoundTripTime   time.Duration
	Jitter          time.Duration
	Timestamp       time.Time
}

// Handler receives transport events. All callbacks are invoked on the
// SDK's event goroutine; implementations must return quickly and must
// not call back into the transport synchronously.
type Handler interface {
	OnConnectionStateChanged(state ConnectionState)
	OnDisconnected(reason string)
	OnParticipantConnected(info ParticipantInfo)
	OnParticipantDisconnected(participantID string)
	OnTrackPublished(info TrackInfo)
	OnTrackUnpublished(trackID string)
	OnSpeakingChanged(participantID string, speaking bool, level float64)
	OnConnectionQualityChanged(participantID string, quality string)

	// OnAudioFrame delivers one encoded audio frame received from a remote
	// participant. Fired only when the SDK exposes raw frame taps; the
	// session layer uses it to measure per-participant audio levels.
	OnAudioFrame(participantID string, frame []byte)
}

// ConnectOptions carries per-join transport configuration.
type ConnectOptions struct {
	ChannelID     string
	UserID        string
	AutoSubscribe bool
	Timeout       time.Duration
}

// RoomTransport is the minimal SDK surface the session core depends on.
//
// Connect, track creation, and publish operations are awaited async
// operations with bounded timeouts supplied via ctx; callers must not
// assume synchronous completion.
type RoomTransport interface {
	// Connect joins the room at url using the signed token.
	Connect(ctx context.Context, url, token string, opts ConnectOptions) error

	// Disconnect leaves the room. Safe to call when not connected.
	Disconnect(ctx context.Context) error

	// CreateAudioTrack opens the microphone and returns its track.
	CreateAudioTrack(ctx context.Context) (LocalTrack, error)

	// CreateVideoTrack opens the camera at the requested capture size.
	CreateVideoTrack(ctx context.Context, params EncodingParams) (LocalTrack, error)

	// CreateScreenTracks starts screen capture. Some platforms return an
	// additional system-audio track alongside the video track.
	CreateScreenTracks(ctx context.Context) ([]LocalTrack, error)

	// PublishTrack announces a local track to the room.
	PublishTrack(ctx context.Context, track LocalTrack) error

	// UnpublishTrack withdraws a published track by id.
	UnpublishTrack(ctx context.Context, trackID string) error

	// Ping probes transport liveness. Some transports hold a dead socket
	// open without signaling it; the health check loop relies on Ping
	// failing in that situation.
	Ping(ctx context.Context) error

	// Stats returns the current raw transport metrics.
	Stats() (Stats, error)

	// SetHandler registers the event sink. Must be called before Connect.
	SetHandler(h Handler)
}
