package audio

import (
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/verr"
)

// RemoteLevelMonitor decodes remote Opus frames to derive per-participant
// audio levels without routing decoded audio anywhere.
//
// The transport delivers remote audio already decoded to the playout
// device; this monitor exists for the roster's audioLevel field, which
// needs a cheap level estimate per remote participant. It uses the
// pion/opus decoder and discards the PCM after measuring it.
type RemoteLevelMonitor struct {
	mu      sync.Mutex
	decoder opus.Decoder
	buf     []byte
	level   float64
}

// NewRemoteLevelMonitor creates a level monitor with its own decoder
// instance. Decoders hold inter-frame state, so one monitor serves
// exactly one remote audio track.
func NewRemoteLevelMonitor() *RemoteLevelMonitor {
	logrus.WithFields(logrus.Fields{
		"function": "NewRemoteLevelMonitor",
	}).Debug("Creating remote audio level monitor")

	return &RemoteLevelMonitor{
		decoder: opus.NewDecoder(),
		// 40ms at 48kHz stereo, the largest frame the decoder emits.
		buf: make([]byte, 1920*2*2),
	}
}

// Ingest decodes one Opus frame and returns the normalized RMS level
// (0..1) of its content.
func (m *RemoteLevelMonitor) Ingest(frame []byte) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(frame) == 0 {
		return m.level, nil
	}

	_, isStereo, err := m.decoder.Decode(frame, m.buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "RemoteLevelMonitor.Ingest",
			"frame_size": len(frame),
			"error":      err.Error(),
		}).Warn("Opus decode failed, keeping last level")
		return m.level, verr.New(verr.CodeAudioContextError, "opus decode failed", err)
	}

	samples := bytesToPCM(m.buf)
	if isStereo {
		samples = downmixStereo(samples)
	}
	if len(samples) > 0 {
		m.level = frameRMS(samples)
	}
	return m.level, nil
}

// Level returns the last measured level.
func (m *RemoteLevelMonitor) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// bytesToPCM reinterprets little-endian bytes as int16 samples.
func bytesToPCM(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// downmixStereo averages interleaved stereo samples to mono.
func downmixStereo(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return mono
}
