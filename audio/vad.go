package audio

import (
	"math"

	"github.com/sirupsen/logrus"
)

// VADConfig defines voice-activity detection parameters.
type VADConfig struct {
	// EnergyThreshold is the normalized RMS (0..1) above which a frame
	// can qualify as speech.
	EnergyThreshold float64

	// MinZeroCrossingRate and MaxZeroCrossingRate bound the
	// zero-crossing-rate band characteristic of voiced speech. Frames
	// below the band are typically hum or rumble, frames above it
	// broadband noise.
	MinZeroCrossingRate float64
	MaxZeroCrossingRate float64

	// HangoverFrames keeps the detector reporting speech for this many
	// frames after the last positive detection, bridging short pauses
	// between words.
	HangoverFrames int
}

// DefaultVADConfig returns detection parameters tuned for 20ms frames of
// speech at typical capture levels.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold:     0.015,
		MinZeroCrossingRate: 0.02,
		MaxZeroCrossingRate: 0.35,
		HangoverFrames:      6,
	}
}

// VAD classifies audio frames as speech or silence.
//
// Detection combines frame energy (RMS against a threshold) with a
// zero-crossing-rate band check: voiced speech concentrates crossings in
// a narrow band, which separates it from both low-frequency rumble and
// broadband noise at similar energy.
type VAD struct {
	config   VADConfig
	speaking bool
	hangover int
	lastRMS  float64
	lastZCR  float64
}

// NewVAD creates a voice-activity detector.
func NewVAD(config VADConfig) *VAD {
	logrus.WithFields(logrus.Fields{
		"function":         "NewVAD",
		"energy_threshold": config.EnergyThreshold,
		"zcr_min":          config.MinZeroCrossingRate,
		"zcr_max":          config.MaxZeroCrossingRate,
		"hangover_frames":  config.HangoverFrames,
	}).Debug("Creating voice activity detector")

	return &VAD{config: config}
}

// Process classifies one PCM frame and returns whether the detector
// currently reports speech (including hangover).
func (v *VAD) Process(samples []int16) bool {
	if len(samples) == 0 {
		return v.decay()
	}

	v.lastRMS = frameRMS(samples)
	v.lastZCR = frameZCR(samples)

	voiced := v.lastRMS >= v.config.EnergyThreshold &&
		v.lastZCR >= v.config.MinZeroCrossingRate &&
		v.lastZCR <= v.config.MaxZeroCrossingRate

	if voiced {
		v.speaking = true
		v.hangover = v.config.HangoverFrames
		return true
	}
	return v.decay()
}

// decay counts down the hangover window after the last voiced frame.
func (v *VAD) decay() bool {
	if v.hangover > 0 {
		v.hangover--
		return true
	}
	v.speaking = false
	return false
}

// IsSpeaking reports the current detector verdict.
func (v *VAD) IsSpeaking() bool {
	return v.speaking
}

// LastEnergy returns the normalized RMS of the last processed frame.
func (v *VAD) LastEnergy() float64 {
	return v.lastRMS
}

// LastZeroCrossingRate returns the ZCR of the last processed frame.
func (v *VAD) LastZeroCrossingRate() float64 {
	return v.lastZCR
}

// Reset clears detector state.
func (v *VAD) Reset() {
	v.speaking = false
	v.hangover = 0
	v.lastRMS = 0
	v.lastZCR = 0
}

// frameRMS computes the normalized (0..1) root mean square of a frame.
func frameRMS(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// frameZCR computes the zero-crossing rate of a frame as crossings per
// sample (0..1).
func frameZCR(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
