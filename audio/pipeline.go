package audio

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/verr"
)

// PipelineConfig defines the processing chain parameters.
type PipelineConfig struct {
	SampleRate uint32
	Channels   uint8

	// GateFloor is the residual gain the noise gate applies to silence.
	GateFloor float64
	// GateAttackMs and GateReleaseMs are the gate ramp time constants.
	GateAttackMs  float64
	GateReleaseMs float64

	// LimiterCeiling is the linear output ceiling (0..1].
	LimiterCeiling float64
	// OutputGain is the final linear gain stage.
	OutputGain float64

	VAD VADConfig
}

// DefaultPipelineConfig returns the standard voice chain configuration
// at 48kHz mono, the native rate of the transport's Opus encoder.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SampleRate:     48000,
		Channels:       1,
		GateFloor:      0.05,
		GateAttackMs:   5,
		GateReleaseMs:  120,
		LimiterCeiling: 0.95,
		OutputGain:     1.0,
		VAD:            DefaultVADConfig(),
	}
}

// Pipeline is the complete capture-side DSP chain with voice activity
// detection.
//
// Each ProcessFrame call classifies the frame with the VAD, drives the
// noise gate from the verdict, then runs the frame through the fixed
// effect order. The pipeline is a pure transform: it owns no device and
// touches no network.
type Pipeline struct {
	mu sync.Mutex

	config PipelineConfig
	vad    *VAD
	gate   *NoiseGate
	chain  []Effect

	framesProcessed uint64
	speechFrames    uint64
}

// NewPipeline builds the processing chain in its fixed order.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.SampleRate == 0 {
		return nil, verr.New(verr.CodeAudioContextError, "pipeline sample rate must be positive", nil)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewPipeline",
		"sample_rate": config.SampleRate,
		"channels":    config.Channels,
	}).Info("Creating audio processing pipeline")

	gate, err := NewNoiseGate(config.SampleRate, config.GateFloor, config.GateAttackMs, config.GateReleaseMs)
	if err != nil {
		return nil, verr.New(verr.CodeAudioContextError, "noise gate construction failed", err)
	}
	outGain, err := NewOutputGain(config.OutputGain)
	if err != nil {
		return nil, verr.New(verr.CodeAudioContextError, "output gain construction failed", err)
	}

	p := &Pipeline{
		config: config,
		vad:    NewVAD(config.VAD),
		gate:   gate,
	}
	p.chain = []Effect{
		NewDCBlocker(),
		gate,
		NewEqualizer(config.SampleRate),
		NewCompressor(config.SampleRate),
		NewLimiter(config.SampleRate, config.LimiterCeiling),
		outGain,
	}

	return p, nil
}

// ProcessFrame runs one PCM frame through the chain and returns the
// processed frame plus the VAD verdict for it.
func (p *Pipeline) ProcessFrame(samples []int16) ([]int16, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	speaking := p.vad.Process(samples)
	p.gate.SetOpen(speaking)

	out := samples
	var err error
	for _, effect := range p.chain {
		out, err = effect.Process(out)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.ProcessFrame",
				"effect":   effect.Name(),
				"error":    err.Error(),
			}).Error("Audio effect failed")
			return nil, speaking, verr.New(verr.CodeAudioContextError,
				fmt.Sprintf("effect %s failed", effect.Name()), err)
		}
	}

	p.framesProcessed++
	if speaking {
		p.speechFrames++
	}
	return out, speaking, nil
}

// IsSpeaking returns the current VAD verdict.
func (p *Pipeline) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vad.IsSpeaking()
}

// GateGain returns the instantaneous noise gate gain, useful for level
// metering in UIs.
func (p *Pipeline) GateGain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gate.CurrentGain()
}

// Stats returns total and speech-classified frame counts.
func (p *Pipeline) Stats() (processed, speech uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesProcessed, p.speechFrames
}

// Reset clears all filter and detector state, for reuse after a
// reconnect without rebuilding the chain.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.vad.Reset()
	for _, effect := range p.chain {
		effect.Reset()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Pipeline.Reset",
	}).Debug("Audio pipeline state cleared")
}
