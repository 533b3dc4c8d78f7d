package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicecore/verr"
)

// sineFrame generates one PCM frame of a sine wave.
func sineFrame(freq float64, amplitude float64, samples int, sampleRate float64) []int16 {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func silentFrame(samples int) []int16 {
	return make([]int16, samples)
}

// speechFrame approximates voiced speech: a 1kHz tone at roughly twice
// the default energy threshold, with a zero-crossing rate inside the
// voiced band.
func speechFrame(n int) []int16 {
	return sineFrame(1000, 1400, n, 48000)
}

func TestVADSilenceIsNotSpeech(t *testing.T) {
	vad := NewVAD(DefaultVADConfig())

	speaking := vad.Process(silentFrame(960))

	assert.False(t, speaking)
	assert.False(t, vad.IsSpeaking())
}

func TestVADDetectsToneAtTwiceThreshold(t *testing.T) {
	vad := NewVAD(DefaultVADConfig())

	speaking := vad.Process(speechFrame(960))

	assert.True(t, speaking)
	assert.True(t, vad.IsSpeaking())
	assert.GreaterOrEqual(t, vad.LastEnergy(), 2*DefaultVADConfig().EnergyThreshold*0.9)
}

func TestVADRejectsLowFrequencyRumble(t *testing.T) {
	vad := NewVAD(DefaultVADConfig())

	// 100Hz at high energy: loud, but the zero-crossing rate falls below
	// the voiced band, so it must not read as speech.
	speaking := vad.Process(sineFrame(100, 8000, 960, 48000))

	assert.False(t, speaking)
	assert.Greater(t, vad.LastEnergy(), DefaultVADConfig().EnergyThreshold)
}

func TestVADHangoverBridgesShortPauses(t *testing.T) {
	cfg := DefaultVADConfig()
	vad := NewVAD(cfg)

	require.True(t, vad.Process(speechFrame(960)))

	for i := 0; i < cfg.HangoverFrames; i++ {
		assert.True(t, vad.Process(silentFrame(960)), "hangover frame %d", i)
	}
	assert.False(t, vad.Process(silentFrame(960)), "hangover must expire")
	assert.False(t, vad.IsSpeaking())
}

func TestVADReset(t *testing.T) {
	vad := NewVAD(DefaultVADConfig())
	require.True(t, vad.Process(speechFrame(960)))

	vad.Reset()

	assert.False(t, vad.IsSpeaking())
	assert.Zero(t, vad.LastEnergy())
}

func TestDCBlockerRemovesOffset(t *testing.T) {
	blocker := NewDCBlocker()

	frame := make([]int16, 4800)
	for i := range frame {
		frame[i] = 1000
	}
	out, err := blocker.Process(frame)
	require.NoError(t, err)

	// A constant input settles toward zero once the filter charges.
	assert.Less(t, math.Abs(float64(out[len(out)-1])), 50.0)
}

func TestNoiseGateClosedAttenuatesToFloor(t *testing.T) {
	gate, err := NewNoiseGate(48000, 0.05, 5, 120)
	require.NoError(t, err)

	out, err := gate.Process(sineFrame(1000, 10000, 960, 48000))
	require.NoError(t, err)

	var peak float64
	for _, s := range out {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	assert.Less(t, peak, 600.0, "closed gate must hold the signal near the floor")
}

func TestNoiseGateOpensTowardUnity(t *testing.T) {
	gate, err := NewNoiseGate(48000, 0.05, 5, 120)
	require.NoError(t, err)

	gate.SetOpen(true)
	_, err = gate.Process(sineFrame(1000, 10000, 48000, 48000))
	require.NoError(t, err)

	assert.Greater(t, gate.CurrentGain(), 0.99)
}

func TestNoiseGateValidation(t *testing.T) {
	tests := []struct {
		name    string
		floor   float64
		attack  float64
		release float64
	}{
		{"floor at unity", 1.0, 5, 120},
		{"negative floor", -0.1, 5, 120},
		{"zero attack", 0.05, 0, 120},
		{"negative release", 0.05, 5, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNoiseGate(48000, tt.floor, tt.attack, tt.release)
			assert.Error(t, err)
		})
	}
}

func TestLimiterCapsPeaks(t *testing.T) {
	limiter := NewLimiter(48000, 0.5)

	out, err := limiter.Process(sineFrame(1000, 32000, 960, 48000))
	require.NoError(t, err)

	// The release ramp may overshoot the ceiling by a fraction of a
	// sample step before the next clamp; allow that margin.
	ceiling := 0.5*32768.0 + 32.0
	for _, s := range out {
		assert.LessOrEqual(t, math.Abs(float64(s)), ceiling)
	}
}

func TestOutputGainValidation(t *testing.T) {
	_, err := NewOutputGain(-1)
	assert.Error(t, err)

	_, err = NewOutputGain(5)
	assert.Error(t, err)

	g, err := NewOutputGain(2.0)
	require.NoError(t, err)
	out, err := g.Process([]int16{1000, -1000})
	require.NoError(t, err)
	assert.Equal(t, []int16{2000, -2000}, out)
}

func TestOutputGainSetGain(t *testing.T) {
	g, err := NewOutputGain(1.0)
	require.NoError(t, err)

	assert.Error(t, g.SetGain(4.5))
	assert.NoError(t, g.SetGain(0.5))
}

func TestNewPipelineRejectsZeroSampleRate(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.SampleRate = 0

	_, err := NewPipeline(cfg)
	require.Error(t, err)
	assert.Equal(t, verr.CodeAudioContextError, verr.CodeOf(err))
}

func TestPipelineSilenceFrame(t *testing.T) {
	p, err := NewPipeline(DefaultPipelineConfig())
	require.NoError(t, err)

	out, speaking, err := p.ProcessFrame(silentFrame(960))
	require.NoError(t, err)

	assert.False(t, speaking)
	assert.Len(t, out, 960)
}

func TestPipelineSpeechFrame(t *testing.T) {
	p, err := NewPipeline(DefaultPipelineConfig())
	require.NoError(t, err)

	_, speaking, err := p.ProcessFrame(speechFrame(960))
	require.NoError(t, err)
	assert.True(t, speaking)

	processed, speech := p.Stats()
	assert.Equal(t, uint64(1), processed)
	assert.Equal(t, uint64(1), speech)
}

func TestPipelineGateFollowsSpeech(t *testing.T) {
	p, err := NewPipeline(DefaultPipelineConfig())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, _, err := p.ProcessFrame(speechFrame(960))
		require.NoError(t, err)
	}

	assert.Greater(t, p.GateGain(), DefaultPipelineConfig().GateFloor,
		"sustained speech must ramp the gate open")
}

func TestPipelineReset(t *testing.T) {
	p, err := NewPipeline(DefaultPipelineConfig())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := p.ProcessFrame(speechFrame(960))
		require.NoError(t, err)
	}
	require.True(t, p.IsSpeaking())

	p.Reset()

	assert.False(t, p.IsSpeaking())
	assert.InDelta(t, DefaultPipelineConfig().GateFloor, p.GateGain(), 1e-9)
}
