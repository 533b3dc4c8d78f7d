package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rmsOf(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func maxAbs(samples []int16) int {
	m := 0
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

func TestEqualizerCutsRumble(t *testing.T) {
	eq := NewEqualizer(48000)

	in := sineFrame(50, 10000, 48000, 48000)
	inRMS := rmsOf(in)

	out, err := eq.Process(in)
	require.NoError(t, err)

	// Skip the first tenth so filter settling does not dilute the measure.
	settled := out[4800:]
	assert.Less(t, rmsOf(settled), 0.6*inRMS,
		"the 80Hz high-pass must attenuate 50Hz rumble")
}

func TestEqualizerPassesVoiceBand(t *testing.T) {
	eq := NewEqualizer(48000)

	in := sineFrame(1000, 10000, 48000, 48000)
	inRMS := rmsOf(in)

	out, err := eq.Process(in)
	require.NoError(t, err)

	settled := rmsOf(out[4800:])
	assert.Greater(t, settled, 0.8*inRMS)
	assert.Less(t, settled, 1.2*inRMS)
}

func TestEqualizerReset(t *testing.T) {
	eq := NewEqualizer(48000)
	_, err := eq.Process(sineFrame(1000, 10000, 4800, 48000))
	require.NoError(t, err)

	eq.Reset()
	for _, band := range eq.bands {
		assert.Zero(t, band.z1)
		assert.Zero(t, band.z2)
	}
}

func TestCompressorReducesLoudSignal(t *testing.T) {
	c := NewCompressor(48000)

	// A full second at -0.8dBFS sits far above the -18dBFS threshold.
	out, err := c.Process(sineFrame(1000, 30000, 48000, 48000))
	require.NoError(t, err)

	peak := maxAbs(out[43200:])
	assert.Less(t, peak, 20000, "3:1 compression must pull the level down")
	assert.Greater(t, peak, 5000)
}

func TestCompressorAppliesMakeupBelowThreshold(t *testing.T) {
	c := NewCompressor(48000)

	// -40dBFS stays below threshold, so only the +4dB makeup applies.
	out, err := c.Process(sineFrame(1000, 300, 48000, 48000))
	require.NoError(t, err)

	peak := maxAbs(out[43200:])
	assert.Greater(t, peak, 430)
	assert.Less(t, peak, 510)
}

func TestCompressorReset(t *testing.T) {
	c := NewCompressor(48000)
	_, err := c.Process(sineFrame(1000, 30000, 4800, 48000))
	require.NoError(t, err)
	require.Greater(t, c.envelopeDB, -96.0)

	c.Reset()
	assert.InDelta(t, -96.0, c.envelopeDB, 1e-9)
}

func TestEffectNames(t *testing.T) {
	assert.Equal(t, "Equalizer", NewEqualizer(48000).Name())
	assert.Equal(t, "Compressor", NewCompressor(48000).Name())
}
