// Package audio implements the local audio processing pipeline for voice
// sessions.
//
// The pipeline transforms one capture stream into one processed output
// stream before it is handed to the transport; it never touches the
// network. Processing order is fixed:
//
//	DC blocker → noise gate (VAD driven) → 4-band EQ → compressor →
//	limiter → output gain
//
// All effects operate on 16-bit PCM frames and are safe for use from a
// single capture goroutine. Gain transitions inside the gate are ramped
// with a time constant rather than switched instantly, which keeps gating
// artifacts inaudible.
package audio

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Effect is one stage of the processing chain.
//
// Effects process PCM frames in place or return a new slice. An effect
// may keep filter state between frames; Reset clears it.
type Effect interface {
	// Process applies the effect to one PCM frame.
	Process(samples []int16) ([]int16, error)

	// Name returns a human-readable effect name for logging.
	Name() string

	// Reset clears any internal filter state.
	Reset()
}

// clamp16 converts a float sample back to int16 with clipping protection.
func clamp16(v float64) int16 {
	if v > 32767.0 {
		return 32767
	}
	if v < -32768.0 {
		return -32768
	}
	return int16(v)
}

// DCBlocker removes DC offset with a first-order high-pass filter.
//
// y[n] = x[n] - x[n-1] + R*y[n-1] with R close to 1. DC offset from cheap
// capture hardware otherwise eats headroom in the compressor stage.
type DCBlocker struct {
	r       float64
	prevIn  float64
	prevOut float64
}

// NewDCBlocker creates a DC blocking filter.
func NewDCBlocker() *DCBlocker {
	return &DCBlocker{r: 0.995}
}

// Process implements Effect.
func (d *DCBlocker) Process(samples []int16) ([]int16, error) {
	for i, s := range samples {
		in := float64(s)
		out := in - d.prevIn + d.r*d.prevOut
		d.prevIn = in
		d.prevOut = out
		samples[i] = clamp16(out)
	}
	return samples, nil
}

// Name implements Effect.
func (d *DCBlocker) Name() string { return "DCBlocker" }

// Reset implements Effect.
func (d *DCBlocker) Reset() {
	d.prevIn = 0
	d.prevOut = 0
}

// NoiseGate attenuates the signal when no voice activity is detected.
//
// The gate does not decide speech itself; the pipeline feeds it the VAD
// verdict per frame. Gain moves toward unity on speech and toward the
// floor on silence, smoothed per sample with separate attack and release
// time constants.
type NoiseGate struct {
	sampleRate   uint32
	floor        float64
	gain         float64
	attackCoeff  float64
	releaseCoeff float64
	open         bool
}

// NewNoiseGate creates a noise gate for the given sample rate.
//
// attack and release are expressed in milliseconds; typical values are
// 5ms attack (opening must be fast enough not to clip speech onsets) and
// 120ms release (closing slowly avoids chattering between words).
func NewNoiseGate(sampleRate uint32, floor float64, attackMs, releaseMs float64) (*NoiseGate, error) {
	if floor < 0.0 || floor >= 1.0 {
		return nil, fmt.Errorf("gate floor out of range [0,1): %f", floor)
	}
	if attackMs <= 0 || releaseMs <= 0 {
		return nil, fmt.Errorf("gate time constants must be positive: attack=%f release=%f", attackMs, releaseMs)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewNoiseGate",
		"sample_rate": sampleRate,
		"floor":       floor,
		"attack_ms":   attackMs,
		"release_ms":  releaseMs,
	}).Debug("Creating noise gate")

	return &NoiseGate{
		sampleRate:   sampleRate,
		floor:        floor,
		gain:         floor,
		attackCoeff:  timeConstantCoeff(attackMs, sampleRate),
		releaseCoeff: timeConstantCoeff(releaseMs, sampleRate),
	}, nil
}

// timeConstantCoeff converts a millisecond time constant to a one-pole
// smoothing coefficient at the given sample rate.
func timeConstantCoeff(ms float64, sampleRate uint32) float64 {
	return 1.0 - math.Exp(-1.0/(ms*0.001*float64(sampleRate)))
}

// SetOpen sets the gate target: open (unity gain) on speech, closed
// (floor gain) on silence. The actual gain ramps toward the target.
func (g *NoiseGate) SetOpen(open bool) {
	g.open = open
}

// CurrentGain returns the instantaneous smoothed gate gain.
func (g *NoiseGate) CurrentGain() float64 {
	return g.gain
}

// Process implements Effect.
func (g *NoiseGate) Process(samples []int16) ([]int16, error) {
	target := g.floor
	coeff := g.releaseCoeff
	if g.open {
		target = 1.0
		coeff = g.attackCoeff
	}

	for i, s := range samples {
		g.gain += (target - g.gain) * coeff
		samples[i] = clamp16(float64(s) * g.gain)
	}
	return samples, nil
}

// Name implements Effect.
func (g *NoiseGate) Name() string { return "NoiseGate" }

// Reset implements Effect.
func (g *NoiseGate) Reset() {
	g.gain = g.floor
	g.open = false
}

// biquad is a transposed direct-form II second-order IIR section.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             float64
}

func (f *biquad) process(in float64) float64 {
	out := f.b0*in + f.z1
	f.z1 = f.b1*in - f.a1*out + f.z2
	f.z2 = f.b2*in - f.a2*out
	return out
}

func (f *biquad) reset() {
	f.z1 = 0
	f.z2 = 0
}

// newHighpass builds an RBJ cookbook high-pass biquad.
func newHighpass(sampleRate uint32, freq, q float64) *biquad {
	w0 := 2 * math.Pi * freq / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := (1 + cosW0) / 2
	b1 := -(1 + cosW0)
	b2 := (1 + cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return &biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// newPeaking builds an RBJ cookbook peaking EQ biquad with gain in dB.
func newPeaking(sampleRate uint32, freq, q, gainDB float64) *biquad {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := 1 + alpha*a
	b1 := -2 * cosW0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosW0
	a2 := 1 - alpha/a

	return &biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// Equalizer is the fixed 4-band voice EQ: rumble cut below 80Hz, low-mid
// de-mud around 250Hz, presence boost near 2.8kHz, and a de-esser dip
// near 6.5kHz.
type Equalizer struct {
	bands []*biquad
}

// NewEqualizer creates the voice equalizer for the given sample rate.
func NewEqualizer(sampleRate uint32) *Equalizer {
	logrus.WithFields(logrus.Fields{
		"function":    "NewEqualizer",
		"sample_rate": sampleRate,
	}).Debug("Creating 4-band voice equalizer")

	return &Equalizer{
		bands: []*biquad{
			newHighpass(sampleRate, 80, 0.707),
			newPeaking(sampleRate, 250, 1.0, -3.0),
			newPeaking(sampleRate, 2800, 1.2, 2.5),
			newPeaking(sampleRate, 6500, 2.0, -4.0),
		},
	}
}

// Process implements Effect.
func (e *Equalizer) Process(samples []int16) ([]int16, error) {
	for i, s := range samples {
		v := float64(s)
		for _, band := range e.bands {
			v = band.process(v)
		}
		samples[i] = clamp16(v)
	}
	return samples, nil
}

// Name implements Effect.
func (e *Equalizer) Name() string { return "Equalizer" }

// Reset implements Effect.
func (e *Equalizer) Reset() {
	for _, band := range e.bands {
		band.reset()
	}
}

// Compressor is a feed-forward dynamics compressor with a smoothed
// envelope follower.
type Compressor struct {
	thresholdDB  float64
	ratio        float64
	makeupGain   float64
	attackCoeff  float64
	releaseCoeff float64
	envelopeDB   float64
}

// NewCompressor creates a compressor for the given sample rate.
//
// Defaults tuned for speech: threshold -18dBFS, ratio 3:1, 5ms attack,
// 80ms release, +4dB makeup.
func NewCompressor(sampleRate uint32) *Compressor {
	return &Compressor{
		thresholdDB:  -18.0,
		ratio:        3.0,
		makeupGain:   math.Pow(10, 4.0/20),
		attackCoeff:  timeConstantCoeff(5, sampleRate),
		releaseCoeff: timeConstantCoeff(80, sampleRate),
		envelopeDB:   -96.0,
	}
}

// Process implements Effect.
func (c *Compressor) Process(samples []int16) ([]int16, error) {
	for i, s := range samples {
		in := float64(s) / 32768.0
		levelDB := -96.0
		if abs := math.Abs(in); abs > 1e-6 {
			levelDB = 20 * math.Log10(abs)
		}

		coeff := c.releaseCoeff
		if levelDB > c.envelopeDB {
			coeff = c.attackCoeff
		}
		c.envelopeDB += (levelDB - c.envelopeDB) * coeff

		gainDB := 0.0
		if c.envelopeDB > c.thresholdDB {
			over := c.envelopeDB - c.thresholdDB
			gainDB = over/c.ratio - over
		}

		gain := math.Pow(10, gainDB/20) * c.makeupGain
		samples[i] = clamp16(float64(s) * gain)
	}
	return samples, nil
}

// Name implements Effect.
func (c *Compressor) Name() string { return "Compressor" }

// Reset implements Effect.
func (c *Compressor) Reset() {
	c.envelopeDB = -96.0
}

// Limiter is a hard-knee peak limiter guarding the pipeline output
// against inter-stage gain buildup.
type Limiter struct {
	threshold    float64
	gain         float64
	releaseCoeff float64
}

// NewLimiter creates a limiter with the given ceiling (linear, 0..1).
func NewLimiter(sampleRate uint32, ceiling float64) *Limiter {
	return &Limiter{
		threshold:    ceiling * 32768.0,
		gain:         1.0,
		releaseCoeff: timeConstantCoeff(50, sampleRate),
	}
}

// Process implements Effect.
func (l *Limiter) Process(samples []int16) ([]int16, error) {
	for i, s := range samples {
		in := float64(s)
		peak := math.Abs(in * l.gain)
		if peak > l.threshold {
			l.gain = l.threshold / math.Abs(in)
		} else {
			l.gain += (1.0 - l.gain) * l.releaseCoeff
		}
		samples[i] = clamp16(in * l.gain)
	}
	return samples, nil
}

// Name implements Effect.
func (l *Limiter) Name() string { return "Limiter" }

// Reset implements Effect.
func (l *Limiter) Reset() {
	l.gain = 1.0
}

// OutputGain applies the final linear output gain with clipping
// protection.
type OutputGain struct {
	gain float64
}

// NewOutputGain creates the output gain stage.
//
// Gain must be within [0, 4]; 1.0 is unity, 2.0 is +6dB.
func NewOutputGain(gain float64) (*OutputGain, error) {
	if gain < 0.0 {
		return nil, fmt.Errorf("gain cannot be negative: %f", gain)
	}
	if gain > 4.0 {
		return nil, fmt.Errorf("gain too high (max 4.0): %f", gain)
	}
	return &OutputGain{gain: gain}, nil
}

// Process implements Effect.
func (o *OutputGain) Process(samples []int16) ([]int16, error) {
	if o.gain == 1.0 {
		return samples, nil
	}
	for i, s := range samples {
		samples[i] = clamp16(float64(s) * o.gain)
	}
	return samples, nil
}

// Name implements Effect.
func (o *OutputGain) Name() string { return fmt.Sprintf("OutputGain(%.2f)", o.gain) }

// Reset implements Effect.
func (o *OutputGain) Reset() {}

// SetGain updates the output gain at runtime.
func (o *OutputGain) SetGain(gain float64) error {
	if gain < 0.0 || gain > 4.0 {
		return fmt.Errorf("gain out of range [0,4]: %f", gain)
	}
	o.gain = gain
	return nil
}
