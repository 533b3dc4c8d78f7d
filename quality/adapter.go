package quality

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sample is one classified network quality observation.
type Sample struct {
	BandwidthKbps float64
	LatencyMs     float64
	PacketLossPct float64
	JitterMs      float64
	Tier          Tier
	Timestamp     time.Time
}

// AdapterConfig defines classification and hysteresis parameters.
type AdapterConfig struct {
	// HistorySize bounds the rolling sample history ring.
	HistorySize int
	// HysteresisWindow is how many recent samples vote on a tier
	// change; a change is acted on once it is the majority reading.
	HysteresisWindow int

	// Penalty score tier boundaries (score is 0..100, higher is better).
	ExcellentScore float64
	GoodScore      float64
	PoorScore      float64
}

// DefaultAdapterConfig returns the standard adaptation parameters.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		HistorySize:      30,
		HysteresisWindow: 5,
		ExcellentScore:   80,
		GoodScore:        60,
		PoorScore:        35,
	}
}

// upgradeGate holds the stricter thresholds the most recent sample must
// satisfy before the adapter moves up to a better tier. Downgrades carry
// no gate: degradation acts as soon as it is sustained.
type upgradeGate struct {
	minBandwidthKbps float64
	maxLatencyMs     float64
	maxLossPct       float64
}

var upgradeGates = map[Tier]upgradeGate{
	TierExcellent: {minBandwidthKbps: 2500, maxLatencyMs: 80, maxLossPct: 0.5},
	TierGood:      {minBandwidthKbps: 1200, maxLatencyMs: 150, maxLossPct: 1.5},
	TierPoor:      {minBandwidthKbps: 400, maxLatencyMs: 350, maxLossPct: 5.0},
}

// Adapter classifies network quality and emits adaptation presets.
//
// A tier change only takes effect after being the majority reading among
// the last HysteresisWindow samples, which prevents preset flapping on
// noisy links. The one exception is loss of connectivity: SetOffline
// forces the audio-only critical preset immediately, bypassing
// hysteresis, because loss of connectivity must degrade without delay.
type Adapter struct {
	mu     sync.Mutex
	config AdapterConfig

	history []Sample // ring, oldest first
	recent  []Tier   // last HysteresisWindow raw classifications

	currentTier Tier
	offline     bool

	presetCb func(Preset)
	tierCb   func(old, new Tier)

	now func() time.Time
}

// NewAdapter creates a bandwidth adapter starting at TierGood, matching
// the optimistic-but-not-maximal initial encode configuration used at
// connect time.
func NewAdapter(config AdapterConfig) *Adapter {
	if config.HistorySize <= 0 {
		config = DefaultAdapterConfig()
	}

	logrus.WithFields(logrus.Fields{
		"function":          "NewAdapter",
		"history_size":      config.HistorySize,
		"hysteresis_window": config.HysteresisWindow,
	}).Info("Creating bandwidth adapter")

	return &Adapter{
		config:      config,
		currentTier: TierGood,
		now:         time.Now,
	}
}

// SetCallbacks registers the preset-change and tier-change callbacks.
// Both fire synchronously from the goroutine that observed the change.
func (a *Adapter) SetCallbacks(presetCb func(Preset), tierCb func(old, new Tier)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presetCb = presetCb
	a.tierCb = tierCb
}

// SetNowFunc injects a clock for deterministic tests.
func (a *Adapter) SetNowFunc(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Observe classifies one raw measurement and applies hysteresis. It
// returns the tier the adapter is acting on after this sample.
func (a *Adapter) Observe(bandwidthKbps, latencyMs, lossPct, jitterMs float64) Tier {
	a.mu.Lock()

	sample := Sample{
		BandwidthKbps: bandwidthKbps,
		LatencyMs:     latencyMs,
		PacketLossPct: lossPct,
		JitterMs:      jitterMs,
		Tier:          classify(bandwidthKbps, latencyMs, lossPct, jitterMs, a.config),
		Timestamp:     a.now(),
	}
	a.pushLocked(sample)

	if a.offline {
		// Connectivity loss pins the tier; samples keep accumulating so
		// recovery has history to vote with.
		tier := a.currentTier
		a.mu.Unlock()
		return tier
	}

	old := a.currentTier
	changed := a.applyHysteresisLocked(sample)
	newTier := a.currentTier
	presetCb, tierCb := a.presetCb, a.tierCb
	a.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function": "Adapter.Observe",
			"old_tier": old.String(),
			"new_tier": newTier.String(),
		}).Info("Quality tier changed")
		if tierCb != nil {
			tierCb(old, newTier)
		}
		if presetCb != nil {
			presetCb(PresetFor(newTier))
		}
	}
	return newTier
}

// SetOffline switches forced-offline mode. Going offline immediately
// forces the audio-only critical preset; coming back online releases the
// pin and lets hysteresis take over again.
func (a *Adapter) SetOffline(offline bool) {
	a.mu.Lock()
	if a.offline == offline {
		a.mu.Unlock()
		return
	}
	a.offline = offline

	var fire bool
	old := a.currentTier
	if offline && a.currentTier != TierCritical {
		a.currentTier = TierCritical
		a.recent = a.recent[:0]
		fire = true
	}
	presetCb, tierCb := a.presetCb, a.tierCb
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Adapter.SetOffline",
		"offline":  offline,
	}).Info("Connectivity state changed")

	if fire {
		if tierCb != nil {
			tierCb(old, TierCritical)
		}
		if presetCb != nil {
			presetCb(PresetFor(TierCritical))
		}
	}
}

// CurrentTier returns the tier the adapter is acting on.
func (a *Adapter) CurrentTier() Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTier
}

// CurrentPreset returns the preset for the acting tier.
func (a *Adapter) CurrentPreset() Preset {
	return PresetFor(a.CurrentTier())
}

// History returns a copy of the rolling sample history, oldest first.
func (a *Adapter) History() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sample, len(a.history))
	copy(out, a.history)
	return out
}

// pushLocked appends to the bounded history ring and hysteresis window.
func (a *Adapter) pushLocked(s Sample) {
	a.history = append(a.history, s)
	if len(a.history) > a.config.HistorySize {
		a.history = a.history[1:]
	}
	a.recent = append(a.recent, s.Tier)
	if len(a.recent) > a.config.HysteresisWindow {
		a.recent = a.recent[1:]
	}
}

// applyHysteresisLocked decides whether the acting tier changes and
// reports whether it did.
func (a *Adapter) applyHysteresisLocked(latest Sample) bool {
	candidate, votes := majorityTier(a.recent)
	if candidate == a.currentTier {
		return false
	}
	if votes*2 <= len(a.recent) {
		// Not yet the majority reading; keep the acting tier.
		return false
	}

	if candidate < a.currentTier {
		// Upgrade: the latest sample must additionally clear the
		// stricter gate for the target tier, so recovery stays
		// conservative while degradation is immediate.
		gate, ok := upgradeGates[candidate]
		if !ok {
			return false
		}
		if latest.BandwidthKbps < gate.minBandwidthKbps ||
			latest.LatencyMs > gate.maxLatencyMs ||
			latest.PacketLossPct > gate.maxLossPct {
			logrus.WithFields(logrus.Fields{
				"function":  "Adapter.applyHysteresis",
				"candidate": candidate.String(),
				"bandwidth": latest.BandwidthKbps,
				"latency":   latest.LatencyMs,
				"loss":      latest.PacketLossPct,
			}).Debug("Upgrade blocked by conservative gate")
			return false
		}
	}

	a.currentTier = candidate
	return true
}

// majorityTier returns the most frequent tier in window and its count.
func majorityTier(window []Tier) (Tier, int) {
	counts := make(map[Tier]int, 4)
	best := TierGood
	bestCount := 0
	for _, t := range window {
		counts[t]++
		if counts[t] > bestCount {
			best = t
			bestCount = counts[t]
		}
	}
	return best, bestCount
}

// classify reduces one raw measurement to a tier using a weighted
// penalty score. Bandwidth, latency, and loss contribute independently;
// thresholds are tiered, not linear, so a single bad dimension can sink
// the score on its own.
func classify(bandwidthKbps, latencyMs, lossPct, jitterMs float64, cfg AdapterConfig) Tier {
	score := 100.0

	switch {
	case bandwidthKbps < 200:
		score -= 55
	case bandwidthKbps < 500:
		score -= 40
	case bandwidthKbps < 1000:
		score -= 25
	case bandwidthKbps < 2000:
		score -= 10
	}

	switch {
	case latencyMs > 400:
		score -= 40
	case latencyMs > 200:
		score -= 25
	case latencyMs > 100:
		score -= 10
	}

	switch {
	case lossPct > 7:
		score -= 50
	case lossPct > 3:
		score -= 30
	case lossPct > 1:
		score -= 15
	}

	switch {
	case jitterMs > 80:
		score -= 20
	case jitterMs > 30:
		score -= 10
	}

	switch {
	case score >= cfg.ExcellentScore:
		return TierExcellent
	case score >= cfg.GoodScore:
		return TierGood
	case score >= cfg.PoorScore:
		return TierPoor
	default:
		return TierCritical
	}
}
