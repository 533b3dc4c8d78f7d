package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicecore/transport"
)

// Observation values chosen to classify unambiguously.
var (
	excellentSample = [4]float64{3000, 50, 0, 5}
	goodSample      = [4]float64{800, 50, 0, 5}
	poorSample      = [4]float64{300, 120, 0, 5}
	criticalSample  = [4]float64{100, 250, 8, 50}
)

func observe(a *Adapter, s [4]float64) Tier {
	return a.Observe(s[0], s[1], s[2], s[3])
}

func TestClassifyTiers(t *testing.T) {
	cfg := DefaultAdapterConfig()
	tests := []struct {
		name   string
		sample [4]float64
		want   Tier
	}{
		{"headroom", excellentSample, TierExcellent},
		{"constrained", goodSample, TierGood},
		{"bad", poorSample, TierPoor},
		{"barely usable", criticalSample, TierCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.sample[0], tt.sample[1], tt.sample[2], tt.sample[3], cfg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdapterStartsAtGood(t *testing.T) {
	a := NewAdapter(DefaultAdapterConfig())
	assert.Equal(t, TierGood, a.CurrentTier())
}

func TestDegradationNeedsMajorityOfWindow(t *testing.T) {
	a := NewAdapter(DefaultAdapterConfig())

	// Fill the hysteresis window with good readings.
	for i := 0; i < 5; i++ {
		observe(a, goodSample)
	}
	require.Equal(t, TierGood, a.CurrentTier())

	// Two bad samples out of five: not yet the majority reading.
	observe(a, poorSample)
	observe(a, poorSample)
	assert.Equal(t, TierGood, a.CurrentTier(), "two of five must not flip the tier")

	// Third bad sample makes it three of five.
	observe(a, poorSample)
	assert.Equal(t, TierPoor, a.CurrentTier())
}

func TestUpgradeRequiresMajorityAndGate(t *testing.T) {
	a := NewAdapter(DefaultAdapterConfig())

	for i := 0; i < 5; i++ {
		observe(a, poorSample)
	}
	require.Equal(t, TierPoor, a.CurrentTier())

	// Majority of good readings whose latest sample still misses the
	// upgrade gate (bandwidth below the Good floor): no upgrade.
	for i := 0; i < 3; i++ {
		observe(a, goodSample)
	}
	assert.Equal(t, TierPoor, a.CurrentTier(), "weak latest sample must block the upgrade")

	// A latest sample clearing the gate releases it.
	observe(a, [4]float64{1500, 50, 0, 5})
	assert.Equal(t, TierGood, a.CurrentTier())
}

func TestTierChangeFiresCallbacks(t *testing.T) {
	a := NewAdapter(DefaultAdapterConfig())

	var transitions [][2]Tier
	var presets []Preset
	a.SetCallbacks(
		func(p Preset) { presets = append(presets, p) },
		func(old, new Tier) { transitions = append(transitions, [2]Tier{old, new}) },
	)

	for i := 0; i < 5; i++ {
		observe(a, criticalSample)
	}

	require.NotEmpty(t, transitions)
	assert.Equal(t, [2]Tier{TierGood, TierCritical}, transitions[0])
	require.NotEmpty(t, presets)
	assert.Equal(t, TierCritical, presets[0].Tier)
	assert.False(t, presets[0].Video.Enabled)
}

func TestOfflineBypassesHysteresis(t *testing.T) {
	a := NewAdapter(DefaultAdapterConfig())

	var presets []Preset
	a.SetCallbacks(func(p Preset) { presets = append(presets, p) }, nil)

	// No samples at all: connectivity loss must still degrade instantly.
	a.SetOffline(true)

	assert.Equal(t, TierCritical, a.CurrentTier())
	require.Len(t, presets, 1)
	assert.False(t, presets[0].Video.Enabled)
	assert.True(t, presets[0].Audio.DTX)
}

func TestOfflinePinsTierAgainstSamples(t *testing.T) {
	a := NewAdapter(DefaultAdapterConfig())
	a.SetOffline(true)

	for i := 0; i < 10; i++ {
		got := observe(a, excellentSample)
		assert.Equal(t, TierCritical, got, "offline pin must hold against good samples")
	}

	a.SetOffline(false)
	observe(a, excellentSample)
	assert.Equal(t, TierExcellent, a.CurrentTier(),
		"after the pin releases, the accumulated good samples vote an upgrade")
}

func TestSetOfflineIsIdempotent(t *testing.T) {
	a := NewAdapter(DefaultAdapterConfig())

	fired := 0
	a.SetCallbacks(func(Preset) { fired++ }, nil)

	a.SetOffline(true)
	a.SetOffline(true)

	assert.Equal(t, 1, fired)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultAdapterConfig()
	a := NewAdapter(cfg)

	for i := 0; i < cfg.HistorySize+10; i++ {
		observe(a, goodSample)
	}

	assert.Len(t, a.History(), cfg.HistorySize)
}

func TestPresetForUnknownTierFallsBackToCritical(t *testing.T) {
	p := PresetFor(Tier(42))
	assert.Equal(t, TierCritical, p.Tier)
}

func TestPresetLadderDegradesVideoBeforeAudio(t *testing.T) {
	for _, tier := range []Tier{TierExcellent, TierGood, TierPoor} {
		p := PresetFor(tier)
		assert.True(t, p.Video.Enabled, "tier %s keeps video", tier)
		assert.Greater(t, p.Audio.BitrateKbps, 0)
	}
	crit := PresetFor(TierCritical)
	assert.False(t, crit.Video.Enabled)
	assert.False(t, crit.Screen.Enabled)
	assert.Greater(t, crit.Audio.BitrateKbps, 0, "audio survives at every tier")
}

func TestCollectorReducesCounterDeltas(t *testing.T) {
	mock := transport.NewMock()
	c := NewCollector(mock, CollectorConfig{Interval: 2 * time.Second})

	var reports []Report
	c.OnReport(func(r Report) { reports = append(reports, r) })

	base := time.Now()
	mock.StatsValue = transport.Stats{
		BytesSent:     1000,
		BytesReceived: 1000,
		PacketsSent:   100,
		PacketsLost:   0,
		RoundTripTime: 40 * time.Millisecond,
		Jitter:        5 * time.Millisecond,
		Timestamp:     base,
	}
	c.Poll() // baseline only, no report
	require.Empty(t, reports)

	mock.StatsValue = transport.Stats{
		BytesSent:     251000, // +250000 bytes sent
		BytesReceived: 251000, // +250000 bytes received
		PacketsSent:   300,    // +200
		PacketsLost:   4,      // +4 of 200 sent, 2% loss
		RoundTripTime: 40 * time.Millisecond,
		Jitter:        5 * time.Millisecond,
		Timestamp:     base.Add(2 * time.Second),
	}
	c.Poll()

	require.Len(t, reports, 1)
	r := reports[0]
	assert.InDelta(t, 2000, r.BandwidthKbps, 1) // 500000 B * 8 / 1000 / 2s
	assert.InDelta(t, 40, r.LatencyMs, 0.01)
	assert.InDelta(t, 2.0, r.PacketLossPct, 0.01)
	assert.Contains(t, r.Issues, "elevated packet loss")
}

func TestCollectorToleratesCounterReset(t *testing.T) {
	mock := transport.NewMock()
	c := NewCollector(mock, CollectorConfig{Interval: 2 * time.Second})

	var reports []Report
	c.OnReport(func(r Report) { reports = append(reports, r) })

	base := time.Now()
	mock.StatsValue = transport.Stats{BytesSent: 1 << 20, PacketsSent: 1000, Timestamp: base}
	c.Poll()

	// Counters restarted from zero, as after a transport reconnect.
	mock.StatsValue = transport.Stats{BytesSent: 5000, PacketsSent: 10, Timestamp: base.Add(2 * time.Second)}
	c.Poll()

	require.Len(t, reports, 1)
	assert.GreaterOrEqual(t, reports[0].BandwidthKbps, 0.0)
}

func TestCollectorResetBaselineSkipsOneInterval(t *testing.T) {
	mock := transport.NewMock()
	c := NewCollector(mock, CollectorConfig{Interval: 2 * time.Second})

	count := 0
	c.OnReport(func(Report) { count++ })

	base := time.Now()
	mock.StatsValue = transport.Stats{BytesSent: 1000, Timestamp: base}
	c.Poll()
	mock.StatsValue = transport.Stats{BytesSent: 2000, Timestamp: base.Add(2 * time.Second)}
	c.Poll()
	require.Equal(t, 1, count)

	c.ResetBaseline()
	mock.StatsValue = transport.Stats{BytesSent: 3000, Timestamp: base.Add(4 * time.Second)}
	c.Poll()
	assert.Equal(t, 1, count, "first poll after a baseline reset must not report")

	mock.StatsValue = transport.Stats{BytesSent: 4000, Timestamp: base.Add(6 * time.Second)}
	c.Poll()
	assert.Equal(t, 2, count)
}
