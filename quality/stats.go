package quality

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicecore/transport"
)

// Report is one reduced stats interval: per-interval rates derived from
// the transport's monotonic counters, a composite quality score, and the
// list of detected issues.
type Report struct {
	BandwidthKbps float64
	LatencyMs     float64
	PacketLossPct float64
	JitterMs      float64

	// Score is the composite quality score, 0 (unusable) to 100.
	Score float64
	// Issues names each problem detected this interval.
	Issues []string

	Timestamp time.Time
}

// CollectorConfig defines stats polling behavior.
type CollectorConfig struct {
	// Interval is the polling period for transport counters.
	Interval time.Duration
}

// DefaultCollectorConfig returns the standard 2s polling interval.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{Interval: 2 * time.Second}
}

// Collector periodically polls raw transport metrics and reduces them to
// Reports.
//
// The transport exposes monotonic counters; the collector differences
// consecutive polls to produce per-interval rates. Reports are delivered
// synchronously to the registered callback, which in practice feeds the
// bandwidth adapter and the session's telemetry fields.
type Collector struct {
	mu     sync.Mutex
	config CollectorConfig
	source transport.RoomTransport

	prev    transport.Stats
	hasPrev bool

	reportCb func(Report)

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewCollector creates a stats collector over the given transport.
func NewCollector(source transport.RoomTransport, config CollectorConfig) *Collector {
	if config.Interval <= 0 {
		config = DefaultCollectorConfig()
	}
	return &Collector{
		config: config,
		source: source,
		now:    time.Now,
	}
}

// OnReport registers the report callback. Must be set before Start.
func (c *Collector) OnReport(cb func(Report)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportCb = cb
}

// SetNowFunc injects a clock for deterministic tests.
func (c *Collector) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Start begins the polling loop. Starting a running collector is a
// no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function": "Collector.Start",
		"interval": c.config.Interval,
	}).Info("Starting stats collector")

	c.wg.Add(1)
	go c.pollLoop(c.stopCh)
}

// Stop halts polling and waits for the loop to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Collector) pollLoop(stopCh chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Poll()
		case <-stopCh:
			return
		}
	}
}

// Poll performs one collection pass. Exposed so tests and the session
// client can force a sample without waiting for the ticker; overlapping
// calls are safe because each pass is independent.
func (c *Collector) Poll() {
	stats, err := c.source.Stats()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Collector.Poll",
			"error":    err.Error(),
		}).Debug("Transport stats unavailable this interval")
		return
	}

	c.mu.Lock()
	if !c.hasPrev {
		c.prev = stats
		c.hasPrev = true
		c.mu.Unlock()
		return
	}

	report := c.reduceLocked(stats)
	c.prev = stats
	cb := c.reportCb
	c.mu.Unlock()

	if cb != nil {
		cb(report)
	}
}

// ResetBaseline drops the previous counter snapshot. Called after a
// reconnect, when transport counters restart from zero.
func (c *Collector) ResetBaseline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasPrev = false
}

// reduceLocked differences the counters and computes score and issues.
func (c *Collector) reduceLocked(cur transport.Stats) Report {
	elapsed := cur.Timestamp.Sub(c.prev.Timestamp).Seconds()
	if elapsed <= 0 {
		elapsed = c.config.Interval.Seconds()
	}

	deltaBytes := counterDelta(cur.BytesSent, c.prev.BytesSent) +
		counterDelta(cur.BytesReceived, c.prev.BytesReceived)
	deltaSent := counterDelta(cur.PacketsSent, c.prev.PacketsSent)
	deltaLost := counterDelta(cur.PacketsLost, c.prev.PacketsLost)

	report := Report{
		BandwidthKbps: float64(deltaBytes) * 8 / 1000 / elapsed,
		LatencyMs:     float64(cur.RoundTripTime.Milliseconds()),
		JitterMs:      float64(cur.Jitter.Microseconds()) / 1000,
		Timestamp:     c.now(),
	}
	if deltaSent > 0 {
		report.PacketLossPct = float64(deltaLost) / float64(deltaSent) * 100
	}

	report.Score, report.Issues = scoreReport(report)
	return report
}

// counterDelta differences monotonic counters, tolerating a reset.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// scoreReport computes the composite 0-100 score and the issue list for
// one interval. The score reuses the adapter's penalty model so the two
// components never disagree about what "poor" means.
func scoreReport(r Report) (float64, []string) {
	score := 100.0
	var issues []string

	switch {
	case r.BandwidthKbps < 200:
		score -= 55
		issues = append(issues, "very low bandwidth")
	case r.BandwidthKbps < 500:
		score -= 40
		issues = append(issues, "low bandwidth")
	case r.BandwidthKbps < 1000:
		score -= 25
		issues = append(issues, "constrained bandwidth")
	case r.BandwidthKbps < 2000:
		score -= 10
	}

	switch {
	case r.LatencyMs > 400:
		score -= 40
		issues = append(issues, "very high latency")
	case r.LatencyMs > 200:
		score -= 25
		issues = append(issues, "high latency")
	case r.LatencyMs > 100:
		score -= 10
	}

	switch {
	case r.PacketLossPct > 7:
		score -= 50
		issues = append(issues, "severe packet loss")
	case r.PacketLossPct > 3:
		score -= 30
		issues = append(issues, "high packet loss")
	case r.PacketLossPct > 1:
		score -= 15
		issues = append(issues, "elevated packet loss")
	}

	switch {
	case r.JitterMs > 80:
		score -= 20
		issues = append(issues, "high jitter")
	case r.JitterMs > 30:
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	return score, issues
}
