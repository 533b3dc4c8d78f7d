package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pool behavior to Prometheus.
type Metrics struct {
	Connections prometheus.Gauge
	Active      prometheus.Gauge
	Created     prometheus.Counter
	Reused      prometheus.Counter
	Evictions   prometheus.Counter
	Exhausted   prometheus.Counter
	IdleReaped  prometheus.Counter
}

// NewMetrics registers the pool metrics with reg. A collector already
// registered on reg by an earlier pool is reused, so multiple pools in
// one process can share prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Connections: registerGauge(reg, prometheus.GaugeOpts{
			Name: "voicecore_pool_connections",
			Help: "Number of pooled session connections, active and idle.",
		}),
		Active: registerGauge(reg, prometheus.GaugeOpts{
			Name: "voicecore_pool_active_connections",
			Help: "Number of pooled connections currently checked out.",
		}),
		Created: registerCounter(reg, prometheus.CounterOpts{
			Name: "voicecore_pool_created_total",
			Help: "Total session connections created by the pool.",
		}),
		Reused: registerCounter(reg, prometheus.CounterOpts{
			Name: "voicecore_pool_reused_total",
			Help: "Total acquisitions satisfied by an existing connection.",
		}),
		Evictions: registerCounter(reg, prometheus.CounterOpts{
			Name: "voicecore_pool_evictions_total",
			Help: "Total idle connections evicted to make room at capacity.",
		}),
		Exhausted: registerCounter(reg, prometheus.CounterOpts{
			Name: "voicecore_pool_exhausted_total",
			Help: "Total acquisitions rejected because the pool was full of active connections.",
		}),
		IdleReaped: registerCounter(reg, prometheus.CounterOpts{
			Name: "voicecore_pool_idle_reaped_total",
			Help: "Total idle connections destroyed by the timeout sweep.",
		}),
	}
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}
