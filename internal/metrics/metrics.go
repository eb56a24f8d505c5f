// Package metrics exposes Prometheus instrumentation for the proxy, per
// SPEC_FULL.md §FULL-D: request counts by response status class and
// latency by method, cache hit/miss/stale counts, a minted-certificate
// counter, and gauges for the certificate cache size and active CONNECT
// tunnels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the proxy registers.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	CacheLookupsTotal *prometheus.CounterVec
	CertsMinted       prometheus.Counter
	CertCacheSize     prometheus.Gauge
	ConnectTunnels    prometheus.Gauge
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devproxy",
				Name:      "requests_total",
				Help:      "Total number of dispatched requests by method and outcome.",
			},
			[]string{"method", "outcome"}, // outcome=ok/client_error/server_error (by status class)
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devproxy",
				Name:      "request_duration_seconds",
				Help:      "Time from dispatch to final response byte.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		CacheLookupsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devproxy",
				Name:      "cache_lookups_total",
				Help:      "Total cache handler lookups by result.",
			},
			[]string{"result"}, // result=hit/miss/stale
		),
		CertsMinted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "devproxy",
				Name:      "certs_minted_total",
				Help:      "Total leaf certificates minted by the cert authority.",
			},
		),
		CertCacheSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devproxy",
				Name:      "cert_cache_size",
				Help:      "Number of server names with a memoized leaf certificate.",
			},
		),
		ConnectTunnels: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devproxy",
				Name:      "connect_tunnels_active",
				Help:      "Number of CONNECT bridges currently piping traffic.",
			},
		),
	}
}
