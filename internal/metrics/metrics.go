// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletbridge"

// Sizer reports the number of live entries per entity type.
type Sizer interface {
	RegistrySizes() map[string]int
}

// Metrics holds the collectors and the registry they are served from.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	calls        *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
}

// New creates the collectors. sizes may be nil, in which case no registry
// gauge is exported.
func New(sizes Sizer) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wallet_sync_seconds",
			Help:      "Wallet sync duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(m.calls, m.syncDuration)
	m.registry.MustRegister(collectors.NewGoCollector())
	if sizes != nil {
		m.registry.MustRegister(&registryCollector{sizes: sizes})
	}
	return m
}

// ObserveCall counts one RPC call. outcome is "ok" or a failure kind.
func (m *Metrics) ObserveCall(method, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
}

// ObserveSync records how long a wallet sync took.
func (m *Metrics) ObserveSync(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.syncDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// registryCollector reads registry sizes at scrape time.
type registryCollector struct {
	sizes Sizer
}

var registryEntriesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "registry_entries"),
	"Live entities per registry. Entries are never evicted.",
	[]string{"type"}, nil,
)

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- registryEntriesDesc
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	for name, n := range c.sizes.RegistrySizes() {
		ch <- prometheus.MustNewConstMetric(registryEntriesDesc, prometheus.GaugeValue, float64(n), name)
	}
}
