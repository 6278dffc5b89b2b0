// Package metrics exposes engine counters over a private Prometheus
// registry so tests can create isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	Reconnects   prometheus.Counter
	SendRetries  prometheus.Counter
	SendFailures prometheus.Counter

	MessagesMerged  prometheus.Counter
	MessagesDropped prometheus.Counter

	Connected prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_cache_hits_total",
			Help: "Cache lookups served from either tier.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_cache_misses_total",
			Help: "Cache lookups that found nothing usable.",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_cache_evictions_total",
			Help: "Entries evicted by capacity pressure or TTL sweep.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_transport_reconnects_total",
			Help: "Reconnection attempts against the gateway.",
		}),
		SendRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_send_retries_total",
			Help: "Automatic resends of optimistic messages.",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_send_failures_total",
			Help: "Optimistic messages marked failed after exhausting retries.",
		}),
		MessagesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_messages_merged_total",
			Help: "Messages folded into conversation timelines.",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenithchat_messages_dropped_total",
			Help: "Malformed message payloads discarded during merge.",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zenithchat_connected",
			Help: "1 while the gateway socket is established.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
