package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Proxy-side counters.
var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphproxy_cache_hits_total",
		Help: "Requests served from the cache.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphproxy_cache_misses_total",
		Help: "Cacheable requests that required an upstream fetch.",
	})

	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphproxy_cache_invalidations_total",
		Help: "Point invalidations issued against the cache.",
	})

	Passthroughs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphproxy_passthrough_total",
		Help: "Requests forwarded upstream without cache involvement.",
	}, []string{"reason"})

	UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphproxy_upstream_errors_total",
		Help: "Upstream transport failures.",
	})
)

// Realtime-side counters.
var (
	UpdatesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphproxy_realtime_updates_total",
		Help: "Realtime update deliveries accepted.",
	})

	UpdatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphproxy_realtime_rejected_total",
		Help: "Realtime update deliveries rejected.",
	}, []string{"reason"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
