package offline0

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// routedRequests counts fetch events by policy (passthrough|api|navigate|asset)
	// and outcome (the X-Offline0 value).
	routedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_requests_total",
			Help: "Intercepted requests by routing policy and outcome",
		},
		[]string{"policy", "outcome"},
	)

	// backgroundRefreshes counts cache-first refreshes (updated|unchanged|skipped|error).
	backgroundRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_background_refresh_total",
			Help: "Background cache refreshes by result",
		},
		[]string{"result"},
	)

	// precacheFetches counts install-time asset fetches by kind (static|external|sitemap).
	precacheFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_precache_fetch_total",
			Help: "Install-time asset fetches by kind and result",
		},
		[]string{"kind", "result"},
	)

	bucketsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_buckets_deleted_total",
			Help: "Stale cache buckets deleted during activation",
		},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_cache_evictions_total",
			Help: "Entries evicted from RAM by the byte cap",
		},
		[]string{"tier"},
	)

	networkLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline0_network_fetch_seconds",
			Help:    "Latency of network fetches issued by the router",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy", "result"},
	)
)
