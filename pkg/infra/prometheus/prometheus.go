package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	scopeLabels = []string{"scope"}

	// Latency buckets in milliseconds
	latencyBuckets = []float64{
		5, 10, 25,
		50, 100, 250,
		500, 1000, 2500,
		5000, 10000, 30000,
	}

	AdmissionHitsTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeward_hits_total",
			Help: "Total number of cache hits per scope",
		},
		scopeLabels,
	)

	AdmissionMissesTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeward_misses_total",
			Help: "Total number of cache misses per scope",
		},
		scopeLabels,
	)

	AdmissionErrorsTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeward_errors_total",
			Help: "Total number of errors per scope",
		},
		scopeLabels,
	)

	RateLimitRejectedTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeward_ratelimit_rejected_total",
			Help: "Total number of rejected requests per identity tier",
		},
		[]string{"tier"},
	)

	ProviderLatency = promauto.With(registerer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeward_provider_latency_ms",
			Help:    "Provider operation latency in milliseconds",
			Buckets: latencyBuckets,
		},
		[]string{"provider"},
	)

	ProviderHealthy = promauto.With(registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeward_provider_healthy",
			Help: "Provider health state (1 healthy, 0 unhealthy)",
		},
		[]string{"provider"},
	)
)

func Initialize() {
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
}

func Registry() *prometheus.Registry {
	return registry
}
