package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hodei_queue_depth",
			Help: "Number of jobs currently queued",
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_jobs_enqueued_total",
			Help: "Total number of jobs admitted into the queue",
		},
	)

	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hodei_jobs_total",
			Help: "Number of jobs by status",
		},
		[]string{"status"},
	)

	// Session metrics
	SessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hodei_worker_sessions_total",
			Help: "Number of worker sessions by state",
		},
		[]string{"state"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_heartbeats_total",
			Help: "Total number of worker heartbeats received",
		},
	)

	SessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_sessions_reaped_total",
			Help: "Total number of sessions disconnected for missed heartbeats",
		},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hodei_events_published_total",
			Help: "Total number of domain events published by kind",
		},
		[]string{"kind"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_events_dropped_total",
			Help: "Total number of domain events dropped on slow subscribers",
		},
	)

	// Placement metrics
	PlacementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hodei_placement_duration_seconds",
			Help:    "Time taken to place a job onto a pool in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_placement_failures_total",
			Help: "Total number of placement failures",
		},
	)

	// Provisioning metrics
	ProvisioningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hodei_provisioning_duration_seconds",
			Help:    "Worker instance provisioning duration in seconds by pool type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool_type"},
	)

	ProvisioningFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hodei_provisioning_failures_total",
			Help: "Total number of provisioning failures by kind",
		},
		[]string{"kind"},
	)

	// Artifact metrics
	ArtifactCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_artifact_cache_hits_total",
			Help: "Total number of artifact cache hits",
		},
	)

	ArtifactCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_artifact_cache_misses_total",
			Help: "Total number of artifact cache misses",
		},
	)

	ArtifactBytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hodei_artifact_bytes_sent_total",
			Help: "Total artifact bytes streamed to workers (on-wire size)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hodei_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hodei_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(SessionsByState)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(SessionsReapedTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(PlacementDuration)
	prometheus.MustRegister(PlacementFailuresTotal)
	prometheus.MustRegister(ProvisioningDuration)
	prometheus.MustRegister(ProvisioningFailuresTotal)
	prometheus.MustRegister(ArtifactCacheHitsTotal)
	prometheus.MustRegister(ArtifactCacheMissesTotal)
	prometheus.MustRegister(ArtifactBytesSentTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
