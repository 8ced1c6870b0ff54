// Package metrics exposes Prometheus instrumentation for the scrape pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs reaching a terminal status.
	// Labels: status (completed, failed), source (orchestrator, poller, recovery)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_jobs_total",
			Help: "Scrape jobs that reached a terminal status",
		},
		[]string{"status", "source"},
	)

	JobsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrape_jobs_deduplicated_total",
			Help: "Scrape requests answered with an already active job",
		},
	)

	PostsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrape_posts_stored_total",
			Help: "New posts written by materialization",
		},
	)

	// ProviderCalls counts outbound provider calls.
	// Labels: operation (company, profile, posts, status), result (data, ticket, error)
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Calls made to the scraping provider",
		},
		[]string{"operation", "result"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Provider call latency",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	SerializerDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_serializer_queue_depth",
			Help: "Provider calls waiting in the serializer",
		},
	)

	// CircuitBreakerState: 0=closed, 1=half-open, 2=open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state",
		},
		[]string{"name"},
	)

	SnapshotsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_snapshots",
			Help: "Provider tickets awaiting resolution",
		},
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_processed_total",
			Help: "Durable queue task outcomes",
		},
		[]string{"type", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_task_duration_seconds",
			Help:    "Durable queue handler run time",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"type"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Connected live event subscribers",
		},
	)

	// EventsEmitted labels: type, result (queued, dropped)
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_events_total",
			Help: "Live events handed to the hub",
		},
		[]string{"type", "result"},
	)

	// CacheRequests labels: result (hit, miss, stale)
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "post_cache_requests_total",
			Help: "Post cache lookups",
		},
		[]string{"result"},
	)
)
