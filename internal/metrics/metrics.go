package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the pair collector.
type Metrics struct {
	// Upstream fetches (labels: class)
	FetchAttempts *prometheus.CounterVec
	FetchFailures *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	RateLimited   *prometheus.CounterVec

	// Discovery
	DiscoveryCycles   *prometheus.CounterVec // labels: result=ok|empty|failed
	DiscoveryAccepted prometheus.Gauge
	PairsTracked      prometheus.Gauge
	PairsAdded        prometheus.Counter
	PairsRemoved      *prometheus.CounterVec // labels: reason=discovery|band

	// Indicators
	IndicatorUpdates prometheus.Counter
	IndicatorSkipped *prometheus.CounterVec // labels: reason

	// Task scheduling
	TaskDuration *prometheus.HistogramVec // labels: task
	TaskErrors   *prometheus.CounterVec   // labels: task

	// Broadcast fan-out
	Subscribers     prometheus.Gauge
	EventsPublished *prometheus.CounterVec // labels: kind
	SinkDrops       prometheus.Counter

	// Persistence
	SnapshotSaves    *prometheus.CounterVec // labels: backend
	SnapshotFailures *prometheus.CounterVec // labels: backend, op

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
}

// NewMetrics registers and returns all collector metrics on reg. A nil
// reg uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_fetch_attempts_total",
			Help: "Upstream HTTP attempts by endpoint class",
		}, []string{"class"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_fetch_failures_total",
			Help: "Failed upstream HTTP attempts by endpoint class",
		}, []string{"class"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_fetch_duration_seconds",
			Help:    "Upstream HTTP attempt latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"class"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_rate_limited_total",
			Help: "Upstream 429 responses that triggered a cooldown",
		}, []string{"class"}),

		DiscoveryCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_discovery_cycles_total",
			Help: "Discovery cycles by result",
		}, []string{"result"}),
		DiscoveryAccepted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_discovery_accepted",
			Help: "Pairs accepted by the last non-empty discovery cycle",
		}),
		PairsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_pairs_tracked",
			Help: "Pairs currently held in the store",
		}),
		PairsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_pairs_added_total",
			Help: "Pairs inserted by discovery",
		}),
		PairsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_pairs_removed_total",
			Help: "Pairs removed from the store by reason",
		}, []string{"reason"}),

		IndicatorUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_indicator_updates_total",
			Help: "Candle sets recorded into the store",
		}),
		IndicatorSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_indicator_skipped_total",
			Help: "Pairs skipped during indicator refresh by reason",
		}, []string{"reason"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_task_duration_seconds",
			Help:    "Periodic task run time",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"task"}),
		TaskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_task_errors_total",
			Help: "Periodic task runs that returned an error",
		}, []string{"task"}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_subscribers",
			Help: "Live broadcast sinks",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_events_published_total",
			Help: "Broadcast events by kind",
		}, []string{"kind"}),
		SinkDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_sink_drops_total",
			Help: "Sinks removed after a failed write",
		}),

		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_snapshot_saves_total",
			Help: "Successful snapshot saves by backend",
		}, []string{"backend"}),
		SnapshotFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_snapshot_failures_total",
			Help: "Failed snapshot operations by backend and op",
		}, []string{"backend", "op"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.FetchAttempts,
		m.FetchFailures,
		m.FetchDuration,
		m.RateLimited,
		m.DiscoveryCycles,
		m.DiscoveryAccepted,
		m.PairsTracked,
		m.PairsAdded,
		m.PairsRemoved,
		m.IndicatorUpdates,
		m.IndicatorSkipped,
		m.TaskDuration,
		m.TaskErrors,
		m.Subscribers,
		m.EventsPublished,
		m.SinkDrops,
		m.SnapshotSaves,
		m.SnapshotFailures,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)

	return m
}
