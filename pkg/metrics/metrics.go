package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Port pool metrics
	PortsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vncbroker_ports_allocated",
			Help: "Number of WebSocket ports currently allocated",
		},
	)

	PortsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vncbroker_ports_free",
			Help: "Number of WebSocket ports currently free",
		},
	)

	PoolUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vncbroker_pool_utilization_percent",
			Help: "Port pool utilization percentage",
		},
	)

	PoolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_pool_exhausted_total",
			Help: "Total number of allocations refused because the pool was exhausted",
		},
	)

	// Session metrics
	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_sessions_started_total",
			Help: "Total number of VNC sessions started",
		},
	)

	SessionsStoppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_sessions_stopped_total",
			Help: "Total number of VNC sessions stopped",
		},
	)

	SessionsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_sessions_failed_total",
			Help: "Total number of VNC session starts that failed and rolled back",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vncbroker_active_sessions",
			Help: "Number of sessions in this process's registry",
		},
	)

	// Supervisor metrics
	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vncbroker_spawn_duration_seconds",
			Help:    "Time taken to spawn websockify and resolve its PID in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_spawn_failures_total",
			Help: "Total number of websockify spawn failures",
		},
	)

	TerminateFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_terminate_failures_total",
			Help: "Total number of processes that survived SIGTERM and SIGKILL",
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vncbroker_reconcile_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	StaleReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_stale_released_total",
			Help: "Total number of stale allocations released by the reconciler",
		},
	)

	AdoptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_adopted_total",
			Help: "Total number of externally spawned websockify processes adopted",
		},
	)

	DriftWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vncbroker_drift_warnings_total",
			Help: "Total number of drift warnings (state and OS reality diverged)",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PortsAllocated)
	prometheus.MustRegister(PortsFree)
	prometheus.MustRegister(PoolUtilization)
	prometheus.MustRegister(PoolExhaustedTotal)
	prometheus.MustRegister(SessionsStartedTotal)
	prometheus.MustRegister(SessionsStoppedTotal)
	prometheus.MustRegister(SessionsFailedTotal)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(SpawnFailuresTotal)
	prometheus.MustRegister(TerminateFailuresTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(StaleReleasedTotal)
	prometheus.MustRegister(AdoptedTotal)
	prometheus.MustRegister(DriftWarningsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
