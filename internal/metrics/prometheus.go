package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for the daemon.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	invocationsTotal       *prometheus.CounterVec
	coldStartsTotal        prometheus.Counter
	warmStartsTotal        prometheus.Counter
	containerOpsTotal      *prometheus.CounterVec
	concurrencyRejected    *prometheus.CounterVec
	lateDeliveriesTotal    prometheus.Counter
	autoscaleActionsTotal  *prometheus.CounterVec
	watchdogActionsTotal   *prometheus.CounterVec
	runtimeInitErrorsTotal *prometheus.CounterVec

	// Histograms
	invocationDuration *prometheus.HistogramVec
	containerStartTime *prometheus.HistogramVec
	imageBuildTime     *prometheus.HistogramVec
	queueWaitTime      *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	warmPool       *prometheus.GaugeVec
	queueDepth     *prometheus.GaugeVec
	pendingEntries prometheus.Gauge
	activeRequests prometheus.Gauge
	tokensHeld     *prometheus.GaugeVec
}

// Default histogram buckets for invocation duration (milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// StartTime returns the process start time used by the uptime gauge.
func StartTime() time.Time {
	return startTime
}

// Init initializes the Prometheus metrics subsystem. All record functions
// are no-ops until Init runs, so tests need no setup.
func Init(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total function invocations by outcome",
			},
			[]string{"function", "runtime", "outcome"},
		),

		coldStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Invocations that had to provision a container first",
			},
		),

		warmStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_starts_total",
				Help:      "Invocations served by an already warm container",
			},
		),

		containerOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_ops_total",
				Help:      "Sandbox driver operations by result",
			},
			[]string{"op", "result"},
		),

		concurrencyRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrency_rejections_total",
				Help:      "Invocations refused by the reserved-concurrency limiter",
			},
			[]string{"function"},
		),

		lateDeliveriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "late_deliveries_total",
				Help:      "Runtime results that arrived after the waiter was gone",
			},
		),

		autoscaleActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "autoscale_actions_total",
				Help:      "Autoscaler provisioning actions",
			},
			[]string{"function", "action"},
		),

		watchdogActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_actions_total",
				Help:      "Idle watchdog actions on warm containers",
			},
			[]string{"action"},
		),

		runtimeInitErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtime_init_errors_total",
				Help:      "Init errors reported by container bootstraps",
			},
			[]string{"function"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "End-to-end invocation duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"function", "runtime", "cold_start"},
		),

		containerStartTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "container_start_duration_milliseconds",
				Help:      "Container create/restart duration in milliseconds",
				Buckets:   []float64{100, 250, 500, 1000, 2000, 3000, 5000, 10000, 20000},
			},
			[]string{"function", "op"},
		),

		imageBuildTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "image_build_duration_milliseconds",
				Help:      "Function image build duration in milliseconds",
				Buckets:   []float64{500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
			},
			[]string{"runtime", "cached"},
		),

		queueWaitTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Time a work item spent on its lane before pickup",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
			[]string{"function"},
		),

		warmPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "warm_pool_size",
				Help:      "Warm pool size by function and instance state",
			},
			[]string{"function", "state"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current lane depth by function",
			},
			[]string{"function"},
		),

		pendingEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_entries",
				Help:      "Registered pending result waiters",
			},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Invocations currently in flight",
			},
		),

		tokensHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "concurrency_tokens_held",
				Help:      "Outstanding reserved-concurrency tokens by function",
			},
			[]string{"function"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.invocationsTotal,
		pm.coldStartsTotal,
		pm.warmStartsTotal,
		pm.containerOpsTotal,
		pm.concurrencyRejected,
		pm.lateDeliveriesTotal,
		pm.autoscaleActionsTotal,
		pm.watchdogActionsTotal,
		pm.runtimeInitErrorsTotal,
		pm.invocationDuration,
		pm.containerStartTime,
		pm.imageBuildTime,
		pm.queueWaitTime,
		pm.uptime,
		pm.warmPool,
		pm.queueDepth,
		pm.pendingEntries,
		pm.activeRequests,
		pm.tokensHeld,
	)

	promMetrics = pm
}

// RecordInvocation records one finished invocation.
func RecordInvocation(function, runtime, outcome string, durationMs int64, coldStart bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationsTotal.WithLabelValues(function, runtime, outcome).Inc()

	if coldStart {
		promMetrics.coldStartsTotal.Inc()
	} else {
		promMetrics.warmStartsTotal.Inc()
	}

	coldLabel := "false"
	if coldStart {
		coldLabel = "true"
	}
	promMetrics.invocationDuration.WithLabelValues(function, runtime, coldLabel).Observe(float64(durationMs))
}

// RecordContainerOp records a sandbox driver operation.
func RecordContainerOp(op string, err error) {
	if promMetrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	promMetrics.containerOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordConcurrencyRejection records a limiter refusal.
func RecordConcurrencyRejection(function string) {
	if promMetrics == nil {
		return
	}
	promMetrics.concurrencyRejected.WithLabelValues(function).Inc()
}

// RecordLateDelivery records a runtime POST that found no waiter.
func RecordLateDelivery() {
	if promMetrics == nil {
		return
	}
	promMetrics.lateDeliveriesTotal.Inc()
}

// RecordAutoscaleAction records an autoscaler create or restart.
func RecordAutoscaleAction(function, action string) {
	if promMetrics == nil {
		return
	}
	promMetrics.autoscaleActionsTotal.WithLabelValues(function, action).Inc()
}

// RecordWatchdogAction records an idle watchdog stop/remove/evict.
func RecordWatchdogAction(action string) {
	if promMetrics == nil {
		return
	}
	promMetrics.watchdogActionsTotal.WithLabelValues(action).Inc()
}

// RecordRuntimeInitError records a bootstrap init/error report.
func RecordRuntimeInitError(function string) {
	if promMetrics == nil {
		return
	}
	promMetrics.runtimeInitErrorsTotal.WithLabelValues(function).Inc()
}

// RecordContainerStart records container create/restart latency.
func RecordContainerStart(function, op string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.containerStartTime.WithLabelValues(function, op).Observe(float64(durationMs))
}

// RecordImageBuild records an image build (cached = tag already present).
func RecordImageBuild(runtime string, durationMs int64, cached bool) {
	if promMetrics == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	promMetrics.imageBuildTime.WithLabelValues(runtime, label).Observe(float64(durationMs))
}

// RecordQueueWait records how long a work item waited on its lane.
func RecordQueueWait(function string, waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueWaitTime.WithLabelValues(function).Observe(float64(waitMs))
}

// SetWarmPoolSize sets the pool gauge for one function and state.
func SetWarmPoolSize(function, state string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.warmPool.WithLabelValues(function, state).Set(float64(n))
}

// SetQueueDepth sets the lane depth gauge for a function.
func SetQueueDepth(function string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(function).Set(float64(depth))
}

// SetPendingEntries sets the pending waiter gauge.
func SetPendingEntries(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.pendingEntries.Set(float64(n))
}

// IncActiveRequests increments the in-flight invocation gauge.
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight invocation gauge.
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// SetTokensHeld sets the outstanding token gauge for a function.
func SetTokensHeld(function string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.tokensHeld.WithLabelValues(function).Set(float64(n))
}

// Handler returns the scrape handler for the custom registry.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
