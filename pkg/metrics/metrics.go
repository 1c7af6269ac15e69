package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Unit metrics
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raven_units_total",
			Help: "Total number of loaded units by active state",
		},
		[]string{"state"},
	)

	UnitsLoadedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raven_units_loaded_total",
			Help: "Total number of units currently loaded into the registry",
		},
	)

	UnitActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_unit_activations_total",
			Help: "Total number of unit start jobs actuated, by unit",
		},
		[]string{"unit"},
	)

	UnitFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_unit_failures_total",
			Help: "Total number of times a unit entered the failed state",
		},
		[]string{"unit"},
	)

	UnitRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_unit_restarts_total",
			Help: "Total number of automatic restarts performed for a service unit",
		},
		[]string{"unit"},
	)

	// Job engine metrics
	JobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raven_job_queue_depth",
			Help: "Number of transactions currently pending in the job engine",
		},
	)

	JobActuationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raven_job_actuation_duration_seconds",
			Help:    "Time taken to actuate a single job (start/stop/reload) in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_jobs_completed_total",
			Help: "Total number of jobs completed, by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Supervisor metrics
	SupervisedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raven_supervised_processes",
			Help: "Number of pids currently tracked by the supervisor",
		},
	)

	ReapEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raven_reap_events_total",
			Help: "Total number of SIGCHLD-triggered reap cycles",
		},
	)

	// Control socket metrics
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raven_control_requests_total",
			Help: "Total number of control socket requests by family and action",
		},
		[]string{"family", "action"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raven_control_request_duration_seconds",
			Help:    "Control socket request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	// Store metrics
	StoreFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raven_store_flush_duration_seconds",
			Help:    "Time taken to flush a store table to disk in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreRecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raven_store_recovery_duration_seconds",
			Help:    "Time taken to recover store state at startup in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Watchdog metrics
	WatchdogFeedsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raven_watchdog_feeds_total",
			Help: "Total number of watchdog keepalive feeds sent",
		},
	)
)

func init() {
	prometheus.MustRegister(UnitsTotal)
	prometheus.MustRegister(UnitsLoadedTotal)
	prometheus.MustRegister(UnitActivationsTotal)
	prometheus.MustRegister(UnitFailuresTotal)
	prometheus.MustRegister(UnitRestartsTotal)

	prometheus.MustRegister(JobQueueDepth)
	prometheus.MustRegister(JobActuationDuration)
	prometheus.MustRegister(JobsCompletedTotal)

	prometheus.MustRegister(SupervisedProcesses)
	prometheus.MustRegister(ReapEventsTotal)

	prometheus.MustRegister(ControlRequestsTotal)
	prometheus.MustRegister(ControlRequestDuration)

	prometheus.MustRegister(StoreFlushDuration)
	prometheus.MustRegister(StoreRecoveryDuration)

	prometheus.MustRegister(WatchdogFeedsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
