/*
Package metrics registers raven's Prometheus metrics and exposes them
over HTTP for scraping.

# Metrics Catalog

Unit metrics:

  - raven_units_total{state}: loaded units by ActiveState
  - raven_units_loaded_total: units currently in the registry
  - raven_unit_activations_total{unit}: start jobs actuated
  - raven_unit_failures_total{unit}: times a unit entered the failed state
  - raven_unit_restarts_total{unit}: automatic restarts performed

Job engine metrics:

  - raven_job_queue_depth: transactions currently pending
  - raven_job_actuation_duration_seconds{kind}: actuation latency
  - raven_jobs_completed_total{kind,result}: completed jobs

Supervisor metrics:

  - raven_supervised_processes: pids currently tracked
  - raven_reap_events_total: SIGCHLD-triggered reap cycles

Control socket metrics:

  - raven_control_requests_total{family,action}
  - raven_control_request_duration_seconds{family}

Store metrics:

  - raven_store_flush_duration_seconds
  - raven_store_recovery_duration_seconds

Watchdog metrics:

  - raven_watchdog_feeds_total

# Usage

	import "github.com/ravend/raven/pkg/metrics"

	timer := metrics.NewTimer()
	// ... actuate a job ...
	timer.ObserveDurationVec(metrics.JobActuationDuration, "start")

	http.Handle("/metrics", metrics.Handler())

collector.go periodically samples gauge-shaped state (unit counts, job
queue depth, supervised process count) off a *manager.Manager; counter
metrics are incremented at the point the event occurs, inside
pkg/manager's sink and job-dispatch code, since a polling loop can't
recover counts of events that happened between polls. health.go tracks
readiness separately from these metrics, keyed on the store, control
and supervisor subsystems coming up cleanly at startup.
*/
package metrics
