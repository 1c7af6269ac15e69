package metrics

import "github.com/ravend/raven/pkg/types"

// Recorder implements pkg/manager's Recorder interface structurally
// (pkg/manager cannot import this package back — see collector.go's
// doc comment) so cmd/ravend can wire unit lifecycle and job
// completion events straight into the counters defined in metrics.go.
// The same value also satisfies pkg/job.Recorder, since JobCompleted
// is its only method.
type Recorder struct{}

func (Recorder) UnitActivated(id types.UnitID) {
	UnitActivationsTotal.WithLabelValues(string(id)).Inc()
}

func (Recorder) UnitFailed(id types.UnitID) {
	UnitFailuresTotal.WithLabelValues(string(id)).Inc()
}

func (Recorder) UnitRestarted(id types.UnitID) {
	UnitRestartsTotal.WithLabelValues(string(id)).Inc()
}

func (Recorder) JobCompleted(kind types.JobKind, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	JobsCompletedTotal.WithLabelValues(string(kind), result).Inc()
}
