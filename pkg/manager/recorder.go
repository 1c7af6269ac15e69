package manager

import "github.com/ravend/raven/pkg/types"

// Recorder receives unit lifecycle and job completion events for
// metrics purposes. Manager never imports pkg/metrics directly —
// pkg/metrics/collector.go already imports pkg/manager to poll
// gauge-shaped state, so the dependency the other direction would be a
// cycle. A Recorder implementation satisfying this interface
// structurally (pkg/metrics provides one) is wired in through Config
// instead. Its method set is a superset of pkg/job.Recorder, so the
// same value also satisfies job.Engine's recorder without either
// package importing the other.
type Recorder interface {
	UnitActivated(id types.UnitID)
	UnitFailed(id types.UnitID)
	UnitRestarted(id types.UnitID)
	JobCompleted(kind types.JobKind, success bool)
}

// noopRecorder is the default when Config.Recorder is nil.
type noopRecorder struct{}

func (noopRecorder) UnitActivated(types.UnitID)       {}
func (noopRecorder) UnitFailed(types.UnitID)          {}
func (noopRecorder) UnitRestarted(types.UnitID)       {}
func (noopRecorder) JobCompleted(types.JobKind, bool) {}
