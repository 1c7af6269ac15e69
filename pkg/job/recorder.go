package job

import "github.com/ravend/raven/pkg/types"

// Recorder receives job completion events for metrics purposes. Engine
// never imports pkg/metrics directly; a Recorder is supplied at
// construction time the same way Actuator is.
type Recorder interface {
	JobCompleted(kind types.JobKind, success bool)
}

// noopRecorder is the default when New is called without one.
type noopRecorder struct{}

func (noopRecorder) JobCompleted(types.JobKind, bool) {}
