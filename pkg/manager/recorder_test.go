package manager

import (
	"testing"

	"github.com/ravend/raven/pkg/types"
)

// TestNoopRecorderSatisfiesInterface is a compile-time-ish smoke test:
// every Recorder method must be callable on the zero value without
// panicking, since it is what every Manager gets when Config.Recorder
// is left nil.
func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var rec Recorder = noopRecorder{}
	rec.UnitActivated("a.service")
	rec.UnitFailed("a.service")
	rec.UnitRestarted("a.service")
	rec.JobCompleted(types.JobStart, true)
}

// fakeRecorder records every call it receives, for asserting sink.go
// routes the right unit through the right method.
type fakeRecorder struct {
	activated []types.UnitID
	failed    []types.UnitID
	restarted []types.UnitID
	completed []types.JobKind
}

func (f *fakeRecorder) UnitActivated(id types.UnitID) { f.activated = append(f.activated, id) }
func (f *fakeRecorder) UnitFailed(id types.UnitID)    { f.failed = append(f.failed, id) }
func (f *fakeRecorder) UnitRestarted(id types.UnitID) { f.restarted = append(f.restarted, id) }
func (f *fakeRecorder) JobCompleted(kind types.JobKind, success bool) {
	f.completed = append(f.completed, kind)
}

var _ Recorder = (*fakeRecorder)(nil)
