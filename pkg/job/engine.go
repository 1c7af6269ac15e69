package job

import (
	"context"
	"sync"

	"github.com/ravend/raven/pkg/types"
)

// Actuator is the manager's bridge from a Job to the unit.Machine it
// names: Engine never imports pkg/unit directly so this package stays
// usable from tests without constructing real lifecycle machines.
type Actuator interface {
	Actuate(ctx context.Context, unitID types.UnitID, kind types.JobKind) error
}

// Engine owns the currently pending transactions and drains ready jobs
// against an Actuator. Enqueue dispatches whatever a new transaction
// has ready and Notify dispatches whatever a completion freed, never
// blocking.
type Engine struct {
	mu       sync.Mutex
	actuator Actuator
	rec      Recorder
	pending  []*JobSet
}

// New constructs an Engine bound to actuator. A nil rec is replaced
// with a no-op.
func New(actuator Actuator, rec Recorder) *Engine {
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Engine{actuator: actuator, rec: rec}
}

// Enqueue adds a freshly planned transaction and immediately dispatches
// whatever in it has no predecessors.
func (e *Engine) Enqueue(ctx context.Context, js *JobSet) {
	e.mu.Lock()
	e.pending = append(e.pending, js)
	e.mu.Unlock()
	e.dispatchReady(ctx, js)
}

func (e *Engine) dispatchReady(ctx context.Context, js *JobSet) {
	for {
		failed := false
		for _, j := range js.Ready() {
			if j.State != types.JobWaiting {
				continue
			}
			j.State = types.JobRunning
			if err := e.actuator.Actuate(ctx, j.Unit, j.Kind); err != nil {
				// A dispatch failure still completes the job (as failed) so
				// its successors aren't left stuck waiting forever; the
				// outer loop then dispatches whatever that freed.
				js.Complete(j.ID)
				e.rec.JobCompleted(j.Kind, false)
				failed = true
			}
		}
		if !failed {
			return
		}
	}
}

// Notify is called by the manager when unitID's current operation
// (whichever job actuated it) has completed; success reflects whether
// the unit landed in a non-Failed ActiveState. It marks the matching
// job Done across every pending transaction, reports its outcome to
// the Recorder, and dispatches newly-ready successors.
func (e *Engine) Notify(ctx context.Context, unitID types.UnitID, success bool) {
	e.mu.Lock()
	sets := append([]*JobSet(nil), e.pending...)
	e.mu.Unlock()

	var stillPending []*JobSet
	for _, js := range sets {
		if j, ok := js.jobFor(unitID); ok && j.State == types.JobRunning {
			kind := j.Kind
			js.Complete(j.ID)
			e.rec.JobCompleted(kind, success)
			e.dispatchReady(ctx, js)
		}
		if !js.Done() {
			stillPending = append(stillPending, js)
		}
	}

	e.mu.Lock()
	e.pending = stillPending
	e.mu.Unlock()
}

// Pending reports how many transactions are still in flight, mostly
// for status reporting over the control socket.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
