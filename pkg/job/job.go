// Package job turns a single requested (unit, kind) into a transaction
// — a set of jobs with a wait-edge partial order — and dispatches ready
// jobs against the unit registry as their predecessors complete. Plan
// is a pure function per the spec's redesign guidance: it never panics,
// takes an explicit StateView rather than reaching into global state,
// and returns a typed error instead of reaching for a generic one.
package job

import (
	"fmt"

	"github.com/ravend/raven/pkg/registry"
	"github.com/ravend/raven/pkg/types"
)

// Request is a single actuation request arriving from the control
// socket or the manager's own trigger/restart logic.
type Request struct {
	Unit types.UnitID
	Kind types.JobKind
	Mode types.JobMode
}

// Job is one unit's actuation within a transaction.
type Job struct {
	ID           int
	Unit         types.UnitID
	Kind         types.JobKind
	State        types.JobState
	Predecessors map[int]bool
	Successors   []int
}

// JobSet is one planned transaction: a set of Jobs plus the order they
// were created in, preserved for deterministic iteration and logging.
type JobSet struct {
	Jobs  map[int]*Job
	Order []int
}

func newJobSet() *JobSet {
	return &JobSet{Jobs: make(map[int]*Job)}
}

func (js *JobSet) add(id int, unitID types.UnitID, kind types.JobKind) *Job {
	j := &Job{ID: id, Unit: unitID, Kind: kind, State: types.JobWaiting, Predecessors: map[int]bool{}}
	js.Jobs[id] = j
	js.Order = append(js.Order, id)
	return j
}

// jobFor returns the job already planned for unitID, or (nil, false).
func (js *JobSet) jobFor(unitID types.UnitID) (*Job, bool) {
	for _, id := range js.Order {
		if js.Jobs[id].Unit == unitID {
			return js.Jobs[id], true
		}
	}
	return nil, false
}

// PlanError is the typed failure Plan returns; it never panics.
type PlanError struct {
	Op     string
	Reason string
}

func (e *PlanError) Error() string { return fmt.Sprintf("job.Plan: %s: %s", e.Op, e.Reason) }

// StateView is the read-only slice of live state Plan needs, supplied
// by the manager so this package never imports pkg/unit or pkg/store
// directly.
type StateView interface {
	ActiveState(id types.UnitID) types.ActiveState
	IgnoreOnIsolate(id types.UnitID) bool
	AllActiveUnits() []types.UnitID
}

// Plan assembles a transaction for req against the dependency graph g
// and the registry reg, consulting view for active-state decisions.
func Plan(req Request, g *registry.Graph, reg *registry.Registry, view StateView) (*JobSet, error) {
	if _, err := reg.Get(req.Unit); err != nil {
		return nil, &PlanError{Op: "Plan", Reason: fmt.Sprintf("unknown unit %q", req.Unit)}
	}

	js := newJobSet()
	nextID := 0

	root := js.add(nextID, req.Unit, req.Kind)
	nextID++

	switch req.Kind {
	case types.JobStart, types.JobRestart:
		pullStart(js, g, &nextID, root.Unit, req.Kind)
	case types.JobStop:
		pullStop(js, g, &nextID, root.Unit)
	}

	if req.Mode == types.ModeIsolate {
		for _, active := range view.AllActiveUnits() {
			if view.IgnoreOnIsolate(active) {
				continue
			}
			if _, already := js.jobFor(active); already {
				continue
			}
			js.add(nextID, active, types.JobStop)
			nextID++
		}
	}

	addWaitEdges(js, g)

	if err := breakCycles(js); err != nil {
		return nil, err
	}

	computeSuccessors(js)
	return js, nil
}

// pullStart recursively adds Start jobs for everything req's unit
// Requires/Wants/BindsTo (AtomPull), per spec 4.7 step 2.
func pullStart(js *JobSet, g *registry.Graph, nextID *int, root types.UnitID, kind types.JobKind) {
	visited := map[types.UnitID]bool{root: true}
	queue := []types.UnitID{root}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, dep := range g.Atom(u, types.AtomPull) {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			js.add(*nextID, dep, types.JobStart)
			*nextID++
			queue = append(queue, dep)
		}
	}
}

// pullStop recursively adds Stop jobs for everything req's unit
// Conflicts/BindsTo (AtomStopPull) plus every unit that Requires the
// target, cascading, per spec 4.7 step 2's Stop propagation.
func pullStop(js *JobSet, g *registry.Graph, nextID *int, root types.UnitID) {
	visited := map[types.UnitID]bool{root: true}
	queue := []types.UnitID{root}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		for _, dep := range g.Atom(u, types.AtomStopPull) {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			js.add(*nextID, dep, types.JobStop)
			*nextID++
			queue = append(queue, dep)
		}

		for _, requirer := range g.Neighbors(u, types.RequiredBy) {
			if visited[requirer] {
				continue
			}
			visited[requirer] = true
			js.add(*nextID, requirer, types.JobStop)
			*nextID++
			queue = append(queue, requirer)
		}
	}
}

// addWaitEdges adds a predecessor edge for every planned job pair
// connected by Before/After in the graph, per spec 4.7 step 3.
func addWaitEdges(js *JobSet, g *registry.Graph) {
	for _, id := range js.Order {
		j := js.Jobs[id]
		for _, before := range g.Neighbors(j.Unit, types.Before) {
			if other, ok := js.jobFor(before); ok {
				// j.Unit is Before other.Unit: j must finish first.
				other.Predecessors[j.ID] = true
			}
		}
	}
}

// breakCycles detects a cycle in the predecessor graph and removes the
// edge that closes it, repeating until the graph is acyclic. Wait edges
// carry no record of the relation (Wants, Requires, BindsTo) that
// pulled their jobs in, so the choice does not weigh relations, and a
// cycle made only of Before/After edges is broken the same way rather
// than reported as a PlanError.
func breakCycles(js *JobSet) error {
	for {
		cyclePath, ok := findCycle(js)
		if !ok {
			return nil
		}
		if !dropWeakestEdge(js, cyclePath) {
			return &PlanError{Op: "Plan", Reason: "unbreakable cycle among Before/After wait edges"}
		}
	}
}

// findCycle returns the job IDs forming a cycle in the predecessor
// graph, if any, via DFS.
func findCycle(js *JobSet) ([]int, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(js.Jobs))
	var stack []int

	var visit func(id int) ([]int, bool)
	visit = func(id int) ([]int, bool) {
		color[id] = gray
		stack = append(stack, id)
		for pred := range js.Jobs[id].Predecessors {
			switch color[pred] {
			case white:
				if path, found := visit(pred); found {
					return path, true
				}
			case gray:
				// Found the cycle: slice stack from pred's position.
				for i, v := range stack {
					if v == pred {
						return append([]int(nil), stack[i:]...), true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil, false
	}

	for _, id := range js.Order {
		if color[id] == white {
			if path, found := visit(id); found {
				return path, true
			}
		}
	}
	return nil, false
}

// dropWeakestEdge removes the predecessor edge by which the last member
// of cyclePath waits on the first, the edge findCycle found closing the
// cycle. Plan doesn't track which relation produced which predecessor
// edge (a job can be pulled in by more than one relation), so the
// relation behind the edge is not consulted. It reports false only if
// the cycle has fewer than two members or names an unknown job.
func dropWeakestEdge(js *JobSet, cyclePath []int) bool {
	if len(cyclePath) < 2 {
		return false
	}
	first, last := cyclePath[0], cyclePath[len(cyclePath)-1]
	if js.Jobs[last] == nil {
		return false
	}
	delete(js.Jobs[last].Predecessors, first)
	return true
}

// computeSuccessors fills in Successors from the Predecessors maps so
// Complete can find ready jobs in O(1) per completion.
func computeSuccessors(js *JobSet) {
	for _, id := range js.Order {
		js.Jobs[id].Successors = nil
	}
	for _, id := range js.Order {
		j := js.Jobs[id]
		for pred := range j.Predecessors {
			js.Jobs[pred].Successors = append(js.Jobs[pred].Successors, j.ID)
		}
	}
}

// Ready returns every Waiting job with no outstanding predecessors.
func (js *JobSet) Ready() []*Job {
	var ready []*Job
	for _, id := range js.Order {
		j := js.Jobs[id]
		if j.State != types.JobWaiting {
			continue
		}
		if len(j.Predecessors) == 0 {
			ready = append(ready, j)
		}
	}
	return ready
}

// Complete marks job id Done and drops it from every successor's
// predecessor set, returning the successors that became ready as a
// result.
func (js *JobSet) Complete(id int) []*Job {
	j, ok := js.Jobs[id]
	if !ok {
		return nil
	}
	j.State = types.JobDone
	var freed []*Job
	for _, succID := range j.Successors {
		succ := js.Jobs[succID]
		delete(succ.Predecessors, id)
		if len(succ.Predecessors) == 0 && succ.State == types.JobWaiting {
			freed = append(freed, succ)
		}
	}
	return freed
}

// Done reports whether every job in the set has completed.
func (js *JobSet) Done() bool {
	for _, id := range js.Order {
		if js.Jobs[id].State != types.JobDone {
			return false
		}
	}
	return true
}
