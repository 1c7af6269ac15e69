package job

import (
	"context"
	"testing"

	"github.com/ravend/raven/pkg/registry"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMachine struct {
	meta unit.Meta
}

func newStub(id types.UnitID) *stubMachine {
	return &stubMachine{meta: unit.Meta{ID: id, Active: types.Inactive}}
}

func (s *stubMachine) Meta() *unit.Meta                { return &s.meta }
func (s *stubMachine) Start(context.Context) error     { return nil }
func (s *stubMachine) Stop(context.Context) error      { return nil }
func (s *stubMachine) Reload(context.Context) error    { return nil }
func (s *stubMachine) CanReload() bool                 { return false }
func (s *stubMachine) ResetFailed()                    {}

type fakeView struct {
	active map[types.UnitID]bool
	ignore map[types.UnitID]bool
}

func (v fakeView) ActiveState(id types.UnitID) types.ActiveState {
	if v.active[id] {
		return types.Active
	}
	return types.Inactive
}
func (v fakeView) IgnoreOnIsolate(id types.UnitID) bool { return v.ignore[id] }
func (v fakeView) AllActiveUnits() []types.UnitID {
	var out []types.UnitID
	for id, on := range v.active {
		if on {
			out = append(out, id)
		}
	}
	return out
}

func setup(ids ...types.UnitID) (*registry.Registry, *registry.Graph) {
	reg := registry.New()
	for _, id := range ids {
		reg.Put(newStub(id))
	}
	return reg, registry.NewGraph()
}

func TestPlanUnknownUnitFails(t *testing.T) {
	reg, g := setup()
	_, err := Plan(Request{Unit: "ghost.service", Kind: types.JobStart}, g, reg, fakeView{})
	require.Error(t, err)
}

func TestPlanStartPullsRequiresAndWants(t *testing.T) {
	reg, g := setup("web.service", "db.service", "cache.service")
	g.AddEdge("web.service", types.Requires, "db.service", types.OriginFragment)
	g.AddEdge("web.service", types.Wants, "cache.service", types.OriginFragment)

	js, err := Plan(Request{Unit: "web.service", Kind: types.JobStart}, g, reg, fakeView{})
	require.NoError(t, err)
	assert.Len(t, js.Jobs, 3)
	_, hasDB := js.jobFor("db.service")
	_, hasCache := js.jobFor("cache.service")
	assert.True(t, hasDB)
	assert.True(t, hasCache)
}

func TestPlanStopPropagatesToRequirers(t *testing.T) {
	reg, g := setup("db.service", "web.service")
	g.AddEdge("web.service", types.Requires, "db.service", types.OriginFragment)

	js, err := Plan(Request{Unit: "db.service", Kind: types.JobStop}, g, reg, fakeView{})
	require.NoError(t, err)
	webJob, ok := js.jobFor("web.service")
	require.True(t, ok)
	assert.Equal(t, types.JobStop, webJob.Kind)
}

func TestPlanAddsWaitEdgesFromBefore(t *testing.T) {
	reg, g := setup("a.service", "b.service")
	g.AddEdge("a.service", types.Requires, "b.service", types.OriginFragment)
	g.AddEdge("a.service", types.Before, "b.service", types.OriginFragment)

	js, err := Plan(Request{Unit: "a.service", Kind: types.JobStart}, g, reg, fakeView{})
	require.NoError(t, err)
	aJob, _ := js.jobFor("a.service")
	bJob, _ := js.jobFor("b.service")
	assert.Contains(t, bJob.Predecessors, aJob.ID)
}

func TestPlanBreaksWantsCycle(t *testing.T) {
	reg, g := setup("a.service", "b.service")
	g.AddEdge("a.service", types.Wants, "b.service", types.OriginFragment)
	g.AddEdge("b.service", types.Wants, "a.service", types.OriginFragment)
	g.AddEdge("a.service", types.Before, "b.service", types.OriginFragment)
	g.AddEdge("b.service", types.Before, "a.service", types.OriginFragment)

	js, err := Plan(Request{Unit: "a.service", Kind: types.JobStart}, g, reg, fakeView{})
	require.NoError(t, err)
	assert.Len(t, js.Jobs, 2)
}

func TestPlanIsolateStopsUnlistedActiveUnits(t *testing.T) {
	reg, g := setup("keep.service", "other.service")
	view := fakeView{active: map[types.UnitID]bool{"other.service": true}}

	js, err := Plan(Request{Unit: "keep.service", Kind: types.JobStart, Mode: types.ModeIsolate}, g, reg, view)
	require.NoError(t, err)
	otherJob, ok := js.jobFor("other.service")
	require.True(t, ok)
	assert.Equal(t, types.JobStop, otherJob.Kind)
}

func TestJobSetReadyAndComplete(t *testing.T) {
	js := newJobSet()
	a := js.add(0, "a.service", types.JobStart)
	b := js.add(1, "b.service", types.JobStart)
	b.Predecessors[a.ID] = true
	computeSuccessors(js)

	ready := js.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, a.ID, ready[0].ID)

	freed := js.Complete(a.ID)
	require.Len(t, freed, 1)
	assert.Equal(t, b.ID, freed[0].ID)
	assert.True(t, js.Ready()[0].ID == b.ID || len(js.Ready()) == 0)
}

type recordingActuator struct {
	calls []types.UnitID
}

func (a *recordingActuator) Actuate(ctx context.Context, id types.UnitID, kind types.JobKind) error {
	a.calls = append(a.calls, id)
	return nil
}

func TestEngineDispatchesReadyThenSuccessorsOnNotify(t *testing.T) {
	reg, g := setup("a.service", "b.service")
	g.AddEdge("a.service", types.Requires, "b.service", types.OriginFragment)
	g.AddEdge("a.service", types.Before, "b.service", types.OriginFragment)

	js, err := Plan(Request{Unit: "a.service", Kind: types.JobStart}, g, reg, fakeView{})
	require.NoError(t, err)

	act := &recordingActuator{}
	e := New(act, nil)
	e.Enqueue(context.Background(), js)
	assert.Equal(t, []types.UnitID{"a.service"}, act.calls)

	e.Notify(context.Background(), "a.service", true)
	assert.Equal(t, []types.UnitID{"a.service", "b.service"}, act.calls)
	assert.Equal(t, 1, e.Pending())
}
