package timer

import (
	"context"
	"testing"
	"time"

	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now   time.Time
	boot  time.Time
	start time.Time
}

func (c fakeClock) Now() time.Time         { return c.now }
func (c fakeClock) BootTime() time.Time    { return c.boot }
func (c fakeClock) StartupTime() time.Time { return c.start }
func (c fakeClock) UnitActivationTime(types.UnitID) (time.Time, bool)   { return time.Time{}, false }
func (c fakeClock) UnitDeactivationTime(types.UnitID) (time.Time, bool) { return time.Time{}, false }

type memStore struct {
	vals map[types.UnitID]time.Time
}

func newMemStore() *memStore { return &memStore{vals: map[types.UnitID]time.Time{}} }
func (s *memStore) LoadLastTrigger(id types.UnitID) (time.Time, bool) {
	t, ok := s.vals[id]
	return t, ok
}
func (s *memStore) SaveLastTrigger(id types.UnitID, at time.Time) error {
	s.vals[id] = at
	return nil
}

type fakeTrigger struct{ started []types.UnitID }

func (t *fakeTrigger) TriggerStart(target types.UnitID) error {
	t.started = append(t.started, target)
	return nil
}

type noopSink struct{}

func (noopSink) UnitStateChanged(unit.Event) {}

func TestStartArmsSmallestFutureOffset(t *testing.T) {
	clock := fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := Config{Values: []TimerValue{
		{Base: BaseActive, Offset: 10 * time.Second},
		{Base: BaseActive, Offset: 2 * time.Second},
	}}
	m := New("demo.timer", cfg, clock, nil, &fakeTrigger{}, noopSink{})

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Waiting, m.sub)
	assert.Equal(t, clock.now.Add(2*time.Second), m.Next())
}

func TestElapseTriggersAndRearms(t *testing.T) {
	clock := fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	trigger := &fakeTrigger{}
	cfg := Config{Values: []TimerValue{{Base: BaseActive, Offset: time.Second}}, Unit: "demo.service"}
	m := New("demo.timer", cfg, clock, nil, trigger, noopSink{})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Elapse())

	assert.Equal(t, []types.UnitID{"demo.service"}, trigger.started)
	assert.Equal(t, Waiting, m.sub)
}

func TestDefaultTargetIsSameNameService(t *testing.T) {
	clock := fakeClock{now: time.Now()}
	m := New("demo.timer", Config{Values: []TimerValue{{Base: BaseActive, Offset: time.Second}}}, clock, nil, &fakeTrigger{}, noopSink{})
	assert.Equal(t, types.UnitID("demo.service"), m.Target())
}

func TestPersistentFiresImmediatelyOnMissedWindow(t *testing.T) {
	store := newMemStore()
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.vals["demo.timer"] = last
	clock := fakeClock{now: last.Add(48 * time.Hour)}

	trigger := &fakeTrigger{}
	cfg := Config{
		Persistent: true,
		Values:     []TimerValue{{Base: BaseCalendar, Calendar: "0 0 * * *"}},
	}
	m := New("demo.timer", cfg, clock, store, trigger, noopSink{})

	require.NoError(t, m.Start(context.Background()))
	assert.NotEmpty(t, trigger.started)
}
