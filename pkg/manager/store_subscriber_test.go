package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravend/raven/pkg/types"
)

func TestPidKeyRoundTrips(t *testing.T) {
	assert.Equal(t, "4242", pidKey(4242))
	assert.Equal(t, 4242, pidFromKey("4242"))
	assert.Equal(t, 0, pidFromKey("not-a-pid"))
}

func TestPidSubscriberMirrorsInsertsAndRemoves(t *testing.T) {
	m := newTestManager(t)
	sub := newPidSubscriber(m)
	require.NoError(t, sub.RebuildInputs())

	m.sup.Pids().Insert(4242, "a.service")

	var rec pidRecord
	ok, err := m.pidTable().Get(pidKey(4242), &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.UnitID("a.service"), rec.Unit)

	m.sup.Pids().Remove(4242)
	ok, err = m.pidTable().Get(pidKey(4242), &rec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPidSubscriberMapRearmsFromPersistedTable(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.pidTable().Set(pidKey(777), pidRecord{Unit: "a.service"}))

	sub := newPidSubscriber(m)
	require.NoError(t, sub.Map())

	owner, ok := m.sup.Pids().Get(777)
	require.True(t, ok)
	assert.Equal(t, types.UnitID("a.service"), owner)
}

func TestPidSubscriberMakeConsistentDropsStalePids(t *testing.T) {
	m := newTestManager(t)
	sub := newPidSubscriber(m)

	// A pid this large is never a real process, standing in for a
	// child that exited and was already reaped while raven was down.
	const stalePid = 999999999
	m.sup.Pids().Insert(stalePid, "a.service")

	require.NoError(t, sub.MakeConsistent())

	_, ok := m.sup.Pids().Get(stalePid)
	assert.False(t, ok)
}

func TestPidSubscriberCompensateLastIsNoop(t *testing.T) {
	m := newTestManager(t)
	sub := newPidSubscriber(m)
	assert.NoError(t, sub.CompensateLast(nil))
}
