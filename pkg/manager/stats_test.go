package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravend/raven/pkg/types"
)

func TestUnitCountsTallyByActiveState(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "a.service", types.Active)
	putUnit(m, "b.service", types.Active)
	putUnit(m, "c.service", types.Failed)

	counts := m.UnitCounts()
	assert.Equal(t, 2, counts[types.Active])
	assert.Equal(t, 1, counts[types.Failed])
	assert.Equal(t, 3, m.LoadedUnitCount())
}

func TestJobQueueDepthReflectsEngine(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, 0, m.JobQueueDepth())
}

func TestSupervisedProcessCountReflectsSupervisorPids(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, 0, m.SupervisedProcessCount())

	m.sup.Pids().Insert(12345, "a.service")
	assert.Equal(t, 1, m.SupervisedProcessCount())
}

func TestLoadedUnitCountIgnoresMissingLookups(t *testing.T) {
	m := newTestManager(t)
	require.Equal(t, 0, m.LoadedUnitCount())
	putUnit(m, "a.service", types.Inactive)
	assert.Equal(t, 1, m.LoadedUnitCount())
}
