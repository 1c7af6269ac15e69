package manager

import "github.com/ravend/raven/pkg/types"

// UnitCounts implements the query side the metrics collector polls: a
// live snapshot of every loaded unit's ActiveState, taken directly off
// the registry rather than a cached copy.
func (m *Manager) UnitCounts() map[types.ActiveState]int {
	counts := make(map[types.ActiveState]int)
	for _, id := range m.reg.All() {
		mach, err := m.reg.Get(id)
		if err != nil {
			continue
		}
		counts[mach.Meta().Active]++
	}
	return counts
}

// JobQueueDepth reports how many transactions the engine has pending
// right now.
func (m *Manager) JobQueueDepth() int {
	return m.engine.Pending()
}

// SupervisedProcessCount reports how many pids the supervisor is
// currently tracking (one per running service's main process, plus any
// still-live control/exec processes of a forking service).
func (m *Manager) SupervisedProcessCount() int {
	return m.sup.Pids().Len()
}

// LoadedUnitCount reports how many units the registry currently holds,
// regardless of ActiveState.
func (m *Manager) LoadedUnitCount() int {
	return len(m.reg.All())
}
