package registry

import (
	"sync"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
)

// Registry is the unit arena: the single owning map from a unit's
// stable types.UnitID to its live unit.Machine. Every other subsystem
// (graph, job engine, supervisor pid map) stores UnitIDs and calls back
// into the Registry to reach the Machine, which is what lets those
// structures stay acyclic value types.
type Registry struct {
	units *Table[types.UnitID, unit.Machine]

	mu    sync.RWMutex
	names map[string][]types.UnitID // template base name -> known instances
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		units: NewTable[types.UnitID, unit.Machine](),
		names: make(map[string][]types.UnitID),
	}
}

// Units exposes the underlying table so callers can Subscribe to
// load/unload notifications (e.g. the control socket's "list units"
// path, or metrics tracking live unit count).
func (r *Registry) Units() *Table[types.UnitID, unit.Machine] { return r.units }

// Put installs m under its own Meta().ID, replacing any prior entry.
func (r *Registry) Put(m unit.Machine) {
	id := m.Meta().ID
	r.units.Insert(id, m)

	if base, ok := id.Template(); ok {
		r.mu.Lock()
		r.names[base] = appendUnique(r.names[base], id)
		r.mu.Unlock()
	}
}

// Get returns the machine for id, or rerr.NotFound.
func (r *Registry) Get(id types.UnitID) (unit.Machine, error) {
	m, ok := r.units.Get(id)
	if !ok {
		return nil, rerr.New(rerr.NotFound, "registry.Get", string(id))
	}
	return m, nil
}

// Remove drops id from the arena. It is a no-op if id is absent.
func (r *Registry) Remove(id types.UnitID) {
	r.units.Remove(id)
	if base, ok := id.Template(); ok {
		r.mu.Lock()
		r.names[base] = removeValue(r.names[base], id)
		r.mu.Unlock()
	}
}

// Instances returns every known instance id of the template named base
// (without "@" or ".kind"), for "systemctl status foo@*" style queries.
func (r *Registry) Instances(base string) []types.UnitID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UnitID, len(r.names[base]))
	copy(out, r.names[base])
	return out
}

// All returns a snapshot of every registered id.
func (r *Registry) All() []types.UnitID {
	ids := make([]types.UnitID, 0, r.units.Len())
	r.units.Range(func(k types.UnitID, _ unit.Machine) bool {
		ids = append(ids, k)
		return true
	})
	return ids
}

func appendUnique(ids []types.UnitID, id types.UnitID) []types.UnitID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeValue(ids []types.UnitID, id types.UnitID) []types.UnitID {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
