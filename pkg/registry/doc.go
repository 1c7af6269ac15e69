/*
Package registry holds the unit arena and the dependency graph built
over it.

	┌─────────────── Registry ───────────────┐      ┌──────── Graph ────────┐
	│  Table[UnitID, unit.Machine]            │      │ from -> rel -> to set  │
	│  (the only owner of live Machine refs)  │      │ (edge + inverse,       │
	│                                          │      │  origin-masked)        │
	└──────────────────┬───────────────────────┘      └───────────┬────────────┘
	                   │ UnitID                                   │ UnitID
	                   ▼                                          ▼
	            job engine, control socket, supervisor pid map, loader

Every other subsystem that needs to reach a unit does so by UnitID
through the Registry, and every dependency query goes through the
Graph's relation tables rather than a pointer held on the unit struct
itself. This is the arena-of-stable-ids pattern the rest of the core
relies on to stay free of reference cycles.
*/
package registry
