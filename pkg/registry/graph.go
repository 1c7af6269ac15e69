package registry

import (
	"sync"

	"github.com/ravend/raven/pkg/types"
)

// edgeKey identifies one directed (source, relation, target) edge.
type edgeKey struct {
	from types.UnitID
	rel  types.Relation
	to   types.UnitID
}

// Graph is the dependency graph over unit ids. Every edge the caller
// adds is materialized in both directions atomically (the relation and
// its canonical inverse), so a query in either direction is a single
// map lookup rather than a reverse scan. Edges track an OriginMask so a
// partial unload (e.g. "drop-in removed") can retract exactly the bits
// it contributed without disturbing edges other origins still hold.
type Graph struct {
	mu    sync.RWMutex
	out   map[types.UnitID]map[types.Relation]map[types.UnitID]types.OriginMask
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{out: make(map[types.UnitID]map[types.Relation]map[types.UnitID]types.OriginMask)}
}

// AddEdge records that from has relation rel to to, contributed by
// origin, and installs the canonical inverse edge (to, Inverse(rel),
// from) with the same origin bit. Adding the same edge from a second
// origin ORs the origin bits together rather than duplicating the edge
// — Graph tolerates re-insertion and parallel edges from different
// origins by construction, never erroring on a cycle (cycle-breaking is
// the job engine's concern, not the graph's). A self-loop (from == to)
// is silently dropped rather than inserted — a unit ordered against or
// required by itself is never a meaningful edge, and the spec calls for
// it to be a no-op rather than a load error.
func (g *Graph) AddEdge(from types.UnitID, rel types.Relation, to types.UnitID, origin types.OriginMask) {
	if from == to {
		return
	}
	inv := types.Inverse(rel)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addDirected(from, rel, to, origin)
	if inv != "" {
		g.addDirected(to, inv, from, origin)
	}
}

func (g *Graph) addDirected(from types.UnitID, rel types.Relation, to types.UnitID, origin types.OriginMask) {
	byRel, ok := g.out[from]
	if !ok {
		byRel = make(map[types.Relation]map[types.UnitID]types.OriginMask)
		g.out[from] = byRel
	}
	targets, ok := byRel[rel]
	if !ok {
		targets = make(map[types.UnitID]types.OriginMask)
		byRel[rel] = targets
	}
	targets[to] |= origin
}

// RemoveEdgeOrigin clears origin's contribution to edge (from, rel,
// to) and its inverse; the edge itself is deleted once no origin bits
// remain, never before. This is the atomic "remove edge + inverse"
// operation the spec calls for — it always touches both directions in
// one call so the graph can never hold a dangling one-way edge. A
// self-loop is never present (AddEdge drops it on insertion), so this
// is a no-op for from == to.
func (g *Graph) RemoveEdgeOrigin(from types.UnitID, rel types.Relation, to types.UnitID, origin types.OriginMask) {
	if from == to {
		return
	}
	inv := types.Inverse(rel)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearDirected(from, rel, to, origin)
	if inv != "" {
		g.clearDirected(to, inv, from, origin)
	}
}

func (g *Graph) clearDirected(from types.UnitID, rel types.Relation, to types.UnitID, origin types.OriginMask) {
	byRel, ok := g.out[from]
	if !ok {
		return
	}
	targets, ok := byRel[rel]
	if !ok {
		return
	}
	remaining := targets[to] &^ origin
	if remaining == 0 {
		delete(targets, to)
	} else {
		targets[to] = remaining
	}
	if len(targets) == 0 {
		delete(byRel, rel)
	}
}

// RemoveUnit deletes every edge touching id, in both directions. Used
// when a transient or no-longer-referenced unit is unloaded entirely.
func (g *Graph) RemoveUnit(id types.UnitID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.out, id)
	for _, byRel := range g.out {
		for rel, targets := range byRel {
			delete(targets, id)
			if len(targets) == 0 {
				delete(byRel, rel)
			}
		}
	}
}

// Neighbors returns the targets of id's rel edges.
func (g *Graph) Neighbors(id types.UnitID, rel types.Relation) []types.UnitID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	targets := g.out[id][rel]
	out := make([]types.UnitID, 0, len(targets))
	for t := range targets {
		out = append(out, t)
	}
	return out
}

// Atom returns the union of targets across every relation belonging to
// a, de-duplicated. This is what the job engine calls to answer "what
// must happen before/after/alongside starting this unit" without
// knowing the individual relation names that make up each query.
func (g *Graph) Atom(id types.UnitID, a types.Atom) []types.UnitID {
	rels := types.RelationsForAtom(a)
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[types.UnitID]bool)
	var out []types.UnitID
	for _, rel := range rels {
		for t := range g.out[id][rel] {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// HasEdge reports whether the directed edge (from, rel, to) exists
// with any origin bit set.
func (g *Graph) HasEdge(from types.UnitID, rel types.Relation, to types.UnitID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.out[from][rel][to] != 0
}

// Symmetric checks the graph-wide invariant that every edge has its
// canonical inverse present with the same origin bits — used by tests,
// not by production code paths.
func (g *Graph) Symmetric() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for from, byRel := range g.out {
		for rel, targets := range byRel {
			inv := types.Inverse(rel)
			if inv == "" {
				continue
			}
			for to, origin := range targets {
				if g.out[to][inv][from] != origin {
					return false
				}
			}
		}
	}
	return true
}
