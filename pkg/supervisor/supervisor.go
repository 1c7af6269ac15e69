// Package supervisor reaps exited children and routes their wait
// status back to the unit that owns them. It owns the pid->unit map —
// a registry.Table[int, types.UnitID] rather than a plain map, so the
// store layer can subscribe to it and mirror every change to disk
// without the supervisor needing to know persistence exists.
package supervisor

import (
	"github.com/ravend/raven/pkg/registry"
	"github.com/ravend/raven/pkg/types"
	"golang.org/x/sys/unix"
)

// WaitResult is the information a unit needs to classify why its child
// exited.
type WaitResult struct {
	Pid      int
	ExitCode int
	Signal   int  // 0 if the process exited normally
	CoreDump bool
}

// Sink receives a reaped child's wait status. Lifecycle machines
// implement it (typically by embedding a small adapter that looks up
// which of their own tracked pids this is) and register through
// Supervisor.Watch.
type Sink interface {
	SigChld(WaitResult)
}

// Supervisor owns the pid->unit map and the reap loop. Reap is called
// from the SIGCHLD event source registered with pkg/event; it is not a
// goroutine itself; the single-threaded event loop calls into it on
// each signal-source wakeup.
type Supervisor struct {
	pids *registry.Table[int, types.UnitID]
	sinks map[types.UnitID]Sink
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{
		pids:  registry.NewTable[int, types.UnitID](),
		sinks: make(map[types.UnitID]Sink),
	}
}

// Pids exposes the pid table so pkg/store can subscribe to mirror it.
func (s *Supervisor) Pids() *registry.Table[int, types.UnitID] { return s.pids }

// Watch begins tracking pid as belonging to unit id, notified through
// sink on SIGCHLD.
func (s *Supervisor) Watch(id types.UnitID, pid int, sink Sink) {
	s.pids.Insert(pid, id)
	s.sinks[id] = sink
}

// Unwatch stops tracking pid, e.g. once its unit has already reaped it
// through another path (shouldn't normally happen, but kept for
// idempotency with a racing double-reap).
func (s *Supervisor) Unwatch(pid int) {
	s.pids.Remove(pid)
}

// DropUnit removes every pid tracked for id, called when the unit is
// unloaded from the registry — the Table subscription the manager
// wires at startup drives this from a TableRemove notification on the
// unit registry.
func (s *Supervisor) DropUnit(id types.UnitID) {
	var stale []int
	s.pids.Range(func(pid int, owner types.UnitID) bool {
		if owner == id {
			stale = append(stale, pid)
		}
		return true
	})
	for _, pid := range stale {
		s.pids.Remove(pid)
	}
	delete(s.sinks, id)
}

// Reap drains every exited child via a non-blocking wait loop,
// resolves each pid to its owning unit, and delivers the wait status.
// Unknown pids (already reaped elsewhere, or never tracked) are simply
// skipped — logging that is the caller's job since Supervisor has no
// logger dependency of its own.
func (s *Supervisor) Reap() []UnknownReap {
	var unknown []UnknownReap
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return unknown
		}

		id, ok := s.pids.Get(pid)
		if !ok {
			unknown = append(unknown, UnknownReap{Pid: pid, Status: ws})
			continue
		}
		s.pids.Remove(pid)

		result := WaitResult{Pid: pid}
		switch {
		case ws.Exited():
			result.ExitCode = ws.ExitStatus()
		case ws.Signaled():
			result.Signal = int(ws.Signal())
			result.CoreDump = ws.CoreDump()
		}

		if sink, ok := s.sinks[id]; ok {
			sink.SigChld(result)
		}
	}
}

// UnknownReap records a reaped pid the supervisor had no record of.
type UnknownReap struct {
	Pid    int
	Status unix.WaitStatus
}
