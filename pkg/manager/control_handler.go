package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/ravend/raven/pkg/control"
	"github.com/ravend/raven/pkg/job"
	"github.com/ravend/raven/pkg/log"
	"github.com/ravend/raven/pkg/types"
)

// control.Server serves each connection on its own goroutine, but every
// live-state read or mutation a Handler performs (registry, graph, job
// engine) must only happen on the event loop's goroutine — the same
// rule that keeps pkg/event's sources from racing each other. Manager
// bridges the two by implementing control.Handler as a thin function
// that hands the request to drainControlJobs (a Post source on the
// loop) over controlCh and blocks on a per-request reply channel
// rather than dispatching directly.

func (m *Manager) UnitAction(req control.Request) control.Response     { return m.bridge(req) }
func (m *Manager) ManagerAction(req control.Request) control.Response  { return m.bridge(req) }
func (m *Manager) SystemAction(req control.Request) control.Response   { return m.bridge(req) }
func (m *Manager) UnitFileAction(req control.Request) control.Response { return m.bridge(req) }

func (m *Manager) bridge(req control.Request) control.Response {
	reply := make(chan control.Response, 1)
	m.controlCh <- controlJob{req: req, reply: reply}
	return <-reply
}

// drainControlJobs is registered as an event.NewPost source and runs
// on every loop cycle: it drains every pending control request and
// answers it synchronously against live state before returning, so no
// registry/graph/job-engine access from this path ever races the rest
// of the loop's dispatch.
func (m *Manager) drainControlJobs(ctx context.Context) error {
	for {
		select {
		case cj := <-m.controlCh:
			cj.reply <- m.serve(ctx, cj.req)
		default:
			return nil
		}
	}
}

func (m *Manager) serve(ctx context.Context, req control.Request) control.Response {
	switch req.Family {
	case control.FamilyUnit:
		return m.serveUnitAction(ctx, req)
	case control.FamilyManager:
		return m.serveManagerAction(ctx, req)
	case control.FamilySystem:
		return m.serveSystemAction(ctx, req)
	case control.FamilyUnitFile:
		return m.serveUnitFileAction(ctx, req)
	default:
		return control.Errorf(1, "unknown command family %q", req.Family)
	}
}

func (m *Manager) serveUnitAction(ctx context.Context, req control.Request) control.Response {
	mode := req.Mode
	if mode == "" {
		mode = types.ModeReplace
	}

	switch req.UnitAction {
	case control.UnitStart:
		return m.runJob(ctx, req.Unit, types.JobStart, mode)
	case control.UnitStop:
		return m.runJob(ctx, req.Unit, types.JobStop, mode)
	case control.UnitRestart:
		return m.runJob(ctx, req.Unit, types.JobRestart, mode)
	case control.UnitReload:
		return m.runJob(ctx, req.Unit, types.JobReload, mode)
	case control.UnitIsolate:
		return m.runJob(ctx, req.Unit, types.JobStart, types.ModeIsolate)
	case control.UnitResetFailed:
		mach, err := m.reg.Get(req.Unit)
		if err != nil {
			return control.Errorf(1, "%v", err)
		}
		mach.ResetFailed()
		return control.OK("")
	case control.UnitStatus:
		mach, err := m.reg.Get(req.Unit)
		if err != nil {
			return control.Errorf(1, "%v", err)
		}
		meta := mach.Meta()
		return control.OK(fmt.Sprintf("%s\n\tLoaded: %s\n\tActive: %s (%s)",
			meta.ID, meta.Load, meta.Active, meta.SubState))
	default:
		return control.Errorf(1, "unknown unit action %q", req.UnitAction)
	}
}

func (m *Manager) runJob(ctx context.Context, unitID types.UnitID, kind types.JobKind, mode types.JobMode) control.Response {
	if _, err := m.reg.Get(unitID); err != nil {
		if _, lerr := m.LoadUnit(unitID); lerr != nil {
			return control.Errorf(1, "%v", lerr)
		}
	}
	js, err := job.Plan(job.Request{Unit: unitID, Kind: kind, Mode: mode}, m.graph, m.reg, m)
	if err != nil {
		return control.Errorf(1, "%v", err)
	}
	m.engine.Enqueue(ctx, js)
	return control.OK(fmt.Sprintf("queued %d job(s) for %s", len(js.Jobs), unitID))
}

func (m *Manager) serveManagerAction(ctx context.Context, req control.Request) control.Response {
	switch req.ManagerAction {
	case control.ManagerDaemonReload:
		return m.daemonReload()
	case control.ManagerDaemonReexec:
		return m.daemonReexec()
	case control.ManagerListUnits:
		var sb string
		for _, id := range m.reg.All() {
			mach, err := m.reg.Get(id)
			if err != nil {
				continue
			}
			meta := mach.Meta()
			sb += fmt.Sprintf("%s\t%s\t%s\n", meta.ID, meta.Active, meta.SubState)
		}
		return control.OK(sb)
	default:
		return control.Errorf(1, "unknown manager action %q", req.ManagerAction)
	}
}

// daemonReload re-invalidates every search-path directory so the next
// LoadUnit call re-reads fragments and drop-ins from disk; it does not
// itself reload any already-loaded unit, matching systemctl
// daemon-reload's own "apply on next load" semantics.
func (m *Manager) daemonReload() control.Response {
	for _, dir := range m.loader.SearchPath() {
		m.loader.InvalidateDir(dir)
	}
	return control.OK("")
}

// daemonReexec answers the request immediately and performs the actual
// re-exec (see DaemonReexec in reexec.go) from a short-lived goroutine
// instead of inline: syscall.Exec replaces this process's image, so
// doing it before the response frame is written would leave ravenctl
// waiting on a connection whose other end just vanished mid-write.
func (m *Manager) daemonReexec() control.Response {
	go func() {
		time.Sleep(200 * time.Millisecond)
		if err := m.DaemonReexec(); err != nil {
			log.Logger.Error().Err(err).Msg("daemon re-exec failed")
		}
	}()
	return control.OK("re-executing")
}

func (m *Manager) serveSystemAction(ctx context.Context, req control.Request) control.Response {
	switch req.SystemAction {
	case control.SystemHalt, control.SystemPoweroff, control.SystemReboot, control.SystemShutdown:
		return m.runJob(ctx, "shutdown.target", types.JobStart, types.ModeIsolate)
	case control.SystemSwitchRoot:
		return control.Errorf(1, "switch-root not supported")
	default:
		return control.Errorf(1, "unknown system action %q", req.SystemAction)
	}
}

// serveUnitFileAction mutates .wants/.requires/mask symlinks on the
// loader's search path. It never touches the registry or graph
// directly: an enabled unit only takes effect the next time it is
// loaded, the same "apply on next load" rule daemonReload follows.
func (m *Manager) serveUnitFileAction(ctx context.Context, req control.Request) control.Response {
	switch req.UnitFileAction {
	case control.UnitFileEnable:
		links, err := m.loader.Enable(req.Unit)
		if err != nil {
			return control.Errorf(1, "%v", err)
		}
		return control.OK(fmt.Sprintf("created %d symlink(s)", len(links)))
	case control.UnitFileDisable:
		links, err := m.loader.Disable(req.Unit)
		if err != nil {
			return control.Errorf(1, "%v", err)
		}
		return control.OK(fmt.Sprintf("removed %d symlink(s)", len(links)))
	case control.UnitFileMask:
		link, err := m.loader.Mask(req.Unit)
		if err != nil {
			return control.Errorf(1, "%v", err)
		}
		return control.OK(fmt.Sprintf("masked at %s", link))
	case control.UnitFileUnmask:
		if err := m.loader.Unmask(req.Unit); err != nil {
			return control.Errorf(1, "%v", err)
		}
		return control.OK("")
	default:
		return control.Errorf(1, "unknown unitfile action %q", req.UnitFileAction)
	}
}

var _ control.Handler = (*Manager)(nil)
