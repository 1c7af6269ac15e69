// Package manager assembles the daemon's subsystems — registry, graph,
// loader, store, supervisor, job engine, control server, event loop and
// watchdog — into one running process and implements the collaborator
// interfaces (job.Actuator, job.StateView, unit.Sink, control.Handler,
// store.Subscriber) that tie them to each other.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ravend/raven/pkg/control"
	"github.com/ravend/raven/pkg/event"
	"github.com/ravend/raven/pkg/job"
	"github.com/ravend/raven/pkg/loader"
	"github.com/ravend/raven/pkg/log"
	"github.com/ravend/raven/pkg/registry"
	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/store"
	"github.com/ravend/raven/pkg/supervisor"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
	"github.com/ravend/raven/pkg/unit/mount"
	"github.com/ravend/raven/pkg/unit/path"
	"github.com/ravend/raven/pkg/unit/service"
	"github.com/ravend/raven/pkg/unit/socket"
	"github.com/ravend/raven/pkg/unit/timer"
	"github.com/ravend/raven/pkg/watchdog"
)

// Config is everything NewManager needs to assemble a Manager. Fields
// left zero take the defaults documented below.
type Config struct {
	DataDir    string
	UnitPath   []string
	ControlSocket string
	WatchdogDevice string // e.g. /dev/watchdog; empty disables the hardware watchdog
	Recorder       Recorder // metrics sink for unit lifecycle events; defaults to a no-op
}

// controlJob is one pending request/response exchange handed from a
// control.Server connection goroutine to the event loop.
type controlJob struct {
	req   control.Request
	reply chan control.Response
}

// Manager owns every live subsystem and is the sole writer of registry,
// graph and job-engine state; all of that state is touched only from
// the event loop's goroutine, never directly from a control.Server
// connection goroutine — see bridge and drainControlJobs.
type Manager struct {
	cfg Config

	st     *store.Store
	reg    *registry.Registry
	graph  *registry.Graph
	loader *loader.Loader
	sup    *supervisor.Supervisor
	engine *job.Engine
	loop   *event.Loop
	ctl    *control.Server
	wd     watchdog.Watchdog
	rec    Recorder

	bootTime    time.Time
	startupTime time.Time

	controlCh chan controlJob

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewManager constructs every subsystem in dependency order, wrapping
// each failure with the step that produced it, and wires the
// collaborator adapters together. It does not start the event loop or
// the control server; call Start for that.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/raven"
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = "/run/raven/control.sock"
	}

	if err := store.Prepare(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to prepare data dir: %w", err)
	}
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reg := registry.New()
	graph := registry.NewGraph()
	ld := loader.New(cfg.UnitPath)
	sup := supervisor.New()

	var wd watchdog.Watchdog = watchdog.Multi{}
	var members watchdog.Multi
	if cfg.WatchdogDevice != "" {
		if dev, derr := watchdog.OpenDevice(cfg.WatchdogDevice); derr == nil {
			members = append(members, dev)
		} else {
			log.Logger.Warn().Err(derr).Str("device", cfg.WatchdogDevice).Msg("hardware watchdog unavailable")
		}
	}
	members = append(members, watchdog.SdWatchdog{})
	wd = members

	rec := cfg.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}

	m := &Manager{
		cfg:         cfg,
		st:          st,
		reg:         reg,
		graph:       graph,
		loader:      ld,
		sup:         sup,
		loop:        event.New(),
		wd:          wd,
		rec:         rec,
		bootTime:    readBootTime(),
		startupTime: time.Now(),
		controlCh:   make(chan controlJob, 64),
	}
	m.engine = job.New(m, rec)

	if err := os.MkdirAll(filepath.Dir(cfg.ControlSocket), 0755); err != nil {
		return nil, fmt.Errorf("failed to prepare control socket dir: %w", err)
	}
	m.ctl = control.NewServer(cfg.ControlSocket, m, log.WithComponent("control"))
	if err := adoptListenerIfPresent(m.ctl); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to adopt re-exec'd control listener, binding fresh")
	}

	return m, nil
}

// Start begins accepting control connections and runs the event loop
// until ctx is cancelled or an unrecoverable error occurs. It recovers
// the store before the loop starts, matching the teacher's pattern of
// finishing all subsystem bring-up before entering the run loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.st.Recover(m.storeSubscribers()); err != nil {
		return fmt.Errorf("failed to recover store: %w", err)
	}

	if err := m.ctl.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.loop.Add(newSigChldSource(m))
	m.loop.Add(event.NewPost(0, m.drainControlJobs))

	if interval, err := m.wd.Configure(30 * time.Second); err == nil && interval > 0 {
		m.loop.Add(event.NewTimer(10, time.Now().Add(interval), interval, func(context.Context) error {
			return m.wd.Feed()
		}))
	}

	return m.loop.Run(runCtx)
}

// Shutdown tears subsystems down in the reverse of their construction
// order, logging (rather than aborting on) any single step's failure so
// every subsystem gets a chance to release its resources.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if err := m.ctl.Stop(); err != nil {
		log.Logger.Warn().Err(err).Msg("control server stop failed")
	}
	if err := m.wd.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("watchdog close failed")
	}
	if err := m.st.FlushAll(); err != nil {
		log.Logger.Warn().Err(err).Msg("store flush failed")
	}
	if err := m.st.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("store close failed")
		return rerr.Wrap(rerr.IO, "manager.Shutdown", err)
	}
	return nil
}

func (m *Manager) timerLastTable() *store.Table {
	return m.st.Table("timerlast", store.CacheThrough)
}

// readBootTime reads /proc/stat's btime line; on platforms without it
// (or on any read failure) it falls back to the current time, which at
// worst makes timer.Base's BaseBoot act like BaseStartup.
func readBootTime() time.Time {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Now()
	}
	for _, line := range splitLines(string(data)) {
		if len(line) > 6 && line[:6] == "btime " {
			var v int64
			if _, err := fmt.Sscanf(line, "btime %d", &v); err == nil {
				return time.Unix(v, 0)
			}
		}
	}
	return time.Now()
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// LoadUnit loads id's fragment via the loader, translates its sections
// into the matching unit kind's Config, folds in graph edges from both
// the [Unit] section and any .wants/.requires symlinks, constructs the
// right kind of unit.Machine with manager-supplied collaborators, and
// registers it. It does not start the unit.
func (m *Manager) LoadUnit(id types.UnitID) (unit.Machine, error) {
	loaded, err := m.loader.Load(id)
	if err != nil {
		return nil, err
	}
	if loaded.Masked {
		return nil, rerr.New(rerr.RefuseManual, "manager.LoadUnit", fmt.Sprintf("unit %s is masked", id))
	}

	if err := m.wireEdges(loaded, id); err != nil {
		return nil, err
	}

	mach, err := m.buildMachine(id, loaded)
	if err != nil {
		return nil, err
	}

	meta := mach.Meta()
	meta.FragmentPath = loaded.FragmentPath
	meta.DropInPaths = loaded.DropInPaths
	meta.Load = types.LoadLoaded
	meta.Description, _ = loaded.File.Get("Unit", "Description")
	meta.Documentation = loaded.File.All("Unit", "Documentation")

	m.reg.Put(mach)
	return mach, nil
}

func (m *Manager) wireEdges(loaded *loader.Loaded, id types.UnitID) error {
	for _, e := range parseUnitEdges(loaded.File) {
		m.graph.AddEdge(id, e.rel, e.target, types.OriginFragment)
	}
	symlinked, err := fragmentWantsRequires(m.loader, id)
	if err != nil {
		return err
	}
	for _, e := range symlinked {
		m.graph.AddEdge(id, e.rel, e.target, types.OriginSymlink)
	}
	return nil
}

func (m *Manager) buildMachine(id types.UnitID, loaded *loader.Loaded) (unit.Machine, error) {
	switch id.Kind() {
	case types.KindService:
		cfg := buildServiceConfig(loaded.File)
		return service.New(id, cfg, processAdapter{}, processAdapter{}, m.sup, m), nil
	case types.KindSocket:
		cfg, err := buildSocketConfig(loaded.File)
		if err != nil {
			return nil, err
		}
		return socket.New(id, cfg, socketAdapter{}, socketAdapter{}, socketTrigger{m}, m)
	case types.KindMount:
		cfg := buildMountConfig(loaded.File)
		return mount.New(id, cfg, mountAdapter{}, m)
	case types.KindTimer:
		cfg := buildTimerConfig(loaded.File)
		return timer.New(id, cfg, clock{m}, lastTriggerStore{m}, timerTrigger{m}, m), nil
	case types.KindPath:
		cfg := buildPathConfig(loaded.File)
		return path.New(id, cfg, pathTrigger{m}, m), nil
	default:
		return nil, rerr.New(rerr.OpNotSupported, "manager.buildMachine", string(id.Kind()))
	}
}

// enqueueStart plans and dispatches a replace-mode start job for
// target; used by every Trigger adapter.
func (m *Manager) enqueueStart(target types.UnitID) error {
	return m.dispatch(job.Request{Unit: target, Kind: types.JobStart, Mode: types.ModeReplace})
}

func (m *Manager) dispatch(req job.Request) error {
	if _, err := m.reg.Get(req.Unit); err != nil {
		if _, lerr := m.LoadUnit(req.Unit); lerr != nil {
			return lerr
		}
	}
	js, err := job.Plan(req, m.graph, m.reg, m)
	if err != nil {
		return err
	}
	m.engine.Enqueue(context.Background(), js)
	return nil
}

var _ service.Spawner = processAdapter{}
var _ service.Killer = processAdapter{}
var _ mount.Scanner = mountAdapter{}
var _ mount.Mounter = mountAdapter{}
var _ socket.Binder = socketAdapter{}
var _ socket.CommandRunner = socketAdapter{}
var _ timer.ReferenceClock = clock{}
var _ timer.LastTriggerStore = lastTriggerStore{}
