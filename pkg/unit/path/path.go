// Package path implements unit.Machine for path units: filesystem
// watches that trigger a target unit when a configured condition on a
// path becomes true.
package path

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
)

// SubState enumerates a path unit's fine-grained state, matching spec
// section 4.4.5 verbatim.
type SubState string

const (
	Dead    SubState = "dead"
	Waiting SubState = "waiting"
	Running SubState = "running"
	Failed  SubState = "failed"
)

// TriggerType is the kind of filesystem condition being watched.
type TriggerType string

const (
	Exists           TriggerType = "exists"
	ExistsGlob       TriggerType = "exists_glob"
	Changed          TriggerType = "changed"
	Modified         TriggerType = "modified"
	DirectoryNotEmpty TriggerType = "directory_not_empty"
)

// Spec is one configured PathExists=/PathChanged=/... entry.
type Spec struct {
	Type TriggerType
	Path string
}

// Config is a path unit's parsed configuration.
type Config struct {
	Specs []Spec

	MakeDirectory bool
	DirectoryMode os.FileMode

	Unit types.UnitID // target; defaults to the same-named .service
}

// Trigger starts the path unit's target.
type Trigger interface {
	TriggerStart(target types.UnitID) error
}

// Machine implements unit.Machine for one path unit. Watching is
// delegated to fsnotify.Watcher directly (no interface indirection,
// matching the spec's framing of inotify as a primitive the machine
// itself consumes, the same way pkg/event's Inotify source kind does).
type Machine struct {
	mu      sync.Mutex
	meta    unit.Meta
	cfg     Config
	watcher *fsnotify.Watcher
	trigger Trigger
	sink    unit.Sink

	sub SubState
}

// New constructs a Machine for id.
func New(id types.UnitID, cfg Config, trigger Trigger, sink unit.Sink) *Machine {
	if cfg.Unit == "" {
		cfg.Unit = types.UnitID(id.Name() + ".service")
	}
	return &Machine{
		meta:    unit.Meta{ID: id, Load: types.LoadLoaded, Active: types.Inactive},
		cfg:     cfg,
		trigger: trigger,
		sink:    sink,
		sub:     Dead,
	}
}

func (m *Machine) Meta() *unit.Meta     { return &m.meta }
func (m *Machine) CanReload() bool      { return false }
func (m *Machine) Target() types.UnitID { return m.cfg.Unit }

func (m *Machine) Reload(ctx context.Context) error {
	return rerr.New(rerr.OpNotSupported, "path.Reload", string(m.meta.ID))
}

func (m *Machine) ResetFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == Failed {
		m.setSubState(types.Inactive, Dead)
	}
}

// Start arms every configured watch. For Exists/ExistsGlob it also
// checks immediately, since the condition may already be true before
// any inotify event would fire.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub == Waiting || m.sub == Running {
		return rerr.New(rerr.AlreadyActive, "path.Start", string(m.meta.ID))
	}

	if m.cfg.MakeDirectory {
		for _, s := range m.cfg.Specs {
			mode := m.cfg.DirectoryMode
			if mode == 0 {
				mode = 0755
			}
			if err := os.MkdirAll(filepath.Dir(s.Path), mode); err != nil {
				m.setSubState(types.Failed, Failed)
				return rerr.Wrap(rerr.IO, "path.Start", err)
			}
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.setSubState(types.Failed, Failed)
		return rerr.Wrap(rerr.IO, "path.Start", err)
	}
	m.watcher = w

	for _, s := range m.cfg.Specs {
		watchDir := s.Path
		if s.Type != DirectoryNotEmpty {
			watchDir = filepath.Dir(s.Path)
		}
		if err := w.Add(watchDir); err != nil {
			m.setSubState(types.Failed, Failed)
			return rerr.Wrap(rerr.IO, "path.Start", err)
		}
	}

	m.setSubState(types.Active, Waiting)

	if m.checkImmediate() {
		return m.fireLocked()
	}
	return nil
}

// checkImmediate reports whether any Exists/ExistsGlob/
// DirectoryNotEmpty spec is already satisfied without waiting for an
// event.
func (m *Machine) checkImmediate() bool {
	for _, s := range m.cfg.Specs {
		switch s.Type {
		case Exists:
			if _, err := os.Stat(s.Path); err == nil {
				return true
			}
		case ExistsGlob:
			matches, err := filepath.Glob(s.Path)
			if err == nil && len(matches) > 0 {
				return true
			}
		case DirectoryNotEmpty:
			entries, err := os.ReadDir(s.Path)
			if err == nil && len(entries) > 0 {
				return true
			}
		}
	}
	return false
}

// HandleEvent is called by the manager's Inotify event source with a
// raw fsnotify event on one of this unit's watched directories; it
// decides whether the event matches one of the configured Specs'
// trigger semantics.
func (m *Machine) HandleEvent(ev fsnotify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub != Waiting {
		return nil
	}

	for _, s := range m.cfg.Specs {
		if !matches(s, ev) {
			continue
		}
		return m.fireLocked()
	}
	return nil
}

func matches(s Spec, ev fsnotify.Event) bool {
	switch s.Type {
	case Exists, ExistsGlob:
		return ev.Op&(fsnotify.Create) != 0
	case Changed:
		return ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 ||
			(ev.Op&fsnotify.Write != 0 && ev.Name == s.Path)
	case Modified:
		return ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0
	case DirectoryNotEmpty:
		return ev.Op&fsnotify.Create != 0
	}
	return false
}

func (m *Machine) fireLocked() error {
	m.setSubState(types.Active, Running)
	if err := m.trigger.TriggerStart(m.cfg.Unit); err != nil {
		m.setSubState(types.Failed, Failed)
		return rerr.Wrap(rerr.Spawn, "path.fire", err)
	}
	m.setSubState(types.Active, Waiting)
	return nil
}

// Stop closes the watcher.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == Dead || m.sub == Failed {
		return rerr.New(rerr.AlreadyInactive, "path.Stop", string(m.meta.ID))
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
	m.setSubState(types.Inactive, Dead)
	return nil
}

// Watcher exposes the underlying fsnotify.Watcher so the manager's
// event-loop Inotify source can read its Events/Errors channels; the
// machine owns watcher lifetime, the loop owns dispatch.
func (m *Machine) Watcher() *fsnotify.Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watcher
}

func (m *Machine) setSubState(active types.ActiveState, sub SubState) {
	now := time.Now()
	m.meta.Active = active
	m.meta.SubState = string(sub)
	m.sub = sub
	if m.sink != nil {
		m.sink.UnitStateChanged(unit.Event{ID: m.meta.ID, Active: active, SubState: string(sub), Timestamp: now})
	}
}
