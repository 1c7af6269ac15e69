// Package mount implements unit.Machine for mount units. Unlike the
// other unit kinds, a mount's authoritative state lives in the kernel's
// mountinfo table, not in anything the machine itself decides — Start/
// Stop issue the mount(2)/umount(2) calls, but every substate
// transition is actually driven by the next Reconcile scan observing
// what the kernel did.
package mount

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/mountinfo"

	"github.com/ravend/raven/pkg/loader"
	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
)

// SubState enumerates a mount's fine-grained state, matching spec
// section 4.4.3 verbatim.
type SubState string

const (
	Dead              SubState = "dead"
	Mounting          SubState = "mounting"
	MountingDone      SubState = "mounting_done"
	Mounted           SubState = "mounted"
	Remounting        SubState = "remounting"
	Unmounting        SubState = "unmounting"
	MountingSigTerm   SubState = "mounting_sigterm"
	MountingSigKill   SubState = "mounting_sigkill"
	RemountingSigTerm SubState = "remounting_sigterm"
	RemountingSigKill SubState = "remounting_sigkill"
	UnmountingSigTerm SubState = "unmounting_sigterm"
	UnmountingSigKill SubState = "unmounting_sigkill"
	Failed            SubState = "failed"
	Cleaning          SubState = "cleaning"
)

// Quadruple is one row of the reconciled mountinfo scan.
type Quadruple struct {
	What    string
	Where   string
	Options string
	FSType  string
}

// MountPointToUnitName applies the spec's deterministic escape ('/' ->
// '-', everything else non-word hex-escaped) to derive the unit id a
// mount point must load under. Reuses pkg/loader's specifier escaping,
// since the escaping rule the two needed turned out identical in
// practice (slash-to-dash plus \xNN elsewhere). The root directory
// maps to "-.mount".
func MountPointToUnitName(where string) types.UnitID {
	trimmed := strings.Trim(where, "/")
	if trimmed == "" {
		return "-.mount"
	}
	return types.UnitID(loader.EscapeName(trimmed) + ".mount")
}

// ScanMounts reduces the kernel's mountinfo rows to the quadruples the
// reconciler cares about.
func ScanMounts(infos []*mountinfo.Info) []Quadruple {
	out := make([]Quadruple, 0, len(infos))
	for _, mi := range infos {
		out = append(out, Quadruple{
			What:    mi.Source,
			Where:   mi.Mountpoint,
			Options: mi.Options,
			FSType:  mi.FSType,
		})
	}
	return out
}

// Scanner reads the live mountinfo table; production wires this to
// mountinfo.GetMounts(nil), kept as an interface for tests.
type Scanner interface {
	Scan() ([]*mountinfo.Info, error)
}

// Mounter issues the actual mount(2)/umount(2) syscalls.
type Mounter interface {
	Mount(what, where, fstype, options string) error
	Remount(where, options string) error
	Unmount(where string) error
}

// Config is a mount unit's parsed configuration.
type Config struct {
	What    string
	Where   string
	FSType  string
	Options string

	TimeoutSec time.Duration
}

// Flags record what the most recent Reconcile scan observed, per spec:
// IsMounted tracks current presence, JustMounted/JustChanged are
// edge-triggered and cleared at the start of the next scan.
type Flags struct {
	IsMounted   bool
	JustMounted bool
	JustChanged bool
}

// Machine implements unit.Machine for one mount unit.
type Machine struct {
	mu   sync.Mutex
	meta unit.Meta
	cfg  Config

	mounter Mounter
	sink    unit.Sink

	sub   SubState
	flags Flags
}

// New constructs a Machine for id, refusing to load if id does not
// match the escaped form of cfg.Where (spec 4.4.3's name/mountpoint
// invariant).
func New(id types.UnitID, cfg Config, mounter Mounter, sink unit.Sink) (*Machine, error) {
	if want := MountPointToUnitName(cfg.Where); want != id {
		return nil, rerr.New(rerr.Input, "mount.New",
			fmt.Sprintf("unit id %q does not match escaped mount point %q (want %q)", id, cfg.Where, want))
	}
	return &Machine{
		meta:    unit.Meta{ID: id, Load: types.LoadLoaded, Active: types.Inactive},
		cfg:     cfg,
		mounter: mounter,
		sink:    sink,
		sub:     Dead,
	}, nil
}

func (m *Machine) Meta() *unit.Meta { return &m.meta }
func (m *Machine) CanReload() bool  { return m.sub == Mounted }

func (m *Machine) ResetFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == Failed {
		m.setSubState(types.Inactive, Dead)
	}
}

// Reload remounts with the configured options.
func (m *Machine) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != Mounted {
		return rerr.New(rerr.OpNotSupported, "mount.Reload", string(m.meta.ID))
	}
	m.setSubState(types.Reloading, Remounting)
	if err := m.mounter.Remount(m.cfg.Where, m.cfg.Options); err != nil {
		m.setSubState(types.Failed, Failed)
		return rerr.Wrap(rerr.IO, "mount.Reload", err)
	}
	m.setSubState(types.Active, Mounted)
	return nil
}

// Start issues the mount(2) call. The substate moves to MountingDone
// immediately on syscall success; Mounted is only entered once a
// Reconcile scan confirms the kernel agrees, matching the spec's
// description of mountinfo as the real state source.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sub {
	case Mounted, Mounting, MountingDone:
		return rerr.New(rerr.AlreadyActive, "mount.Start", string(m.meta.ID))
	}

	m.setSubState(types.Activating, Mounting)
	if err := m.mounter.Mount(m.cfg.What, m.cfg.Where, m.cfg.FSType, m.cfg.Options); err != nil {
		m.setSubState(types.Failed, Failed)
		return rerr.Wrap(rerr.IO, "mount.Start", err)
	}
	m.setSubState(types.Activating, MountingDone)
	return nil
}

// Stop issues the umount(2) call; as with Start, Dead is only entered
// once a Reconcile scan confirms the mountpoint is gone.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sub {
	case Dead, Failed:
		return rerr.New(rerr.AlreadyInactive, "mount.Stop", string(m.meta.ID))
	}

	m.setSubState(types.Deactivating, Unmounting)
	if err := m.mounter.Unmount(m.cfg.Where); err != nil {
		m.setSubState(types.Failed, Failed)
		return rerr.Wrap(rerr.IO, "mount.Stop", err)
	}
	return nil
}

// Reconcile folds one scan's quadruple (nil if this unit's mount point
// no longer appears) into the machine's substate, implementing
// setup_existing_mount from spec section 4.4.3.
func (m *Machine) Reconcile(q *Quadruple) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasMounted := m.flags.IsMounted
	m.flags.JustMounted = false
	m.flags.JustChanged = false

	if q == nil {
		m.flags.IsMounted = false
		if wasMounted && m.sub != Dead && m.sub != Failed {
			m.setSubState(types.Inactive, Dead)
		}
		return
	}

	m.flags.IsMounted = true
	if !wasMounted {
		m.flags.JustMounted = true
		m.setSubState(types.Active, Mounted)
		return
	}
	if q.Options != m.cfg.Options || q.What != m.cfg.What {
		m.flags.JustChanged = true
		m.cfg.Options = q.Options
		m.cfg.What = q.What
	}
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

// NewTransient synthesizes a transient mount unit for a mountinfo
// quadruple that has no backing fragment, per setup_new_mount: the
// derived id, config, and an already-Mounted substate (no Start call
// ever issued the syscall — the kernel already did it).
func NewTransient(q Quadruple, mounter Mounter, sink unit.Sink) (*Machine, error) {
	id := MountPointToUnitName(q.Where)
	m, err := New(id, Config{What: q.What, Where: q.Where, FSType: q.FSType, Options: q.Options}, mounter, sink)
	if err != nil {
		return nil, err
	}
	m.meta.Transient = true
	m.meta.Origin = types.OriginRuntime
	m.flags.IsMounted = true
	m.setSubState(types.Active, Mounted)
	return m, nil
}
