// Package socket implements unit.Machine for socket units: listening on
// one or more stream/datagram/seqpacket/netlink/FIFO endpoints and
// triggering a service unit, either per-connection (Accept=true) or by
// handing every listening fd to one long-running instance through the
// LISTEN_PID/LISTEN_FDS convention.
package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
)

// SubState enumerates a socket's fine-grained state, matching spec
// section 4.4.2 verbatim.
type SubState string

const (
	Dead           SubState = "dead"
	StartPre       SubState = "start_pre"
	StartChown     SubState = "start_chown"
	StartPost      SubState = "start_post"
	Listening      SubState = "listening"
	Running        SubState = "running"
	StopPre        SubState = "stop_pre"
	StopPreSigTerm SubState = "stop_pre_sigterm"
	StopPreSigKill SubState = "stop_pre_sigkill"
	StopPost       SubState = "stop_post"
	FinalSigTerm   SubState = "final_sigterm"
	FinalSigKill   SubState = "final_sigkill"
	Failed         SubState = "failed"
	Cleaning       SubState = "cleaning"
)

// NetlinkFamily enumerates the ListenNetlink= families the spec
// requires be recognized by name; any other string is Invalid and
// fails the unit's load.
type NetlinkFamily string

const (
	NetlinkRoute          NetlinkFamily = "route"
	NetlinkFirewall       NetlinkFamily = "firewall"
	NetlinkInetDiag       NetlinkFamily = "inet-diag"
	NetlinkNFLog          NetlinkFamily = "nflog"
	NetlinkXFRM           NetlinkFamily = "xfrm"
	NetlinkSELinux        NetlinkFamily = "selinux"
	NetlinkISCSI          NetlinkFamily = "iscsi"
	NetlinkAudit          NetlinkFamily = "audit"
	NetlinkFIBLookup      NetlinkFamily = "fib-lookup"
	NetlinkConnector      NetlinkFamily = "connector"
	NetlinkNetfilter      NetlinkFamily = "netfilter"
	NetlinkIP6FW          NetlinkFamily = "ip6-fw"
	NetlinkDNRTMsg        NetlinkFamily = "dnrtmsg"
	NetlinkKObjectUevent  NetlinkFamily = "kobject-uevent"
	NetlinkGeneric        NetlinkFamily = "generic"
	NetlinkSCSITransport  NetlinkFamily = "scsitransport"
	NetlinkECryptFS       NetlinkFamily = "ecryptfs"
	NetlinkRDMA           NetlinkFamily = "rdma"
	NetlinkInvalid        NetlinkFamily = "" // unrecognized input, load must fail
)

var validNetlinkFamilies = map[string]NetlinkFamily{
	"route": NetlinkRoute, "firewall": NetlinkFirewall, "inet-diag": NetlinkInetDiag,
	"nflog": NetlinkNFLog, "xfrm": NetlinkXFRM, "selinux": NetlinkSELinux,
	"iscsi": NetlinkISCSI, "audit": NetlinkAudit, "fib-lookup": NetlinkFIBLookup,
	"connector": NetlinkConnector, "netfilter": NetlinkNetfilter, "ip6-fw": NetlinkIP6FW,
	"dnrtmsg": NetlinkDNRTMsg, "kobject-uevent": NetlinkKObjectUevent, "generic": NetlinkGeneric,
	"scsitransport": NetlinkSCSITransport, "ecryptfs": NetlinkECryptFS, "rdma": NetlinkRDMA,
}

// ParseNetlinkFamily maps a ListenNetlink= string to its family,
// reporting ok=false for any string the spec doesn't name.
func ParseNetlinkFamily(s string) (NetlinkFamily, bool) {
	f, ok := validNetlinkFamilies[s]
	return f, ok
}

// netlinkUnimplemented lists the families that parse as valid names but
// have no socket(2) protocol wired up to bind them. Kept separate from
// validNetlinkFamilies so a load-time check can reject these with a
// clear error instead of accepting the unit and failing it later at
// activation with an unexplained bind error.
var netlinkUnimplemented = map[NetlinkFamily]bool{
	NetlinkFirewall:  true,
	NetlinkNFLog:     true,
	NetlinkXFRM:      true,
	NetlinkConnector: true,
	NetlinkGeneric:   true,
	NetlinkECryptFS:  true,
}

// Supported reports whether f has a working AF_NETLINK bind behind it.
// The unimplemented families still parse (ParseNetlinkFamily accepts
// them) but Config.Validate refuses to load a unit that listens on one.
func (f NetlinkFamily) Supported() bool {
	return f != NetlinkInvalid && !netlinkUnimplemented[f]
}

// Listener is one configured endpoint: a ListenStream/ListenDatagram
// address or filesystem path, or a ListenNetlink family.
type Listener struct {
	Family  types.PortFamily
	Address string // host:port for network listeners
	Path    string // filesystem path, for AF_UNIX/FIFO listeners
	Netlink NetlinkFamily
}

// Fingerprint returns the PortFingerprint this listener will bind.
func (l Listener) Fingerprint() types.PortFingerprint {
	if l.Family == types.FamilyNetlink {
		return types.PortFingerprint{Family: l.Family, Address: string(l.Netlink)}
	}
	return types.PortFingerprint{Family: l.Family, Address: l.Address, Path: l.Path}
}

// Config is a socket unit's parsed configuration.
type Config struct {
	Listeners []Listener

	Accept bool
	Service types.UnitID // override of the triggered unit; defaults to same-named .service

	PassPacketInfo bool
	PassCredentials bool
	PassSecurity    bool
	ReceiveBuffer   int
	SendBuffer      int
	SocketMode      uint32
	Symlinks        []string

	ExecStartPre []types.ExecCommand
	ExecStartPost []types.ExecCommand
	ExecStopPre  []types.ExecCommand
	ExecStopPost []types.ExecCommand

	TimeoutSec time.Duration
}

// Validate checks the load-time invariants the spec calls out: every
// ListenNetlink= family must have a working bind implementation, and a
// Symlinks list is only legal when exactly one listener is
// filesystem-bound (AF_UNIX stream/datagram/seqpacket or FIFO).
func (c Config) Validate() error {
	for _, l := range c.Listeners {
		if l.Family == types.FamilyNetlink && !l.Netlink.Supported() {
			return rerr.New(rerr.Input, "socket.Validate",
				fmt.Sprintf("ListenNetlink family %q has no socket binding implementation", l.Netlink))
		}
	}

	if len(c.Symlinks) == 0 {
		return nil
	}
	fsListeners := 0
	for _, l := range c.Listeners {
		if l.Path != "" {
			fsListeners++
		}
	}
	if fsListeners != 1 {
		return rerr.New(rerr.Input, "socket.Validate",
			fmt.Sprintf("Symlinks requires exactly one filesystem listener, found %d", fsListeners))
	}
	return nil
}

// Binder opens one listener and returns a pollable fd plus any error;
// production wires this to net.Listen/unix.Socket, kept as an
// interface so tests can fake binding without touching the network
// stack.
type Binder interface {
	Bind(l Listener) (fd int, err error)
	Close(fd int) error
	Chown(l Listener, uid, gid int) error
	Chmod(l Listener, mode uint32) error
	Symlink(l Listener, alias string) error
}

// CommandRunner runs the socket's own Exec* phases (StartPre/StartPost/
// StopPre/StopPost); sequential-queue shape mirrors
// pkg/unit/service.Machine's but is kept separate since a socket's
// phases are short-lived helper commands, not the long-running main
// process a service tracks.
type CommandRunner interface {
	Run(cmd types.ExecCommand) error
}

// Trigger starts the unit a ready/accepted connection activates.
type Trigger interface {
	TriggerStart(target types.UnitID, extraEnv map[string]string) error
}

// Machine implements unit.Machine for one socket unit.
type Machine struct {
	mu   sync.Mutex
	meta unit.Meta
	cfg  Config

	binder  Binder
	runner  CommandRunner
	trigger Trigger
	sink    unit.Sink

	sub SubState
	fds []int // bound listener fds, index-aligned with cfg.Listeners
}

// New constructs a Machine for id.
func New(id types.UnitID, cfg Config, binder Binder, runner CommandRunner, trigger Trigger, sink unit.Sink) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Service == "" {
		cfg.Service = types.UnitID(id.Name() + ".service")
	}
	return &Machine{
		meta:    unit.Meta{ID: id, Load: types.LoadLoaded, Active: types.Inactive},
		cfg:     cfg,
		binder:  binder,
		runner:  runner,
		trigger: trigger,
		sink:    sink,
		sub:     Dead,
	}, nil
}

func (m *Machine) Meta() *unit.Meta { return &m.meta }
func (m *Machine) CanReload() bool  { return false }

func (m *Machine) ResetFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == Failed {
		m.setSubState(types.Inactive, Dead)
	}
}

func (m *Machine) Reload(ctx context.Context) error {
	return rerr.New(rerr.OpNotSupported, "socket.Reload", string(m.meta.ID))
}

// Target implements unit.Triggerable: the unit a successful listen (or
// accepted connection) starts.
func (m *Machine) Target() types.UnitID { return m.cfg.Service }

// Start runs StartPre, binds every listener, chmods each filesystem
// listener to SocketMode when one is set, creates the Symlinks aliases,
// runs StartPost, then (for Accept=false sockets) triggers the backing
// service immediately so it can inherit the fds. Listeners are not
// chowned: Binder.Chown is never called.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sub {
	case Listening, Running, StartPre, StartChown, StartPost:
		return rerr.New(rerr.AlreadyActive, "socket.Start", string(m.meta.ID))
	}

	m.setSubState(types.Activating, StartPre)
	if err := m.runPhase(m.cfg.ExecStartPre); err != nil {
		return m.fail(err)
	}

	m.setSubState(types.Activating, StartChown)
	m.fds = make([]int, len(m.cfg.Listeners))
	for i, l := range m.cfg.Listeners {
		fd, err := m.binder.Bind(l)
		if err != nil {
			return m.fail(err)
		}
		m.fds[i] = fd
		if m.cfg.SocketMode != 0 && l.Path != "" {
			if err := m.binder.Chmod(l, m.cfg.SocketMode); err != nil {
				return m.fail(err)
			}
		}
	}
	for _, alias := range m.cfg.Symlinks {
		l := m.onlyFilesystemListener()
		if err := m.binder.Symlink(l, alias); err != nil {
			return m.fail(err)
		}
	}

	m.setSubState(types.Activating, StartPost)
	if err := m.runPhase(m.cfg.ExecStartPost); err != nil {
		return m.fail(err)
	}

	m.setSubState(types.Active, Listening)

	if !m.cfg.Accept {
		env := map[string]string{"LISTEN_FDS": fmt.Sprintf("%d", len(m.fds))}
		if err := m.trigger.TriggerStart(m.cfg.Service, env); err != nil {
			return m.fail(err)
		}
		m.setSubState(types.Active, Running)
	}
	return nil
}

// Accepted is called by the manager's IO source when a connection lands
// on an Accept=true listener: it instantiates the triggered template
// with the accepted fd handed off separately (out of band from this
// machine, which only tracks the listening socket itself).
func (m *Machine) Accepted(instance string, env map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := types.UnitID(fmt.Sprintf("%s@%s.service", m.cfg.Service.Name(), instance))
	return m.trigger.TriggerStart(target, env)
}

func (m *Machine) onlyFilesystemListener() Listener {
	for _, l := range m.cfg.Listeners {
		if l.Path != "" {
			return l
		}
	}
	return Listener{}
}

// Stop runs StopPre, closes every listener, runs StopPost.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.sub {
	case Dead, Failed:
		return rerr.New(rerr.AlreadyInactive, "socket.Stop", string(m.meta.ID))
	}

	m.setSubState(types.Deactivating, StopPre)
	if err := m.runPhase(m.cfg.ExecStopPre); err != nil {
		return m.fail(err)
	}

	for _, fd := range m.fds {
		_ = m.binder.Close(fd)
	}
	m.fds = nil

	m.setSubState(types.Deactivating, StopPost)
	if err := m.runPhase(m.cfg.ExecStopPost); err != nil {
		return m.fail(err)
	}

	m.setSubState(types.Inactive, Dead)
	return nil
}

func (m *Machine) runPhase(cmds []types.ExecCommand) error {
	for _, c := range cmds {
		if err := m.runner.Run(c); err != nil && !c.IgnoreError {
			return err
		}
	}
	return nil
}

func (m *Machine) fail(cause error) error {
	m.setSubState(types.Failed, Failed)
	return rerr.Wrap(rerr.Spawn, "socket.Start", cause)
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
