package manager

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ravend/raven/pkg/loader"
	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/spawn"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit/mount"
	"github.com/ravend/raven/pkg/unit/path"
	"github.com/ravend/raven/pkg/unit/socket"
	"github.com/ravend/raven/pkg/unit/timer"

	"github.com/moby/sys/mountinfo"
)

// processAdapter bridges spawn.Spawn's Params-based signature to the
// narrower Spawner/Killer shapes every lifecycle machine is written
// against; each unit only needs to name a path, an argv and an
// ExecContext, not the re-exec plumbing spawn.Spawn performs underneath.
type processAdapter struct{}

func (processAdapter) Spawn(path string, argv []string, ctx types.ExecContext) (int, error) {
	rlimits := make(map[string]spawn.Rlimit, len(ctx.Rlimits))
	for name, rl := range ctx.Rlimits {
		rlimits[name] = spawn.Rlimit{Soft: rl.Soft, Hard: rl.Hard}
	}
	pid, err := spawn.Spawn(spawn.Params{
		Path:       path,
		Argv:       argv,
		Env:        ctx.Env,
		WorkingDir: ctx.WorkingDir,
		User:       ctx.User,
		Group:      ctx.Group,
		Umask:      ctx.Umask,
		Rlimits:    rlimits,
	})
	if err != nil {
		return 0, rerr.Wrap(rerr.Spawn, "manager.processAdapter.Spawn", err)
	}
	return pid, nil
}

func (processAdapter) Signal(pid int, sig int) error {
	if err := unix.Kill(pid, syscall.Signal(sig)); err != nil {
		return rerr.Wrap(rerr.IO, "manager.processAdapter.Signal", err)
	}
	return nil
}

// socketAdapter implements socket.Binder and socket.CommandRunner
// directly against the kernel; raven runs sockets itself rather than
// delegating activation to a separate daemon.
type socketAdapter struct{}

func (socketAdapter) Bind(l socket.Listener) (int, error) {
	switch l.Family {
	case types.FamilyStream, types.FamilySeqPacket:
		return bindStreamLike(l)
	case types.FamilyDatagram:
		return bindDatagram(l)
	case types.FamilyNetlink:
		return bindNetlink(l)
	default:
		return 0, rerr.New(rerr.OpNotSupported, "manager.socketAdapter.Bind", string(l.Family))
	}
}

// netlinkProtocols maps the families socket.NetlinkFamily.Supported
// accepts to their AF_NETLINK protocol number. socket.Config.Validate
// rejects every other family at load time, so by the time Bind is
// called the lookup here is guaranteed to hit.
var netlinkProtocols = map[socket.NetlinkFamily]int{
	socket.NetlinkRoute:         unix.NETLINK_ROUTE,
	socket.NetlinkInetDiag:      unix.NETLINK_INET_DIAG,
	socket.NetlinkSELinux:       unix.NETLINK_SELINUX,
	socket.NetlinkISCSI:         unix.NETLINK_ISCSI,
	socket.NetlinkAudit:         unix.NETLINK_AUDIT,
	socket.NetlinkFIBLookup:     unix.NETLINK_FIB_LOOKUP,
	socket.NetlinkNetfilter:     unix.NETLINK_NETFILTER,
	socket.NetlinkIP6FW:         unix.NETLINK_IP6_FW,
	socket.NetlinkDNRTMsg:       unix.NETLINK_DNRTMSG,
	socket.NetlinkKObjectUevent: unix.NETLINK_KOBJECT_UEVENT,
	socket.NetlinkSCSITransport: unix.NETLINK_SCSITRANSPORT,
	socket.NetlinkRDMA:          unix.NETLINK_RDMA,
}

func bindNetlink(l socket.Listener) (int, error) {
	proto, ok := netlinkProtocols[l.Netlink]
	if !ok {
		return 0, rerr.New(rerr.OpNotSupported, "manager.socketAdapter.Bind", string(l.Netlink))
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, proto)
	if err != nil {
		return 0, rerr.Wrap(rerr.IO, "manager.socketAdapter.Bind", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{}); err != nil {
		_ = unix.Close(fd)
		return 0, rerr.Wrap(rerr.IO, "manager.socketAdapter.Bind", err)
	}
	return fd, nil
}

func bindStreamLike(l socket.Listener) (int, error) {
	if l.Path != "" {
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return 0, rerr.Wrap(rerr.IO, "manager.socketAdapter.Bind", err)
		}
		_ = unix.Unlink(l.Path)
		if err := unix.Bind(fd, &unix.SockaddrUnix{Name: l.Path}); err != nil {
			_ = unix.Close(fd)
			return 0, rerr.Wrap(rerr.IO, "manager.socketAdapter.Bind", err)
		}
		if err := unix.Listen(fd, 128); err != nil {
			_ = unix.Close(fd)
			return 0, rerr.Wrap(rerr.IO, "manager.socketAdapter.Bind", err)
		}
		return fd, nil
	}
	return 0, rerr.New(rerr.OpNotSupported, "manager.socketAdapter.Bind", "tcp listeners require an address parser not wired for this fingerprint")
}

func bindDatagram(l socket.Listener) (int, error) {
	if l.Path != "" {
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
		if err != nil {
			return 0, rerr.Wrap(rerr.IO, "manager.socketAdapter.Bind", err)
		}
		_ = unix.Unlink(l.Path)
		if err := unix.Bind(fd, &unix.SockaddrUnix{Name: l.Path}); err != nil {
			_ = unix.Close(fd)
			return 0, rerr.Wrap(rerr.IO, "manager.socketAdapter.Bind", err)
		}
		return fd, nil
	}
	return 0, rerr.New(rerr.OpNotSupported, "manager.socketAdapter.Bind", "datagram address binding not wired for this fingerprint")
}

func (socketAdapter) Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return rerr.Wrap(rerr.IO, "manager.socketAdapter.Close", err)
	}
	return nil
}

func (socketAdapter) Chown(l socket.Listener, uid, gid int) error {
	if l.Path == "" {
		return nil
	}
	if err := os.Chown(l.Path, uid, gid); err != nil {
		return rerr.Wrap(rerr.IO, "manager.socketAdapter.Chown", err)
	}
	return nil
}

func (socketAdapter) Chmod(l socket.Listener, mode uint32) error {
	if l.Path == "" {
		return nil
	}
	if err := os.Chmod(l.Path, os.FileMode(mode)); err != nil {
		return rerr.Wrap(rerr.IO, "manager.socketAdapter.Chmod", err)
	}
	return nil
}

func (socketAdapter) Symlink(l socket.Listener, alias string) error {
	if l.Path == "" {
		return rerr.New(rerr.Input, "manager.socketAdapter.Symlink", "symlinks require a filesystem-bound listener")
	}
	_ = os.Remove(alias)
	if err := os.Symlink(l.Path, alias); err != nil {
		return rerr.Wrap(rerr.IO, "manager.socketAdapter.Symlink", err)
	}
	return nil
}

func (socketAdapter) Run(cmd types.ExecCommand) error {
	c := exec.Command(cmd.Path, cmd.Argv...)
	err := c.Run()
	if err != nil && !cmd.IgnoreError {
		return rerr.Wrap(rerr.Spawn, "manager.socketAdapter.Run", err)
	}
	return nil
}

// mountAdapter implements mount.Scanner and mount.Mounter. Scan reads
// the kernel's live mountinfo table; Mount/Remount/Unmount shell out to
// the system mount(8)/umount(8) binaries rather than calling the mount(2)
// syscall directly, since mount(2)'s flags/data encoding varies enough
// by filesystem that the external tool's parsing is worth keeping.
type mountAdapter struct{}

func (mountAdapter) Scan() ([]*mountinfo.Info, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "manager.mountAdapter.Scan", err)
	}
	return infos, nil
}

func (mountAdapter) Mount(what, where, fstype, options string) error {
	args := []string{"-t", fstype}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, what, where)
	if err := exec.Command("mount", args...).Run(); err != nil {
		return rerr.Wrap(rerr.IO, "manager.mountAdapter.Mount", err)
	}
	return nil
}

func (mountAdapter) Remount(where, options string) error {
	args := []string{"-o", "remount"}
	if options != "" {
		args[1] = "remount," + options
	}
	args = append(args, where)
	if err := exec.Command("mount", args...).Run(); err != nil {
		return rerr.Wrap(rerr.IO, "manager.mountAdapter.Remount", err)
	}
	return nil
}

func (mountAdapter) Unmount(where string) error {
	if err := exec.Command("umount", where).Run(); err != nil {
		return rerr.Wrap(rerr.IO, "manager.mountAdapter.Unmount", err)
	}
	return nil
}

// clock implements timer.ReferenceClock against the Manager's own
// activation/deactivation bookkeeping and a boot time read once at
// startup.
type clock struct {
	m *Manager
}

func (c clock) Now() time.Time { return time.Now() }

func (c clock) BootTime() time.Time { return c.m.bootTime }

func (c clock) StartupTime() time.Time { return c.m.startupTime }

func (c clock) UnitActivationTime(target types.UnitID) (time.Time, bool) {
	mach, err := c.m.reg.Get(target)
	if err != nil {
		return time.Time{}, false
	}
	ts := mach.Meta().Timestamps
	if ts.ActiveEnter.IsZero() {
		return time.Time{}, false
	}
	return ts.ActiveEnter, true
}

func (c clock) UnitDeactivationTime(target types.UnitID) (time.Time, bool) {
	mach, err := c.m.reg.Get(target)
	if err != nil {
		return time.Time{}, false
	}
	ts := mach.Meta().Timestamps
	if ts.InactiveEnter.IsZero() {
		return time.Time{}, false
	}
	return ts.InactiveEnter, true
}

// lastTriggerStore implements timer.LastTriggerStore over a dedicated
// store.Table, so persistent timers survive a restart of raven itself.
type lastTriggerStore struct {
	m *Manager
}

func (s lastTriggerStore) LoadLastTrigger(id types.UnitID) (time.Time, bool) {
	var unixNano int64
	ok, err := s.m.timerLastTable().Get(string(id), &unixNano)
	if err != nil || !ok {
		return time.Time{}, false
	}
	return time.Unix(0, unixNano), true
}

func (s lastTriggerStore) SaveLastTrigger(id types.UnitID, at time.Time) error {
	if err := s.m.timerLastTable().Set(string(id), at.UnixNano()); err != nil {
		return rerr.Wrap(rerr.IO, "manager.lastTriggerStore.SaveLastTrigger", err)
	}
	return nil
}

// socketTrigger, pathTrigger and timerTrigger each enqueue a start job
// for the triggered unit through the job engine rather than calling the
// unit's Start directly, so ordering and concurrency rules still apply
// to trigger-initiated activation. They share one underlying action;
// each wears its own type only because the three packages declare
// distinct (if structurally similar) interfaces.
type socketTrigger struct{ m *Manager }

func (t socketTrigger) TriggerStart(target types.UnitID, extraEnv map[string]string) error {
	return t.m.enqueueStart(target)
}

type pathTrigger struct{ m *Manager }

func (t pathTrigger) TriggerStart(target types.UnitID) error {
	return t.m.enqueueStart(target)
}

type timerTrigger struct{ m *Manager }

func (t timerTrigger) TriggerStart(target types.UnitID) error {
	return t.m.enqueueStart(target)
}

var _ socket.Trigger = socketTrigger{}
var _ path.Trigger = pathTrigger{}
var _ timer.Trigger = timerTrigger{}

// fragmentWantsRequires converts loader.WalkSymlinks-derived
// dependencies into unitEdges; the caller adds them to the graph tagged
// with OriginSymlink, keeping them apart from fragment-declared edges.
func fragmentWantsRequires(l *loader.Loader, id types.UnitID) ([]unitEdge, error) {
	deps, err := l.WalkSymlinks(id)
	if err != nil {
		return nil, err
	}
	edges := make([]unitEdge, 0, len(deps))
	for _, d := range deps {
		edges = append(edges, unitEdge{rel: d.Relation, target: d.Target})
	}
	return edges, nil
}

