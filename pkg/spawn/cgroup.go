//go:build linux

package spawn

import (
	"fmt"
	"os"

	cgroup1 "github.com/containerd/cgroups"
	cgroup2 "github.com/containerd/cgroups/v2"
	"golang.org/x/sys/unix"

	"github.com/ravend/raven/pkg/rerr"
)

// HierarchyVersion identifies which cgroup filesystem layout the host
// is running, detected once at manager startup via statfs.
type HierarchyVersion int

const (
	HierarchyUnknown HierarchyVersion = iota
	HierarchyV1
	HierarchyV2
	HierarchyHybrid
)

const (
	cgroup2SuperMagic = 0x63677270
	tmpfsMagic        = 0x01021994
)

// DetectHierarchy statfs's /sys/fs/cgroup: a pure cgroup2 mount reports
// CGROUP2_SUPER_MAGIC; a legacy v1 mount reports tmpfs with per-
// controller subdirectories; a hybrid mount is tmpfs at the root with a
// cgroup2 "unified" subdirectory alongside the v1 controllers.
func DetectHierarchy(root string) (HierarchyVersion, error) {
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return HierarchyUnknown, rerr.Wrap(rerr.Cgroup, "spawn.DetectHierarchy", err)
	}
	switch uint32(st.Type) {
	case cgroup2SuperMagic:
		return HierarchyV2, nil
	case tmpfsMagic:
		if _, err := os.Stat(root + "/unified"); err == nil {
			return HierarchyHybrid, nil
		}
		return HierarchyV1, nil
	default:
		return HierarchyUnknown, rerr.New(rerr.Cgroup, "spawn.DetectHierarchy", fmt.Sprintf("unrecognized fs magic %#x at %s", st.Type, root))
	}
}

// AttachCgroup writes pid into unitPath's cgroup.procs file, creating
// the cgroup first if it does not exist. Called by the parent only,
// after Spawn returns a pid — never from the forked child, since the
// child's own address space may not have the privileges or filesystem
// view needed to create new cgroups.
func AttachCgroup(version HierarchyVersion, unitPath string, pid int) error {
	switch version {
	case HierarchyV2, HierarchyHybrid:
		return attachV2(unitPath, pid)
	case HierarchyV1:
		return attachV1(unitPath, pid)
	default:
		return rerr.New(rerr.Cgroup, "spawn.AttachCgroup", "unknown hierarchy version")
	}
}

func attachV1(unitPath string, pid int) error {
	control, err := cgroup1.New(cgroup1.StaticPath(unitPath), &cgroup1.Resources{})
	if err != nil {
		return rerr.Wrap(rerr.Cgroup, "spawn.attachV1", err)
	}
	if err := control.Add(cgroup1.Process{Pid: pid}); err != nil {
		return rerr.Wrap(rerr.Cgroup, "spawn.attachV1", err)
	}
	return nil
}

func attachV2(unitPath string, pid int) error {
	manager, err := cgroup2.NewManager("/sys/fs/cgroup", unitPath, &cgroup2.Resources{})
	if err != nil {
		return rerr.Wrap(rerr.Cgroup, "spawn.attachV2", err)
	}
	if err := manager.AddProc(uint64(pid)); err != nil {
		return rerr.Wrap(rerr.Cgroup, "spawn.attachV2", err)
	}
	return nil
}
