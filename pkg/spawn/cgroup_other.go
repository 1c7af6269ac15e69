//go:build !linux

package spawn

import "github.com/ravend/raven/pkg/rerr"

// HierarchyVersion mirrors the Linux-only type so callers on other
// platforms can still compile; cgroups have no non-Linux equivalent.
type HierarchyVersion int

const (
	HierarchyUnknown HierarchyVersion = iota
	HierarchyV1
	HierarchyV2
	HierarchyHybrid
)

// DetectHierarchy always fails off Linux: there is no cgroup fs to
// detect.
func DetectHierarchy(string) (HierarchyVersion, error) {
	return HierarchyUnknown, rerr.New(rerr.OpNotSupported, "spawn.DetectHierarchy", "cgroups are Linux-only")
}

// AttachCgroup always fails off Linux.
func AttachCgroup(HierarchyVersion, string, int) error {
	return rerr.New(rerr.OpNotSupported, "spawn.AttachCgroup", "cgroups are Linux-only")
}
