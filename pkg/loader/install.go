package loader

import (
	"os"
	"path/filepath"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
)

// maskTarget is the /dev/null marker Mask symlinks a unit name to.
// findFragment happily resolves it (the device node always exists), so
// Load special-cases this exact path into a Masked *Loaded rather than
// trying to parse it as a fragment.
const maskTarget = "/dev/null"

// installTargets reads the WantedBy=/RequiredBy= entries from id's
// [Install] section, the same section Enable/Disable act on.
func (l *Loader) installTargets(id types.UnitID) (wantedBy, requiredBy []string, err error) {
	loaded, lerr := l.Load(id)
	if lerr != nil {
		return nil, nil, lerr
	}
	return loaded.File.All("Install", "WantedBy"), loaded.File.All("Install", "RequiredBy"), nil
}

// Enable creates one .wants/ or .requires/ symlink per WantedBy=/
// RequiredBy= target declared in id's [Install] section, inside the
// search path's highest-priority directory (index 0 — the
// admin-writable override location every other fragment and drop-in
// already treats as authoritative). It returns the symlink paths it
// created.
func (l *Loader) Enable(id types.UnitID) ([]string, error) {
	if len(l.searchPath) == 0 {
		return nil, rerr.New(rerr.Input, "loader.Enable", "no search path configured")
	}
	wantedBy, requiredBy, err := l.installTargets(id)
	if err != nil {
		return nil, err
	}
	fragPath, err := l.findFragment(string(id))
	if err != nil {
		return nil, err
	}

	dir := l.searchPath[0]
	var created []string
	link := func(target, suffix string) error {
		linkDir := filepath.Join(dir, target+suffix)
		if err := os.MkdirAll(linkDir, 0o755); err != nil {
			return rerr.Wrap(rerr.IO, "loader.Enable", err)
		}
		dst := filepath.Join(linkDir, string(id))
		_ = os.Remove(dst)
		if err := os.Symlink(fragPath, dst); err != nil {
			return rerr.Wrap(rerr.IO, "loader.Enable", err)
		}
		created = append(created, dst)
		return nil
	}
	for _, target := range wantedBy {
		if err := link(target, ".wants"); err != nil {
			return created, err
		}
	}
	for _, target := range requiredBy {
		if err := link(target, ".requires"); err != nil {
			return created, err
		}
	}
	return created, nil
}

// Disable removes every .wants/ and .requires/ symlink named id across
// the whole search path, not just the directory Enable writes to,
// since a prior enable under a different search-path layout (or a
// hand-created symlink) should still be found. A missing symlink is
// not an error, so Enable followed by Disable leaves behind no
// symlinks neither call found in place beforehand.
func (l *Loader) Disable(id types.UnitID) ([]string, error) {
	wantedBy, requiredBy, err := l.installTargets(id)
	if err != nil {
		return nil, err
	}

	var removed []string
	unlink := func(target, suffix string) {
		for _, dir := range l.searchPath {
			dst := filepath.Join(dir, target+suffix, string(id))
			if _, err := os.Lstat(dst); err == nil {
				_ = os.Remove(dst)
				removed = append(removed, dst)
			}
		}
	}
	for _, target := range wantedBy {
		unlink(target, ".wants")
	}
	for _, target := range requiredBy {
		unlink(target, ".requires")
	}
	return removed, nil
}

// Mask replaces id's fragment lookup with a symlink to /dev/null in
// the highest-priority search directory: any future Load finds the
// mask before it would reach the real fragment further down the
// search path, the same convention systemd uses.
func (l *Loader) Mask(id types.UnitID) (string, error) {
	if len(l.searchPath) == 0 {
		return "", rerr.New(rerr.Input, "loader.Mask", "no search path configured")
	}
	link := filepath.Join(l.searchPath[0], string(id))
	_ = os.Remove(link)
	if err := os.Symlink(maskTarget, link); err != nil {
		return "", rerr.Wrap(rerr.IO, "loader.Mask", err)
	}
	return link, nil
}

// Unmask removes a mask symlink id may have anywhere on the search
// path. It is not an error if none exists, and it never removes a
// symlink pointing anywhere other than maskTarget — a real fragment
// that happens to be a symlink is left alone.
func (l *Loader) Unmask(id types.UnitID) error {
	for _, dir := range l.searchPath {
		link := filepath.Join(dir, string(id))
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if target == maskTarget {
			_ = os.Remove(link)
		}
	}
	return nil
}
