package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
)

// Loaded is the result of resolving one unit id: its merged file, the
// path the main fragment was found at (symlinks followed), and the
// drop-in paths that were merged in, in application order.
type Loaded struct {
	ID           types.UnitID
	File         *File
	FragmentPath string
	DropInPaths  []string
	// Masked is true when id's fragment resolved to the /dev/null
	// marker Mask leaves behind; File is empty and callers must not
	// build a machine from it.
	Masked bool
}

// dirState holds one search-path directory's mtime. Load neither fills
// nor consults it: every Load reads the fragment and drop-ins from disk
// afresh, whatever the directory's mtime.
type dirState struct {
	mtime time.Time
}

// Loader walks an ordered search path, merges fragment + drop-ins for a
// unit id, and resolves .wants/.requires symlink directories into
// dependency pairs for the caller to feed into registry.Graph.
type Loader struct {
	searchPath []string

	mu    sync.Mutex
	dirs  map[string]dirState
}

// New creates a Loader over the given search path, highest-priority
// directory first (matching systemd's convention that an earlier
// directory's fragment wins and earlier directories' drop-ins are
// applied after later ones, i.e. they can override).
func New(searchPath []string) *Loader {
	return &Loader{searchPath: searchPath, dirs: make(map[string]dirState)}
}

// SearchPath returns the configured directories, in priority order.
func (l *Loader) SearchPath() []string { return append([]string(nil), l.searchPath...) }

// InvalidateDir drops dir's entry from the mtime map. The manager calls
// this for every search directory on daemon-reload; since Load does not
// read the map, Load's result is the same with or without the call.
func (l *Loader) InvalidateDir(dir string) {
	l.mu.Lock()
	delete(l.dirs, dir)
	l.mu.Unlock()
}

// Load resolves id: finds the first matching fragment on the search
// path (following at most one symlink hop), merges every id.d/*.conf
// drop-in found across all search directories, lowest-priority
// directory first and in filename order within a directory (so a
// higher-priority directory's drop-ins override), and returns
// rerr.NotFound if no fragment exists anywhere on the path.
func (l *Loader) Load(id types.UnitID) (*Loaded, error) {
	name := string(id)
	fragPath, err := l.findFragment(name)
	if err != nil {
		return nil, err
	}
	if fragPath == maskTarget {
		return &Loaded{ID: id, File: &File{}, FragmentPath: fragPath, Masked: true}, nil
	}

	f, err := parseFile(fragPath)
	if err != nil {
		return nil, rerr.Wrap(rerr.Input, "loader.Load", err)
	}

	var dropIns []string
	for i := len(l.searchPath) - 1; i >= 0; i-- {
		confDir := filepath.Join(l.searchPath[i], name+".d")
		entries, err := os.ReadDir(confDir)
		if err != nil {
			continue
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			p := filepath.Join(confDir, n)
			dropIn, err := parseFile(p)
			if err != nil {
				return nil, rerr.Wrap(rerr.Input, "loader.Load", err)
			}
			f = Merge(f, dropIn)
			dropIns = append(dropIns, p)
		}
	}

	return &Loaded{ID: id, File: f, FragmentPath: fragPath, DropInPaths: dropIns}, nil
}

func (l *Loader) findFragment(name string) (string, error) {
	for _, dir := range l.searchPath {
		p := filepath.Join(dir, name)
		fi, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return "", rerr.Wrap(rerr.IO, "loader.findFragment", err)
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			if _, err := os.Stat(target); err != nil {
				return "", rerr.New(rerr.NotFound, "loader.findFragment", fmt.Sprintf("dangling symlink %s -> %s", p, target))
			}
			return target, nil
		}
		return p, nil
	}
	return "", rerr.New(rerr.NotFound, "loader.findFragment", name)
}

func parseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// SymlinkDep is one dependency contributed by a .wants/ or .requires/
// directory entry: Target's name must be started (Wants) or must be
// started and its failure propagated (Requires) before/alongside id.
type SymlinkDep struct {
	Relation types.Relation
	Target   types.UnitID
}

// WalkSymlinks resolves id.wants/ and id.requires/ across the whole
// search path into dependency edges. These are never merged into the
// unit's parsed configuration — the spec keeps runtime-installed
// enablement symlinks structurally separate from the fragment's own
// Wants=/Requires= settings, even though both end up as the same kind
// of graph edge with different OriginMask bits.
func (l *Loader) WalkSymlinks(id types.UnitID) ([]SymlinkDep, error) {
	name := string(id)
	var deps []SymlinkDep
	specs := []struct {
		suffix string
		rel    types.Relation
	}{
		{".wants", types.Wants},
		{".requires", types.Requires},
	}

	for _, dir := range l.searchPath {
		for _, spec := range specs {
			d := filepath.Join(dir, name+spec.suffix)
			entries, err := os.ReadDir(d)
			if err != nil {
				continue
			}
			for _, e := range entries {
				target := types.UnitID(e.Name())
				if !target.Valid() {
					continue
				}
				deps = append(deps, SymlinkDep{Relation: spec.rel, Target: target})
			}
		}
	}
	return deps, nil
}
