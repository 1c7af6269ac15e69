// Package store is the reliability layer: a keyed, crash-recoverable
// cache over a bbolt database, rotated between two directories so a
// compaction can write a fresh copy without destroying the previous
// one. It never drives live state on its own — subsystems call Import
// once at startup and Map/MakeConsistent their own cached records onto
// whatever they actually own.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"
	"golang.org/x/sys/unix"

	"github.com/ravend/raven/pkg/rerr"
)

const (
	dirA      = "a"
	dirB      = "b"
	bflagFile = "b.effect"
	dbFile    = "raven.db"
	historyDir = "history.db"

	lastFrameBucket = "<last-frame>"
	lastFrameKey    = "frame"
)

// Mode selects how a Table's mutations reach disk.
type Mode int

const (
	// CacheThrough applies every mutation to the in-memory cache
	// immediately; Flush later writes whatever is dirty to the bucket.
	CacheThrough Mode = iota
	// Buffered stages mutations into a side buffer that only reaches
	// the cache and the bucket together, on Flush, which first clears
	// the bucket's prior contents.
	Buffered
)

// Table is one named bucket: an in-memory cache of JSON records keyed
// by unit id (or any other stable string), backed by a bbolt bucket of
// the same name. Each component owns one Table per persisted record
// kind (serviceconf, servicemng, sockconf, sockmng, sockm-frame,
// timerconf, timermng, unitchild, ...).
type Table struct {
	name  string
	mode  Mode
	store *Store

	mu      sync.RWMutex
	cache   map[string]json.RawMessage
	dirty   map[string]bool // CacheThrough: keys changed since last Flush
	buffer  map[string]json.RawMessage // Buffered: staged, not yet visible via Get
	tomb    map[string]bool            // keys pending deletion, either mode
}

func newTable(s *Store, name string, mode Mode) *Table {
	return &Table{
		name:   name,
		mode:   mode,
		store:  s,
		cache:  make(map[string]json.RawMessage),
		dirty:  make(map[string]bool),
		buffer: make(map[string]json.RawMessage),
		tomb:   make(map[string]bool),
	}
}

// Set marshals value and applies it to the cache. Under CacheThrough
// this is visible to Get immediately and marked dirty for the next
// Flush; under Buffered it stages into the pending buffer and is not
// visible via Get until Flush.
func (t *Table) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return rerr.Wrap(rerr.IO, "store.Set", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tomb, key)
	switch t.mode {
	case Buffered:
		t.buffer[key] = raw
	default:
		t.cache[key] = raw
		t.dirty[key] = true
	}
	return nil
}

// Delete removes key from the cache (CacheThrough) or marks it for
// removal on the next Flush (Buffered, where it would otherwise
// reappear from whatever is already on disk).
func (t *Table) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buffer, key)
	t.tomb[key] = true
	switch t.mode {
	case CacheThrough:
		delete(t.cache, key)
		t.dirty[key] = true
	}
}

// Get unmarshals the cached record for key into out, reporting whether
// it was present.
func (t *Table) Get(key string, out any) (bool, error) {
	t.mu.RLock()
	raw, ok := t.cache[key]
	t.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, rerr.Wrap(rerr.IO, "store.Get", err)
	}
	return true, nil
}

// Range calls fn for every cached key in unspecified order until fn
// returns false.
func (t *Table) Range(fn func(key string, raw json.RawMessage) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, v := range t.cache {
		if !fn(k, v) {
			return
		}
	}
}

// Import loads every record from this table's bbolt bucket into the
// cache, discarding whatever was cached before. This is history_import,
// step 1 of Recover.
func (t *Table) Import() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]json.RawMessage)
	t.dirty = make(map[string]bool)
	return t.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			t.cache[string(k)] = cp
			return nil
		})
	})
}

// Flush writes this table's pending changes to its bucket. Under
// CacheThrough it upserts/deletes only the keys touched since the last
// Flush. Under Buffered it clears the bucket entirely, writes the
// staged buffer, folds the buffer into the cache, then clears the
// buffer — so a reader of the bucket never sees a part-old part-new
// mix of records.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.store.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(t.name))
		if err != nil {
			return err
		}

		if t.mode == Buffered {
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
			for k, raw := range t.buffer {
				if err := b.Put([]byte(k), raw); err != nil {
					return err
				}
				t.cache[k] = raw
			}
			for k := range t.tomb {
				delete(t.cache, k)
			}
			t.buffer = make(map[string]json.RawMessage)
			t.tomb = make(map[string]bool)
			return nil
		}

		for k := range t.dirty {
			if t.tomb[k] {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(k), t.cache[k]); err != nil {
				return err
			}
		}
		t.dirty = make(map[string]bool)
		t.tomb = make(map[string]bool)
		return nil
	})
}

// Clear drops every cached record without touching the bucket; used at
// the end of Recover once subscribers have consumed everything they
// need from the cache.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]json.RawMessage)
	t.dirty = make(map[string]bool)
	t.buffer = make(map[string]json.RawMessage)
	t.tomb = make(map[string]bool)
}

// Store is the reliability environment: one bbolt database rooted under
// one of two rotating subdirectories (a/, b/), plus every registered
// Table backed by it.
type Store struct {
	hdir   string // .../history.db
	bExist bool
	curDir string

	mu     sync.Mutex
	db     *bbolt.DB
	tables map[string]*Table
	order  []string
}

// Prepare ensures the history directory and both rotation
// subdirectories exist, without opening anything. Call once before New,
// typically at daemon install time as well as at every startup.
func Prepare(dataDir string) error {
	history := filepath.Join(dataDir, historyDir)
	for _, sub := range []string{"", dirA, dirB} {
		if err := os.MkdirAll(filepath.Join(history, sub), 0o700); err != nil {
			return rerr.Wrap(rerr.IO, "store.Prepare", err)
		}
	}
	return nil
}

// New opens the reliability environment under dataDir, selecting
// whichever of a/ or b/ the b.effect flag file names as current.
func New(dataDir string) (*Store, error) {
	if err := Prepare(dataDir); err != nil {
		return nil, err
	}
	history := filepath.Join(dataDir, historyDir)
	bExist := fileExists(filepath.Join(history, bflagFile))
	cur := subdirCur(bExist)
	path := filepath.Join(history, cur)

	db, err := bbolt.Open(filepath.Join(path, dbFile), 0o600, nil)
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "store.New", err)
	}

	return &Store{
		hdir:   history,
		bExist: bExist,
		curDir: path,
		db:     db,
		tables: make(map[string]*Table),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table returns the named table, registering it with the given mode on
// first use. Subsequent calls with a different mode keep the mode
// chosen at registration — callers should register every table once,
// during manager startup, before any Set/Flush call.
func (s *Store) Table(name string, mode Mode) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[name]; ok {
		return t
	}
	t := newTable(s, name, mode)
	s.tables[name] = t
	s.order = append(s.order, name)
	return t
}

// FlushAll flushes every registered table, in registration order.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	tables := make(map[string]*Table, len(s.tables))
	for k, v := range s.tables {
		tables[k] = v
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := tables[name].Flush(); err != nil {
			return rerr.Wrap(rerr.IO, "store.FlushAll", err)
		}
	}
	return nil
}

// ClearAll drops every table's in-memory cache without touching disk.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tables {
		t.Clear()
	}
}

// ImportAll loads every registered table from disk into its cache; this
// is history_import (Recover step 1) run directly, for callers that
// want it outside the full Recover orchestration (e.g. tests).
func (s *Store) ImportAll() error {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	tables := make(map[string]*Table, len(s.tables))
	for k, v := range s.tables {
		tables[k] = v
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := tables[name].Import(); err != nil {
			return rerr.Wrap(rerr.IO, "store.ImportAll", err)
		}
	}
	return nil
}

// BeginFrame records that op is about to run, so a crash mid-operation
// can be detected and compensated for on the next startup. It must be
// paired with EndFrame on every successful return path; a frame still
// present at the next Recover means the previous run crashed mid-op.
func (s *Store) BeginFrame(op string, payload any) error {
	raw, err := json.Marshal(struct {
		Op      string          `json:"op"`
		Payload json.RawMessage `json:"payload"`
	}{Op: op, Payload: mustRaw(payload)})
	if err != nil {
		return rerr.Wrap(rerr.IO, "store.BeginFrame", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(lastFrameBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(lastFrameKey), raw)
	})
}

// EndFrame clears the last-frame marker; call it once op completed
// successfully.
func (s *Store) EndFrame() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(lastFrameBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(lastFrameKey))
	})
}

// Frame is the decoded contents of the last-frame marker.
type Frame struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// LastFrame returns the frame left by a previous run, if any. A
// non-empty result after a clean shutdown would never occur; its
// presence here is itself evidence of a crash.
func (s *Store) LastFrame() (*Frame, error) {
	var out *Frame
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(lastFrameBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(lastFrameKey))
		if raw == nil {
			return nil
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		out = &f
		return nil
	})
	if err != nil {
		return nil, rerr.Wrap(rerr.IO, "store.LastFrame", err)
	}
	return out, nil
}

// Subscriber is one component's hooks into the recover sequence.
// Implementations correspond to the state-owning packages (service,
// socket, mount, timer, path, the supervisor's pid table) — Recover
// calls each stage on every subscriber, in registration order, the
// same ordering guarantee pkg/registry's Table gives live notifications.
type Subscriber interface {
	// RebuildInputs re-registers event sources (listening sockets,
	// timers, watches) that live outside of process memory, from
	// whatever this subscriber's own tables already hold after Import.
	RebuildInputs() error
	// CompensateLast inspects frame (nil if the previous shutdown was
	// clean) and decides how to resume any operation it recorded that
	// belongs to this subscriber.
	CompensateLast(frame *Frame) error
	// Map applies cached records onto this subscriber's live component
	// state.
	Map() error
	// MakeConsistent reconciles observable divergence between the
	// mapped state and outside reality (e.g. a pid that no longer
	// exists), after every subscriber has run Map.
	MakeConsistent() error
}

// Recover runs the five-step startup sequence from spec 4.8:
// history_import, input_rebuild, db_compensate_last, db_map,
// make_consistent, then flushes and clears every table's cache.
func (s *Store) Recover(subs []Subscriber) error {
	if err := s.ImportAll(); err != nil {
		return err
	}

	for _, sub := range subs {
		if err := sub.RebuildInputs(); err != nil {
			return rerr.Wrap(rerr.IO, "store.Recover.input_rebuild", err)
		}
	}

	frame, err := s.LastFrame()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := sub.CompensateLast(frame); err != nil {
			return rerr.Wrap(rerr.IO, "store.Recover.db_compensate_last", err)
		}
	}
	if frame != nil {
		if err := s.EndFrame(); err != nil {
			return err
		}
	}

	for _, sub := range subs {
		if err := sub.Map(); err != nil {
			return rerr.Wrap(rerr.IO, "store.Recover.db_map", err)
		}
	}
	for _, sub := range subs {
		if err := sub.MakeConsistent(); err != nil {
			return rerr.Wrap(rerr.IO, "store.Recover.make_consistent", err)
		}
	}

	if err := s.FlushAll(); err != nil {
		return err
	}
	s.ClearAll()
	return nil
}

// Compact copies the live database into the other rotation directory,
// flips the b.effect flag to point there, reopens on the new path, and
// best-effort removes the old directory's database file. It mirrors
// the a/b rename-free rotation scheme: the previous copy is never
// destroyed until the new one is durably in place, so a crash mid
// compaction leaves a valid (if stale) database behind.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := unix.Umask(0o077)
	defer unix.Umask(old)

	nextSub := subdirNext(s.bExist)
	nextPath := filepath.Join(s.hdir, nextSub)
	nextFile := filepath.Join(nextPath, dbFile)

	if err := os.RemoveAll(nextPath); err != nil {
		return rerr.Wrap(rerr.IO, "store.Compact", err)
	}
	if err := os.MkdirAll(nextPath, 0o700); err != nil {
		return rerr.Wrap(rerr.IO, "store.Compact", err)
	}

	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(nextFile, 0o600)
	}); err != nil {
		return rerr.Wrap(rerr.IO, "store.Compact", err)
	}

	bflag := filepath.Join(s.hdir, bflagFile)
	if s.bExist {
		if err := os.Remove(bflag); err != nil && !os.IsNotExist(err) {
			return rerr.Wrap(rerr.IO, "store.Compact", err)
		}
	} else {
		f, err := os.Create(bflag)
		if err != nil {
			return rerr.Wrap(rerr.IO, "store.Compact", err)
		}
		f.Close()
	}

	oldPath := s.curDir
	if err := s.db.Close(); err != nil {
		return rerr.Wrap(rerr.IO, "store.Compact", err)
	}
	db, err := bbolt.Open(nextFile, 0o600, nil)
	if err != nil {
		return rerr.Wrap(rerr.IO, "store.Compact", err)
	}
	s.db = db
	s.curDir = nextPath
	s.bExist = !s.bExist

	// Best-effort: the next re-exec would skip this directory anyway
	// via the flipped flag, but reclaim the space now if we can.
	_ = os.Remove(filepath.Join(oldPath, dbFile))

	return nil
}

func subdirNext(bExist bool) string {
	if bExist {
		return dirA
	}
	return dirB
}

func subdirCur(bExist bool) string {
	if bExist {
		return dirB
	}
	return dirA
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return raw
}
