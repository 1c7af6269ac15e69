package manager

import (
	"encoding/json"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/ravend/raven/pkg/registry"
	"github.com/ravend/raven/pkg/store"
	"github.com/ravend/raven/pkg/types"
)

func pidKey(pid int) string { return strconv.Itoa(pid) }

func pidFromKey(key string) int {
	pid, err := strconv.Atoi(key)
	if err != nil {
		return 0
	}
	return pid
}

// pidRecord is the persisted shape of one supervisor.Pids entry.
type pidRecord struct {
	Unit types.UnitID `json:"unit"`
}

// pidSubscriber is the store.Subscriber that keeps the supervisor's
// pid->unit table durable across a restart of raven itself: every
// insert/remove on supervisor.Pids is mirrored into a CacheThrough
// table, and at recovery the cached pids are re-armed for reaping (Map)
// and then checked against the live process table (MakeConsistent),
// which drops any pid that no longer exists, since its SIGCHLD was
// missed while raven was down.
type pidSubscriber struct {
	m *Manager
}

func newPidSubscriber(m *Manager) *pidSubscriber {
	return &pidSubscriber{m: m}
}

func (m *Manager) pidTable() *store.Table {
	return m.st.Table("unitpid", store.CacheThrough)
}

// RebuildInputs subscribes the persisted pid table to the supervisor's
// live registry.Table, so every future Watch/Unwatch is mirrored to
// disk without the supervisor needing to know persistence exists.
func (s *pidSubscriber) RebuildInputs() error {
	s.m.sup.Pids().Subscribe(registry.SubscriberFunc[int, types.UnitID](
		func(op registry.TableOp, pid int, owner types.UnitID) {
			tbl := s.m.pidTable()
			key := pidKey(pid)
			switch op {
			case registry.TableInsert:
				_ = tbl.Set(key, pidRecord{Unit: owner})
			case registry.TableRemove:
				tbl.Delete(key)
			}
		},
	))
	return nil
}

// CompensateLast has nothing unit-specific to compensate from the last
// shutdown frame; pid liveness is instead reconciled in
// MakeConsistent, against the live process table rather than a
// recorded operation.
func (s *pidSubscriber) CompensateLast(frame *store.Frame) error { return nil }

// Map re-arms supervisor tracking for every pid the table remembers
// from before the restart, so Reap can still resolve them to a unit if
// they already exited while raven was down.
func (s *pidSubscriber) Map() error {
	var rangeErr error
	s.m.pidTable().Range(func(key string, raw json.RawMessage) bool {
		var rec pidRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			rangeErr = err
			return false
		}
		pid := pidFromKey(key)
		if pid > 0 {
			s.m.sup.Pids().Insert(pid, rec.Unit)
		}
		return true
	})
	return rangeErr
}

// MakeConsistent drops any remembered pid that no longer exists (a
// child that exited and was reaped by pid 1 itself, or simply never
// existed on this boot) since no SIGCHLD will ever arrive for it.
func (s *pidSubscriber) MakeConsistent() error {
	var stale []int
	s.m.sup.Pids().Range(func(pid int, owner types.UnitID) bool {
		if err := unix.Kill(pid, 0); err != nil {
			stale = append(stale, pid)
		}
		return true
	})
	for _, pid := range stale {
		s.m.sup.Unwatch(pid)
	}
	return nil
}

// storeSubscribers lists every store.Subscriber to pass to
// store.Store.Recover at startup.
func (m *Manager) storeSubscribers() []store.Subscriber {
	return []store.Subscriber{newPidSubscriber(m)}
}

var _ store.Subscriber = (*pidSubscriber)(nil)
