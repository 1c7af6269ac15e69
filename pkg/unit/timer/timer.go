// Package timer implements unit.Machine for timer units: a vector of
// TimerValue entries tagged by base, the smallest future elapse armed
// at any moment, and Persistent= catch-up for Calendar timers that
// missed a window while the manager was not running.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ravend/raven/pkg/rerr"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
)

// SubState enumerates a timer's fine-grained state, matching spec
// section 4.4.4 verbatim.
type SubState string

const (
	Dead     SubState = "dead"
	Waiting  SubState = "waiting"
	Running  SubState = "running"
	Elapsed  SubState = "elapsed"
	Failed   SubState = "failed"
)

// Base is the reference point a TimerValue's elapse is computed from.
type Base string

const (
	BaseActive       Base = "active"        // offset from Start()
	BaseBoot         Base = "boot"          // offset from system boot
	BaseStartup      Base = "startup"       // offset from manager startup
	BaseUnitActive   Base = "unit_active"   // offset from the target's last activation
	BaseUnitInactive Base = "unit_inactive" // offset from the target's last deactivation
	BaseCalendar     Base = "calendar"      // cron-style wall-clock spec
)

// TimerValue is one configured trigger entry.
type TimerValue struct {
	Base     Base
	Offset   time.Duration // meaningful for every base except Calendar
	Calendar string        // cron expression, meaningful only for BaseCalendar
}

// cronParser accepts the five-field form (minute hour dom month dow).
// The manager's config layer passes OnCalendar= values through
// unchanged, so only values already written in this form arm; systemd
// calendar syntax fails to parse and that entry is skipped.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ReferenceClock supplies the instants TimerValue bases are computed
// relative to. The manager implements it against the registry/store.
type ReferenceClock interface {
	Now() time.Time
	BootTime() time.Time
	StartupTime() time.Time
	UnitActivationTime(target types.UnitID) (time.Time, bool)
	UnitDeactivationTime(target types.UnitID) (time.Time, bool)
}

// LastTriggerStore persists the Calendar base's last_trigger_realtime
// so Persistent=true can catch up a missed window at startup.
type LastTriggerStore interface {
	LoadLastTrigger(id types.UnitID) (time.Time, bool)
	SaveLastTrigger(id types.UnitID, at time.Time) error
}

// Trigger starts the timer's target unit.
type Trigger interface {
	TriggerStart(target types.UnitID) error
}

// Config is a timer unit's parsed configuration.
type Config struct {
	Values     []TimerValue
	Persistent bool
	Unit       types.UnitID // target; defaults to the same-named .service
}

// Machine implements unit.Machine for one timer unit.
type Machine struct {
	mu   sync.Mutex
	meta unit.Meta
	cfg  Config

	clock   ReferenceClock
	store   LastTriggerStore
	trigger Trigger
	sink    unit.Sink

	sub  SubState
	next time.Time
}

// New constructs a Machine for id.
func New(id types.UnitID, cfg Config, clock ReferenceClock, store LastTriggerStore, trigger Trigger, sink unit.Sink) *Machine {
	if cfg.Unit == "" {
		cfg.Unit = types.UnitID(id.Name() + ".service")
	}
	return &Machine{
		meta:    unit.Meta{ID: id, Load: types.LoadLoaded, Active: types.Inactive},
		cfg:     cfg,
		clock:   clock,
		store:   store,
		trigger: trigger,
		sink:    sink,
		sub:     Dead,
	}
}

func (m *Machine) Meta() *unit.Meta     { return &m.meta }
func (m *Machine) CanReload() bool      { return false }
func (m *Machine) Target() types.UnitID { return m.cfg.Unit }

func (m *Machine) Reload(ctx context.Context) error {
	return rerr.New(rerr.OpNotSupported, "timer.Reload", string(m.meta.ID))
}

func (m *Machine) ResetFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == Failed {
		m.setSubState(types.Inactive, Dead)
	}
}

// Start arms the timer: computes every configured base's next elapse,
// picks the smallest future one, and — for a Persistent Calendar timer
// that missed a window while the manager was down — fires immediately
// and then arms.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub == Waiting || m.sub == Running {
		return rerr.New(rerr.AlreadyActive, "timer.Start", string(m.meta.ID))
	}

	if m.missedPersistentWindow() {
		m.setSubState(types.Active, Running)
		if err := m.trigger.TriggerStart(m.cfg.Unit); err != nil {
			m.setSubState(types.Failed, Failed)
			return rerr.Wrap(rerr.Spawn, "timer.Start", err)
		}
		m.recordTrigger(m.clock.Now())
		m.setSubState(types.Active, Elapsed)
	}

	next, ok := m.computeNextElapse()
	if !ok {
		m.setSubState(types.Failed, Failed)
		return rerr.New(rerr.Input, "timer.Start", "no armable TimerValue entries")
	}
	m.next = next
	m.setSubState(types.Active, Waiting)
	return nil
}

// missedPersistentWindow reports whether a Persistent Calendar base's
// most recent scheduled occurrence before now postdates the last
// recorded trigger, meaning a fire was missed while down.
func (m *Machine) missedPersistentWindow() bool {
	if !m.cfg.Persistent || m.store == nil {
		return false
	}
	last, ok := m.store.LoadLastTrigger(m.meta.ID)
	if !ok {
		return false
	}
	now := m.clock.Now()
	for _, v := range m.cfg.Values {
		if v.Base != BaseCalendar {
			continue
		}
		sched, err := cronParser.Parse(v.Calendar)
		if err != nil {
			continue
		}
		// Walk forward from last; if the next scheduled occurrence after
		// last is still before now, a window was missed.
		if occurrence := sched.Next(last); occurrence.Before(now) {
			return true
		}
	}
	return false
}

// Elapse is called by the manager's Timer event source when m.next has
// passed: it triggers the target unit and re-arms for the next
// occurrence.
func (m *Machine) Elapse() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setSubState(types.Active, Running)
	if err := m.trigger.TriggerStart(m.cfg.Unit); err != nil {
		m.setSubState(types.Failed, Failed)
		return rerr.Wrap(rerr.Spawn, "timer.Elapse", err)
	}
	m.recordTrigger(m.clock.Now())
	m.setSubState(types.Active, Elapsed)

	next, ok := m.computeNextElapse()
	if !ok {
		m.setSubState(types.Inactive, Dead)
		return nil
	}
	m.next = next
	m.setSubState(types.Active, Waiting)
	return nil
}

func (m *Machine) recordTrigger(at time.Time) {
	if m.store != nil {
		_ = m.store.SaveLastTrigger(m.meta.ID, at)
	}
}

// Next reports the currently armed deadline, implementing
// event.Deadline for the manager's Timer source wrapper.
func (m *Machine) Next() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

func (m *Machine) computeNextElapse() (time.Time, bool) {
	now := m.clock.Now()
	var best time.Time
	found := false

	for _, v := range m.cfg.Values {
		var candidate time.Time
		switch v.Base {
		case BaseActive:
			candidate = now.Add(v.Offset)
		case BaseBoot:
			candidate = m.clock.BootTime().Add(v.Offset)
		case BaseStartup:
			candidate = m.clock.StartupTime().Add(v.Offset)
		case BaseUnitActive:
			at, ok := m.clock.UnitActivationTime(m.cfg.Unit)
			if !ok {
				continue
			}
			candidate = at.Add(v.Offset)
		case BaseUnitInactive:
			at, ok := m.clock.UnitDeactivationTime(m.cfg.Unit)
			if !ok {
				continue
			}
			candidate = at.Add(v.Offset)
		case BaseCalendar:
			sched, err := cronParser.Parse(v.Calendar)
			if err != nil {
				continue
			}
			candidate = sched.Next(now)
		default:
			continue
		}

		if !candidate.After(now) {
			continue
		}
		if !found || candidate.Before(best) {
			best = candidate
			found = true
		}
	}
	return best, found
}

// Stop disarms the timer.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == Dead || m.sub == Failed {
		return rerr.New(rerr.AlreadyInactive, "timer.Stop", string(m.meta.ID))
	}
	m.setSubState(types.Inactive, Dead)
	m.next = time.Time{}
	return nil
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
