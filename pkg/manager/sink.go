package manager

import (
	"context"

	"github.com/ravend/raven/pkg/job"
	"github.com/ravend/raven/pkg/log"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
	"github.com/ravend/raven/pkg/unit/service"
)

// UnitStateChanged implements unit.Sink. Every lifecycle machine is
// constructed with the Manager itself as its sink, so this is the one
// place a unit's ActiveState transition reaches the job engine and the
// structured log.
func (m *Manager) UnitStateChanged(ev unit.Event) {
	log.WithComponent("unit").Info().
		Str("unit", string(ev.ID)).
		Str("active", string(ev.Active)).
		Str("substate", ev.SubState).
		Str("result", string(ev.Result)).
		Msg("unit state changed")

	switch ev.Active {
	case types.Active:
		m.rec.UnitActivated(ev.ID)
	case types.Failed:
		m.rec.UnitFailed(ev.ID)
	case types.Activating:
		if ev.SubState == string(service.AutoRestart) {
			m.rec.UnitRestarted(ev.ID)
		}
	}

	if ev.Active == types.Active || ev.Active == types.Inactive || ev.Active == types.Failed {
		m.engine.Notify(context.Background(), ev.ID, ev.Active != types.Failed)
	}
}

// Actuate implements job.Actuator: it looks the unit up in the registry
// (loading it first if this is its first actuation) and calls the
// matching Machine method. Errors returned here only cover "couldn't
// even begin" failures (unknown unit, load failure); a failure during
// the unit's own startup/shutdown sequence is reported later through
// UnitStateChanged's Failed ActiveState, not through this return path.
func (m *Manager) Actuate(ctx context.Context, unitID types.UnitID, kind types.JobKind) error {
	mach, err := m.reg.Get(unitID)
	if err != nil {
		mach, err = m.LoadUnit(unitID)
		if err != nil {
			return err
		}
	}

	switch kind {
	case types.JobStart, types.JobRestart:
		return mach.Start(ctx)
	case types.JobStop:
		return mach.Stop(ctx)
	case types.JobReload:
		if !mach.CanReload() {
			return nil
		}
		return mach.Reload(ctx)
	case types.JobVerify, types.JobNop:
		return nil
	default:
		return nil
	}
}

// ActiveState implements job.StateView.
func (m *Manager) ActiveState(id types.UnitID) types.ActiveState {
	mach, err := m.reg.Get(id)
	if err != nil {
		return types.Inactive
	}
	return mach.Meta().Active
}

// IgnoreOnIsolate implements job.StateView. It always reports false: no
// fragment key (such as systemd's IgnoreOnIsolate=) is read, so every
// active unit participates in isolate's stop sweep.
func (m *Manager) IgnoreOnIsolate(id types.UnitID) bool {
	return false
}

// AllActiveUnits implements job.StateView.
func (m *Manager) AllActiveUnits() []types.UnitID {
	var out []types.UnitID
	for _, id := range m.reg.All() {
		mach, err := m.reg.Get(id)
		if err != nil {
			continue
		}
		if mach.Meta().Active != types.Inactive {
			out = append(out, id)
		}
	}
	return out
}

var _ job.Actuator = (*Manager)(nil)
var _ job.StateView = (*Manager)(nil)
