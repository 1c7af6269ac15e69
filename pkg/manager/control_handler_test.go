package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ravend/raven/pkg/control"
	"github.com/ravend/raven/pkg/types"
)

func TestServeUnitActionStatusReportsLoadedUnit(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "a.service", types.Active)

	resp := m.serve(context.Background(), control.Request{
		Family:     control.FamilyUnit,
		Unit:       "a.service",
		UnitAction: control.UnitStatus,
	})
	assert.True(t, resp.Stdout())
	assert.Contains(t, resp.Message, "a.service")
}

func TestServeUnitActionStatusUnknownUnitErrors(t *testing.T) {
	m := newTestManager(t)

	resp := m.serve(context.Background(), control.Request{
		Family:     control.FamilyUnit,
		Unit:       "ghost.service",
		UnitAction: control.UnitStatus,
	})
	assert.False(t, resp.Stdout())
}

func TestServeUnitActionResetFailedRepliesOK(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "a.service", types.Failed)

	resp := m.serve(context.Background(), control.Request{
		Family:     control.FamilyUnit,
		Unit:       "a.service",
		UnitAction: control.UnitResetFailed,
	})
	assert.True(t, resp.Stdout())
}

func TestServeUnitActionUnknownVerbErrors(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "a.service", types.Active)

	resp := m.serve(context.Background(), control.Request{
		Family:     control.FamilyUnit,
		Unit:       "a.service",
		UnitAction: control.UnitAction("bogus"),
	})
	assert.False(t, resp.Stdout())
}

func TestServeManagerActionListUnits(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "a.service", types.Active)
	putUnit(m, "b.service", types.Inactive)

	resp := m.serve(context.Background(), control.Request{
		Family:        control.FamilyManager,
		ManagerAction: control.ManagerListUnits,
	})
	assert.Contains(t, resp.Message, "a.service")
	assert.Contains(t, resp.Message, "b.service")
}

func TestServeManagerActionDaemonReload(t *testing.T) {
	m := newTestManager(t)

	resp := m.serve(context.Background(), control.Request{
		Family:        control.FamilyManager,
		ManagerAction: control.ManagerDaemonReload,
	})
	assert.True(t, resp.Stdout())
}

func TestServeSystemActionShutdownEnqueuesIsolateJob(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "shutdown.target", types.Inactive)

	resp := m.serve(context.Background(), control.Request{
		Family:       control.FamilySystem,
		SystemAction: control.SystemPoweroff,
	})
	assert.True(t, resp.Stdout())
}

func TestServeSystemActionSwitchRootNotSupported(t *testing.T) {
	m := newTestManager(t)

	resp := m.serve(context.Background(), control.Request{
		Family:       control.FamilySystem,
		SystemAction: control.SystemSwitchRoot,
	})
	assert.False(t, resp.Stdout())
}

func TestServeUnitFileActionWithoutSearchPathErrors(t *testing.T) {
	m := newTestManager(t)

	resp := m.serve(context.Background(), control.Request{
		Family:         control.FamilyUnitFile,
		Unit:           "a.service",
		UnitFileAction: control.UnitFileEnable,
	})
	assert.False(t, resp.Stdout())
}

func TestServeUnknownFamilyErrors(t *testing.T) {
	m := newTestManager(t)

	resp := m.serve(context.Background(), control.Request{Family: control.Family("bogus")})
	assert.False(t, resp.Stdout())
}

func TestDrainControlJobsAnswersQueuedRequestsViaBridge(t *testing.T) {
	m := newTestManager(t)
	putUnit(m, "a.service", types.Active)

	done := make(chan control.Response, 1)
	go func() {
		done <- m.bridge(control.Request{
			Family:     control.FamilyUnit,
			Unit:       "a.service",
			UnitAction: control.UnitStatus,
		})
	}()

	// bridge blocks on controlCh until drainControlJobs is pumped, the
	// same role the event loop's Post source plays once Start runs.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_ = m.drainControlJobs(context.Background())
		select {
		case resp := <-done:
			assert.True(t, resp.Stdout())
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("bridge never received a reply")
}
