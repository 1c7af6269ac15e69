package manager

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravend/raven/pkg/log"
	"github.com/ravend/raven/pkg/types"
	"github.com/ravend/raven/pkg/unit"
)

// TestMain initializes the package-global logger once, the same way
// cmd/ravend's cobra.OnInitialize(initLogging) does before any command
// runs; sink.go and control_handler.go both log through it.
func TestMain(m *testing.M) {
	log.Init(log.Config{Output: io.Discard})
	m.Run()
}

// stubMachine is the minimal unit.Machine double used to drive
// registry- and stats-level tests without constructing a real
// service/socket/mount/timer/path machine.
type stubMachine struct {
	meta unit.Meta
}

func (s *stubMachine) Meta() *unit.Meta          { return &s.meta }
func (s *stubMachine) Start(context.Context) error  { return nil }
func (s *stubMachine) Stop(context.Context) error   { return nil }
func (s *stubMachine) Reload(context.Context) error { return nil }
func (s *stubMachine) CanReload() bool              { return false }
func (s *stubMachine) ResetFailed()                 {}

var _ unit.Machine = (*stubMachine)(nil)

// newTestManager builds a real Manager against a temp data dir and
// control socket, but never calls Start — every test here only
// exercises in-memory collaborator state (registry, supervisor, job
// engine), never the event loop or a live control connection.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	mgr, err := NewManager(Config{
		DataDir:       dir,
		ControlSocket: filepath.Join(dir, "control.sock"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.st.Close() })
	return mgr
}

func putUnit(m *Manager, id types.UnitID, active types.ActiveState) {
	m.reg.Put(&stubMachine{meta: unit.Meta{ID: id, Active: active, Load: types.LoadLoaded}})
}
