package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravend/raven/pkg/control"
)

// newTestManagerWithUnitPath is newTestManager plus a real, writable
// unit search-path directory, for tests that exercise the loader's
// filesystem-backed enable/disable/mask/unmask behavior end to end.
func newTestManagerWithUnitPath(t *testing.T) (*Manager, string) {
	t.Helper()
	unitDir := t.TempDir()
	dataDir := t.TempDir()
	mgr, err := NewManager(Config{
		DataDir:       dataDir,
		UnitPath:      []string{unitDir},
		ControlSocket: filepath.Join(dataDir, "control.sock"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.st.Close() })
	return mgr, unitDir
}

func TestServeUnitFileEnableCreatesSymlink(t *testing.T) {
	m, unitDir := newTestManagerWithUnitPath(t)
	require.NoError(t, os.WriteFile(filepath.Join(unitDir, "a.service"),
		[]byte("[Install]\nWantedBy=multi-user.target\n"), 0o644))

	resp := m.serve(context.Background(), control.Request{
		Family:         control.FamilyUnitFile,
		Unit:           "a.service",
		UnitFileAction: control.UnitFileEnable,
	})
	assert.True(t, resp.Stdout())

	_, err := os.Lstat(filepath.Join(unitDir, "multi-user.target.wants", "a.service"))
	assert.NoError(t, err)
}

func TestServeUnitFileMaskThenLoadUnitRefuses(t *testing.T) {
	m, unitDir := newTestManagerWithUnitPath(t)
	require.NoError(t, os.WriteFile(filepath.Join(unitDir, "a.service"), []byte("[Unit]\nDescription=a\n"), 0o644))

	resp := m.serve(context.Background(), control.Request{
		Family:         control.FamilyUnitFile,
		Unit:           "a.service",
		UnitFileAction: control.UnitFileMask,
	})
	require.True(t, resp.Stdout())

	_, err := m.LoadUnit("a.service")
	assert.Error(t, err)
}

func TestServeUnitFileUnmaskRestoresLoad(t *testing.T) {
	m, unitDir := newTestManagerWithUnitPath(t)
	require.NoError(t, os.WriteFile(filepath.Join(unitDir, "a.service"), []byte("[Unit]\nDescription=a\n"), 0o644))

	require.True(t, m.serve(context.Background(), control.Request{
		Family: control.FamilyUnitFile, Unit: "a.service", UnitFileAction: control.UnitFileMask,
	}).Stdout())
	require.True(t, m.serve(context.Background(), control.Request{
		Family: control.FamilyUnitFile, Unit: "a.service", UnitFileAction: control.UnitFileUnmask,
	}).Stdout())

	_, err := m.LoadUnit("a.service")
	assert.NoError(t, err)
}
