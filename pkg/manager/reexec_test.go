package manager

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravend/raven/pkg/control"
)

// nopHandler answers every control request with OK; reexec_test.go only
// cares about listener adoption, never about dispatching real verbs.
type nopHandler struct{}

func (nopHandler) UnitAction(req control.Request) control.Response     { return control.OK("") }
func (nopHandler) ManagerAction(req control.Request) control.Response  { return control.OK("") }
func (nopHandler) SystemAction(req control.Request) control.Response   { return control.OK("") }
func (nopHandler) UnitFileAction(req control.Request) control.Response { return control.OK("") }

func TestAdoptListenerIfPresentNoopWhenEnvUnset(t *testing.T) {
	os.Unsetenv(reexecListenFDEnv)
	srv := control.NewServer(filepath.Join(t.TempDir(), "control.sock"), nopHandler{}, zerolog.Nop())

	require.NoError(t, adoptListenerIfPresent(srv))
}

func TestAdoptListenerIfPresentInvalidFDErrors(t *testing.T) {
	t.Setenv(reexecListenFDEnv, "not-a-number")
	srv := control.NewServer(filepath.Join(t.TempDir(), "control.sock"), nopHandler{}, zerolog.Nop())

	assert.Error(t, adoptListenerIfPresent(srv))
}

func TestAdoptListenerIfPresentAdoptsInheritedListener(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	src := control.NewServer(sock, nopHandler{}, zerolog.Nop())
	require.NoError(t, src.Start())
	defer src.Stop()

	f, err := src.ListenerFile()
	require.NoError(t, err)
	defer f.Close()

	t.Setenv(reexecListenFDEnv, strconv.Itoa(int(f.Fd())))

	dst := control.NewServer(sock, nopHandler{}, zerolog.Nop())
	require.NoError(t, adoptListenerIfPresent(dst))

	assert.Empty(t, os.Getenv(reexecListenFDEnv))
}
