package manager

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/ravend/raven/pkg/control"
	"github.com/ravend/raven/pkg/log"
)

// reexecListenFDEnv carries the inherited control-socket fd's number
// across a DaemonReexec so the new process picks the same listener up
// instead of rebinding it. Set only by DaemonReexec itself; NewManager
// checks it through adoptListenerIfPresent before the control.Server
// starts.
const reexecListenFDEnv = "RAVEN_REEXEC_LISTEN_FD"

// DaemonReexec flushes all state to disk, hands the control socket's
// listening fd across the exec boundary, and replaces this process
// image with a fresh invocation of the same binary and argv. Because
// syscall.Exec keeps the calling process's pid, every supervised
// child's parent pid is unaffected — the supervisor's SIGCHLD handling
// resumes exactly where it left off once the new image's event loop
// calls Start, which re-subscribes the persisted pid table the same
// way a cold start's Recover does.
func (m *Manager) DaemonReexec() error {
	if err := m.st.FlushAll(); err != nil {
		return fmt.Errorf("flush store: %w", err)
	}

	lnFile, err := m.ctl.ListenerFile()
	if err != nil {
		return fmt.Errorf("duplicate control listener: %w", err)
	}
	defer lnFile.Close()

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	env := os.Environ()
	env = append(env, reexecListenFDEnv+"="+strconv.Itoa(int(lnFile.Fd())))

	log.Logger.Info().Str("binary", self).Msg("re-executing daemon")
	return syscall.Exec(self, os.Args, env)
}

// adoptListenerIfPresent wraps a fd inherited from a prior DaemonReexec
// back into a net.Listener and arms ctl to accept on it, so Start binds
// nothing new. It clears the env var so a future child process (a
// supervised unit, or this daemon's own next re-exec) never sees it.
func adoptListenerIfPresent(ctl *control.Server) error {
	v := os.Getenv(reexecListenFDEnv)
	if v == "" {
		return nil
	}
	os.Unsetenv(reexecListenFDEnv)

	fd, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", reexecListenFDEnv, err)
	}

	f := os.NewFile(uintptr(fd), "control-reexec")
	ln, err := net.FileListener(f)
	if err != nil {
		return fmt.Errorf("adopt control listener: %w", err)
	}
	_ = f.Close()

	ctl.AdoptListener(ln)
	log.Logger.Info().Int("fd", fd).Msg("adopted control socket across re-exec")
	return nil
}
