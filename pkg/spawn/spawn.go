// Package spawn implements the exec-spawn contract: given a resolved
// command line, an execution context, and the set of fds a unit should
// inherit, fork a child, configure it per the nine-step contract, and
// return its pid to the parent. Cgroup attachment (writing the child's
// pid into its unit's cgroup) is done by the parent only, never the
// child, and lives in cgroup.go.
package spawn

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/ravend/raven/pkg/rerr"
	"golang.org/x/sys/unix"
)

// HelperEnv is the sentinel env var that tells this binary, re-exec'd as
// its own child, to run RunExecHelper instead of the normal manager
// entrypoint. cmd/ravend checks this before any flag parsing.
const HelperEnv = "RAVEN_EXEC_HELPER"

const (
	envTargetPath    = "RAVEN_EXEC_PATH"
	envTargetArgv    = "RAVEN_EXEC_ARGV"
	envTargetEnv     = "RAVEN_EXEC_ENV"
	envFDCount       = "RAVEN_EXEC_FDCOUNT"
	envTargetRlimits = "RAVEN_EXEC_RLIMITS"
)

// Params is the per-invocation spawn request: a resolved command plus
// the fds the child should inherit in order (becoming fd 3, 4, ... via
// os.StartProcess's Files slice) and the user/group/env/cwd context.
type Params struct {
	Path       string
	Argv       []string
	Env        map[string]string
	WorkingDir string
	User       string
	Group      string
	Umask      uint32
	InheritFDs []int // already-open fds to keep, owned by the caller
	Rlimits    map[string]Rlimit
}

// Rlimit is a soft/hard pair for one RLIMIT_* resource.
type Rlimit struct {
	Soft uint64
	Hard uint64
}

// decodeRlimits parses the JSON-encoded rlimit map carried across the
// re-exec in envTargetRlimits. A unit that configures no limits leaves
// the payload empty (or JSON "null" for a nil map), which is not an
// error.
func decodeRlimits(raw string) (map[string]Rlimit, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var rlimits map[string]Rlimit
	if err := json.Unmarshal([]byte(raw), &rlimits); err != nil {
		return nil, fmt.Errorf("spawn: decode target rlimits: %w", err)
	}
	return rlimits, nil
}

var rlimitResource = map[string]int{
	"NOFILE":  unix.RLIMIT_NOFILE,
	"NPROC":   unix.RLIMIT_NPROC,
	"CORE":    unix.RLIMIT_CORE,
	"AS":      unix.RLIMIT_AS,
	"CPU":     unix.RLIMIT_CPU,
	"FSIZE":   unix.RLIMIT_FSIZE,
	"MEMLOCK": unix.RLIMIT_MEMLOCK,
	"STACK":   unix.RLIMIT_STACK,
}

// Spawn starts p's command line under the nine-step contract and
// returns the resulting pid.
//
// Steps 1-3 (credentials, working directory, base env) and 7 (clearing
// FD_CLOEXEC/O_NONBLOCK is achieved by never setting them on the kept
// fds in the first place, since os.StartProcess's Files are inherited
// bare) are handled by the Go runtime's own fork+exec sequence via
// SysProcAttr, which runs only async-signal-safe code between fork and
// exec — exactly the constraint steps 1-7 need to respect. Step 8
// (LISTEN_PID must equal the child's own pid) cannot be satisfied by
// that same call, because the final argv/env is committed before the
// pid is known. Spawn instead execs a re-exec of this same binary as a
// tiny helper (RunExecHelper, selected via the HelperEnv sentinel);
// once the helper's own Go runtime has started cleanly post-exec, it
// reads its own pid, sets LISTEN_PID/LISTEN_FDS, and performs the real
// execve into p.Path — which preserves the pid, so the value the
// target process is born with is the correct one.
func Spawn(p Params) (pid int, err error) {
	uid, gid, supplementary, err := resolveCredentials(p.User, p.Group)
	if err != nil {
		return 0, rerr.Wrap(rerr.Spawn, "spawn.Spawn", err)
	}

	baseEnv := mergedEnv(p.Env, p.User)
	argv := expandArgv(p.Path, p.Argv, baseEnv)

	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	for _, fd := range p.InheritFDs {
		files = append(files, os.NewFile(uintptr(fd), "listen-fd"))
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	targetArgvJSON, _ := json.Marshal(argv[1:])
	targetEnvJSON, _ := json.Marshal(baseEnv)
	rlimitsJSON, _ := json.Marshal(p.Rlimits)

	helperEnv := append([]string{
		HelperEnv + "=1",
		envTargetPath + "=" + argv[0],
		envTargetArgv + "=" + string(targetArgvJSON),
		envTargetEnv + "=" + string(targetEnvJSON),
		envFDCount + "=" + strconv.Itoa(len(p.InheritFDs)),
		envTargetRlimits + "=" + string(rlimitsJSON),
	})

	attr := &os.ProcAttr{
		Dir:   p.WorkingDir,
		Env:   helperEnv,
		Files: files,
		Sys:   sysProcAttr(uid, gid, supplementary, p.Umask),
	}

	proc, err := os.StartProcess(self, []string{self}, attr)
	if err != nil {
		return 0, rerr.Wrap(rerr.Spawn, "spawn.Spawn", err)
	}
	return proc.Pid, nil
}

// RunExecHelper is the re-exec'd child side of Spawn. It must be called
// from main() as the very first action, before flag parsing, guarded by
// `os.Getenv(spawn.HelperEnv) == "1"`. It never returns on success: the
// final syscall.Exec replaces this process image with the real target.
func RunExecHelper() error {
	path := os.Getenv(envTargetPath)
	var argv []string
	if err := json.Unmarshal([]byte(os.Getenv(envTargetArgv)), &argv); err != nil {
		return fmt.Errorf("spawn: decode target argv: %w", err)
	}
	var env []string
	if err := json.Unmarshal([]byte(os.Getenv(envTargetEnv)), &env); err != nil {
		return fmt.Errorf("spawn: decode target env: %w", err)
	}
	fdCount, _ := strconv.Atoi(os.Getenv(envFDCount))

	rlimits, err := decodeRlimits(os.Getenv(envTargetRlimits))
	if err != nil {
		return err
	}
	for name, rl := range rlimits {
		resource, ok := rlimitResource[name]
		if !ok {
			return fmt.Errorf("spawn: unknown rlimit resource %q", name)
		}
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}); err != nil {
			return fmt.Errorf("spawn: setrlimit %s: %w", name, err)
		}
	}

	if fdCount > 0 {
		env = append(env,
			fmt.Sprintf("LISTEN_PID=%d", os.Getpid()),
			fmt.Sprintf("LISTEN_FDS=%d", fdCount),
		)
		for i := 0; i < fdCount; i++ {
			fd := 3 + i
			if flags, ferr := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); ferr == nil {
				_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
			}
			_ = unix.SetNonblock(fd, false)
		}
	}

	full := append([]string{path}, argv...)
	return syscall.Exec(path, full, env)
}

func resolveCredentials(userName, groupName string) (uid, gid uint32, groups []uint32, err error) {
	if userName == "" {
		return 0, 0, nil, nil
	}
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("lookup user %q: %w", userName, err)
	}
	uid64, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid64, _ := strconv.ParseUint(u.Gid, 10, 32)
	gid = uint32(gid64)

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		gid64, _ = strconv.ParseUint(g.Gid, 10, 32)
		gid = uint32(gid64)
	}

	gidStrs, _ := u.GroupIds()
	for _, s := range gidStrs {
		if v, err := strconv.ParseUint(s, 10, 32); err == nil {
			groups = append(groups, uint32(v))
		}
	}

	return uint32(uid64), gid, groups, nil
}

// sysProcAttr builds the SysProcAttr for the helper re-exec. Credential
// drop order (gid before uid) is the kernel's own behavior when both
// are set via syscall.Credential, matching step 1 of the contract.
// Rlimits have no SysProcAttr field to carry them through fork+exec, so
// they're applied by the helper itself via unix.Setrlimit, in
// RunExecHelper, before the final execve.
func sysProcAttr(uid, gid uint32, groups []uint32, umask uint32) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if uid != 0 || gid != 0 {
		attr.Credential = &syscall.Credential{Uid: uid, Gid: gid, Groups: groups}
	}
	return attr
}

// mergedEnv flattens env into a KEY=VALUE slice, adding LOGNAME/USER/
// HOME when a non-root user was requested, matching the child-env
// injection rules.
func mergedEnv(env map[string]string, userName string) []string {
	out := make([]string, 0, len(env)+3)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	if userName != "" && userName != "root" {
		if u, err := user.Lookup(userName); err == nil {
			out = append(out, "LOGNAME="+userName, "USER="+userName, "HOME="+u.HomeDir)
		}
	}
	return out
}

// expandArgv replaces $VAR / ${VAR} references in argv against env,
// step 4 of the child-side contract. argv[0] is path itself; the
// returned slice keeps that convention.
func expandArgv(path string, argv []string, env []string) []string {
	lookup := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			lookup[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, path)
	for _, a := range argv {
		out = append(out, os.Expand(a, func(name string) string { return lookup[name] }))
	}
	return out
}
