//go:build linux

package manager

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/ravend/raven/pkg/event"
)

// sigChldSource delivers SIGCHLD to the event loop through a
// signalfd, so Reap runs on the loop's own goroutine rather than from
// a Go signal-handling goroutine racing the rest of Manager's state.
type sigChldSource struct {
	m  *Manager
	fd int
}

// newSigChldSource masks SIGCHLD from the default disposition and
// opens a signalfd for it. A failure here (e.g. running in a sandbox
// that forbids signalfd) degrades to a polling Timer fallback instead
// of aborting startup.
func newSigChldSource(m *Manager) event.Source {
	var set unix.Sigset_t
	// SIGCHLD is the only bit raven ever masks for signalfd delivery;
	// word/bit math mirrors glibc's sigaddset (bit N-1 of a 64-bit word
	// array) rather than pulling in a whole signal-set helper library
	// for one constant bit.
	bit := uint(unix.SIGCHLD) - 1
	set.Val[bit/64] |= 1 << (bit % 64)

	if err := unix.SigprocmaskSigset(unix.SIG_BLOCK, &set); err != nil {
		return newSigChldPoller(m)
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return newSigChldPoller(m)
	}
	return &sigChldSource{m: m, fd: fd}
}

// Kind identifies this as a signal source so the reactor includes its
// fd in the poll set under KindSignal rather than KindIO.
func (s *sigChldSource) Kind() event.SourceKind { return event.KindSignal }

// Priority runs SIGCHLD reaping ahead of ordinary IO dispatch so a
// unit's exit is observed before any socket activity it triggered.
func (s *sigChldSource) Priority() event.Priority { return -7 }

func (s *sigChldSource) Fd() int { return s.fd }

// Dispatch drains the signalfd (a SIGCHLD may have coalesced several
// exits into one readable event) then reaps every exited child.
func (s *sigChldSource) Dispatch(ctx context.Context) error {
	var buf [128]byte
	for {
		n, err := unix.Read(s.fd, buf[:])
		if err != nil || n <= 0 {
			break
		}
	}
	s.m.sup.Reap()
	return nil
}
