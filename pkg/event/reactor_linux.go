//go:build linux

package event

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// ppollPoller waits on IO/Signal/Inotify fds with unix.Ppoll, bounded
// by the nearest Timer deadline and by maxWait, so Post sources and ctx
// cancellation are serviced even when nothing fires; a registered Defer
// or Exit source makes the wait zero. Defer/Post/Exit sources are
// dispatched by the caller, outside poll itself.
type ppollPoller struct{}

func newPoller() poller { return &ppollPoller{} }

func (p *ppollPoller) poll(ctx context.Context, sources []Source) ([]Source, error) {
	var fds []unix.PollFd
	var fdSources []Source
	var nearestDeadline time.Time
	haveDeadline := false
	immediate := false

	for _, s := range sources {
		switch s.Kind() {
		case KindDefer, KindExit:
			immediate = true
		case KindIO, KindSignal, KindInotify:
			if fdSrc, ok := s.(FD); ok {
				fds = append(fds, unix.PollFd{Fd: int32(fdSrc.Fd()), Events: unix.POLLIN})
				fdSources = append(fdSources, s)
			}
		case KindTimer:
			if dl, ok := s.(Deadline); ok {
				next := dl.Next()
				if !haveDeadline || next.Before(nearestDeadline) {
					nearestDeadline = next
					haveDeadline = true
				}
			}
		}
	}

	const maxWait = 25 * time.Millisecond
	wait := maxWait
	if haveDeadline {
		if d := time.Until(nearestDeadline); d < wait {
			wait = d
		}
	}
	if immediate || wait < 0 {
		wait = 0
	}
	timeout := unix.NsecToTimespec(wait.Nanoseconds())

	n, err := unix.Ppoll(fds, &timeout, nil)
	if err != nil && err != unix.EINTR {
		return nil, err
	}

	var ready []Source
	if n > 0 {
		for i, pfd := range fds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready = append(ready, fdSources[i])
			}
		}
	}

	now := time.Now()
	for _, s := range sources {
		if dl, ok := s.(Deadline); ok && !now.Before(dl.Next()) {
			ready = append(ready, s)
		}
	}

	return ready, nil
}
