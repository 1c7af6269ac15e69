// Package event implements the single-threaded, priority-ordered
// reactor every core subsystem runs inside: all live state (registry,
// graph, job sets, store caches) is only ever touched from the
// goroutine running Loop.Run, so there is no data race because there
// is no sharing. The poll primitive itself is platform-specific
// (Linux uses ppoll; other platforms fall back to a timer-driven select
// loop) and lives in reactor_linux.go / reactor_other.go.
package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Priority is a source's dispatch priority; lower values run first,
// matching the spec's signed-8-bit priority field (SIGCHLD runs at -7,
// below the zero default, so a pending reap is always drained before
// ordinary I/O in the same cycle).
type Priority int8

// SourceKind distinguishes how a Source is waited on.
type SourceKind int

const (
	KindIO SourceKind = iota
	KindSignal
	KindTimer
	KindInotify
	KindDefer
	KindPost
	KindExit
)

// Source is one thing the loop can wait on. Ready is polled once per
// cycle for Defer/Post sources (always considered ready) and after the
// underlying platform poll for IO/Signal/Timer/Inotify sources.
// Dispatch runs when Ready returns true; a Defer source runs at most
// once and is then removed automatically by the loop.
type Source interface {
	Kind() SourceKind
	Priority() Priority
	Dispatch(ctx context.Context) error
}

// FD is implemented by IO/Signal/Inotify sources so the platform poller
// can build its pollset.
type FD interface {
	Source
	Fd() int
}

// Deadline is implemented by Timer sources.
type Deadline interface {
	Source
	Next() time.Time
}

// Loop is the reactor. Sources register with Add and are dispatched
// highest-priority-ready-first each cycle; Defer sources run once then
// self-remove, Post sources run every cycle until explicitly removed.
type Loop struct {
	mu      sync.Mutex
	sources []Source
	poller  poller
}

// New creates a Loop using the platform's native poll mechanism.
func New() *Loop {
	return &Loop{poller: newPoller()}
}

// Add registers src. Order among equal-priority sources is FIFO by
// registration, matching a stable sort on each cycle.
func (l *Loop) Add(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, src)
}

// Remove unregisters src (pointer/value equality of the Source
// interface). A no-op if src was never added or already removed.
func (l *Loop) Remove(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sources {
		if s == src {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			return
		}
	}
}

// Run polls and dispatches until ctx is canceled or an Exit source
// fires. Each cycle: poll the platform mechanism for IO/Signal/Timer/
// Inotify readiness (bounded by the nearest Timer deadline), dispatch
// every ready source in priority order, then dispatch every Defer
// source once (removing it) and every Post source (kept), in that
// fixed priority-class order.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.mu.Lock()
		snapshot := append([]Source(nil), l.sources...)
		l.mu.Unlock()

		ready, err := l.poller.poll(ctx, snapshot)
		if err != nil {
			return err
		}

		sort.SliceStable(ready, func(i, j int) bool {
			return ready[i].Priority() < ready[j].Priority()
		})
		for _, src := range ready {
			if err := src.Dispatch(ctx); err != nil {
				return err
			}
		}

		exit, err := l.runDeferPostExit(ctx)
		if err != nil {
			return err
		}
		if exit {
			return nil
		}
	}
}

// runDeferPostExit drains every Defer source once (removing it),
// dispatches every Post source (kept for the next cycle), and finally
// dispatches every Exit source — each class in priority order, and the
// classes in that fixed order, so an Exit
// source's Dispatch runs only after this cycle's other callback work
// has drained, and a true return tells Run to stop polling.
func (l *Loop) runDeferPostExit(ctx context.Context) (exit bool, err error) {
	l.mu.Lock()
	var defers, posts, exits []Source
	var rest []Source
	for _, s := range l.sources {
		switch s.Kind() {
		case KindDefer:
			defers = append(defers, s)
		case KindPost:
			posts = append(posts, s)
			rest = append(rest, s)
		case KindExit:
			exits = append(exits, s)
			rest = append(rest, s)
		default:
			rest = append(rest, s)
		}
	}
	l.sources = rest
	l.mu.Unlock()

	byPriority := func(xs []Source) {
		sort.SliceStable(xs, func(i, j int) bool { return xs[i].Priority() < xs[j].Priority() })
	}
	byPriority(defers)
	byPriority(posts)
	byPriority(exits)

	for _, s := range defers {
		if err := s.Dispatch(ctx); err != nil {
			return false, err
		}
	}
	for _, s := range posts {
		if err := s.Dispatch(ctx); err != nil {
			return false, err
		}
	}
	for _, s := range exits {
		if err := s.Dispatch(ctx); err != nil {
			return false, err
		}
		exit = true
	}
	return exit, nil
}

// poller is the platform-specific wait primitive.
type poller interface {
	poll(ctx context.Context, sources []Source) ([]Source, error)
}
