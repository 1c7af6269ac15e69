package event

import (
	"context"
	"time"
)

// Func adapts a plain function into a Defer/Post/Exit Source, the
// three kinds that don't need an fd or deadline.
type Func struct {
	kind     SourceKind
	priority Priority
	fn       func(ctx context.Context) error
}

// NewDefer returns a Source that runs fn once, on the next cycle, then
// is automatically removed by the loop.
func NewDefer(priority Priority, fn func(ctx context.Context) error) *Func {
	return &Func{kind: KindDefer, priority: priority, fn: fn}
}

// NewPost returns a Source that runs fn every cycle until the caller
// removes it with Loop.Remove.
func NewPost(priority Priority, fn func(ctx context.Context) error) *Func {
	return &Func{kind: KindPost, priority: priority, fn: fn}
}

// NewExit returns a Source that, once added and dispatched, ends
// Loop.Run after fn returns.
func NewExit(priority Priority, fn func(ctx context.Context) error) *Func {
	return &Func{kind: KindExit, priority: priority, fn: fn}
}

func (f *Func) Kind() SourceKind       { return f.kind }
func (f *Func) Priority() Priority     { return f.priority }
func (f *Func) Dispatch(ctx context.Context) error { return f.fn(ctx) }

// Timer is a one-shot or repeating deadline source.
type Timer struct {
	priority Priority
	next     time.Time
	period   time.Duration // zero means one-shot
	fn       func(ctx context.Context) error
}

// NewTimer fires fn at `at`, and then every period thereafter if period
// is non-zero.
func NewTimer(priority Priority, at time.Time, period time.Duration, fn func(ctx context.Context) error) *Timer {
	return &Timer{priority: priority, next: at, period: period, fn: fn}
}

func (t *Timer) Kind() SourceKind   { return KindTimer }
func (t *Timer) Priority() Priority { return t.priority }
func (t *Timer) Next() time.Time    { return t.next }

func (t *Timer) Dispatch(ctx context.Context) error {
	if err := t.fn(ctx); err != nil {
		return err
	}
	if t.period > 0 {
		t.next = t.next.Add(t.period)
	} else {
		t.next = t.next.Add(24 * 365 * time.Hour) // one-shot: push far out, caller should Remove it
	}
	return nil
}
