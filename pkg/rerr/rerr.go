// Package rerr defines the core's error taxonomy: a small set of kinds
// that every subsystem wraps its failures in, so that the control socket
// can map an error straight to a numeric status without string sniffing.
package rerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error without naming a concrete type.
type Kind string

const (
	Input             Kind = "input"              // malformed command or config value
	NotFound          Kind = "not_found"           // named unit or file does not exist
	AlreadyActive     Kind = "already_active"      // requested transition is a no-op
	AlreadyInactive   Kind = "already_inactive"    // requested transition is a no-op
	Conflict          Kind = "conflict"            // job transaction cannot be satisfied
	RefuseManual      Kind = "refuse_manual"       // unit policy forbids manual actuation
	OpNotSupported    Kind = "op_not_supported"    // operation not implemented for this unit kind
	Timeout           Kind = "timeout"             // operation exceeded its declared deadline
	Spawn             Kind = "spawn"               // fork/exec failure before the child ran user code
	Cgroup            Kind = "cgroup"              // could not attach a pid to its cgroup
	IO                Kind = "io"                  // transport-level failure, wrapped with context
)

// Error is the concrete wrapper every core package returns through this
// package's constructors. Op names the failing operation, e.g.
// "job.Plan" or "loader.Load".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap attaches a kind and operation name to an existing error. Wrap
// returns nil if err is nil, so callers can write
// `return rerr.Wrap(rerr.IO, "store.flush", err)` unconditionally inside
// an `if err != nil` block without a second nil check.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to IO for errors that
// never passed through this package (e.g. raw os/bolt errors bubbled up
// without a wrap — treated as transport-level per spec).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IO
}
