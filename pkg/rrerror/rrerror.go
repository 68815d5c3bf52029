// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package rrerror implements the error taxonomy of the replay engine:
// fatal environmental errors, recoverable tracee failures, divergences,
// tracee-side failures, debugger-protocol errors, and transient errors.
// Each kind carries a distinct retry/abort policy; callers should use
// Classify rather than type-switching directly so new kinds added here
// get a sane default policy.
package rrerror

import "fmt"

// Kind classifies an error for the purposes of §7's shutdown/retry policy.
type Kind int

const (
	// KindUnknown is returned by Classify for plain errors with no
	// specific policy; callers should treat it like KindFatalEnvironmental.
	KindUnknown Kind = iota
	KindFatalEnvironmental
	KindRecoverableTracee
	KindDivergence
	KindTraceeFailure
	KindDebuggerProtocol
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindFatalEnvironmental:
		return "fatal-environmental"
	case KindRecoverableTracee:
		return "recoverable-tracee"
	case KindDivergence:
		return "divergence"
	case KindTraceeFailure:
		return "tracee-failure"
	case KindDebuggerProtocol:
		return "debugger-protocol"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// FatalEnvironmental covers an unreadable trace, a version mismatch, or a
// missing kernel feature. Policy: abort with a clear message identifying
// the file and expected value.
type FatalEnvironmental struct {
	Context string
	Err     error
}

func (e *FatalEnvironmental) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Err)
}

func (e *FatalEnvironmental) Unwrap() error { return e.Err }

// RecoverableTracee covers an unexpected ptrace event seen during replay.
// Policy: log, try to detach-and-kill all tracees cleanly, exit non-zero.
type RecoverableTracee struct {
	EventTime uint64
	Tid       int
	Err       error
}

func (e *RecoverableTracee) Error() string {
	return fmt.Sprintf("tid %d at event %d: %v", e.Tid, e.EventTime, e.Err)
}

func (e *RecoverableTracee) Unwrap() error { return e.Err }

// Divergence is raised when recorded and live register/memory values
// disagree beyond the documented comparison mask. It always carries the
// tick and event-time coordinate at which the mismatch was observed, and
// a pre-rendered diff (see pkg/replay, which uses go-cmp to build it) so
// the message is self-contained.
type Divergence struct {
	EventTime uint64
	Ticks     uint64
	What      string
	Diff      string
}

func (e *Divergence) Error() string {
	return fmt.Sprintf("divergence at event %d, tick %d: %s:\n%s", e.EventTime, e.Ticks, e.What, e.Diff)
}

// TraceeFailure wraps a syscall that returned -errno inside the tracee,
// e.g. during AutoRemoteSyscalls (§4.2). It is a normal fallible result,
// not a bug in the tracer; most call sites assert on it explicitly.
type TraceeFailure struct {
	Syscall string
	Errno   int
}

func (e *TraceeFailure) Error() string {
	return fmt.Sprintf("remote syscall %s failed: errno %d", e.Syscall, e.Errno)
}

// DebuggerProtocol covers an unknown or malformed packet from the
// gdbserver client. Policy: reply with an empty packet (protocol-defined
// "unsupported") and continue — callers should not abort the session on
// this error, only log it.
type DebuggerProtocol struct {
	Packet string
	Err    error
}

func (e *DebuggerProtocol) Error() string {
	return fmt.Sprintf("malformed packet %q: %v", e.Packet, e.Err)
}

func (e *DebuggerProtocol) Unwrap() error { return e.Err }

// Transient covers EINTR/ESRCH races, e.g. during PTRACE_DETACH.
// Policy: retry a bounded number of times.
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string {
	return fmt.Sprintf("%s: %v (transient)", e.Op, e.Err)
}

func (e *Transient) Unwrap() error { return e.Err }

// Classify maps an error produced anywhere in this module to its Kind,
// so a single top-level handler can apply §7's policy table without
// type-switching on every call site.
func Classify(err error) Kind {
	switch err.(type) {
	case *FatalEnvironmental:
		return KindFatalEnvironmental
	case *RecoverableTracee:
		return KindRecoverableTracee
	case *Divergence:
		return KindDivergence
	case *TraceeFailure:
		return KindTraceeFailure
	case *DebuggerProtocol:
		return KindDebuggerProtocol
	case *Transient:
		return KindTransient
	default:
		return KindUnknown
	}
}
