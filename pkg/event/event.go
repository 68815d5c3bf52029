// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package event implements the Event tagged union of §3: what happened
// between two ticks on a task. Following the "tagged variants replace
// inheritance" design note (§9), Event is a sum type with a discriminant
// field and a restricted set of legal Transform transitions, rather than
// a class hierarchy.
package event

import "fmt"

// Kind is the 5-bit discriminant described in §3's 32-bit event encoding.
type Kind uint8

const (
	KindSyscall Kind = iota
	KindSignal
	KindDesched
	KindSched
	KindSyscallbufFlush
	KindSyscallbufReset
	KindPatchSyscall
	KindGrowMap
	KindExit
	KindExitSighandler
	KindInterruptedSyscallNotRestarted
	KindSegvRdtsc
	KindTraceTermination
	KindUnstableExit
)

func (k Kind) String() string {
	switch k {
	case KindSyscall:
		return "SYSCALL"
	case KindSignal:
		return "SIGNAL"
	case KindDesched:
		return "DESCHED"
	case KindSched:
		return "SCHED"
	case KindSyscallbufFlush:
		return "SYSCALLBUF_FLUSH"
	case KindSyscallbufReset:
		return "SYSCALLBUF_RESET"
	case KindPatchSyscall:
		return "PATCH_SYSCALL"
	case KindGrowMap:
		return "GROW_MAP"
	case KindExit:
		return "EXIT"
	case KindExitSighandler:
		return "EXIT_SIGHANDLER"
	case KindInterruptedSyscallNotRestarted:
		return "INTERRUPTED_SYSCALL_NOT_RESTARTED"
	case KindSegvRdtsc:
		return "SEGV_RDTSC"
	case KindTraceTermination:
		return "TRACE_TERMINATION"
	case KindUnstableExit:
		return "UNSTABLE_EXIT"
	default:
		return fmt.Sprintf("KIND(%d)", k)
	}
}

// SignalClass distinguishes the two SIGNAL sub-kinds named in §3.
type SignalClass uint8

const (
	SignalDeterministic SignalClass = iota
	SignalAsync
)

// Event is the 32-bits-or-less tagged union of §3, plus the wider fields
// (SiAddr, payload pointers) that don't fit the compact on-disk encoding
// but are needed in memory during replay. Encode/Decode implement the
// compact form that actually round-trips through the trace container.
type Event struct {
	Kind       Kind
	Entry      bool // for SYSCALL: true=enter, false=exit
	ExecInfo   bool // event carries register/extra-register info
	Arch       uint8
	SyscallNo  int32
	SignalNo   int32
	SignalKind SignalClass
	SiAddr     uint64
	DeschedPtr uint64
	Payload    uint32 // low 24 bits used by Encode
}

// transitions enumerates the only legal (from, to) pairs Transform will
// allow, mirroring the original's restricted transform() method (§9).
// A syscall's ENTER state may become its EXIT counterpart; a deterministic
// signal observed mid-syscall may be reclassified once its delivery point
// is known; nothing else transforms in place — a new Event is constructed
// instead.
var transitions = map[[2]Kind]bool{
	{KindSyscall, KindSyscall}: true,
	{KindSignal, KindSignal}:   true,
}

// Transform attempts to mutate e in place to kind `to`. It reports
// whether the transition is legal; illegal transitions leave e untouched.
func (e *Event) Transform(to Kind) bool {
	if !transitions[[2]Kind{e.Kind, to}] {
		return false
	}
	e.Kind = to
	return true
}

// Encode packs the event into the 32-bit on-disk form described in §3:
// 5-bit kind, 1-bit entry/exit, 1-bit exec-info, 1-bit arch, 24-bit payload.
func (e *Event) Encode() uint32 {
	var v uint32
	v |= uint32(e.Kind) & 0x1f
	if e.Entry {
		v |= 1 << 5
	}
	if e.ExecInfo {
		v |= 1 << 6
	}
	if e.Arch != 0 {
		v |= 1 << 7
	}
	v |= (e.Payload & 0xffffff) << 8
	return v
}

// Decode is the inverse of Encode. Fields not representable in the
// compact form (SiAddr, DeschedPtr, wide SyscallNo/SignalNo) are carried
// separately in the trace frame and must be merged in by the caller.
func Decode(v uint32) Event {
	return Event{
		Kind:     Kind(v & 0x1f),
		Entry:    v&(1<<5) != 0,
		ExecInfo: v&(1<<6) != 0,
		Arch:     uint8((v >> 7) & 1),
		Payload:  (v >> 8) & 0xffffff,
	}
}

func (e Event) String() string {
	switch e.Kind {
	case KindSyscall:
		dir := "exit"
		if e.Entry {
			dir = "enter"
		}
		return fmt.Sprintf("SYSCALL(%s, no=%d)", dir, e.SyscallNo)
	case KindSignal:
		return fmt.Sprintf("SIGNAL(%v, signo=%d, addr=0x%x)", e.SignalKind, e.SignalNo, e.SiAddr)
	case KindDesched:
		return fmt.Sprintf("DESCHED(ptr=0x%x)", e.DeschedPtr)
	default:
		return e.Kind.String()
	}
}

func (c SignalClass) String() string {
	if c == SignalDeterministic {
		return "deterministic"
	}
	return "async"
}
