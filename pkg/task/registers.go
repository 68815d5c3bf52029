// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import (
	"golang.org/x/sys/unix"
)

// Arch names the tracee's instruction-set width. Only x86-64 tracees are
// supported (§1: Linux ptrace, x86-64 only) but the tag is kept explicit
// per the "arch-neutral accessors" design note so a 32-bit compat tracee
// is a type error, not a silent truncation, if one is ever attached.
type Arch uint8

const (
	ArchX86_64 Arch = iota
	ArchX86
)

// eflags bits masked out of register-equality comparison, per the
// resolved Open Question in SPEC_FULL.md §E: RF (resume flag, toggled by
// the CPU itself around single-step), IF (interrupt flag, meaningless
// outside kernel context and flipped by signal delivery bookkeeping), ID
// (CPUID-availability probe flag, userspace-writable noise), and the
// reserved bit 1 which some kernels report inconsistently.
const (
	eflagsReserved = 1 << 1
	eflagsIF       = 1 << 9
	eflagsRF       = 1 << 16
	eflagsID       = 1 << 21
	eflagsMask     = eflagsReserved | eflagsIF | eflagsRF | eflagsID
)

// segMask restricts segment-register comparison to the low 16 bits the
// CPU actually uses as a selector; the upper bits ptrace reports are
// kernel-internal padding that varies between otherwise-identical stops.
const segMask = 0xffff

// Registers is the general-purpose register tagged union of §4.2,
// generalized from the original's arch union to Go's single-arch reality
// (x86-64 only) while keeping the Arch tag so comparison and encoding
// logic stays arch-aware rather than hardcoded.
type Registers struct {
	Arch Arch

	IP        uintptr
	SP        uintptr
	Syscallno int64
	OrigRax   int64 // "original_syscallno": the syscall number at enter-stop

	Rax, Rbx, Rcx, Rdx       uint64
	Rsi, Rdi, Rbp            uint64
	R8, R9, R10, R11         uint64
	R12, R13, R14, R15       uint64
	Eflags                   uint64
	Cs, Ss, Ds, Es, Fs, Gs   uint64
	FsBase, GsBase           uint64
}

func FromPtraceRegs(r unix.PtraceRegs) Registers {
	return Registers{
		Arch:      ArchX86_64,
		IP:        uintptr(r.Rip),
		SP:        uintptr(r.Rsp),
		Syscallno: int64(r.Orig_rax),
		OrigRax:   int64(r.Orig_rax),
		Rax:       r.Rax, Rbx: r.Rbx, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi, Rbp: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Eflags: r.Eflags,
		Cs: r.Cs, Ss: r.Ss, Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
		FsBase: r.Fs_base, GsBase: r.Gs_base,
	}
}

func (r Registers) ToPtraceRegs() *unix.PtraceRegs {
	return &unix.PtraceRegs{
		Rip: uint64(r.IP), Rsp: uint64(r.SP), Orig_rax: uint64(r.OrigRax),
		Rax: r.Rax, Rbx: r.Rbx, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi, Rbp: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Eflags: r.Eflags,
		Cs: r.Cs, Ss: r.Ss, Ds: r.Ds, Es: r.Es, Fs: r.Fs, Gs: r.Gs,
		Fs_base: r.FsBase, Gs_base: r.GsBase,
	}
}

// SyscallResult mirrors the original's syscall_result()/syscall_result_signed():
// the return-value register, read either as an unsigned word or, for
// failure testing, sign-extended.
func (r Registers) SyscallResult() uint64      { return r.Rax }
func (r Registers) SyscallResultSigned() int64 { return int64(r.Rax) }

// SyscallFailed reports whether the syscall-return register holds a
// negated errno, per the original's [-ERANGE, 0) convention.
func (r Registers) SyscallFailed() bool {
	v := r.SyscallResultSigned()
	return v < 0 && v >= -int64(unix.ERANGE)
}

// SyscallMayRestart reports whether the result is one of the kernel's
// internal restart pseudo-errnos that a handler must never observe.
func (r Registers) SyscallMayRestart() bool {
	switch -r.SyscallResultSigned() {
	case 512, 513, 514, 516: // ERESTARTSYS, ERESTARTNOINTR, ERESTARTNOHAND, ERESTART_RESTARTBLOCK
		return true
	default:
		return false
	}
}

func (r *Registers) SetIP(addr uintptr)      { r.IP = addr }
func (r *Registers) SetSP(addr uintptr)      { r.SP = addr }
func (r *Registers) SetSyscallResult(v uint64) { r.Rax = v }

// Arg returns the n'th (1-based) syscall argument register, following the
// x86-64 Linux syscall ABI's rdi,rsi,rdx,r10,r8,r9 order.
func (r Registers) Arg(n int) uint64 {
	switch n {
	case 1:
		return r.Rdi
	case 2:
		return r.Rsi
	case 3:
		return r.Rdx
	case 4:
		return r.R10
	case 5:
		return r.R8
	case 6:
		return r.R9
	default:
		return 0
	}
}

func (r *Registers) SetArg(n int, v uint64) {
	switch n {
	case 1:
		r.Rdi = v
	case 2:
		r.Rsi = v
	case 3:
		r.Rdx = v
	case 4:
		r.R10 = v
	case 5:
		r.R8 = v
	case 6:
		r.R9 = v
	}
}

// Equal implements the masked register comparison §9 specifies: eflags'
// volatile bits are ignored, segment registers compare only their low 16
// selector bits, and orig_rax is skipped entirely when either side is
// negative (a negative orig_rax means "not currently inside a syscall",
// not a real syscall number, so the two sides are incomparable rather
// than unequal).
func (a Registers) Equal(b Registers) bool {
	if a.Arch != b.Arch {
		return false
	}
	if a.IP != b.IP || a.SP != b.SP {
		return false
	}
	if a.Rax != b.Rax || a.Rbx != b.Rbx || a.Rcx != b.Rcx || a.Rdx != b.Rdx ||
		a.Rsi != b.Rsi || a.Rdi != b.Rdi || a.Rbp != b.Rbp ||
		a.R8 != b.R8 || a.R9 != b.R9 || a.R10 != b.R10 || a.R11 != b.R11 ||
		a.R12 != b.R12 || a.R13 != b.R13 || a.R14 != b.R14 || a.R15 != b.R15 {
		return false
	}
	if (a.Eflags &^ eflagsMask) != (b.Eflags &^ eflagsMask) {
		return false
	}
	if a.Cs&segMask != b.Cs&segMask || a.Ss&segMask != b.Ss&segMask ||
		a.Ds&segMask != b.Ds&segMask || a.Es&segMask != b.Es&segMask ||
		a.Fs&segMask != b.Fs&segMask || a.Gs&segMask != b.Gs&segMask {
		return false
	}
	if a.OrigRax >= 0 && b.OrigRax >= 0 && a.OrigRax != b.OrigRax {
		return false
	}
	return true
}
