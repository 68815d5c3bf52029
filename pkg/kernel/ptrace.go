// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package kernel wraps the Linux process-tracing primitives (ptrace,
// /proc/<pid>/mem, perf_event_open) that the tracer uses to
// supervise tracees. It is deliberately thin: every exported function
// maps to one or two syscalls, and classification of the result is left
// to callers in pkg/task and pkg/replay, matching how pkg/kcov and
// pkg/osutil keep their golang.org/x/sys/unix calls close to the metal.
package kernel

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ptrace request numbers not exposed by golang.org/x/sys/unix's typed
// wrappers (GETFPREGS/SETFPREGS, and the SEIZE/INTERRUPT extensions used
// to attach without stopping the tracee immediately).
const (
	ptraceGetFPRegs = 14
	ptraceSetFPRegs = 15
	ptraceSeize     = 0x4206
	ptraceInterrupt = 0x4207
	ptraceListen    = 0x4208
	ptracePeekUser  = 3
	ptracePokeUser  = 6
)

// TraceOptions mirrors the flags passed to PTRACE_SETOPTIONS. The replay
// engine always wants to see clones, forks, execs and exits as distinct
// stops rather than plain SIGTRAP/SIGCHLD, per §2's "observation" model.
const TraceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_EXITKILL

// Seize attaches to an already-running tracee without sending it a
// stopping signal, the modern replacement for PTRACE_ATTACH used when
// the tracer discovers a tracee it did not fork itself (e.g. a thread
// created by a traced clone).
func Seize(pid int, options uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceSeize, uintptr(pid), 0, options, 0, 0)
	return errnoOrNil(errno)
}

func Interrupt(pid int) error {
	return ptraceNoArg(ptraceInterrupt, pid)
}

func Listen(pid int) error {
	return ptraceNoArg(ptraceListen, pid)
}

func ptraceNoArg(req, pid int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(pid), 0, 0, 0, 0)
	return errnoOrNil(errno)
}

func SetOptions(pid int, options uintptr) error {
	return unix.PtraceSetOptions(pid, int(options))
}

// Cont resumes a stopped tracee, optionally re-injecting a pending
// signal (0 for none).
func Cont(pid, sig int) error {
	return unix.PtraceCont(pid, sig)
}

// Syscall resumes the tracee and requests a trap at the next syscall
// entry or exit boundary (PTRACE_SYSCALL).
func Syscall(pid, sig int) error {
	return unix.PtraceSyscall(pid, sig)
}

func SingleStep(pid int) error {
	return unix.PtraceSingleStep(pid)
}

func Detach(pid int) error {
	return unix.PtraceDetach(pid)
}

// GetRegs reads the tracee's general-purpose register file.
func GetRegs(pid int) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return regs, err
	}
	return regs, nil
}

func SetRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(pid, regs)
}

// FPRegsX86_64 mirrors struct user_fpregs_struct (the XSAVE/FXSAVE
// legacy area), the minimal "extra register" file the engine needs to
// reproduce floating-point and vector non-determinism. The extended
// XSAVE area (AVX/AVX-512 state) is out of scope per §1's note that the
// extended-register file layout is mechanical, external collaborator
// material; this struct covers the portion replay actually compares.
type FPRegsX86_64 struct {
	Cwd      uint16
	Swd      uint16
	Ftw      uint16
	Fop      uint16
	Rip      uint64
	Rdp      uint64
	Mxcsr    uint32
	MxcrMask uint32
	StSpace  [32]uint32
	XmmSpace [64]uint32
	Padding  [24]uint32
}

func GetFPRegs(pid int) (FPRegsX86_64, error) {
	var regs FPRegsX86_64
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetFPRegs, uintptr(pid), 0,
		uintptr(unsafe.Pointer(&regs)), 0, 0)
	return regs, errnoOrNil(errno)
}

func SetFPRegs(pid int, regs *FPRegsX86_64) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceSetFPRegs, uintptr(pid), 0,
		uintptr(unsafe.Pointer(regs)), 0, 0)
	return errnoOrNil(errno)
}

// PeekData and PokeData are the ptrace-based memory access fallback used
// when /proc/<pid>/mem is unavailable (e.g. very early in exec). See
// pkg/kernel/mem.go for the preferred path.
func PeekData(pid int, addr uintptr, out []byte) (int, error) {
	return unix.PtracePeekData(pid, addr, out)
}

func PokeData(pid int, addr uintptr, data []byte) (int, error) {
	return unix.PtracePokeData(pid, addr, data)
}

// DebugStatus reads DR6 (x86 debug status register) via PTRACE_PEEKUSER
// at the kernel's hardcoded offset for the vendor debug register block.
// This backs AddressSpace.notify_watchpoint_fired's hardware path.
const debugRegOffset = 848 // offsetof(struct user, u_debugreg) on x86-64

func DebugStatus(pid int) (uint64, error) {
	const dr6Index = 6
	var word uint64
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptracePeekUser, uintptr(pid),
		uintptr(debugRegOffset+8*dr6Index), uintptr(unsafe.Pointer(&word)), 0, 0)
	return word, errnoOrNil(errno)
}

func SetDebugReg(pid int, index int, value uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptracePokeUser, uintptr(pid),
		uintptr(debugRegOffset+8*index), uintptr(value), 0, 0)
	return errnoOrNil(errno)
}

func errnoOrNil(errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	return errno
}

// WaitStatusString renders a unix.WaitStatus the way the tracer's event
// classifier expects to log it, e.g. for RecoverableTracee diagnostics.
func WaitStatusString(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exited(%d)", ws.ExitStatus())
	case ws.Signaled():
		return fmt.Sprintf("signaled(%v)", ws.Signal())
	case ws.Stopped():
		return fmt.Sprintf("stopped(%v, trap=%d)", ws.StopSignal(), ws.TrapCause())
	default:
		return "unknown"
	}
}
