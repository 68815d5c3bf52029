// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import (
	"fmt"

	"github.com/sarvex/rr/pkg/address"
)

// AutoRestoreMem carves a scratch region out of the task's own usable
// memory, lets the caller stage syscall parameters into it, and restores
// the original bytes (and, on Close, the original registers) when the
// scope ends — a LIFO-nesting resource so a syscall that itself needs a
// nested remote syscall (e.g. open() needing a path buffer, then close())
// composes safely. Grounded on the original's AutoRestoreMem/scoped
// remote-memory idiom (§4.2).
type AutoRestoreMem struct {
	t        *Task
	addr     uintptr
	saved    []byte
	savedRegs Registers
	closed   bool
}

// PushMem stages data at the start of t's usable scratch area, saving
// whatever bytes were there before. Every call uses that same address, so
// a nested PushMem overwrites the enclosing scope's staged bytes until it
// is closed.
func PushMem(t *Task, data []byte) (*AutoRestoreMem, error) {
	if t.ScratchAddr == 0 || t.ScratchSize < uintptr(len(data)) {
		return nil, fmt.Errorf("push mem: no usable scratch area of size %d on tid %d", len(data), t.Uid.Tid)
	}
	addr := t.ScratchAddr
	saved := make([]byte, len(data))
	if err := t.ReadMem(addr, saved); err != nil {
		return nil, fmt.Errorf("push mem: save original bytes: %w", err)
	}
	if err := t.WriteMem(addr, data); err != nil {
		return nil, fmt.Errorf("push mem: write staged bytes: %w", err)
	}
	return &AutoRestoreMem{t: t, addr: addr, saved: saved, savedRegs: t.Regs}, nil
}

func (m *AutoRestoreMem) Addr() uintptr { return m.addr }

// Close restores the scratch bytes and the task's registers exactly as
// they were before this scope began, the LIFO discipline the design note
// in §9 requires so nested remote syscalls never leak scratch state into
// an outer caller.
func (m *AutoRestoreMem) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.t.WriteMem(m.addr, m.saved); err != nil {
		return fmt.Errorf("restore mem: %w", err)
	}
	m.t.Regs = m.savedRegs
	return m.t.FlushRegs()
}

// RemoteSyscall runs syscall no with args inside the tracee via the rr
// page's untraced stub, following §4.2's protocol: save the current
// registers and IP, point IP at the stub, load the syscall number and
// arguments into the ABI registers, single-step through the syscall
// instruction, capture the result, then restore the original registers.
//
// The caller must hold an AutoRestoreMem if any argument is a pointer
// into tracee memory that needs staging first; RemoteSyscall itself only
// moves register values, it never writes memory.
func (t *Task) RemoteSyscall(stub address.StubKind, no int64, args ...uint64) (int64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("remote syscall: at most 6 arguments, got %d", len(args))
	}
	ip, err := t.Group.Address.FindSyscallInstruction(stub)
	if err != nil {
		return 0, fmt.Errorf("remote syscall %d: %w", no, err)
	}

	saved := t.Regs
	call := saved
	call.IP = ip
	call.OrigRax = no
	call.Rax = uint64(no)
	for i, a := range args {
		call.SetArg(i+1, a)
	}
	t.Regs = call
	if err := t.FlushRegs(); err != nil {
		return 0, fmt.Errorf("remote syscall %d: set up regs: %w", no, err)
	}

	// The stub is `syscall; int3`: one single-step lands exactly on the
	// syscall-exit stop, since ptrace always traps a traced stub
	// regardless of PTRACE_SYSCALL vs PTRACE_SINGLESTEP.
	if err := t.SingleStep(); err != nil {
		return 0, fmt.Errorf("remote syscall %d: step: %w", no, err)
	}
	if err := t.Wait(); err != nil {
		return 0, fmt.Errorf("remote syscall %d: wait: %w", no, err)
	}
	if err := t.RefreshRegs(); err != nil {
		return 0, fmt.Errorf("remote syscall %d: refresh regs: %w", no, err)
	}
	result := t.Regs.SyscallResultSigned()

	t.Regs = saved
	if err := t.FlushRegs(); err != nil {
		return result, fmt.Errorf("remote syscall %d: restore regs: %w", no, err)
	}
	return result, nil
}
