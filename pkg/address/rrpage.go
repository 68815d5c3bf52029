// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package address

import "fmt"

// StubKind names the five fixed-offset syscall stubs the rr page carries,
// per §4.2's remote syscall injection design note: one traced (ptrace
// single-steps through it so the tracer sees every untraced syscall-enter/
// exit stop), one untraced for use during recording, one untraced for use
// during replay (at its own offset, distinct from the recording-time
// untraced stub), and traced/untraced privileged variants used only
// while a task is in a ptrace-stopped or otherwise privileged state where
// arbitrary syscalls would be unsafe to run untraced.
type StubKind int

const (
	StubTraced StubKind = iota
	StubUntraced
	StubUntracedReplayed
	StubPrivilegedTraced
	StubPrivilegedUntraced
)

// rrPageSize is one page, the smallest mapping the kernel will accept;
// five stub syscall instructions comfortably fit with room to grow.
const rrPageSize = 4096

// stubOffsets lays out each stub 8 bytes apart: a two-byte `syscall`
// instruction (0f 05 on x86-64) immediately followed by an `int3` so that
// if a task ever falls through past the syscall without being stopped by
// the tracer (a bug, not a normal path) it traps instead of running off
// into whatever follows.
var stubOffsets = map[StubKind]uintptr{
	StubTraced:             0x00,
	StubUntraced:           0x08,
	StubUntracedReplayed:   0x10,
	StubPrivilegedTraced:   0x18,
	StubPrivilegedUntraced: 0x20,
}

// stubCode is `syscall; int3; int3 ...` padding to the next stub slot.
var stubCode = []byte{0x0f, 0x05, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}

// InstallRRPage maps the rr page at addr (chosen by the session from a
// fixed low-traffic region of the address space, per §4.2) and writes the
// stub instructions into it. The mapping is marked readable and executable;
// tasks never write it directly.
func (as *AddressSpace) InstallRRPage(addr uintptr) error {
	if err := as.Map(Range{Start: addr, End: addr + rrPageSize}, MappingInfo{
		FileName: "",
		Prot:     protExec | protRead,
	}); err != nil {
		return fmt.Errorf("install rr page: %w", err)
	}
	as.RRPageAddr = addr
	for kind, off := range stubOffsets {
		if err := as.Mem.WriteMem(addr+off, stubCode); err != nil {
			return fmt.Errorf("install rr page stub %d: %w", kind, err)
		}
	}
	as.TracedSyscallIP = addr + stubOffsets[StubTraced]
	as.UntracedSyscallIP = addr + stubOffsets[StubUntraced]
	as.UntracedReplayedSyscallIP = addr + stubOffsets[StubUntracedReplayed]
	as.PrivilegedTracedSyscallIP = addr + stubOffsets[StubPrivilegedTraced]
	as.PrivilegedUntracedSyscallIP = addr + stubOffsets[StubPrivilegedUntraced]
	return nil
}

const (
	protRead = 1 << 0
	protExec = 1 << 2
)

// FindSyscallInstruction returns the IP of the stub of the requested
// kind, for a remote-syscall caller that needs to point a task's
// instruction pointer at a `syscall` instruction it doesn't own.
func (as *AddressSpace) FindSyscallInstruction(kind StubKind) (uintptr, error) {
	if as.RRPageAddr == 0 {
		return 0, fmt.Errorf("find syscall instruction: rr page not installed")
	}
	off, ok := stubOffsets[kind]
	if !ok {
		return 0, fmt.Errorf("find syscall instruction: unknown stub kind %d", kind)
	}
	return as.RRPageAddr + off, nil
}
