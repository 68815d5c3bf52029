// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"

	"github.com/sarvex/rr/pkg/replay"
	"github.com/sarvex/rr/pkg/task"
)

// gdbRegsSize is the x86-64 'g'/'G' packet layout GDB expects: sixteen
// 8-byte general-purpose registers, an 8-byte rip, then eflags and the
// six segment registers as 4-byte words each. pkg/task.Registers has no
// wire form of its own (it only round-trips through unix.PtraceRegs),
// so this adapter owns the encoding.
const gdbRegsSize = 16*8 + 8 + 7*4

// taskGroupView adapts a single *task.Task/*task.TaskGroup pair to
// gdbserver.TaskGroupView, the narrow slice of state the debugger wire
// protocol needs.
type taskGroupView struct {
	tl    *replay.Timeline
	t     *task.Task
	group *task.TaskGroup
}

func newTaskGroupView(tl *replay.Timeline, t *task.Task, group *task.TaskGroup) *taskGroupView {
	return &taskGroupView{tl: tl, t: t, group: group}
}

func (v *taskGroupView) CurrentRegisters() ([]byte, error) {
	return encodeGDBRegisters(v.t.Regs), nil
}

// SetRegisters decodes a 'G' packet's payload and writes it straight
// into the kernel via ptrace; gdbserver has already entered a diversion
// before calling this, so the mutation is visible to this stop only.
func (v *taskGroupView) SetRegisters(raw []byte) error {
	regs, err := decodeGDBRegisters(raw, v.t.Regs)
	if err != nil {
		return err
	}
	v.t.Regs = regs
	return v.t.FlushRegs()
}

func (v *taskGroupView) ReadMemory(addr uintptr, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := v.t.ReadMem(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *taskGroupView) WriteMemory(addr uintptr, data []byte) error {
	return v.t.WriteMem(addr, data)
}

func (v *taskGroupView) ThreadIDs() []int {
	ids := make([]int, 0, len(v.group.Tasks))
	for uid := range v.group.Tasks {
		ids = append(ids, uid.Tid)
	}
	return ids
}

func (v *taskGroupView) CurrentThreadID() int {
	return v.t.Uid.Tid
}

// encodeGDBRegisters lays out r in the order GDB's x86-64 target
// description expects: rax,rbx,rcx,rdx,rsi,rdi,rbp,rsp,r8-r15 as 8-byte
// little-endian words, then rip, then eflags/cs/ss/ds/es/fs/gs as 4-byte
// words.
func encodeGDBRegisters(r task.Registers) []byte {
	buf := make([]byte, gdbRegsSize)
	words := []uint64{
		r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp, uint64(r.SP),
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
	}
	off := 0
	for _, w := range words {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.IP))
	off += 8
	for _, w := range []uint64{r.Eflags, r.Cs, r.Ss, r.Ds, r.Es, r.Fs, r.Gs} {
		binary.LittleEndian.PutUint32(buf[off:], uint32(w))
		off += 4
	}
	return buf
}

// decodeGDBRegisters parses a 'G' payload back into a Registers value,
// starting from base so the Arch tag and any field the wire format
// doesn't carry (Syscallno, OrigRax) survive the round trip unchanged.
func decodeGDBRegisters(buf []byte, base task.Registers) (task.Registers, error) {
	if len(buf) < gdbRegsSize {
		return task.Registers{}, fmt.Errorf("gdbserver: short register packet: %d bytes, want %d", len(buf), gdbRegsSize)
	}
	r := base
	off := 0
	for _, p := range []*uint64{&r.Rax, &r.Rbx, &r.Rcx, &r.Rdx, &r.Rsi, &r.Rdi, &r.Rbp} {
		*p = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	r.SP = uintptr(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	for _, p := range []*uint64{&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15} {
		*p = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	r.IP = uintptr(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	for _, p := range []*uint64{&r.Eflags, &r.Cs, &r.Ss, &r.Ds, &r.Es, &r.Fs, &r.Gs} {
		*p = uint64(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return r, nil
}
