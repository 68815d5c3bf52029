// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package address

import "fmt"

// int3Opcode is the x86 single-byte software breakpoint trap, 0xCC.
const int3Opcode = 0xcc

// BreakpointKind distinguishes breakpoints the debugger client asked for
// from ones rr itself installs transiently (e.g. at a syscallbuf stub to
// catch a desched race); only the former are reported to the user, per
// §4.8's "breakpoint transparency" invariant.
type BreakpointKind int

const (
	BreakpointUser BreakpointKind = iota
	BreakpointInternal
)

type breakpoint struct {
	UserCount     int
	InternalCount int
	OrigByte      byte
}

func (b *breakpoint) refcount(kind BreakpointKind) *int {
	if kind == BreakpointUser {
		return &b.UserCount
	}
	return &b.InternalCount
}

// Type reports USER if any user-requested refcount is held at addr, so a
// mixed internal+user breakpoint still reads back as user-visible.
func (b *breakpoint) Type() BreakpointKind {
	if b.UserCount > 0 {
		return BreakpointUser
	}
	return BreakpointInternal
}

// AddBreakpoint installs (or bumps the refcount of) a software breakpoint
// at addr. The first installation patches in 0xCC and remembers the
// original byte so RemoveBreakpoint, and transparent single-stepping over
// the trap, can restore it.
func (as *AddressSpace) AddBreakpoint(addr uintptr, kind BreakpointKind) error {
	bp, ok := as.breakpoints[addr]
	if ok {
		*bp.refcount(kind)++
		return nil
	}
	orig, err := readByte(as.Mem, addr)
	if err != nil {
		return fmt.Errorf("add breakpoint at 0x%x: %w", addr, err)
	}
	if err := as.Mem.WriteMem(addr, []byte{int3Opcode}); err != nil {
		return fmt.Errorf("add breakpoint at 0x%x: %w", addr, err)
	}
	bp = &breakpoint{OrigByte: orig}
	*bp.refcount(kind) = 1
	as.breakpoints[addr] = bp
	return nil
}

// RemoveBreakpoint drops one reference of kind at addr, restoring the
// original instruction byte once both refcounts reach zero.
func (as *AddressSpace) RemoveBreakpoint(addr uintptr, kind BreakpointKind) error {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return fmt.Errorf("remove breakpoint: no breakpoint at 0x%x", addr)
	}
	rc := bp.refcount(kind)
	if *rc > 0 {
		*rc--
	}
	if bp.UserCount == 0 && bp.InternalCount == 0 {
		delete(as.breakpoints, addr)
		return as.Mem.WriteMem(addr, []byte{bp.OrigByte})
	}
	return nil
}

// IsBreakpointAt reports whether a software breakpoint occupies addr, and
// whether it is user-visible.
func (as *AddressSpace) IsBreakpointAt(addr uintptr) (bool, BreakpointKind) {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return false, BreakpointUser
	}
	return true, bp.Type()
}

// OriginalByteAt returns the instruction byte a breakpoint at addr is
// shadowing, for disassembly or memory-read transparency.
func (as *AddressSpace) OriginalByteAt(addr uintptr) (byte, bool) {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return 0, false
	}
	return bp.OrigByte, true
}

// ReplaceBreakpointsWithOriginalValues rewrites buf, which was read
// starting at addr, substituting back any original bytes shadowed by an
// installed breakpoint so a debugger's memory read never observes the
// 0xCC rr itself injected (§4.8 transparency invariant).
func (as *AddressSpace) ReplaceBreakpointsWithOriginalValues(buf []byte, addr uintptr) {
	for a, bp := range as.breakpoints {
		if a >= addr && a < addr+uintptr(len(buf)) {
			buf[a-addr] = bp.OrigByte
		}
	}
}

func readByte(mem MemAccessor, addr uintptr) (byte, error) {
	var b [1]byte
	if err := mem.ReadMem(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
