// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMem is an in-memory MemAccessor backed by a flat byte slice indexed
// from a base address, enough to exercise breakpoint/watchpoint byte
// patching without a real tracee.
type fakeMem struct {
	base uintptr
	buf  []byte
}

func newFakeMem(base uintptr, size int) *fakeMem {
	return &fakeMem{base: base, buf: make([]byte, size)}
}

func (m *fakeMem) ReadMem(addr uintptr, buf []byte) error {
	off := addr - m.base
	copy(buf, m.buf[off:off+uintptr(len(buf))])
	return nil
}

func (m *fakeMem) WriteMem(addr uintptr, buf []byte) error {
	off := addr - m.base
	copy(m.buf[off:off+uintptr(len(buf))], buf)
	return nil
}

func TestMapCoalescesAdjacentCompatibleMappings(t *testing.T) {
	as := New(newFakeMem(0x1000, 0x4000))
	require.NoError(t, as.Map(Range{Start: 0x1000, End: 0x2000}, MappingInfo{Prot: protRead}))
	require.NoError(t, as.Map(Range{Start: 0x2000, End: 0x3000}, MappingInfo{Prot: protRead}))

	it := as.Maps()
	m, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, Range{Start: 0x1000, End: 0x3000}, m.Range)
	_, ok = it.Next()
	require.False(t, ok)
}

func TestMapRejectsOverlap(t *testing.T) {
	as := New(newFakeMem(0x1000, 0x4000))
	require.NoError(t, as.Map(Range{Start: 0x1000, End: 0x3000}, MappingInfo{Prot: protRead}))
	err := as.Map(Range{Start: 0x2000, End: 0x2500}, MappingInfo{Prot: protRead})
	require.ErrorIs(t, err, ErrOverlap)
}

func TestUnmapSplitsPartiallyCoveredMapping(t *testing.T) {
	as := New(newFakeMem(0x1000, 0x4000))
	require.NoError(t, as.Map(Range{Start: 0x1000, End: 0x4000}, MappingInfo{Prot: protRead}))
	as.Unmap(Range{Start: 0x2000, End: 0x3000})

	var got []Range
	it := as.Maps()
	for {
		m, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, m.Range)
	}
	require.Equal(t, []Range{{Start: 0x1000, End: 0x2000}, {Start: 0x3000, End: 0x4000}}, got)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	as := New(newFakeMem(0x1000, 0x4000))
	require.NoError(t, as.Map(Range{Start: 0x1000, End: 0x2000}, MappingInfo{Prot: protRead}))
	require.NoError(t, as.Verify([]Mapping{{Range: Range{Start: 0x1000, End: 0x2000}, Info: MappingInfo{Prot: protRead}}}))
	require.Error(t, as.Verify([]Mapping{{Range: Range{Start: 0x1000, End: 0x1800}, Info: MappingInfo{Prot: protRead}}}))
}

func TestBreakpointRefcountRoundTrip(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	mem.buf[0] = 0x55 // arbitrary "original" opcode byte
	as := New(mem)

	require.NoError(t, as.AddBreakpoint(0x1000, BreakpointUser))
	require.NoError(t, as.AddBreakpoint(0x1000, BreakpointInternal))
	present, kind := as.IsBreakpointAt(0x1000)
	require.True(t, present)
	require.Equal(t, BreakpointUser, kind)
	require.Equal(t, byte(int3Opcode), mem.buf[0])

	require.NoError(t, as.RemoveBreakpoint(0x1000, BreakpointUser))
	present, kind = as.IsBreakpointAt(0x1000)
	require.True(t, present)
	require.Equal(t, BreakpointInternal, kind)
	require.Equal(t, byte(int3Opcode), mem.buf[0], "byte stays patched while any refcount remains")

	require.NoError(t, as.RemoveBreakpoint(0x1000, BreakpointInternal))
	present, _ = as.IsBreakpointAt(0x1000)
	require.False(t, present)
	require.Equal(t, byte(0x55), mem.buf[0], "original byte restored once last reference drops")
}

func TestBreakpointTransparentToMemoryReads(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	mem.buf[4] = 0x90
	as := New(mem)
	require.NoError(t, as.AddBreakpoint(0x1004, BreakpointUser))

	buf := make([]byte, 8)
	require.NoError(t, as.Mem.ReadMem(0x1000, buf))
	require.Equal(t, byte(int3Opcode), buf[4], "raw read observes the patched trap byte")

	as.ReplaceBreakpointsWithOriginalValues(buf, 0x1000)
	require.Equal(t, byte(0x90), buf[4], "debugger-facing read sees the shadowed original byte")
}

func TestWriteWatchpointRequiresByteChangeToReport(t *testing.T) {
	mem := newFakeMem(0x2000, 0x100)
	as := New(mem)
	r := Range{Start: 0x2000, End: 0x2008}
	require.NoError(t, as.AddWatchpoint(r, WatchWrite))

	changed, err := as.SaveRestoreWatchpoints()
	require.NoError(t, err)
	require.Empty(t, changed, "no change yet, bytes match the initial snapshot")

	mem.buf[0] = 0xff
	changed, err = as.SaveRestoreWatchpoints()
	require.NoError(t, err)
	require.Equal(t, []Range{r}, changed)

	reported := as.ConsumeWatchpointChanges()
	require.Equal(t, []Range{r}, reported)
	require.Empty(t, as.ConsumeWatchpointChanges(), "Changed flag cleared after consumption")
}

func TestReadExecWatchpointTrustsHardwareTrapDirectly(t *testing.T) {
	as := New(newFakeMem(0x3000, 0x100))
	r := Range{Start: 0x3000, End: 0x3004}
	require.NoError(t, as.AddWatchpoint(r, WatchRead))

	as.NotifyWatchpointFired(0x3001)
	require.Equal(t, []Range{r}, as.ConsumeWatchpointChanges())
}

func TestRRPageStubsAreDistinctAddresses(t *testing.T) {
	mem := newFakeMem(0x7000, rrPageSize)
	as := New(mem)
	require.NoError(t, as.InstallRRPage(0x7000))

	seen := map[uintptr]bool{}
	for _, kind := range []StubKind{StubTraced, StubUntraced, StubUntracedReplayed, StubPrivilegedTraced, StubPrivilegedUntraced} {
		addr, err := as.FindSyscallInstruction(kind)
		require.NoError(t, err)
		require.False(t, seen[addr], "stub addresses must be distinct")
		seen[addr] = true
		require.Equal(t, byte(0x0f), mem.buf[addr-0x7000])
		require.Equal(t, byte(0x05), mem.buf[addr-0x7000+1])
	}
}
