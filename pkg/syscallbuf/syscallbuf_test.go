// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package syscallbuf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

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

func writeRecord(body []byte, off uint32, syscallno int32, desched bool, ret int64, extra []byte) uint32 {
	size := recordHeaderSize + uint32(len(extra))
	binary.LittleEndian.PutUint32(body[off:off+4], uint32(syscallno))
	descSize := size << 1
	if desched {
		descSize |= 1
	}
	binary.LittleEndian.PutUint32(body[off+4:off+8], descSize)
	binary.LittleEndian.PutUint64(body[off+8:off+16], uint64(ret))
	copy(body[off+recordHeaderSize:], extra)
	return stride(size)
}

func TestRingFlushDecodesCommittedRecords(t *testing.T) {
	mem := newFakeMem(0x5000, 4096)
	ring := NewRing(mem, 0x5000, 4096)

	body := mem.buf[headerSize:]
	n1 := writeRecord(body, 0, 1 /* read */, false, 8, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	n2 := writeRecord(body, n1, 60 /* close */, true, 0, nil)

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], n1+n2)
	copy(mem.buf[:headerSize], hdr[:])

	records, err := ring.Flush()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int32(1), records[0].Syscallno)
	require.False(t, records[0].Desched)
	require.Equal(t, int64(8), records[0].Ret)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, records[0].Extra)
	require.Equal(t, int32(60), records[1].Syscallno)
	require.True(t, records[1].Desched)
}

func TestRingResetClearsNumRecBytes(t *testing.T) {
	mem := newFakeMem(0x5000, 4096)
	ring := NewRing(mem, 0x5000, 4096)
	binary.LittleEndian.PutUint32(mem.buf[0:4], 64)

	require.NoError(t, ring.Reset())
	hdr, err := ring.readHeader()
	require.NoError(t, err)
	require.Zero(t, hdr.NumRecBytes)
}

func TestRingLockedAndDeschedFlags(t *testing.T) {
	mem := newFakeMem(0x5000, 4096)
	ring := NewRing(mem, 0x5000, 4096)
	mem.buf[4] = 1 // locked
	mem.buf[6] = 1 // desched_signal_may_be_relevant

	locked, err := ring.IsLocked()
	require.NoError(t, err)
	require.True(t, locked)

	relevant, err := ring.DeschedSignalMayBeRelevant()
	require.NoError(t, err)
	require.True(t, relevant)
}

func TestPatcherRoundTrip(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	copy(mem.buf[0x10:], syscallOpcode[:])
	p := NewPatcher(mem)

	ok, err := p.IsPatchable(0x1010)
	require.NoError(t, err)
	require.True(t, ok)

	site, err := p.Patch(0x1010, 0x2000)
	require.NoError(t, err)
	require.True(t, p.IsPatched(0x1010))
	require.Equal(t, byte(0xe9), mem.buf[0x10])
	require.NotEqual(t, syscallOpcode[0], mem.buf[0x10])

	require.NoError(t, p.Unpatch(site.Addr))
	require.False(t, p.IsPatched(0x1010))
	require.Equal(t, syscallOpcode[:], mem.buf[0x10:0x12])
}

func TestPatcherRejectsNonSyscallBytes(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	p := NewPatcher(mem)
	_, err := p.Patch(0x1000, 0x2000)
	require.Error(t, err)
}
