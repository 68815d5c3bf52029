// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package syscallbuf implements the §4.3 Syscall Buffering Protocol: the
// shared-memory ring a tracee writes untraced syscall records into so
// most syscalls never need a ptrace round-trip, and the desched-counter
// machinery that keeps a may-block buffered syscall safe to leave
// untraced until it actually blocks.
//
// This package models the tracer side of the ring (what rr itself reads
// and writes in the shared page); the preload-library side that runs
// inside the tracee is a fixed, frozen wire format this package decodes,
// not code this package runs.
package syscallbuf

import (
	"encoding/binary"
	"fmt"

	"github.com/sarvex/rr/pkg/kernel"
	"github.com/sarvex/rr/pkg/stat"
)

var (
	deschedSignalsObserved = stat.New("desched_signals_observed",
		"buffered syscall records that armed the desched counter", stat.Console)
	flushRecordCounts = stat.New("syscallbuf_flush_records",
		"records decoded per syscallbuf flush", stat.Distribution{})
)

// headerSize is the fixed prefix of the shared ring, mirroring struct
// syscallbuf_hdr's layout: num_rec_bytes, locked, abort_commit,
// desched_signal_may_be_relevant, notify_on_syscall_hook_exit, each a
// byte or word-sized flag the preload library twiddles without any
// synchronization beyond the ordering guarantees documented alongside
// each field below (the protocol relies on rr never observing the buffer
// mid-stride, not on atomics).
const headerSize = 16

// recordHeaderSize is sizeof(struct syscallbuf_record)'s fixed prefix:
// syscallno (4), desched-and-size packed into one word (4), ret (8).
const recordHeaderSize = 16

// Header is the decoded form of the ring's fixed prefix.
type Header struct {
	NumRecBytes                 uint32
	Locked                      bool
	AbortCommit                 bool
	DeschedSignalMayBeRelevant  bool
	NotifyOnSyscallHookExit     bool
}

func decodeHeader(buf []byte) Header {
	return Header{
		NumRecBytes:                binary.LittleEndian.Uint32(buf[0:4]),
		Locked:                     buf[4] != 0,
		AbortCommit:                buf[5] != 0,
		DeschedSignalMayBeRelevant: buf[6] != 0,
		NotifyOnSyscallHookExit:    buf[7] != 0,
	}
}

func encodeHeader(h Header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.NumRecBytes)
	buf[4] = boolByte(h.Locked)
	buf[5] = boolByte(h.AbortCommit)
	buf[6] = boolByte(h.DeschedSignalMayBeRelevant)
	buf[7] = boolByte(h.NotifyOnSyscallHookExit)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Record is one decoded syscallbuf_record entry: the syscall number the
// preload library buffered, whether it armed the desched counter because
// the syscall might block, the total record size including any outparam
// bytes appended after the header, and the return value the preload
// library's wrapper stored once the real syscall returned.
type Record struct {
	Syscallno int32
	Desched   bool
	Size      uint32
	Ret       int64
	Extra     []byte // outparam bytes copied after the fixed header
}

// Ring is the tracer-side view of one task's shared syscallbuf mapping,
// backed by the task's own memory accessor so the ring can be re-read
// after every syscallbuf-flush event without rr needing its own mmap of
// the tracee's pages (rr reads through /proc/<pid>/mem like any other
// tracee memory, per §4.3's design note that the tracer never maps the
// ring itself, only reads it).
type Ring struct {
	mem  MemAccessor
	addr uintptr
	size uint32
}

type MemAccessor interface {
	ReadMem(addr uintptr, buf []byte) error
	WriteMem(addr uintptr, buf []byte) error
}

func NewRing(mem MemAccessor, addr uintptr, size uint32) *Ring {
	return &Ring{mem: mem, addr: addr, size: size}
}

func (r *Ring) readHeader() (Header, error) {
	buf := make([]byte, headerSize)
	if err := r.mem.ReadMem(r.addr, buf); err != nil {
		return Header{}, fmt.Errorf("syscallbuf: read header: %w", err)
	}
	return decodeHeader(buf), nil
}

// Flush decodes every complete record currently committed in the ring
// (0..NumRecBytes), per the commit-protocol invariant that num_rec_bytes
// is only ever advanced after a record's body is fully written — so
// anything within [0, NumRecBytes) is safe to trust even if rr observes
// the ring mid-write of the *next* record.
func (r *Ring) Flush() ([]Record, error) {
	hdr, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	body := make([]byte, hdr.NumRecBytes)
	if err := r.mem.ReadMem(r.addr+headerSize, body); err != nil {
		return nil, fmt.Errorf("syscallbuf: read records: %w", err)
	}
	var records []Record
	off := uint32(0)
	for off+recordHeaderSize <= uint32(len(body)) {
		rec := Record{
			Syscallno: int32(binary.LittleEndian.Uint32(body[off : off+4])),
		}
		descSize := binary.LittleEndian.Uint32(body[off+4 : off+8])
		rec.Desched = descSize&0x1 != 0
		rec.Size = descSize >> 1
		rec.Ret = int64(binary.LittleEndian.Uint64(body[off+8 : off+16]))
		extraLen := rec.Size - recordHeaderSize
		if off+rec.Size > uint32(len(body)) {
			return nil, fmt.Errorf("syscallbuf: record at offset %d overruns buffer (size %d, remaining %d)", off, rec.Size, uint32(len(body))-off)
		}
		if extraLen > 0 {
			rec.Extra = append([]byte(nil), body[off+recordHeaderSize:off+rec.Size]...)
		}
		if rec.Desched {
			deschedSignalsObserved.Add(1)
		}
		records = append(records, rec)
		off += stride(rec.Size)
	}
	flushRecordCounts.Add(len(records))
	return records, nil
}

// stride is stored_record_size(): every record is 8-byte aligned in the
// ring so the desched counter's breakpoint-table indexing
// (num_rec_bytes/8) always lands on a record boundary.
func stride(size uint32) uint32 {
	return (size + 7) &^ 7
}

// Reset clears num_rec_bytes back to zero once rr has consumed every
// record Flush returned, the record-side analogue of the preload
// library's own buffer_last()-resets-to-buffer_hdr()+1 reinitialization
// after a SYSCALLBUF_RESET event.
func (r *Ring) Reset() error {
	hdr, err := r.readHeader()
	if err != nil {
		return err
	}
	hdr.NumRecBytes = 0
	buf := make([]byte, headerSize)
	encodeHeader(hdr, buf)
	return r.mem.WriteMem(r.addr, buf)
}

// IsLocked reports whether the preload library is mid-commit, the
// condition under which rr must not trust the ring's tail record as
// complete (it may be reentered via a synchronous signal, per preload.c's
// own comment on prep_syscall's locked check).
func (r *Ring) IsLocked() (bool, error) {
	hdr, err := r.readHeader()
	if err != nil {
		return false, err
	}
	return hdr.Locked, nil
}

// DeschedSignalMayBeRelevant reports whether the currently-buffered
// syscall armed the desched counter because it might block — the flag
// rr's scheduler consults to decide whether a pending desched signal for
// this task needs to be delivered and handled rather than suppressed.
func (r *Ring) DeschedSignalMayBeRelevant() (bool, error) {
	hdr, err := r.readHeader()
	if err != nil {
		return false, err
	}
	return hdr.DeschedSignalMayBeRelevant, nil
}

// ArmDeschedCounter and DisarmDeschedCounter wrap the hardware tick
// counter the preload library's arm_desched_event/disarm_desched_event
// ioctls operate on.
func ArmDeschedCounter(c *kernel.TickCounter) error {
	return c.ArmSignalAfter(1)
}

func DisarmDeschedCounter(c *kernel.TickCounter) error {
	return c.Disable()
}
