// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sarvex/rr/pkg/event"
	"github.com/sarvex/rr/pkg/task"
)

// EventRecord is one frame of the `events` substream, per §4.7:
// (event_time, tid, encoded_event, ticks, monotonic_sec) followed by an
// optional register block, an optional extra-register block tagged with
// its own format, and a signal payload when the event carries one.
type EventRecord struct {
	EventTime    uint64
	Tid          int32
	SyscallNo    int32 // wide form; Event.Encode's payload can't hold a full syscall number
	SignalNo     int32
	SiAddr       uint64
	DeschedPtr   uint64
	Ticks        uint64
	MonotonicSec float64

	Encoded uint32 // event.Event.Encode()

	HasRegs bool
	Regs    task.Registers

	HasExtraRegs  bool
	ExtraRegsFmt  uint8
	ExtraRegs     []byte

	HasSignal bool
	SigNo     int32
	SigCode   int32
	SigAddr   uint64
}

// EncodeEventRecord renders ev into the on-disk frame; EventRecord itself
// carries both the compact encoded form and the wide fields Decode can't
// recover, so callers round-trip through event.Event only for the fields
// that fit.
func EncodeEventRecord(r EventRecord) []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint64(buf, r.EventTime)
	buf = appendInt32(buf, r.Tid)
	buf = appendUint32(buf, r.Encoded)
	buf = appendInt32(buf, r.SyscallNo)
	buf = appendInt32(buf, r.SignalNo)
	buf = appendUint64(buf, r.SiAddr)
	buf = appendUint64(buf, r.DeschedPtr)
	buf = appendUint64(buf, r.Ticks)
	buf = appendFloat64(buf, r.MonotonicSec)

	buf = appendBool(buf, r.HasRegs)
	if r.HasRegs {
		buf = appendRegisters(buf, r.Regs)
	}

	buf = appendBool(buf, r.HasExtraRegs)
	if r.HasExtraRegs {
		buf = append(buf, r.ExtraRegsFmt)
		buf = appendUint32(buf, uint32(len(r.ExtraRegs)))
		buf = append(buf, r.ExtraRegs...)
	}

	buf = appendBool(buf, r.HasSignal)
	if r.HasSignal {
		buf = appendInt32(buf, r.SigNo)
		buf = appendInt32(buf, r.SigCode)
		buf = appendUint64(buf, r.SigAddr)
	}
	return buf
}

// DecodeEventRecord is EncodeEventRecord's inverse.
func DecodeEventRecord(data []byte) (EventRecord, error) {
	var r EventRecord
	d := &decoder{buf: data}

	r.EventTime = d.uint64()
	r.Tid = d.int32()
	r.Encoded = d.uint32()
	r.SyscallNo = d.int32()
	r.SignalNo = d.int32()
	r.SiAddr = d.uint64()
	r.DeschedPtr = d.uint64()
	r.Ticks = d.uint64()
	r.MonotonicSec = d.float64()

	r.HasRegs = d.bool()
	if r.HasRegs {
		r.Regs = d.registers()
	}

	r.HasExtraRegs = d.bool()
	if r.HasExtraRegs {
		r.ExtraRegsFmt = d.byte()
		n := d.uint32()
		r.ExtraRegs = d.bytes(int(n))
	}

	r.HasSignal = d.bool()
	if r.HasSignal {
		r.SigNo = d.int32()
		r.SigCode = d.int32()
		r.SigAddr = d.uint64()
	}

	if d.err != nil {
		return EventRecord{}, fmt.Errorf("trace: decode event record: %w", d.err)
	}
	return r, nil
}

// Event recovers the compact tagged-union form this record encoded,
// merging back the wide fields Event.Encode can't carry.
func (r EventRecord) Event() event.Event {
	e := event.Decode(r.Encoded)
	e.SyscallNo = r.SyscallNo
	e.SignalNo = r.SignalNo
	e.SiAddr = r.SiAddr
	e.DeschedPtr = r.DeschedPtr
	if r.HasSignal && r.SigCode >= 0 {
		e.SignalKind = event.SignalDeterministic
	} else if r.HasSignal {
		e.SignalKind = event.SignalAsync
	}
	return e
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte { return appendUint32(b, uint32(v)) }

func appendFloat64(b []byte, v float64) []byte {
	return appendUint64(b, math.Float64bits(v))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendRegisters(b []byte, r task.Registers) []byte {
	b = append(b, byte(r.Arch))
	b = appendUint64(b, uint64(r.IP))
	b = appendUint64(b, uint64(r.SP))
	b = appendUint64(b, uint64(r.Syscallno))
	b = appendUint64(b, uint64(r.OrigRax))
	for _, v := range []uint64{
		r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.Eflags, r.Cs, r.Ss, r.Ds, r.Es, r.Fs, r.Gs, r.FsBase, r.GsBase,
	} {
		b = appendUint64(b, v)
	}
	return b
}

// decoder is a small cursor over a byte slice shared by the EventRecord
// and Registers decode paths, recording the first error it hits instead
// of panicking on a truncated frame.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("truncated at offset %d wanting %d bytes", d.off, n)
		return false
	}
	return true
}

func (d *decoder) uint64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) int32() int32     { return int32(d.uint32()) }
func (d *decoder) float64() float64 { return math.Float64frombits(d.uint64()) }

func (d *decoder) bool() bool {
	if !d.need(1) {
		return false
	}
	v := d.buf[d.off] != 0
	d.off++
	return v
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := append([]byte(nil), d.buf[d.off:d.off+n]...)
	d.off += n
	return v
}

func (d *decoder) registers() task.Registers {
	var r task.Registers
	r.Arch = task.Arch(d.byte())
	r.IP = uintptr(d.uint64())
	r.SP = uintptr(d.uint64())
	r.Syscallno = int64(d.uint64())
	r.OrigRax = int64(d.uint64())
	vals := make([]uint64, 24)
	for i := range vals {
		vals[i] = d.uint64()
	}
	r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp = vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]
	r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15 = vals[7], vals[8], vals[9], vals[10], vals[11], vals[12], vals[13], vals[14]
	r.Eflags = vals[15]
	r.Cs, r.Ss, r.Ds, r.Es, r.Fs, r.Gs = vals[16], vals[17], vals[18], vals[19], vals[20], vals[21]
	r.FsBase, r.GsBase = vals[22], vals[23]
	return r
}
