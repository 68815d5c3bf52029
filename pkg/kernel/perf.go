// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// perfEventAttr mirrors struct perf_event_attr's prefix, just far enough
// to request PERF_COUNT_HW_BRANCH_INSTRUCTIONS with precise sampling and
// an overflow signal, the same fields the kernel's perf_event_open(2)
// ABI requires regardless of libc. Mirrors the mmap/ioctl-via-unsafe
// style pkg/kcov.go uses for its own kernel ABI struct.
type perfEventAttr struct {
	Type        uint32
	Size        uint32
	Config      uint64
	SamplePeriodOrFreq uint64
	SampleType  uint64
	ReadFormat  uint64
	Bits        uint64 // disabled:1, inherit:1, pinned:1, exclusive:1, ...
	WakeupEvents uint32
	BPType      uint32
	BPAddrOrConfig1 uint64
	BPLenOrConfig2  uint64
	BranchSampleType uint64
	SampleRegsUser  uint64
	SampleStackUser uint32
	ClockID         int32
	SampleRegsIntr  uint64
	AuxWatermark    uint32
	SampleMaxStack  uint16
	Reserved2       uint16
}

const (
	perfTypeHardware           = 0
	perfCountHwBranchInstr     = 4
	perfEventIoctlReset        = 0x2403
	perfEventIoctlRefresh      = 0x2402
	perfEventIoctlPeriod       = 0x2404
	bitDisabled                = 1 << 0
	bitExcludeKernel           = 1 << 6
	bitExcludeHV               = 1 << 7
	bitExcludeIdle             = 1 << 8
)

// TickCounter programs a hardware performance counter that counts
// retired branch instructions ("ticks", per the GLOSSARY; the generic
// PERF_COUNT_HW_BRANCH_INSTRUCTIONS event, which also counts
// unconditional branches) for a single
// task, and can be armed to deliver a signal after N more branches —
// used both for the record-side desched counter (§4.3) and the
// async-signal-interrupt tick target (§4.5).
type TickCounter struct {
	file *os.File
	fd   int
}

// NewTickCounter opens a perf_event fd counting PERF_COUNT_HW_BRANCH_INSTRUCTIONS
// for the given tid, initially disabled. Signal delivery on overflow is
// set up separately, by EnableSignalDelivery.
func NewTickCounter(tid int) (*TickCounter, error) {
	attr := perfEventAttr{
		Type:   perfTypeHardware,
		Config: perfCountHwBranchInstr,
		Bits:   bitDisabled | bitExcludeKernel | bitExcludeHV | bitExcludeIdle,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN, uintptr(unsafe.Pointer(&attr)),
		uintptr(tid), ^uintptr(0) /* any cpu -> -1 */, ^uintptr(0) /* no group */, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("perf_event_open: %w", errno)
	}
	return &TickCounter{
		file: os.NewFile(fd, "perf-branch-ticks"),
		fd:   int(fd),
	}, nil
}

func (c *TickCounter) Close() error {
	return c.file.Close()
}

// Read returns the cumulative count of retired branch instructions
// since the counter was created or last Reset.
func (c *TickCounter) Read() (uint64, error) {
	var buf [8]byte
	n, err := c.file.ReadAt(buf[:], 0)
	if err != nil || n != len(buf) {
		return 0, fmt.Errorf("read perf counter: %w", err)
	}
	return le64(buf[:]), nil
}

func (c *TickCounter) Reset() error {
	return unix.IoctlSetInt(c.fd, perfEventIoctlReset, 0)
}

func (c *TickCounter) Enable() error {
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

func (c *TickCounter) Disable() error {
	return unix.IoctlSetInt(c.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// ArmSignalAfter programs the counter to overflow (and, once the fd is
// set up to deliver a signal, to signal the tracer) after exactly period
// more ticks. Used for both the desched counter's single-increment arm
// (period=1) and the async-signal-interrupt's "interrupt a few ticks
// before target" scheme (§4.5).
func (c *TickCounter) ArmSignalAfter(period uint64) error {
	if err := unix.IoctlSetInt(c.fd, perfEventIoctlPeriod, int(period)); err != nil {
		return err
	}
	return c.Enable()
}

// EnableSignalDelivery configures the perf fd to deliver sig to the
// owning thread on counter overflow, via fcntl(F_SETOWN)/F_SETSIG — the
// mechanism backing the desched signal of §4.3.
func (c *TickCounter) EnableSignalDelivery(ownerTid int, sig int) error {
	if _, err := unix.FcntlInt(c.file.Fd(), unix.F_SETOWN_EX, 0); err != nil {
		// F_SETOWN_EX with type unset is not universally supported;
		// fall back to the simple per-process F_SETOWN.
		if _, err := unix.FcntlInt(c.file.Fd(), unix.F_SETOWN, ownerTid); err != nil {
			return fmt.Errorf("fcntl F_SETOWN: %w", err)
		}
	}
	if _, err := unix.FcntlInt(c.file.Fd(), unix.F_SETSIG, sig); err != nil {
		return fmt.Errorf("fcntl F_SETSIG: %w", err)
	}
	flags, err := unix.FcntlInt(c.file.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(c.file.Fd(), unix.F_SETFL, flags|unix.O_ASYNC)
	return err
}

func le64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
