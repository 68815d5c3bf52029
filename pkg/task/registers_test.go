// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseRegs() Registers {
	return Registers{
		Arch: ArchX86_64,
		IP:   0x400000, SP: 0x7ffe0000,
		Rax: 1, Rbx: 2, Rcx: 3, Rdx: 4,
		Eflags: 0x246,
		Cs:     0x33, Ss: 0x2b,
		OrigRax: 1,
	}
}

func TestRegistersEqualIgnoresVolatileEflagsBits(t *testing.T) {
	a := baseRegs()
	b := baseRegs()
	b.Eflags |= eflagsRF | eflagsIF
	require.True(t, a.Equal(b), "RF/IF differences must not affect equality")
}

func TestRegistersEqualDetectsRealEflagsDifference(t *testing.T) {
	a := baseRegs()
	b := baseRegs()
	const eflagsZF = 1 << 6
	b.Eflags ^= eflagsZF
	require.False(t, a.Equal(b))
}

func TestRegistersEqualMasksSegmentRegisterPadding(t *testing.T) {
	a := baseRegs()
	b := baseRegs()
	b.Cs |= 0xffff0000 // kernel-internal padding above the 16-bit selector
	require.True(t, a.Equal(b))
}

func TestRegistersEqualSkipsOrigRaxWhenEitherNegative(t *testing.T) {
	a := baseRegs()
	a.OrigRax = -1
	b := baseRegs()
	b.OrigRax = 42
	require.True(t, a.Equal(b), "orig_rax is incomparable, not unequal, when not mid-syscall")
}

func TestRegistersArgAccessorsRoundTrip(t *testing.T) {
	var r Registers
	for i := 1; i <= 6; i++ {
		r.SetArg(i, uint64(i*10))
	}
	for i := 1; i <= 6; i++ {
		require.Equal(t, uint64(i*10), r.Arg(i))
	}
}

func TestSyscallFailedDetectsNegatedErrno(t *testing.T) {
	var r Registers
	errno := int64(-2) // -ENOENT
	r.SetSyscallResult(uint64(errno))
	require.True(t, r.SyscallFailed())

	r.SetSyscallResult(0)
	require.False(t, r.SyscallFailed())
}
