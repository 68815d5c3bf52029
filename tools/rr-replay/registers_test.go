// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sarvex/rr/pkg/task"
)

func TestEncodeDecodeGDBRegistersRoundTrip(t *testing.T) {
	r := task.Registers{
		Arch: task.ArchX86_64,
		IP:   0x555500001234,
		SP:   0x7ffeeeee0000,
		Rax:  1, Rbx: 2, Rcx: 3, Rdx: 4, Rsi: 5, Rdi: 6, Rbp: 7,
		R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
		Eflags: 0x246,
		Cs:     0x33, Ss: 0x2b, Ds: 0, Es: 0, Fs: 0, Gs: 0,
	}

	buf := encodeGDBRegisters(r)
	require.Len(t, buf, gdbRegsSize)

	got, err := decodeGDBRegisters(buf, task.Registers{Arch: task.ArchX86_64})
	require.NoError(t, err)
	require.Equal(t, r.IP, got.IP)
	require.Equal(t, r.SP, got.SP)
	require.Equal(t, r.Rax, got.Rax)
	require.Equal(t, r.R15, got.R15)
	require.Equal(t, r.Eflags, got.Eflags)
	require.Equal(t, r.Cs, got.Cs)
}

func TestDecodeGDBRegistersRejectsShortPacket(t *testing.T) {
	_, err := decodeGDBRegisters(make([]byte, 4), task.Registers{})
	require.Error(t, err)
}
