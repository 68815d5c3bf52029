// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gdbserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sarvex/rr/pkg/address"
	"github.com/sarvex/rr/pkg/replay"
)

func TestParseAddrLength(t *testing.T) {
	addr, length, err := parseAddrLength("1000,20")
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1000), addr)
	require.Equal(t, 0x20, length)

	_, _, err = parseAddrLength("malformed")
	require.Error(t, err)
}

func TestParseHexAddr(t *testing.T) {
	v, err := parseHexAddr("deadbeef")
	require.NoError(t, err)
	require.Equal(t, uintptr(0xdeadbeef), v)

	_, err = parseHexAddr("zz")
	require.Error(t, err)
}

func TestCutColon(t *testing.T) {
	before, after, ok := cutColon("1000,4:aabbccdd")
	require.True(t, ok)
	require.Equal(t, "1000,4", before)
	require.Equal(t, "aabbccdd", after)

	_, _, ok = cutColon("no colon here")
	require.False(t, ok)
}

func TestWatchTypeFor(t *testing.T) {
	require.Equal(t, address.WatchWrite, watchTypeFor(2))
	require.Equal(t, address.WatchRead, watchTypeFor(3))
	require.Equal(t, address.WatchExec, watchTypeFor(4))
}

func TestStopNow(t *testing.T) {
	require.True(t, stopNow(replay.Result{Status: replay.ReplayExited}))
	require.True(t, stopNow(replay.Result{Break: replay.BreakStatus{BreakpointHit: true}}))
	require.True(t, stopNow(replay.Result{Break: replay.BreakStatus{WatchpointChanged: true}}))
	require.False(t, stopNow(replay.Result{}))
}

func TestSplitSemicolons(t *testing.T) {
	require.Equal(t, []string{"c", "s:1"}, splitSemicolons("c;s:1"))
}
