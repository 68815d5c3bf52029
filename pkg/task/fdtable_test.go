// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFdTableReservedFdsCannotBeClosedByTracee(t *testing.T) {
	f := NewFdTable()
	f.Reserve(5, "desched")
	require.False(t, f.AllowClose(5))
	require.True(t, f.AllowClose(6))
}

func TestFdTableDidDupPropagatesReservation(t *testing.T) {
	f := NewFdTable()
	f.Reserve(5, "desched")
	f.DidDup(5, 9)
	require.True(t, f.IsReserved(9))
}

func TestFdTableCloneIsIndependent(t *testing.T) {
	f := NewFdTable()
	f.Reserve(5, "desched")
	clone := f.Clone()
	clone.DidClose(5)
	require.True(t, f.IsReserved(5), "original table unaffected by clone mutation")
	require.False(t, clone.IsReserved(5))
}

func TestFdTableUpdateForCloexecDropsClosedFds(t *testing.T) {
	f := NewFdTable()
	f.Reserve(5, "desched")
	f.Reserve(6, "fd-socket")
	f.UpdateForCloexec(map[int]bool{6: true})
	require.False(t, f.IsReserved(5))
	require.True(t, f.IsReserved(6))
}
