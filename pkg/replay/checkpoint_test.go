// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package replay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func cloneCounter() (CloneFunc, SeekFunc, DropFunc, *int) {
	n := 0
	drops := 0
	clone := func() (interface{}, error) {
		n++
		return n, nil
	}
	seek := func(state interface{}) error { return nil }
	drop := func(state interface{}) error { drops++; return nil }
	return clone, seek, drop, &drops
}

func TestCheckpointTreeAddAndList(t *testing.T) {
	clone, seek, drop, _ := cloneCounter()
	tree := NewCheckpointTree(10, clone, seek, drop)

	cp1, err := tree.AddExplicitCheckpoint(Mark{EventTime: 1}, 3)
	require.NoError(t, err)
	cp2, err := tree.AddExplicitCheckpoint(Mark{EventTime: 2}, 3)
	require.NoError(t, err)

	require.Len(t, tree.List(), 2)
	require.NotEqual(t, cp1.ID, cp2.ID)
}

func TestCheckpointTreeEvictsNonExplicitWhenBudgetExceeded(t *testing.T) {
	clone, seek, drop, drops := cloneCounter()
	tree := NewCheckpointTree(5, clone, seek, drop)

	_, err := tree.addHeuristicCheckpoint(Mark{EventTime: 1}, 3)
	require.NoError(t, err)
	_, err = tree.addHeuristicCheckpoint(Mark{EventTime: 100}, 3)
	require.NoError(t, err)

	require.Len(t, tree.List(), 1, "adding the second heuristic checkpoint should have evicted the first")
	require.Equal(t, 1, *drops)
}

func TestCheckpointTreeNeverEvictsExplicit(t *testing.T) {
	clone, seek, drop, _ := cloneCounter()
	tree := NewCheckpointTree(3, clone, seek, drop)

	_, err := tree.AddExplicitCheckpoint(Mark{EventTime: 1}, 3)
	require.NoError(t, err)

	_, err = tree.addHeuristicCheckpoint(Mark{EventTime: 2}, 3)
	require.Error(t, err, "budget is exhausted by an explicit checkpoint with nothing left to evict")
}

func TestCheckpointTreeRemoveExplicit(t *testing.T) {
	clone, seek, drop, drops := cloneCounter()
	tree := NewCheckpointTree(10, clone, seek, drop)

	cp, err := tree.AddExplicitCheckpoint(Mark{EventTime: 1}, 2)
	require.NoError(t, err)
	require.NoError(t, tree.RemoveExplicitCheckpoint(cp.ID))
	require.Empty(t, tree.List())
	require.Equal(t, 1, *drops)

	require.Error(t, tree.RemoveExplicitCheckpoint(cp.ID), "removing twice should fail")
}

func TestCheckpointTreeLatestAtOrBefore(t *testing.T) {
	clone, seek, drop, _ := cloneCounter()
	tree := NewCheckpointTree(10, clone, seek, drop)

	_, err := tree.AddExplicitCheckpoint(Mark{EventTime: 10}, 1)
	require.NoError(t, err)
	_, err = tree.AddExplicitCheckpoint(Mark{EventTime: 50}, 1)
	require.NoError(t, err)
	_, err = tree.AddExplicitCheckpoint(Mark{EventTime: 100}, 1)
	require.NoError(t, err)

	cp, ok := tree.LatestAtOrBefore(Mark{EventTime: 75})
	require.True(t, ok)
	require.Equal(t, uint64(50), cp.Mark.EventTime)

	_, ok = tree.LatestAtOrBefore(Mark{EventTime: 5})
	require.False(t, ok)
}

func TestCheckpointTreeSeekToPropagatesCloneState(t *testing.T) {
	seen := 0
	clone := func() (interface{}, error) { return 42, nil }
	seek := func(state interface{}) error {
		if state.(int) != 42 {
			return fmt.Errorf("unexpected state %v", state)
		}
		seen++
		return nil
	}
	tree := NewCheckpointTree(10, clone, seek, nil)
	cp, err := tree.AddExplicitCheckpoint(Mark{EventTime: 1}, 1)
	require.NoError(t, err)
	require.NoError(t, tree.SeekTo(cp))
	require.Equal(t, 1, seen)
}

func TestMarkOrdering(t *testing.T) {
	a := Mark{EventTime: 1, Ticks: 100}
	b := Mark{EventTime: 1, Ticks: 200}
	c := Mark{EventTime: 2, Ticks: 0}

	require.True(t, a.Before(b))
	require.True(t, b.Before(c))
	require.False(t, c.Before(a))
	require.True(t, a.Equal(Mark{EventTime: 1, Ticks: 100}))
}
