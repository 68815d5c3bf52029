// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	id       int
	priority int
}

func (t *fakeTask) SchedID() int  { return t.id }
func (t *fakeTask) Priority() int { return t.priority }

func TestReschedulePrefersHighestPriorityRunnable(t *testing.T) {
	s := New()
	low := &fakeTask{id: 1, priority: 10}
	high := &fakeTask{id: 2, priority: 0}
	s.OnCreate(low)
	s.OnCreate(high)

	next := s.Reschedule([]Runnable{low, high}, 0)
	require.Equal(t, high.SchedID(), next.SchedID())
}

func TestRescheduleStaysOnCurrentUntilTimesliceExpires(t *testing.T) {
	s := New()
	s.SetMaxTicks(1000)
	a := &fakeTask{id: 1, priority: 5}
	b := &fakeTask{id: 2, priority: 5}
	s.OnCreate(a)
	s.OnCreate(b)

	next := s.Reschedule([]Runnable{a, b}, 0)
	require.Equal(t, a.SchedID(), next.SchedID())

	// Still within the timeslice: same task should be kept.
	next = s.Reschedule([]Runnable{a, b}, 500)
	require.Equal(t, a.SchedID(), next.SchedID())
}

func TestRescheduleSwitchesAwayFromBlockedCurrent(t *testing.T) {
	s := New()
	s.SetMaxTicks(1000)
	a := &fakeTask{id: 1, priority: 5}
	b := &fakeTask{id: 2, priority: 5}
	s.OnCreate(a)
	s.OnCreate(b)

	s.Reschedule([]Runnable{a, b}, 0)
	next := s.Reschedule([]Runnable{b}, 10) // a no longer runnable
	require.Equal(t, b.SchedID(), next.SchedID())
}

func TestScheduleOneRoundRobinDrainsBeforePriority(t *testing.T) {
	s := New()
	a := &fakeTask{id: 1, priority: 0}
	b := &fakeTask{id: 2, priority: 0}
	c := &fakeTask{id: 3, priority: 0}
	s.OnCreate(a)
	s.OnCreate(b)
	s.OnCreate(c)

	s.ScheduleOneRoundRobin(a)
	require.Equal(t, []int{2, 3, 1}, s.queue)

	next := s.Reschedule([]Runnable{a, b, c}, 0)
	require.Equal(t, b.SchedID(), next.SchedID())
}

func TestOnDestroyClearsCurrentAndQueue(t *testing.T) {
	s := New()
	a := &fakeTask{id: 1, priority: 0}
	s.OnCreate(a)
	s.Reschedule([]Runnable{a}, 0)
	require.Equal(t, a.SchedID(), s.Current().SchedID())

	s.OnDestroy(a.SchedID())
	require.Nil(t, s.Current())
}

func TestChaosModeTimesliceWithinConfiguredRange(t *testing.T) {
	s := New()
	s.SetEnableChaos(true)
	for i := 0; i < 50; i++ {
		ts := s.timeslice()
		require.GreaterOrEqual(t, ts, uint64(s.chaosConfig.MinTicks))
		require.LessOrEqual(t, ts, uint64(s.chaosConfig.MaxTicks))
	}
}
