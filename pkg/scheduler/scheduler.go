// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scheduler implements the §4.4 record-time scheduler: strict
// priority scheduling with round-robin among equal priorities, a
// sched_yield fairness queue, tick-based timeslices, and an optional
// chaos mode that randomizes priorities and timeslice lengths to surface
// scheduling-order bugs. The replay side needs no scheduling decisions at
// all — it just runs whichever task the next trace frame names — so this
// package is record-only; pkg/replay's step engine drives replay order
// directly from the trace.
package scheduler

import (
	"math/rand"
	"sort"

	"github.com/sarvex/rr/pkg/log"
)

// DefaultMaxTicks is the default timeslice length, chosen (per
// original_source/Scheduler.h's own comment) to approximate 10ms at a
// nominal ~50,000 ticks/ms.
const DefaultMaxTicks = 500000

// ChaosConfig carries the chaos-mode tunables original_source/Scheduler.h
// describes only as private fields with no documented defaults in
// spec.md's distillation; these values are the ones the original's
// constructor and choose_random_priority/maybe_reset_priorities logic
// imply (a priority re-randomization interval on the order of seconds,
// and a timeslice range spanning roughly two orders of magnitude so
// chaos mode can produce both very short and very long slices).
type ChaosConfig struct {
	MinTicks             int
	MaxTicks             int
	PriorityRefreshSeconds float64
	HighPriorityOnlyFraction float64
}

func DefaultChaosConfig() ChaosConfig {
	return ChaosConfig{
		MinTicks:                 1,
		MaxTicks:                 DefaultMaxTicks * 2,
		PriorityRefreshSeconds:   10,
		HighPriorityOnlyFraction: 0.25,
	}
}

// Runnable is the minimal view of a task the scheduler needs: an opaque
// identity and its setpriority(2) value. Whether a task is currently
// runnable is passed to Reschedule separately.
type Runnable interface {
	SchedID() int
	Priority() int
}

type taskState struct {
	task        Runnable
	inRoundRobin bool
}

// Scheduler is the record-side priority/round-robin scheduler of §4.4.
// It does not itself wait on tasks or decide runnability — the owning
// record session calls Reschedule with the current runnable set on every
// event boundary and receives back which task to run next.
type Scheduler struct {
	tasks map[int]*taskState
	queue []int // round-robin queue, FIFO by SchedID

	current          Runnable
	timesliceEnd     uint64
	maxTicks         uint64
	alwaysSwitch     bool

	chaos        bool
	chaosConfig  ChaosConfig
	rng          *rand.Rand
	pretendCores int
}

func New() *Scheduler {
	return &Scheduler{
		tasks:        make(map[int]*taskState),
		maxTicks:     DefaultMaxTicks,
		chaosConfig:  DefaultChaosConfig(),
		rng:          rand.New(rand.NewSource(1)),
		pretendCores: 1,
	}
}

func (s *Scheduler) SetMaxTicks(t uint64)      { s.maxTicks = t }
func (s *Scheduler) SetAlwaysSwitch(b bool)    { s.alwaysSwitch = b }
func (s *Scheduler) PretendNumCores() int      { return s.pretendCores }
func (s *Scheduler) SetPretendNumCores(n int)  { s.pretendCores = n }

// SetEnableChaos turns chaos-mode randomization on or off, per the
// original's set_enable_chaos.
func (s *Scheduler) SetEnableChaos(enable bool) {
	s.chaos = enable
	if enable {
		log.Logf(1, "chaos mode enabled: timeslices in [%d, %d] ticks", s.chaosConfig.MinTicks, s.chaosConfig.MaxTicks)
	}
}

func (s *Scheduler) OnCreate(t Runnable) {
	s.tasks[t.SchedID()] = &taskState{task: t}
}

func (s *Scheduler) OnDestroy(id int) {
	delete(s.tasks, id)
	s.removeFromQueue(id)
	if s.current != nil && s.current.SchedID() == id {
		s.current = nil
	}
}

func (s *Scheduler) removeFromQueue(id int) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// ScheduleOneRoundRobin moves every known task into the fairness queue,
// ordered so that last stays at the tail, implementing sched_yield's
// "let everyone else go first" semantics per §4.4.
func (s *Scheduler) ScheduleOneRoundRobin(last Runnable) {
	if len(s.queue) > 0 {
		return // already doing a round
	}
	ids := make([]int, 0, len(s.tasks))
	for id := range s.tasks {
		if last != nil && id == last.SchedID() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	s.queue = ids
	if last != nil {
		s.queue = append(s.queue, last.SchedID())
	}
	for _, id := range s.queue {
		s.tasks[id].inRoundRobin = true
	}
}

// ExpireTimeslice forces the next Reschedule to treat the current task's
// timeslice as exhausted, regardless of ticks actually elapsed.
func (s *Scheduler) ExpireTimeslice() { s.timesliceEnd = 0 }

// Reschedule picks the next task to run given runnable, the set of
// currently-runnable tasks and the current tick count, following §4.4's
// decision order: stay on the current task if its timeslice hasn't
// expired and it's still runnable; otherwise drain the round-robin queue;
// otherwise pick the highest-priority runnable task, breaking ties in
// round-robin order starting just after the current task.
func (s *Scheduler) Reschedule(runnable []Runnable, ticksNow uint64) Runnable {
	runnableSet := make(map[int]Runnable, len(runnable))
	for _, t := range runnable {
		runnableSet[t.SchedID()] = t
	}

	if s.current != nil && !s.alwaysSwitch && ticksNow < s.timesliceEnd {
		if _, ok := runnableSet[s.current.SchedID()]; ok {
			return s.current
		}
	}

	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		if st, ok := s.tasks[id]; ok {
			st.inRoundRobin = false
		}
		if t, ok := runnableSet[id]; ok {
			s.setCurrent(t, ticksNow)
			return t
		}
	}

	next := s.highestPriorityRunnable(runnableSet)
	if next != nil {
		s.setCurrent(next, ticksNow)
	}
	return next
}

func (s *Scheduler) highestPriorityRunnable(runnableSet map[int]Runnable) Runnable {
	var best Runnable
	for _, t := range runnableSet {
		if best == nil || t.Priority() < best.Priority() ||
			(t.Priority() == best.Priority() && s.afterCurrent(t, best)) {
			best = t
		}
	}
	return best
}

// afterCurrent breaks equal-priority ties in round-robin order relative
// to the currently running task, per the original's
// get_next_task_with_same_priority.
func (s *Scheduler) afterCurrent(a, b Runnable) bool {
	if s.current == nil {
		return a.SchedID() < b.SchedID()
	}
	cur := s.current.SchedID()
	da := distance(cur, a.SchedID())
	db := distance(cur, b.SchedID())
	return da < db
}

func distance(from, to int) int {
	d := to - from
	if d <= 0 {
		d += 1 << 30 // wrap without needing the live task-id space
	}
	return d
}

func (s *Scheduler) setCurrent(t Runnable, ticksNow uint64) {
	s.current = t
	s.timesliceEnd = ticksNow + s.timeslice()
}

// timeslice returns the tick budget for the next run: the fixed
// max_ticks normally, or a randomized value in chaos mode's configured
// range.
func (s *Scheduler) timeslice() uint64 {
	if !s.chaos {
		return s.maxTicks
	}
	lo, hi := s.chaosConfig.MinTicks, s.chaosConfig.MaxTicks
	return uint64(lo + s.rng.Intn(hi-lo+1))
}

// ChooseRandomPriority returns a chaos-mode priority draw for t, biased
// toward the high end occasionally per HighPriorityOnlyFraction, mirroring
// the original's choose_random_priority/treat_as_high_priority split.
func (s *Scheduler) ChooseRandomPriority(base int) int {
	if !s.chaos {
		return base
	}
	if s.rng.Float64() < s.chaosConfig.HighPriorityOnlyFraction {
		return base - 10
	}
	return base + s.rng.Intn(20)
}

func (s *Scheduler) Current() Runnable { return s.current }
