// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package replay

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sarvex/rr/pkg/address"
)

// heuristicCheckpointInterval is how many events apart the timeline
// drops its own cache checkpoints, independent of any user request, per
// §4.6's "plus heuristic every so many events".
const heuristicCheckpointInterval = 10000

// StopFilter decides whether a task/mark pair satisfies a reverse
// search's stop condition (e.g. "this is the mark the debugger asked to
// reverse-continue to", or "this breakpoint is hit going backward").
type StopFilter func(mark Mark) bool

// InterruptCheck is polled during a potentially long forward-replay
// used internally by reverse execution, letting the caller cancel a
// reverse-continue that's about to replay a large chunk of the trace.
type InterruptCheck func() bool

// Timeline wraps an Engine to add forward and reverse navigation, per
// §4.6. Reverse execution has no native replay primitive — rr trace
// frames only run forward — so Timeline implements it as "restore the
// latest checkpoint at or before the target, then replay forward to the
// stop condition", caching checkpoints so this isn't always a full
// rewind to the start of the trace.
type Timeline struct {
	engine *Engine
	tree   *CheckpointTree

	eventsSinceHeuristicCheckpoint uint64

	// lastMark/lastStableWindow back lazy_reverse_singlestep: within a
	// window the caller has told us is stable (no intervening
	// checkpoint restore, no forward progress), the previous mark IS
	// the answer to "what mark precedes the current one by one
	// instruction", so a second reverse-singlestep in the same window
	// can skip the checkpoint-restore-then-replay-forward round trip.
	lastMark        Mark
	haveLastMark    bool
}

func NewTimeline(engine *Engine, tree *CheckpointTree) *Timeline {
	return &Timeline{engine: engine, tree: tree}
}

// Mark returns the current replay-progress coordinate, per §4.6.
func (tl *Timeline) Mark() Mark {
	m := Mark{Ticks: tl.engine.TicksAtStartOfEvent(), Step: tl.engine.CurrentStepKey()}
	if tl.engine.currentFrame != nil {
		m.EventTime = tl.engine.currentFrame.EventTime
	}
	return m
}

// SeekToMark restores Engine's state to m, via the nearest checkpoint at
// or before m followed by forward replay to the exact coordinate.
func (tl *Timeline) SeekToMark(m Mark) error {
	cp, ok := tl.tree.LatestAtOrBefore(m)
	if !ok {
		return fmt.Errorf("replay: seek_to_mark: no checkpoint at or before event %d", m.EventTime)
	}
	if err := tl.tree.SeekTo(cp); err != nil {
		return fmt.Errorf("replay: seek_to_mark: restore checkpoint %s: %w", cp.ID, err)
	}
	if cp.Mark.Equal(m) {
		return nil
	}
	_, err := tl.replayForwardTo(m, nil)
	return err
}

// ReplayStepForward advances the timeline by one Engine.ReplayStep call,
// transparently populating the heuristic checkpoint cache as events go
// by, per §4.6.
func (tl *Timeline) ReplayStepForward(c StepConstraints) (Result, error) {
	before := tl.Mark()
	res, err := tl.engine.ReplayStep(c)
	if err != nil {
		return Result{}, err
	}
	after := tl.Mark()
	if after.EventTime != before.EventTime {
		tl.eventsSinceHeuristicCheckpoint++
		if tl.eventsSinceHeuristicCheckpoint >= heuristicCheckpointInterval && tl.tree.CanAddCheckpoint(1) {
			if _, err := tl.tree.addHeuristicCheckpoint(after, 1); err == nil {
				tl.eventsSinceHeuristicCheckpoint = 0
			}
		}
	}
	tl.haveLastMark = false
	return res, nil
}

// replayForwardTo drives ReplayStepForward until mark m is reached or
// stop is satisfied first (whichever comes first).
func (tl *Timeline) replayForwardTo(target Mark, stop StopFilter) (Result, error) {
	for {
		cur := tl.Mark()
		if cur.Equal(target) {
			return Result{Status: ReplayContinue}, nil
		}
		if stop != nil && stop(cur) {
			return Result{Status: ReplayContinue, Break: BreakStatus{BreakpointHit: true}}, nil
		}
		res, err := tl.ReplayStepForward(StepConstraints{Command: RunContinue, StopAtTime: target.EventTime})
		if err != nil {
			return Result{}, err
		}
		if res.Status == ReplayExited {
			return res, nil
		}
		if res.Break.BreakpointHit || res.Break.WatchpointChanged {
			return res, nil
		}
	}
}

// ReverseContinue implements §4.6's reverse execution protocol: find the
// latest checkpoint at or before the current mark, restore it, then
// replay forward checking stop at each step, repeating with an earlier
// checkpoint if the current checkpoint's range doesn't contain a stop
// point behind us.
func (tl *Timeline) ReverseContinue(stop StopFilter, interrupt InterruptCheck) (Result, error) {
	target := tl.Mark()
	for {
		cp, ok := tl.tree.LatestAtOrBefore(Mark{EventTime: maxUint64(target.EventTime, 1) - 1})
		if !ok {
			return Result{Status: ReplayExited, Break: BreakStatus{SessionExited: true}}, nil
		}
		if err := tl.tree.SeekTo(cp); err != nil {
			return Result{}, fmt.Errorf("replay: reverse_continue: restore checkpoint %s: %w", cp.ID, err)
		}

		var lastStop Mark
		foundStop := false
		for {
			if interrupt != nil && interrupt() {
				return Result{Status: ReplayContinue}, nil
			}
			cur := tl.Mark()
			if cur.EventTime >= target.EventTime {
				break
			}
			if stop(cur) {
				lastStop = cur
				foundStop = true
			}
			res, err := tl.ReplayStepForward(StepConstraints{Command: RunContinue})
			if err != nil {
				return Result{}, err
			}
			if res.Status == ReplayExited {
				break
			}
		}
		if foundStop {
			if err := tl.SeekToMark(lastStop); err != nil {
				return Result{}, err
			}
			return Result{Status: ReplayContinue, Break: BreakStatus{BreakpointHit: true}}, nil
		}
		target = cp.Mark
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// ReverseSingleStep steps the timeline backward by exactly one
// instruction retired by task, using lazy_reverse_singlestep's fast
// path when the caller has established the window since fromTick is
// stable (no other mutation of the timeline happened in between).
func (tl *Timeline) ReverseSingleStep(fromTick uint64, stop StopFilter, interrupt InterruptCheck) (Mark, error) {
	if tl.haveLastMark {
		m := tl.lastMark
		tl.haveLastMark = false
		return m, nil
	}

	target := tl.Mark()
	cp, ok := tl.tree.LatestAtOrBefore(Mark{EventTime: maxUint64(target.EventTime, 1) - 1})
	if !ok {
		return Mark{}, fmt.Errorf("replay: reverse_singlestep: no earlier checkpoint")
	}
	if err := tl.tree.SeekTo(cp); err != nil {
		return Mark{}, err
	}

	var prev Mark
	for {
		if interrupt != nil && interrupt() {
			return Mark{}, fmt.Errorf("replay: reverse_singlestep interrupted")
		}
		cur := tl.Mark()
		if cur.EventTime >= target.EventTime && cur.Ticks >= fromTick {
			break
		}
		prev = cur
		res, err := tl.ReplayStepForward(StepConstraints{Command: RunSinglestep})
		if err != nil {
			return Mark{}, err
		}
		if res.Status == ReplayExited {
			break
		}
	}
	tl.lastMark = prev
	tl.haveLastMark = true
	return prev, nil
}

// AddExplicitCheckpoint takes a user-requested checkpoint at the current
// mark, per §4.6's add_explicit_checkpoint().
func (tl *Timeline) AddExplicitCheckpoint() (*Checkpoint, error) {
	return tl.tree.AddExplicitCheckpoint(tl.Mark(), 1)
}

func (tl *Timeline) RemoveExplicitCheckpoint(id uuid.UUID) error {
	return tl.tree.RemoveExplicitCheckpoint(id)
}

// ApplyBreakpointsAndWatchpoints installs the given user breakpoints and
// watchpoints onto the address space backing the timeline's current
// task, per §4.6. Nothing in this package calls it: SeekToMark and
// ReverseContinue do not reinstall breakpoints or watchpoints after a
// checkpoint restore.
func (tl *Timeline) ApplyBreakpointsAndWatchpoints(as *address.AddressSpace, breakpoints []uintptr, watchpoints []address.Range) error {
	for _, addr := range breakpoints {
		if err := as.AddBreakpoint(addr, address.BreakpointUser); err != nil {
			return fmt.Errorf("replay: apply breakpoint at 0x%x: %w", addr, err)
		}
	}
	for _, r := range watchpoints {
		if err := as.AddWatchpoint(r, address.WatchWrite); err != nil {
			return fmt.Errorf("replay: apply watchpoint at 0x%x: %w", r.Start, err)
		}
	}
	return nil
}

func (tl *Timeline) Engine() *Engine { return tl.engine }
func (tl *Timeline) Checkpoints() *CheckpointTree { return tl.tree }
