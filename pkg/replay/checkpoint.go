// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package replay

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sarvex/rr/pkg/stat"
)

// Checkpoint is a semantic snapshot of Engine's state at one
// (event_time, ticks) coordinate, per §4.6: cheap enough to take often,
// but not free, since a real implementation forks every tracee and
// copies the emulated-filesystem bookkeeping for replayed shared mmaps.
// This module models the cost and retention policy faithfully; the
// actual process-fork/EmuFs-copy machinery belongs to a full tracee
// fork implementation outside this package's scope and is represented
// here by the Clone callback passed to NewCheckpointTree.
type Checkpoint struct {
	ID uuid.UUID

	Mark    Mark
	Explicit bool // user-requested, as opposed to the tree's own heuristic caching

	// State is an opaque snapshot produced by the Clone callback; only
	// the tree and its caller interpret it.
	State interface{}

	// cost estimates the resources this checkpoint holds down; it counts
	// against the tree's budget, but the eviction choice does not look
	// at it.
	cost int
}

// Mark is the opaque replay-progress coordinate §4.6's mark()/
// seek_to_mark() API works with: enough to order two points in the same
// replay and to restore one exactly, but otherwise meaningless outside
// this package (callers must not compare marks from different traces).
type Mark struct {
	EventTime uint64
	Ticks     uint64
	Step      TStep
}

// Before reports whether m precedes o in replay order; used to pick the
// latest checkpoint at or before a reverse-execution target.
func (m Mark) Before(o Mark) bool {
	if m.EventTime != o.EventTime {
		return m.EventTime < o.EventTime
	}
	return m.Ticks < o.Ticks
}

func (m Mark) Equal(o Mark) bool {
	return m.EventTime == o.EventTime && m.Ticks == o.Ticks
}

// CloneFunc forks the tracee tree and emulated-filesystem state
// referenced by a checkpoint, returning an opaque state blob SeekFunc
// can later restore from.
type CloneFunc func() (interface{}, error)

// SeekFunc restores Engine's live tracee state from a checkpoint's
// opaque state blob.
type SeekFunc func(state interface{}) error

// DropFunc releases whatever resources a checkpoint's opaque state blob
// holds (forked process tree, EmuFs copy) once it's evicted.
type DropFunc func(state interface{}) error

// CheckpointTree implements §4.6's checkpoint cache: a budget-bounded
// set of checkpoints at strategic replay coordinates, used to make
// reverse execution ("restore the latest checkpoint at or before the
// target, then replay forward") affordable without forcing a full
// rewind to the start of the trace every time.
type CheckpointTree struct {
	budget int
	used   int

	checkpoints []*Checkpoint

	clone CloneFunc
	seek  SeekFunc
	drop  DropFunc
}

// defaultCheckpointBudget bounds total estimated checkpoint cost; cost
// units are arbitrary (one unit per tracee forked) and only meaningful
// relative to each other.
const defaultCheckpointBudget = 64

func NewCheckpointTree(budget int, clone CloneFunc, seek SeekFunc, drop DropFunc) *CheckpointTree {
	if budget <= 0 {
		budget = defaultCheckpointBudget
	}
	t := &CheckpointTree{budget: budget, clone: clone, seek: seek, drop: drop}
	stat.New("checkpoints_held", "live checkpoints currently retained by the checkpoint tree",
		stat.Console, stat.Gauge(func() int { return len(t.checkpoints) }))
	return t
}

// Count reports how many checkpoints are currently live, the same
// number checkpoints_held reports via Snapshot.
func (t *CheckpointTree) Count() int { return len(t.checkpoints) }

// CanAddCheckpoint reports whether the budget allows another checkpoint
// of the given estimated cost without first evicting anything, per
// §4.6's can_add_checkpoint().
func (t *CheckpointTree) CanAddCheckpoint(cost int) bool {
	return t.used+cost <= t.budget
}

// AddExplicitCheckpoint takes a user-requested checkpoint at mark,
// evicting lower-value entries first if the budget requires it.
func (t *CheckpointTree) AddExplicitCheckpoint(mark Mark, cost int) (*Checkpoint, error) {
	return t.add(mark, cost, true)
}

// addHeuristicCheckpoint is the tree's own "every so many events" cache
// population, called by Timeline rather than driven by the user.
func (t *CheckpointTree) addHeuristicCheckpoint(mark Mark, cost int) (*Checkpoint, error) {
	return t.add(mark, cost, false)
}

func (t *CheckpointTree) add(mark Mark, cost int, explicit bool) (*Checkpoint, error) {
	for !t.CanAddCheckpoint(cost) {
		if !t.evictOne() {
			return nil, fmt.Errorf("replay: checkpoint budget exhausted (used %d, budget %d) and nothing evictable", t.used, t.budget)
		}
	}
	state, err := t.clone()
	if err != nil {
		return nil, fmt.Errorf("replay: clone for checkpoint: %w", err)
	}
	cp := &Checkpoint{ID: uuid.New(), Mark: mark, Explicit: explicit, State: state, cost: cost}
	t.checkpoints = append(t.checkpoints, cp)
	t.used += cost
	return cp, nil
}

// RemoveExplicitCheckpoint drops the checkpoint with the given id,
// per §4.6's remove_explicit_checkpoint(); returns an error if no such
// explicit checkpoint exists.
func (t *CheckpointTree) RemoveExplicitCheckpoint(id uuid.UUID) error {
	for i, cp := range t.checkpoints {
		if cp.ID == id && cp.Explicit {
			return t.removeAt(i)
		}
	}
	return fmt.Errorf("replay: no explicit checkpoint %s", id)
}

func (t *CheckpointTree) removeAt(i int) error {
	cp := t.checkpoints[i]
	if t.drop != nil {
		if err := t.drop(cp.State); err != nil {
			return fmt.Errorf("replay: drop checkpoint %s: %w", cp.ID, err)
		}
	}
	t.checkpoints = append(t.checkpoints[:i], t.checkpoints[i+1:]...)
	t.used -= cp.cost
	return nil
}

// evictOne drops the single least-valuable non-explicit checkpoint —
// "least valuable" approximated as the one whose mark is closest to the
// most recently added mark, since a nearby checkpoint saves the least
// future forward-replay work. Explicit (user-requested) checkpoints are
// never auto-evicted. Reports whether it evicted anything.
func (t *CheckpointTree) evictOne() bool {
	if len(t.checkpoints) == 0 {
		return false
	}
	ref := t.checkpoints[len(t.checkpoints)-1].Mark

	worst := -1
	var worstDistance uint64
	for i, cp := range t.checkpoints {
		if cp.Explicit {
			continue
		}
		d := markDistance(cp.Mark, ref)
		if worst == -1 || d < worstDistance {
			worst = i
			worstDistance = d
		}
	}
	if worst == -1 {
		return false
	}
	t.removeAt(worst)
	return true
}

func markDistance(a, b Mark) uint64 {
	if a.EventTime >= b.EventTime {
		return a.EventTime - b.EventTime
	}
	return b.EventTime - a.EventTime
}

// List returns every live checkpoint, for "info checkpoints".
func (t *CheckpointTree) List() []*Checkpoint {
	out := make([]*Checkpoint, len(t.checkpoints))
	copy(out, t.checkpoints)
	return out
}

// LatestAtOrBefore finds the most recent checkpoint whose mark is at or
// before target, per §4.6's reverse-execution protocol's first step.
// Reports (nil, false) if no checkpoint qualifies, meaning reverse
// execution must restart from the beginning of the trace.
func (t *CheckpointTree) LatestAtOrBefore(target Mark) (*Checkpoint, bool) {
	var best *Checkpoint
	for _, cp := range t.checkpoints {
		if cp.Mark.Before(target) || cp.Mark.Equal(target) {
			if best == nil || best.Mark.Before(cp.Mark) {
				best = cp
			}
		}
	}
	return best, best != nil
}

// SeekTo restores Engine's live state from cp.
func (t *CheckpointTree) SeekTo(cp *Checkpoint) error {
	return t.seek(cp.State)
}
