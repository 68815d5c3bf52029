// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gdbserver

import (
	"fmt"

	"github.com/sarvex/rr/pkg/replay"
)

// Diversion is a branch off the replay timeline a debugger client can
// mutate (write registers, write memory, plant extra breakpoints)
// without those writes ever reaching the recording it diverged from,
// per §4.8's diversion-session paragraph. It is entered lazily on the
// first mutating request a stopped session receives and torn down
// either explicitly (the client detaches or restarts) or implicitly
// (the client issues a resume that only makes sense back on the
// timeline proper).
//
// Because mutation and restoration both go through an ordinary explicit
// checkpoint, a diversion costs exactly one checkpoint-tree slot for as
// long as it's open.
type Diversion struct {
	tl       *replay.Timeline
	preEntry *replay.Checkpoint
	refcount int
}

func NewDiversion(tl *replay.Timeline) *Diversion {
	return &Diversion{tl: tl}
}

// Active reports whether the timeline is currently diverged.
func (d *Diversion) Active() bool { return d.refcount > 0 }

// Enter marks the current mark as the point to return to and bumps the
// refcount; the first Enter actually checkpoints, later ones (nested
// mutating requests within the same stop) just bump the count.
func (d *Diversion) Enter() error {
	d.refcount++
	if d.refcount > 1 {
		return nil
	}
	cp, err := d.tl.AddExplicitCheckpoint()
	if err != nil {
		d.refcount--
		return fmt.Errorf("gdbserver: enter diversion: %w", err)
	}
	d.preEntry = cp
	return nil
}

// Leave drops one reference; when the last one goes, the timeline is
// restored to the pre-diversion mark and the bookkeeping checkpoint is
// released, discarding every mutation made while diverged.
func (d *Diversion) Leave() error {
	if d.refcount == 0 {
		return nil
	}
	d.refcount--
	if d.refcount > 0 {
		return nil
	}
	pre := d.preEntry
	d.preEntry = nil
	if pre == nil {
		return nil
	}
	if err := d.tl.SeekToMark(pre.Mark); err != nil {
		return fmt.Errorf("gdbserver: leave diversion: restore: %w", err)
	}
	return d.tl.RemoveExplicitCheckpoint(pre.ID)
}

// Discard forcibly collapses an active diversion regardless of
// refcount, for a client detach or restart request — neither of which
// leaves anything for a later Leave to balance.
func (d *Diversion) Discard() error {
	if !d.Active() {
		return nil
	}
	d.refcount = 1
	return d.Leave()
}
