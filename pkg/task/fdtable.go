// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

// FdTable supplements the spec's Task Group model with the tracer-
// reserved file descriptor bookkeeping described in original_source's
// FdTable.h: rr reserves some fds within the tracee for its own
// bookkeeping (the syscallbuf desched fd, the socket used for the
// SCM_RIGHTS fd-retrieval protocol) and must know which ones those are so
// a traced close(2)/dup2(2) on them can be vetoed or specially handled,
// which is exactly what the protect-all-fds scenario (§8.6) exercises.
type FdTable struct {
	reserved map[int]string // fd -> a short tag naming what reserved it
}

func NewFdTable() *FdTable {
	return &FdTable{reserved: make(map[int]string)}
}

// Reserve marks fd as owned by rr itself for purpose tag, vetoing it from
// being handed back to tracee code as an ordinary descriptor.
func (f *FdTable) Reserve(fd int, tag string) {
	f.reserved[fd] = tag
}

func (f *FdTable) IsReserved(fd int) bool {
	_, ok := f.reserved[fd]
	return ok
}

// AllowClose reports whether the tracee is allowed to close fd itself;
// rr-reserved fds must never be closed by traced code, mirroring the
// original's FdTable::allow_close.
func (f *FdTable) AllowClose(fd int) bool {
	return !f.IsReserved(fd)
}

// DidClose forgets a reservation once rr itself (not the tracee) closes
// the underlying descriptor.
func (f *FdTable) DidClose(fd int) {
	delete(f.reserved, fd)
}

// DidDup propagates a reservation across dup2(2)-style fd aliasing.
func (f *FdTable) DidDup(from, to int) {
	if tag, ok := f.reserved[from]; ok {
		f.reserved[to] = tag
	}
}

// Clone returns an independent copy for a forked task group, mirroring
// FdTable::clone's copy-the-map-then-reattach semantics.
func (f *FdTable) Clone() *FdTable {
	out := NewFdTable()
	for fd, tag := range f.reserved {
		out.reserved[fd] = tag
	}
	return out
}

// UpdateForCloexec drops reservations for fds the tracee's own exec()
// closed via O_CLOEXEC, given the post-exec set of fds rr observed still
// open (scanned from /proc/<pid>/fd by the caller, per the original's
// comment explaining why CLOEXEC flags aren't tracked directly).
func (f *FdTable) UpdateForCloexec(stillOpen map[int]bool) {
	for fd := range f.reserved {
		if !stillOpen[fd] {
			delete(f.reserved, fd)
		}
	}
}
