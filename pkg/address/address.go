// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package address implements the Address Space model of §4.1: a cached,
// ordered map of a tracee's virtual memory, plus the breakpoint and
// watchpoint overlay installed on top of it.
//
// Per the "robust iteration over mutable maps" design note (§9), the map
// is not a Go map keyed by address (whose iteration order is undefined
// and whose entries cannot be safely mutated mid-range); it is a sorted
// slice of Mappings, and every Iterator re-validates its position with a
// lower-bound search on each Next, so in-place attribute changes (e.g. a
// protect() on a mapping currently being visited) never invalidate it.
package address

import (
	"fmt"
	"sort"
)

// Range is a half-open, page-aligned byte range [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

func (r Range) Len() uintptr { return r.End - r.Start }

func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// MappingInfo is the (file_name, device, inode, prot, flags, file_offset)
// tuple §3 requires every Mapping to carry twice: once authoritative
// (what the kernel actually has mapped) and once "recorded" (what the
// trace said was mapped, which can differ when a mapping was
// re-materialized from a trace-backed file by EmuFs during replay).
type MappingInfo struct {
	FileName   string
	Device     uint64
	Inode      uint64
	Prot       uint32 // PROT_READ|PROT_WRITE|PROT_EXEC bits
	Flags      uint32 // MAP_SHARED|MAP_PRIVATE|...
	FileOffset uint64
}

// Mapping is one entry of the address space map.
type Mapping struct {
	Range      Range
	Info       MappingInfo
	Recorded   MappingInfo
	IsSyscallbuf bool
	IsRRPage     bool
}

// coalesceable reports whether two adjacent mappings may be merged into
// one, per §4.1's invariant: same attributes and, if file-backed, a
// contiguous file offset.
func coalesceable(a, b Mapping) bool {
	if a.Range.End != b.Range.Start {
		return false
	}
	if a.Info.Prot != b.Info.Prot || a.Info.Flags != b.Info.Flags {
		return false
	}
	if a.Info.FileName != b.Info.FileName || a.Info.Device != b.Info.Device || a.Info.Inode != b.Info.Inode {
		return false
	}
	if a.Info.FileName != "" && a.Info.FileOffset+uint64(a.Range.Len()) != b.Info.FileOffset {
		return false
	}
	return true
}

// AddressSpace is the per-shared-memory-domain tracked map, breakpoint
// table, and watchpoint table. Identity is (leader_tid, leader_serial,
// exec_count) per §3; this struct only holds the data, identity lives in
// the owning session's AddressSpaceUid key (§9's arena design note).
type AddressSpace struct {
	mappings []Mapping // kept sorted by Range.Start, non-overlapping

	breakpoints map[uintptr]*breakpoint
	watchpoints map[Range]*watchpoint

	RRPageAddr      uintptr
	TracedSyscallIP uintptr
	UntracedSyscallIP uintptr
	UntracedReplayedSyscallIP uintptr
	PrivilegedTracedSyscallIP uintptr
	PrivilegedUntracedSyscallIP uintptr

	Mem MemAccessor
}

// MemAccessor is the minimal interface AddressSpace needs to install and
// remove breakpoints and to value-check watchpoints; pkg/task's Task
// implements it over pkg/kernel.Mem.
type MemAccessor interface {
	ReadMem(addr uintptr, buf []byte) error
	WriteMem(addr uintptr, buf []byte) error
}

func New(mem MemAccessor) *AddressSpace {
	return &AddressSpace{
		breakpoints: make(map[uintptr]*breakpoint),
		watchpoints: make(map[Range]*watchpoint),
		Mem:         mem,
	}
}

func (as *AddressSpace) indexOf(addr uintptr) int {
	return sort.Search(len(as.mappings), func(i int) bool {
		return as.mappings[i].Range.End > addr
	})
}

// MappingOf returns the mapping covering addr, if any.
func (as *AddressSpace) MappingOf(addr uintptr) (Mapping, bool) {
	i := as.indexOf(addr)
	if i < len(as.mappings) && as.mappings[i].Range.Contains(addr) {
		return as.mappings[i], true
	}
	return Mapping{}, false
}

func (as *AddressSpace) HasMapping(addr uintptr) bool {
	_, ok := as.MappingOf(addr)
	return ok
}

// Map installs a new mapping, asserting the non-overlap invariant, and
// coalesces with adjacent mappings that share attributes.
func (as *AddressSpace) Map(r Range, info MappingInfo) error {
	i := as.indexOf(r.Start)
	if i < len(as.mappings) && as.mappings[i].Range.Overlaps(r) {
		return fmt.Errorf("address %w: new mapping %v overlaps existing %v", ErrOverlap, r, as.mappings[i].Range)
	}
	m := Mapping{Range: r, Info: info, Recorded: info}
	as.mappings = append(as.mappings, Mapping{})
	copy(as.mappings[i+1:], as.mappings[i:])
	as.mappings[i] = m
	as.coalesceAround(i)
	return nil
}

var ErrOverlap = fmt.Errorf("overlapping mapping")

func (as *AddressSpace) coalesceAround(i int) {
	if i+1 < len(as.mappings) && coalesceable(as.mappings[i], as.mappings[i+1]) {
		as.mappings[i].Range.End = as.mappings[i+1].Range.End
		as.mappings = append(as.mappings[:i+1], as.mappings[i+2:]...)
	}
	if i > 0 && coalesceable(as.mappings[i-1], as.mappings[i]) {
		as.mappings[i-1].Range.End = as.mappings[i].Range.End
		as.mappings = append(as.mappings[:i], as.mappings[i+1:]...)
	}
}

// Unmap removes any mapping overlap with r, splitting partially-covered
// mappings at the boundary, mirroring munmap(2) semantics.
func (as *AddressSpace) Unmap(r Range) {
	var kept []Mapping
	for _, m := range as.mappings {
		if !m.Range.Overlaps(r) {
			kept = append(kept, m)
			continue
		}
		if m.Range.Start < r.Start {
			left := m
			left.Range.End = r.Start
			kept = append(kept, left)
		}
		if m.Range.End > r.End {
			right := m
			right.Range.Start = r.End
			right.Info.FileOffset += uint64(r.End - m.Range.Start)
			kept = append(kept, right)
		}
	}
	as.mappings = kept
}

// Protect changes the protection bits of every mapping overlapping r,
// splitting at boundaries as needed, and re-coalesces afterward.
func (as *AddressSpace) Protect(r Range, prot uint32) {
	var out []Mapping
	for _, m := range as.mappings {
		if !m.Range.Overlaps(r) {
			out = append(out, m)
			continue
		}
		parts := splitAt(m, r)
		for i := range parts {
			if parts[i].Range.Overlaps(r) {
				parts[i].Info.Prot = prot
			}
		}
		out = append(out, parts...)
	}
	as.mappings = out
	sort.Slice(as.mappings, func(i, j int) bool { return as.mappings[i].Range.Start < as.mappings[j].Range.Start })
	for i := range as.mappings {
		as.coalesceAround(i)
	}
}

func splitAt(m Mapping, r Range) []Mapping {
	var out []Mapping
	cur := m
	if cur.Range.Start < r.Start {
		left := cur
		left.Range.End = r.Start
		out = append(out, left)
		cur.Info.FileOffset += uint64(r.Start - cur.Range.Start)
		cur.Range.Start = r.Start
	}
	if cur.Range.End > r.End {
		right := cur
		right.Range.Start = r.End
		right.Info.FileOffset += uint64(r.End - cur.Range.Start)
		cur.Range.End = r.End
		out = append(out, cur, right)
		return out
	}
	out = append(out, cur)
	return out
}

// Remap implements mremap(2)'s effect on the tracked map: the mapping at
// old is removed and a new one of newLen installed at returned address
// newStart, preserving file-backing attributes.
func (as *AddressSpace) Remap(old Range, newStart uintptr, newLen uintptr) error {
	m, ok := as.MappingOf(old.Start)
	if !ok {
		return fmt.Errorf("remap: no mapping at %v", old)
	}
	info := m.Info
	as.Unmap(old)
	return as.Map(Range{Start: newStart, End: newStart + newLen}, info)
}

// Maps returns a re-validating iterator over the mappings in address
// order (§4.1's iteration invariant).
func (as *AddressSpace) Maps() *Iterator {
	return &Iterator{as: as, next: 0}
}

// Iterator re-looks-up its position via a lower-bound search before each
// advance, so it tolerates non-structural mutation (e.g. Protect) of the
// map between calls to Next, per the design note in §9.
type Iterator struct {
	as   *AddressSpace
	next uintptr
	done bool
	first bool
}

func (it *Iterator) Next() (Mapping, bool) {
	if it.done {
		return Mapping{}, false
	}
	start := it.next
	i := sort.Search(len(it.as.mappings), func(i int) bool {
		return it.as.mappings[i].Range.End > start
	})
	if !it.first {
		i = 0
		it.first = true
	}
	if i >= len(it.as.mappings) {
		it.done = true
		return Mapping{}, false
	}
	m := it.as.mappings[i]
	it.next = m.Range.End
	return m, true
}

// Verify re-reads the kernel's view of addr space (supplied by the
// caller, since parsing /proc/<pid>/maps is a task-level concern) and
// asserts it agrees with the tracked map modulo coalescing, per §8's
// Address-space-consistency invariant.
func (as *AddressSpace) Verify(kernelMaps []Mapping) error {
	tracked := collapseForCompare(as.mappings)
	kernel := collapseForCompare(kernelMaps)
	if len(tracked) != len(kernel) {
		return fmt.Errorf("address space mismatch: %d tracked mappings vs %d kernel mappings", len(tracked), len(kernel))
	}
	for i := range tracked {
		if tracked[i].Range != kernel[i].Range {
			return fmt.Errorf("address space mismatch at entry %d: tracked %v vs kernel %v", i, tracked[i].Range, kernel[i].Range)
		}
	}
	return nil
}

func collapseForCompare(ms []Mapping) []Mapping {
	out := append([]Mapping(nil), ms...)
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	res := out[:0]
	for _, m := range out {
		if len(res) > 0 && coalesceable(res[len(res)-1], m) {
			res[len(res)-1].Range.End = m.Range.End
			continue
		}
		res = append(res, m)
	}
	return res
}
