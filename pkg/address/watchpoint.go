// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package address

// WatchType is the access kind a watchpoint traps on. Per the resolved
// Open Question in SPEC_FULL.md §E, exec and read watches are trusted
// directly from the hardware debug-register trap (x86 DR7 doesn't false
// positive on those), but a write watch is reverified against a saved
// copy of the watched bytes before being reported, since the CPU's
// write-watch trap fires on the containing word, not the exact range.
type WatchType int

const (
	WatchExec WatchType = iota
	WatchRead
	WatchWrite
)

type watchpoint struct {
	ExecCount  int
	ReadCount  int
	WriteCount int
	SavedBytes []byte // last-known-good snapshot, only used for WatchWrite
	Changed    bool
}

func (w *watchpoint) refcount(t WatchType) *int {
	switch t {
	case WatchExec:
		return &w.ExecCount
	case WatchRead:
		return &w.ReadCount
	default:
		return &w.WriteCount
	}
}

// AddWatchpoint installs (or bumps the refcount of) a watch of type t over
// r. The first installation of a write watch snapshots the current bytes
// so the first SaveRestoreWatchpoints call has something to diff against.
func (as *AddressSpace) AddWatchpoint(r Range, t WatchType) error {
	wp, ok := as.watchpoints[r]
	if !ok {
		wp = &watchpoint{}
		as.watchpoints[r] = wp
	}
	*wp.refcount(t)++
	if t == WatchWrite && wp.SavedBytes == nil {
		buf := make([]byte, r.Len())
		if err := as.Mem.ReadMem(r.Start, buf); err != nil {
			return err
		}
		wp.SavedBytes = buf
	}
	return nil
}

// RemoveWatchpoint drops one reference of type t over r, removing the
// entry entirely once all three refcounts reach zero.
func (as *AddressSpace) RemoveWatchpoint(r Range, t WatchType) {
	wp, ok := as.watchpoints[r]
	if !ok {
		return
	}
	rc := wp.refcount(t)
	if *rc > 0 {
		*rc--
	}
	if wp.ExecCount == 0 && wp.ReadCount == 0 && wp.WriteCount == 0 {
		delete(as.watchpoints, r)
	}
}

// NotifyWritten is called after every traced or buffered write into the
// task's memory and marks every write watch overlapping r as Changed
// directly, without comparing bytes, independent of whether the
// hardware trap itself fired (buffered syscalls bypass the trap).
func (as *AddressSpace) NotifyWritten(r Range) {
	for wr, wp := range as.watchpoints {
		if wp.WriteCount > 0 && wr.Overlaps(r) {
			wp.Changed = true
		}
	}
}

// NotifyWatchpointFired records that the hardware debug-register trap
// reported addr as the faulting watch address, for exec/read watches
// where the trap alone is trusted (no byte diff needed).
func (as *AddressSpace) NotifyWatchpointFired(addr uintptr) {
	for r, wp := range as.watchpoints {
		if r.Contains(addr) && (wp.ExecCount > 0 || wp.ReadCount > 0) {
			wp.Changed = true
		}
	}
}

// SaveRestoreWatchpoints re-snapshots every write-watch's bytes, setting
// Changed if they differ from the previous snapshot, and returns every
// write watch whose Changed flag is set (the flag stays set until
// ConsumeWatchpointChanges clears it). This is the reverification
// step the Open Question decided: a write watch is only reported to the
// debugger once its bytes have actually observably changed (or
// NotifyWritten has flagged it), since the x86
// DR7 write trap's granularity can overshoot the requested range.
func (as *AddressSpace) SaveRestoreWatchpoints() ([]Range, error) {
	var changed []Range
	for r, wp := range as.watchpoints {
		if wp.WriteCount == 0 {
			continue
		}
		buf := make([]byte, r.Len())
		if err := as.Mem.ReadMem(r.Start, buf); err != nil {
			return nil, err
		}
		if !bytesEqual(buf, wp.SavedBytes) {
			wp.Changed = true
			wp.SavedBytes = buf
		}
		if wp.Changed {
			changed = append(changed, r)
		}
	}
	return changed, nil
}

// ConsumeWatchpointChanges returns and clears the set of watchpoints
// whose Changed flag is set, for a debugger stop-reason report.
func (as *AddressSpace) ConsumeWatchpointChanges() []Range {
	var out []Range
	for r, wp := range as.watchpoints {
		if wp.Changed {
			out = append(out, r)
			wp.Changed = false
		}
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
