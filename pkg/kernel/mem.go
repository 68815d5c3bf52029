// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"os"
)

// Mem is a handle for reading and writing a stopped tracee's address
// space. Per §5's "stop-the-world obligations", every method assumes the
// tracee is currently ptrace-stopped; callers must not call these
// concurrently with a resumed tracee.
type Mem struct {
	pid  int
	file *os.File // /proc/<pid>/mem, reopened lazily after exec
}

func OpenMem(pid int) *Mem {
	return &Mem{pid: pid}
}

func (m *Mem) ensureOpen() error {
	if m.file != nil {
		return nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", m.pid), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	m.file = f
	return nil
}

// Invalidate forces the next access to reopen /proc/<pid>/mem, which is
// required after an exec (the file's backing vm_area_struct set changes)
// and harmless otherwise.
func (m *Mem) Invalidate() {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
}

func (m *Mem) Close() {
	m.Invalidate()
}

// Read reads len(buf) bytes at addr. It prefers /proc/<pid>/mem (readable
// at any ptrace-stop, and not limited to word-sized transfers); on
// failure it falls back to PTRACE_PEEKDATA so that reads still succeed in
// corner cases where /proc is not mounted or not yet reflecting a brand
// new mapping.
func (m *Mem) Read(addr uintptr, buf []byte) error {
	if err := m.ensureOpen(); err == nil {
		n, err := m.file.ReadAt(buf, int64(addr))
		if err == nil && n == len(buf) {
			return nil
		}
	}
	_, err := PeekData(m.pid, addr, buf)
	return err
}

func (m *Mem) Write(addr uintptr, buf []byte) error {
	if err := m.ensureOpen(); err == nil {
		n, err := m.file.WriteAt(buf, int64(addr))
		if err == nil && n == len(buf) {
			return nil
		}
	}
	_, err := PokeData(m.pid, addr, buf)
	return err
}

// ReadByte and WriteByte access a single byte at addr. Breakpoint
// installation does not use them; it goes through pkg/address's
// MemAccessor.
func (m *Mem) ReadByte(addr uintptr) (byte, error) {
	var b [1]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Mem) WriteByte(addr uintptr, b byte) error {
	return m.Write(addr, []byte{b})
}
