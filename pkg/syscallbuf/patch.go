// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package syscallbuf

import "fmt"

// syscallOpcode is the two-byte x86-64 `syscall` instruction rr looks for
// at a candidate patch site; patching replaces it with a 5-byte near
// `jmp` into a generated trampoline that calls the preload library's
// buffered syscall hook instead, the PATCH_SYSCALL event of §3.
const (
	syscallOpcodeLen = 2
	jmpRel32Len      = 5
)

var syscallOpcode = [syscallOpcodeLen]byte{0x0f, 0x05}

// PatchSite describes one instruction rr has rewritten to redirect into
// the syscallbuf trampoline instead of trapping to the kernel directly.
type PatchSite struct {
	Addr        uintptr
	OrigBytes   [jmpRel32Len]byte
	TrampolineAddr uintptr
}

// Patcher tracks every syscall instruction rewritten this way, so a
// region can be un-patched (needed when the kernel itself later maps
// something over the patched page, invalidating the trampoline target).
type Patcher struct {
	mem   MemAccessor
	sites map[uintptr]*PatchSite
}

func NewPatcher(mem MemAccessor) *Patcher {
	return &Patcher{mem: mem, sites: make(map[uintptr]*PatchSite)}
}

// IsPatchable reports whether the two bytes at addr are a bare `syscall`
// instruction, the only shape rr's patcher recognizes (it never patches
// a `syscall` that's part of a longer instruction sequence it can't
// safely grow to 5 bytes without reading further ahead than a single
// basic block, which is outside this package's scope per §3's framing
// of PATCH_SYSCALL as a best-effort optimization, not a correctness
// requirement — any unpatched syscall just traps normally instead).
func (p *Patcher) IsPatchable(addr uintptr) (bool, error) {
	var buf [syscallOpcodeLen]byte
	if err := p.mem.ReadMem(addr, buf[:]); err != nil {
		return false, fmt.Errorf("syscallbuf: read opcode at 0x%x: %w", addr, err)
	}
	return buf == syscallOpcode, nil
}

// Patch rewrites the syscall instruction at addr into a jump to
// trampolineAddr, recording the original bytes so Unpatch can restore
// them. Per §3's Event semantics, a successful patch is reported via a
// PATCH_SYSCALL event so the trace records which addresses were patched
// and replay can redo the same rewrite without needing to re-derive it.
func (p *Patcher) Patch(addr, trampolineAddr uintptr) (*PatchSite, error) {
	if ok, err := p.IsPatchable(addr); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("syscallbuf: addr 0x%x is not a bare syscall instruction", addr)
	}
	var orig [jmpRel32Len]byte
	if err := p.mem.ReadMem(addr, orig[:]); err != nil {
		return nil, fmt.Errorf("syscallbuf: save original bytes at 0x%x: %w", addr, err)
	}
	rel := int32(trampolineAddr) - int32(addr+jmpRel32Len)
	jmp := [jmpRel32Len]byte{0xe9}
	jmp[1] = byte(rel)
	jmp[2] = byte(rel >> 8)
	jmp[3] = byte(rel >> 16)
	jmp[4] = byte(rel >> 24)
	if err := p.mem.WriteMem(addr, jmp[:]); err != nil {
		return nil, fmt.Errorf("syscallbuf: write trampoline jump at 0x%x: %w", addr, err)
	}
	site := &PatchSite{Addr: addr, OrigBytes: orig, TrampolineAddr: trampolineAddr}
	p.sites[addr] = site
	return site, nil
}

func (p *Patcher) Unpatch(addr uintptr) error {
	site, ok := p.sites[addr]
	if !ok {
		return fmt.Errorf("syscallbuf: no patch recorded at 0x%x", addr)
	}
	if err := p.mem.WriteMem(addr, site.OrigBytes[:]); err != nil {
		return err
	}
	delete(p.sites, addr)
	return nil
}

func (p *Patcher) IsPatched(addr uintptr) bool {
	_, ok := p.sites[addr]
	return ok
}
