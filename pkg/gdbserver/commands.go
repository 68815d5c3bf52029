// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gdbserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sarvex/rr/pkg/address"
	"github.com/sarvex/rr/pkg/log"
	"github.com/sarvex/rr/pkg/replay"
)

// handleReadRegisters serves 'g': the full register set of the current
// thread, hex-encoded.
func (s *Server) handleReadRegisters(c *Conn) error {
	raw, err := s.tg.CurrentRegisters()
	if err != nil {
		log.Logf(1, "gdbserver: read registers: %v", err)
		return c.WriteEmpty()
	}
	return c.WritePacket(encodeHex(raw))
}

// handleWriteRegisters serves 'G<hex>'. Writing registers diverges the
// timeline per §4.8: the mutation is visible to subsequent g/m reads in
// this stop, but is discarded the moment the client resumes normally.
func (s *Server) handleWriteRegisters(c *Conn, hex string) error {
	raw, err := decodeHex(hex)
	if err != nil {
		return c.WriteEmpty()
	}
	if err := s.diversion.Enter(); err != nil {
		log.Logf(1, "gdbserver: %v", err)
		return c.WriteEmpty()
	}
	if err := s.tg.SetRegisters(raw); err != nil {
		log.Logf(1, "gdbserver: write registers: %v", err)
		return c.WriteEmpty()
	}
	return c.WritePacket("OK")
}

// handleReadMemory serves 'm<addr>,<length>'. Per §4.8's breakpoint
// transparency invariant, any 0xCC rr itself patched in is replaced
// with the shadowed original byte before the reply goes out.
func (s *Server) handleReadMemory(c *Conn, rest string) error {
	addr, length, err := parseAddrLength(rest)
	if err != nil {
		return c.WriteEmpty()
	}
	buf, err := s.tg.ReadMemory(addr, length)
	if err != nil {
		log.Logf(1, "gdbserver: read memory at 0x%x/%d: %v", addr, length, err)
		return c.WritePacket(fmt.Sprintf("E%02x", errnoMemoryFault))
	}
	if as := s.tl.Engine().AddressSpace(); as != nil {
		as.ReplaceBreakpointsWithOriginalValues(buf, addr)
	}
	return c.WritePacket(encodeHex(buf))
}

// handleWriteMemory serves 'M<addr>,<length>:<data>'.
func (s *Server) handleWriteMemory(c *Conn, rest string) error {
	head, hexData, ok := cutColon(rest)
	if !ok {
		return c.WriteEmpty()
	}
	addr, length, err := parseAddrLength(head)
	if err != nil {
		return c.WriteEmpty()
	}
	data, err := decodeHex(hexData)
	if err != nil || len(data) != length {
		return c.WriteEmpty()
	}
	if err := s.diversion.Enter(); err != nil {
		log.Logf(1, "gdbserver: %v", err)
		return c.WriteEmpty()
	}
	if err := s.tg.WriteMemory(addr, data); err != nil {
		log.Logf(1, "gdbserver: write memory at 0x%x/%d: %v", addr, length, err)
		return c.WritePacket(fmt.Sprintf("E%02x", errnoMemoryFault))
	}
	return c.WritePacket("OK")
}

// errnoMemoryFault is the value GDB conventionally reads as EFAULT in an
// 'Exx' error reply to a failed memory access.
const errnoMemoryFault = 0x0e

// handleSetBreakWatch serves 'Z<type>,<addr>,<kind>[;conditions]'. Only
// the type, address and length are used. Any trailing ';cond' clause is
// accepted and ignored, so a conditional breakpoint or watchpoint stops
// on every hit.
func (s *Server) handleSetBreakWatch(c *Conn, rest string) error {
	return s.editBreakWatch(c, rest, true)
}

func (s *Server) handleRemoveBreakWatch(c *Conn, rest string) error {
	return s.editBreakWatch(c, rest, false)
}

func (s *Server) editBreakWatch(c *Conn, rest string, add bool) error {
	fields := strings.SplitN(rest, ";", 2)[0]
	parts := strings.Split(fields, ",")
	if len(parts) < 3 {
		return c.WriteEmpty()
	}
	typ, err := strconv.ParseInt(parts[0], 10, 8)
	if err != nil {
		return c.WriteEmpty()
	}
	addr, err := parseHexAddr(parts[1])
	if err != nil {
		return c.WriteEmpty()
	}
	length, lenErr := strconv.ParseUint(parts[2], 16, 64)
	if lenErr != nil {
		length = 1
	}
	as := s.tl.Engine().AddressSpace()
	if as == nil {
		return c.WriteEmpty()
	}

	err = nil
	switch typ {
	case 0, 1: // software / hardware execution breakpoint: rr treats both as software
		if add {
			err = as.AddBreakpoint(addr, address.BreakpointUser)
		} else {
			err = as.RemoveBreakpoint(addr, address.BreakpointUser)
		}
	case 2, 3, 4: // write, read, access watchpoint
		r := address.Range{Start: addr, End: addr + uintptr(length)}
		wt := watchTypeFor(typ)
		if add {
			err = as.AddWatchpoint(r, wt)
		} else {
			as.RemoveWatchpoint(r, wt)
		}
	default:
		return c.WriteEmpty()
	}
	if err != nil {
		log.Logf(1, "gdbserver: %v", err)
		return c.WriteEmpty()
	}
	return c.WritePacket("OK")
}

func watchTypeFor(gdbType int64) address.WatchType {
	switch gdbType {
	case 3:
		return address.WatchRead
	case 4:
		return address.WatchExec
	default:
		return address.WatchWrite
	}
}

// handleContinue serves 'c[addr]' (and the continue leg of vCont):
// replay forward until a breakpoint, watchpoint, or task/session exit
// interrupts it, then reports the stop per §4.5's exit-condition list.
func (s *Server) handleContinue(c *Conn, rest string, reverse bool) error {
	_ = rest // a resume address would require relocating IP first; not exercised by rr's own gdb client
	if err := s.diversion.Discard(); err != nil {
		log.Logf(1, "gdbserver: %v", err)
	}
	if reverse {
		return s.replyAfterReverseContinue(c)
	}
	for {
		res, err := s.tl.ReplayStepForward(replay.StepConstraints{Command: replay.RunContinue})
		if err != nil {
			return c.WritePacket(fmt.Sprintf("E%02x", errnoMemoryFault))
		}
		if stopNow(res) {
			return c.WritePacket(stopReplyFor(res, s.tg))
		}
	}
}

// handleStep serves 's[addr]' and the step leg of vCont: advance exactly
// one instruction.
func (s *Server) handleStep(c *Conn, rest string, reverse bool) error {
	_ = rest
	if reverse {
		mark, err := s.tl.ReverseSingleStep(s.tl.Mark().Ticks, func(replay.Mark) bool { return true }, nil)
		if err != nil {
			return c.WritePacket(fmt.Sprintf("E%02x", errnoMemoryFault))
		}
		if err := s.tl.SeekToMark(mark); err != nil {
			return c.WritePacket(fmt.Sprintf("E%02x", errnoMemoryFault))
		}
		return c.WritePacket(stopReplyForCurrentTask(s.tg))
	}
	res, err := s.tl.ReplayStepForward(replay.StepConstraints{Command: replay.RunSinglestep})
	if err != nil {
		return c.WritePacket(fmt.Sprintf("E%02x", errnoMemoryFault))
	}
	return c.WritePacket(stopReplyFor(res, s.tg))
}

// replyAfterReverseContinue serves vCont's 'r' action: reverse
// execution until the most recently hit breakpoint/watchpoint, or the
// start of the trace.
func (s *Server) replyAfterReverseContinue(c *Conn) error {
	as := s.tl.Engine().AddressSpace()
	stop := func(m replay.Mark) bool {
		if as == nil {
			return false
		}
		if t := s.tl.Engine().Task(); t != nil {
			if hit, _ := as.IsBreakpointAt(t.Regs.IP); hit {
				return true
			}
		}
		return len(as.ConsumeWatchpointChanges()) > 0
	}
	res, err := s.tl.ReverseContinue(stop, nil)
	if err != nil {
		return c.WritePacket(fmt.Sprintf("E%02x", errnoMemoryFault))
	}
	if res.Status == replay.ReplayExited {
		return c.WritePacket("W00")
	}
	return c.WritePacket(stopReplyForCurrentTask(s.tg))
}

func stopNow(res replay.Result) bool {
	if res.Status == replay.ReplayExited {
		return true
	}
	b := res.Break
	return b.BreakpointHit || b.WatchpointChanged || b.TaskExited || b.SessionExited || b.ApproachingTarget
}

func stopReplyFor(res replay.Result, tg TaskGroupView) string {
	if res.Status == replay.ReplayExited || res.Break.TaskExited {
		return "W00"
	}
	return stopReplyForCurrentTask(tg)
}

// handleVPacket serves the 'v...' packet family: vCont, vCont?,
// vKill, and rr's reverse-execution legs riding on vCont's action
// syntax ('r' for "replay in reverse", matching GDB's own convention of
// letting targets extend the action letters vCont accepts).
func (s *Server) handleVPacket(c *Conn, pkt string) error {
	switch {
	case pkt == "vCont?":
		return c.WritePacket("vCont;c;C;s;S;r")
	case strings.HasPrefix(pkt, "vCont;") || strings.HasPrefix(pkt, "vCont"):
		return s.handleVCont(c, strings.TrimPrefix(pkt, "vCont"))
	case strings.HasPrefix(pkt, "vKill"):
		return c.WritePacket("OK")
	default:
		return c.WriteEmpty()
	}
}

func (s *Server) handleVCont(c *Conn, rest string) error {
	rest = strings.TrimPrefix(rest, ";")
	actions := splitSemicolons(rest)
	if len(actions) == 0 || actions[0] == "" {
		return c.WriteEmpty()
	}
	action := actions[0]
	switch action[0] {
	case 'c', 'C':
		return s.handleContinue(c, "", false)
	case 's', 'S':
		return s.handleStep(c, "", false)
	case 'r': // rr extension action letter: continue backward
		return s.handleContinue(c, "", true)
	default:
		return c.WriteEmpty()
	}
}

func parseAddrLength(s string) (uintptr, int, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("gdbserver: malformed addr,length %q", s)
	}
	addr, err := parseHexAddr(parts[0])
	if err != nil {
		return 0, 0, err
	}
	length, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("gdbserver: malformed length %q: %w", parts[1], err)
	}
	return addr, int(length), nil
}

func parseHexAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("gdbserver: malformed address %q: %w", s, err)
	}
	return uintptr(v), nil
}

func cutColon(s string) (before, after string, ok bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
