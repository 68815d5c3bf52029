// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gdbserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sarvex/rr/pkg/log"
)

// handleQuery serves the 'q'/'Q' packet family: standard GDB queries
// (qSupported, qAttached, thread listing) plus rr's own qRRCmd replay
// extensions, per §4.8.
func (s *Server) handleQuery(c *Conn, pkt string) error {
	switch {
	case pkt == "qC":
		return c.WritePacket(fmt.Sprintf("QC%x", s.tg.CurrentThreadID()))
	case pkt == "qAttached":
		return c.WritePacket("1")
	case strings.HasPrefix(pkt, "qSupported"):
		return c.WritePacket("PacketSize=4000;qXfer:features:read-;QStartNoAckMode+;vContSupported+")
	case pkt == "QStartNoAckMode":
		c.SetNoAck()
		return c.WritePacket("OK")
	case pkt == "qfThreadInfo":
		return c.WritePacket(threadInfoReply(s.tg.ThreadIDs()))
	case pkt == "qsThreadInfo":
		return c.WritePacket("l")
	case strings.HasPrefix(pkt, "qRRCmd:"):
		return c.WritePacket(s.handleRRCmd(strings.TrimPrefix(pkt, "qRRCmd:")))
	default:
		log.Logf(1, "gdbserver: unrecognized query %q", pkt)
		return c.WriteEmpty()
	}
}

func threadInfoReply(tids []int) string {
	parts := make([]string, len(tids))
	for i, tid := range tids {
		parts[i] = fmt.Sprintf("%x", tid)
	}
	return "m" + strings.Join(parts, ",")
}

// handleRRCmd implements the qRRCmd: extensions rr's own gdb front end
// (the "when"/"checkpoint"/etc. monitor commands) sends as hex-encoded
// argument lists, per §4.8. The reply is hex-encoded text, not a
// stop reply, matching rr's "monitor" command convention.
func (s *Server) handleRRCmd(argHex string) string {
	raw, err := decodeHex(argHex)
	if err != nil {
		return encodeHex([]byte("error: malformed qRRCmd arguments\n"))
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return encodeHex([]byte("error: empty qRRCmd\n"))
	}

	var reply string
	switch fields[0] {
	case "when":
		reply = fmt.Sprintf("Current event: %d\n", s.tl.Mark().EventTime)
	case "when-ticks":
		reply = fmt.Sprintf("Current tick: %d\n", s.tl.Mark().Ticks)
	case "when-tid":
		reply = fmt.Sprintf("Current tid: %d\n", s.tg.CurrentThreadID())
	case "checkpoint":
		reply = s.rrCmdCheckpoint(fields[1:])
	case "delete":
		reply = s.rrCmdDeleteCheckpoint(fields[1:])
	case "info":
		reply = s.rrCmdInfo(fields[1:])
	case "elapsed-time":
		reply = fmt.Sprintf("%d ticks\n", s.tl.Mark().Ticks)
	default:
		reply = fmt.Sprintf("error: unknown rr command '%s'\n", fields[0])
	}
	return encodeHex([]byte(reply))
}

func (s *Server) rrCmdCheckpoint(args []string) string {
	where := "now"
	if len(args) > 0 {
		where = strings.Join(args, " ")
	}
	cp, err := s.tl.AddExplicitCheckpoint()
	if err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	return fmt.Sprintf("Checkpoint %s at %s (event %d)\n", cp.ID, where, cp.Mark.EventTime)
}

func (s *Server) rrCmdDeleteCheckpoint(args []string) string {
	if len(args) < 2 || args[0] != "checkpoint" {
		return "error: usage: delete checkpoint <id>\n"
	}
	id, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Sprintf("error: malformed checkpoint id %q\n", args[1])
	}
	if err := s.tl.RemoveExplicitCheckpoint(id); err != nil {
		return fmt.Sprintf("error: %v\n", err)
	}
	return fmt.Sprintf("Deleted checkpoint %s\n", id)
}

func (s *Server) rrCmdInfo(args []string) string {
	if len(args) == 0 || args[0] != "checkpoints" {
		return "error: usage: info checkpoints\n"
	}
	var b strings.Builder
	for _, cp := range s.tl.Checkpoints().List() {
		kind := "heuristic"
		if cp.Explicit {
			kind = "explicit"
		}
		fmt.Fprintf(&b, "%s  event:%d  ticks:%d  %s\n", cp.ID, cp.Mark.EventTime, cp.Mark.Ticks, kind)
	}
	if b.Len() == 0 {
		return "No checkpoints.\n"
	}
	return b.String()
}

// parseUint64 is a small helper for the qRRCmd argument grammar's
// numeric forms (when-ticks <n>, when-tid <n>), currently exercised by
// tests rather than a live command since rr's monitor commands here are
// queries, not mutations that take a target value.
func parseUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
