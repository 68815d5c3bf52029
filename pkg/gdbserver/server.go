// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gdbserver

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sarvex/rr/pkg/log"
	"github.com/sarvex/rr/pkg/replay"
)

// maxPortProbeAttempts bounds the auto-probe scan §6 describes ("port is
// user-supplied or auto-probed starting at a seed").
const maxPortProbeAttempts = 100

// Server is the §4.8 Debugger Server: a single-client GDB-remote-
// protocol listener fronting one replay.Timeline. Per §5's concurrency
// model the tracer is single-threaded with respect to tracees, so
// Server serves exactly one client connection at a time and processes
// its commands synchronously against the Timeline.
type Server struct {
	tl   *replay.Timeline
	tg   TaskGroupView
	port int

	diversion *Diversion
}

// TaskGroupView is the narrow slice of task/address-space state the
// debugger protocol needs, kept as an interface so this package doesn't
// import pkg/task directly for every field access.
type TaskGroupView interface {
	CurrentRegisters() ([]byte, error)
	SetRegisters(raw []byte) error
	ReadMemory(addr uintptr, length int) ([]byte, error)
	WriteMemory(addr uintptr, data []byte) error
	ThreadIDs() []int
	CurrentThreadID() int
}

func New(tl *replay.Timeline, tg TaskGroupView) *Server {
	return &Server{tl: tl, tg: tg, diversion: NewDiversion(tl)}
}

// Listen binds 127.0.0.1:seed, or the next free port above it within
// maxPortProbeAttempts if seed is already taken — per §6's "user-
// supplied or auto-probed starting at a seed".
func Listen(seed int) (net.Listener, int, error) {
	for port := seed; port < seed+maxPortProbeAttempts; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("gdbserver: no free port found starting at %d", seed)
}

// Serve accepts exactly one client connection from ln and processes its
// packets until the client detaches or the connection drops.
func (s *Server) Serve(ln net.Listener) error {
	nc, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("gdbserver: accept: %w", err)
	}
	defer nc.Close()
	conn := NewConn(nc)

	log.Logf(1, "gdbserver: client connected from %v", nc.RemoteAddr())
	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			if err == errInterrupt {
				s.tl.Engine().Interrupt()
				continue
			}
			return nil // client disconnected; not a server error
		}
		if err := s.dispatch(conn, pkt); err != nil {
			return err
		}
	}
}

// dispatch routes one decoded packet body to its handler, replying with
// an empty packet for anything unrecognized per §7's debugger-protocol
// error policy (log and continue, never abort the session).
func (s *Server) dispatch(c *Conn, pkt string) error {
	if pkt == "" {
		return c.WriteEmpty()
	}
	switch pkt[0] {
	case 'q', 'Q':
		return s.handleQuery(c, pkt)
	case 'g':
		return s.handleReadRegisters(c)
	case 'G':
		return s.handleWriteRegisters(c, pkt[1:])
	case 'm':
		return s.handleReadMemory(c, pkt[1:])
	case 'M':
		return s.handleWriteMemory(c, pkt[1:])
	case 'Z':
		return s.handleSetBreakWatch(c, pkt[1:])
	case 'z':
		return s.handleRemoveBreakWatch(c, pkt[1:])
	case 'c':
		return s.handleContinue(c, pkt[1:], false)
	case 's':
		return s.handleStep(c, pkt[1:], false)
	case 'v':
		return s.handleVPacket(c, pkt)
	case 'H':
		return s.handleSetThread(c, pkt[1:])
	case '?':
		return s.handleStopReason(c)
	case 'D':
		if err := s.diversion.Discard(); err != nil {
			log.Logf(1, "gdbserver: detach: %v", err)
		}
		return c.WritePacket("OK")
	case 'k':
		if err := s.diversion.Discard(); err != nil {
			log.Logf(1, "gdbserver: kill: %v", err)
		}
		return c.WritePacket("")
	default:
		log.Logf(1, "gdbserver: unrecognized packet %q", pkt)
		return c.WriteEmpty()
	}
}

func (s *Server) handleSetThread(c *Conn, rest string) error {
	// 'Hg<tid>' selects the thread for subsequent g/G/m/M/etc.; this
	// server operates on the timeline's single current task at a time,
	// so acknowledge any selection of that same thread and reject others.
	if len(rest) > 1 {
		id := rest[1:]
		if id != "0" && id != "-1" {
			tid, err := strconv.ParseInt(id, 16, 64)
			if err != nil || int(tid) != s.tg.CurrentThreadID() {
				return c.WritePacket("E01")
			}
		}
	}
	return c.WritePacket("OK")
}

func (s *Server) handleStopReason(c *Conn) error {
	return c.WritePacket(stopReplyForCurrentTask(s.tg))
}

func stopReplyForCurrentTask(tg TaskGroupView) string {
	return fmt.Sprintf("T05thread:%02x;", tg.CurrentThreadID())
}

func splitSemicolons(s string) []string {
	return strings.Split(s, ";")
}
