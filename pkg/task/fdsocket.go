// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// FdSocket is the AF_UNIX SOCK_STREAM control-message channel rr uses to
// pull a file descriptor out of the tracee's own fd table into the
// tracer's, the only portable way to obtain a duplicate of an fd the
// tracee opened without racing a traced dup2 of it (§4.2). It mirrors
// syzkaller pkg/ipc's pipe-based handshake in shape (a small dedicated
// channel set up once at tracee start) but carries SCM_RIGHTS instead of
// bytes.
type FdSocket struct {
	conn *net.UnixConn
}

// NewFdSocket creates a socketpair, handing one end's fd number back for
// the caller to inject into the tracee (e.g. via a remote syscall that
// dup2s it to a well-known fd number) and keeping the other end locally.
func NewFdSocket() (*FdSocket, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("fd socket: socketpair: %w", err)
	}
	f, err := net.FileConn(os.NewFile(uintptr(fds[0]), "rr-fd-socket"))
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, 0, fmt.Errorf("fd socket: wrap local end: %w", err)
	}
	conn, ok := f.(*net.UnixConn)
	if !ok {
		return nil, 0, fmt.Errorf("fd socket: unexpected conn type %T", f)
	}
	return &FdSocket{conn: conn}, fds[1], nil
}

// ReceiveFd blocks for one SCM_RIGHTS control message carrying exactly
// one fd, sent by the tracee (via a remote sendmsg() the session injects)
// over the paired end, and returns a tracer-owned duplicate of it.
func (s *FdSocket) ReceiveFd() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := s.rawConn().ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, fmt.Errorf("fd socket: recvmsg: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("fd socket: parse cmsg: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return 0, fmt.Errorf("fd socket: no fd in control message")
}

func (s *FdSocket) rawConn() *net.UnixConn { return s.conn }

func (s *FdSocket) Close() error { return s.conn.Close() }
