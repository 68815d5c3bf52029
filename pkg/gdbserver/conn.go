// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package gdbserver implements the §4.8 Debugger Server: a subset of the
// GDB Remote Serial Protocol (`$packet#checksum` framing, optional
// no-ack mode, vCont actions) plus rr's own `qRRCmd` replay extensions
// and diversion sessions.
//
// Grounded on the wire-protocol shape documented and exercised by
// other_examples/go-delve-delve__gdbserver.go (a client of this same
// protocol) — the checksum/ack/packet-delimiter rules this file
// implements are the server side of exactly what that file parses.
package gdbserver

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/sarvex/rr/pkg/log"
)

// Conn wraps one client connection's packet framing: `$<data>#<cc>`
// where `<cc>` is the two-hex-digit sum of the data bytes mod 256, plus
// the `+`/`-` acknowledgement byte GDB's wire protocol sends after every
// packet unless no-ack mode has been negotiated via QStartNoAckMode.
type Conn struct {
	nc     net.Conn
	r      *bufio.Reader
	noAck  bool
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

func (c *Conn) Close() error { return c.nc.Close() }

// SetNoAck disables the per-packet ack/nack handshake, once the client
// has sent `QStartNoAckMode` and this server has acknowledged it —
// after that exchange neither side sends `+`/`-` again.
func (c *Conn) SetNoAck() { c.noAck = true }

// ReadPacket blocks for the next complete `$...#cc` packet, verifying
// its checksum and acking/nacking it unless no-ack mode is active; on a
// bad checksum it nacks and retries automatically, matching the
// protocol's defined retransmission behavior.
func (c *Conn) ReadPacket() (string, error) {
	for {
		if err := c.skipToDollar(); err != nil {
			return "", err
		}
		data, gotSum, err := c.readUntilHash()
		if err != nil {
			return "", err
		}
		if checksum(data) != gotSum {
			if !c.noAck {
				if _, err := c.nc.Write([]byte("-")); err != nil {
					return "", err
				}
			}
			continue
		}
		if !c.noAck {
			if _, err := c.nc.Write([]byte("+")); err != nil {
				return "", err
			}
		}
		return data, nil
	}
}

func (c *Conn) skipToDollar() error {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case '$':
			return nil
		case 0x03: // Ctrl-C out-of-band interrupt byte
			return errInterrupt
		}
		// '+'/'-' acks from the client to packets we sent are silently
		// dropped here; we don't retransmit based on them since this
		// server never sends an unacked packet twice without the client
		// asking via a fresh request.
	}
}

// errInterrupt signals the out-of-band Ctrl-C byte GDB sends to request
// an immediate stop while the inferior is running.
var errInterrupt = fmt.Errorf("gdbserver: interrupt byte received")

func (c *Conn) readUntilHash() (data string, sum byte, err error) {
	var buf []byte
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", 0, err
		}
		if b == '#' {
			break
		}
		if b == '$' {
			buf = buf[:0] // a stray restart of the packet; discard what came before
			continue
		}
		buf = append(buf, b)
	}
	var hex [2]byte
	if _, err := io.ReadFull(c.r, hex[:]); err != nil {
		return "", 0, err
	}
	n, err := parseHexByte(hex)
	if err != nil {
		return "", 0, err
	}
	return string(buf), n, nil
}

// WritePacket frames data as `$<data>#<cc>` and writes it, waiting for
// the client's ack unless no-ack mode is active.
func (c *Conn) WritePacket(data string) error {
	sum := checksum(data)
	pkt := fmt.Sprintf("$%s#%02x", data, sum)
	if _, err := c.nc.Write([]byte(pkt)); err != nil {
		return fmt.Errorf("gdbserver: write packet: %w", err)
	}
	if c.noAck {
		return nil
	}
	ack, err := c.r.ReadByte()
	if err != nil {
		return fmt.Errorf("gdbserver: read ack: %w", err)
	}
	if ack != '+' {
		log.Logf(1, "gdbserver: client nacked packet %q", data)
	}
	return nil
}

// WriteEmpty replies with an empty packet, the protocol-defined
// "unsupported" response to an unrecognized command (§7's debugger-
// protocol error policy: reply and continue, never abort the session).
func (c *Conn) WriteEmpty() error { return c.WritePacket("") }

func checksum(s string) byte {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum += s[i]
	}
	return sum
}

func parseHexByte(hex [2]byte) (byte, error) {
	hi, err := hexDigit(hex[0])
	if err != nil {
		return 0, err
	}
	lo, err := hexDigit(hex[1])
	if err != nil {
		return 0, err
	}
	return hi<<4 | lo, nil
}

func hexDigit(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("gdbserver: invalid hex digit %q", b)
	}
}

func encodeHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0xf]
	}
	return string(out)
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("gdbserver: odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		b, err := parseHexByte([2]byte{s[i*2], s[i*2+1]})
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
