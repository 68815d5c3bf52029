// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package gdbserver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumMatchesSumModulo256(t *testing.T) {
	require.Equal(t, byte(0), checksum(""))
	require.Equal(t, byte('a'), checksum("a"))
	require.Equal(t, byte('a'+'b'), checksum("ab"))
}

func TestEncodeDecodeHexRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xff, 0xab, 0x10}
	encoded := encodeHex(data)
	require.Equal(t, "0001ffab10", encoded)
	decoded, err := decodeHex(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestDecodeHexRejectsOddLength(t *testing.T) {
	_, err := decodeHex("abc")
	require.Error(t, err)
}

func TestDecodeHexRejectsInvalidDigit(t *testing.T) {
	_, err := decodeHex("zz")
	require.Error(t, err)
}

func TestConnReadPacketVerifiesChecksumAndAcks(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	conn := NewConn(serverSide)

	ackCh := make(chan byte, 1)
	go func() {
		// A correctly checksummed packet, acked once.
		_, _ = clientSide.Write([]byte("$vMustReplyEmpty#3a"))
		ack := make([]byte, 1)
		if _, err := clientSide.Read(ack); err == nil {
			ackCh <- ack[0]
		}
	}()

	pkt, err := conn.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "vMustReplyEmpty", pkt)
	require.Equal(t, byte('+'), <-ackCh)
}

func TestConnReadPacketNacksBadChecksumThenAcceptsRetry(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	conn := NewConn(serverSide)

	go func() {
		_, _ = clientSide.Write([]byte("$OK#00")) // wrong checksum
		ack := make([]byte, 1)
		_, _ = clientSide.Read(ack) // consume the '-' nack
		_, _ = clientSide.Write([]byte("$OK#9a"))
		_, _ = clientSide.Read(ack) // consume the final '+' ack
	}()

	pkt, err := conn.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "OK", pkt)
}

func TestConnWritePacketFramesAndWaitsForAck(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	conn := NewConn(serverSide)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := clientSide.Read(buf)
		done <- string(buf[:n])
		_, _ = clientSide.Write([]byte("+"))
	}()

	err := conn.WritePacket("OK")
	require.NoError(t, err)
	require.Equal(t, "$OK#9a", <-done)
}

func TestConnNoAckModeSkipsHandshake(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	conn := NewConn(serverSide)
	conn.SetNoAck()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		_, _ = clientSide.Read(buf)
		close(done)
	}()

	err := conn.WritePacket("OK")
	require.NoError(t, err)
	<-done
}
