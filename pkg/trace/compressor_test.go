// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/ulikunitz/xz"
)

func TestBlockCompressorOrdersOutputBySubmission(t *testing.T) {
	var out bytes.Buffer
	c := NewBlockCompressor(&out)

	blocks := make([][]byte, 8)
	for i := range blocks {
		blocks[i] = bytes.Repeat([]byte{byte('A' + i)}, 100+i)
	}
	for _, b := range blocks {
		if err := c.SubmitBlock(b); err != nil {
			t.Fatalf("SubmitBlock: %v", err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := decodeAllBlocks(t, out.Bytes())
	if len(got) != len(blocks) {
		t.Fatalf("got %d blocks, want %d", len(got), len(blocks))
	}
	for i := range blocks {
		if !bytes.Equal(got[i], blocks[i]) {
			t.Fatalf("block %d mismatch", i)
		}
	}
}

func decodeAllBlocks(t *testing.T, data []byte) [][]byte {
	var out [][]byte
	r := bytes.NewReader(data)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("read length: %v", err)
		}
		n := uint32(lenBuf[0]) | uint32(lenBuf[1])<<8 | uint32(lenBuf[2])<<16 | uint32(lenBuf[3])<<24
		compressed := make([]byte, n)
		if _, err := io.ReadFull(r, compressed); err != nil {
			t.Fatalf("read compressed body: %v", err)
		}
		xr, err := xz.NewReader(bytes.NewReader(compressed))
		if err != nil {
			t.Fatalf("xz.NewReader: %v", err)
		}
		decoded, err := io.ReadAll(xr)
		if err != nil {
			t.Fatalf("decompress: %v", err)
		}
		out = append(out, decoded)
	}
	return out
}

func TestBlockCompressorPoisonsOnError(t *testing.T) {
	c := NewBlockCompressor(&failingWriter{})
	for i := 0; i < 3; i++ {
		if err := c.SubmitBlock([]byte(fmt.Sprintf("block-%d", i))); err != nil {
			break
		}
	}
	if err := c.Close(); err == nil {
		t.Fatal("expected Close to report the write failure")
	}
}

type failingWriter struct{}

func (*failingWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("disk full") }
