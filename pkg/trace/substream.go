// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// Writer is one of the five compressed substream files of §4.7. Callers
// append length-prefixed records via WriteRecord; records accumulate into
// a blockSize raw buffer and are hand off to the BlockCompressor once
// full, so the framing format on disk is: a sequence of
// (uint32 compressed-length, xz-compressed block) frames, each block's
// decompressed bytes being the concatenation of whole records
// (uint32 record-length, record bytes).
type Writer struct {
	f    *os.File
	comp *BlockCompressor
	buf  []byte
}

func CreateSubstream(dir, name string) (*Writer, error) {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("trace: create substream %s: %w", name, err)
	}
	return &Writer{f: f, comp: NewBlockCompressor(f)}, nil
}

// WriteRecord appends one length-prefixed record, flushing the current
// raw block to the compressor pool once it reaches blockSize.
func (w *Writer) WriteRecord(rec []byte) error {
	var lenBuf [4]byte
	putUint32(lenBuf[:], uint32(len(rec)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, rec...)
	if len(w.buf) >= blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}
	block := w.buf
	w.buf = nil
	return w.comp.SubmitBlock(block)
}

func (w *Writer) Close() error {
	if err := w.flushBlock(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.comp.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Reader is the single-threaded sequential reader side of a substream,
// decompressing one block at a time into a lookahead buffer of decoded
// records, per §4.7's "reading is single-threaded sequential with a
// lookahead buffer" design note.
type Reader struct {
	f   *os.File
	r   *bufio.Reader
	buf []byte // decompressed bytes not yet consumed
	off int
}

func OpenSubstream(dir, name string) (*Reader, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("trace: open substream %s: %w", name, err)
	}
	return &Reader{f: f, r: bufio.NewReader(f)}, nil
}

// ReadRecord returns the next length-prefixed record, transparently
// pulling and decompressing further blocks as needed, and io.EOF once the
// substream is exhausted.
func (r *Reader) ReadRecord() ([]byte, error) {
	for {
		if rec, n, ok := tryDecodeRecord(r.buf[r.off:]); ok {
			r.off += n
			return rec, nil
		}
		if err := r.loadNextBlock(); err != nil {
			return nil, err
		}
	}
}

func tryDecodeRecord(buf []byte) ([]byte, int, bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	l := binary.LittleEndian.Uint32(buf[:4])
	if uint32(len(buf)) < 4+l {
		return nil, 0, false
	}
	return buf[4 : 4+l], int(4 + l), true
}

func (r *Reader) loadNextBlock() error {
	r.buf = r.buf[r.off:]
	r.off = 0

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	compLen := binary.LittleEndian.Uint32(lenBuf[:])
	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(r.r, compressed); err != nil {
		return fmt.Errorf("trace: read compressed block: %w", err)
	}
	xr, err := xz.NewReader(newByteReader(compressed))
	if err != nil {
		return fmt.Errorf("trace: open xz block: %w", err)
	}
	decoded, err := io.ReadAll(xr)
	if err != nil {
		return fmt.Errorf("trace: decompress block: %w", err)
	}
	r.buf = append(r.buf, decoded...)
	return nil
}

func (r *Reader) Close() error { return r.f.Close() }

type byteReaderAt struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReaderAt { return &byteReaderAt{data: data} }

func (b *byteReaderAt) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
