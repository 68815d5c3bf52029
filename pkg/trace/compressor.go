// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"
)

// blockSize bounds how much raw data a producer accumulates before
// handing a block off to the compressor pool, trading compression ratio
// (larger blocks) against worker-startup latency (smaller blocks).
const blockSize = 1 << 20

// BlockCompressor implements §4.7's parallel block compressor: a pool of
// worker goroutines compress blocks concurrently but a condition-variable-
// style "write turn" handoff makes sure they land on the output file in
// the same order the producer submitted them, and any worker error
// poisons every subsequent operation.
//
// Grounded on golang.org/x/sync/errgroup's fan-out-join-first-error
// idiom (the teacher uses errgroup the same way in vm/vmimpl/merger.go
// to join several producers into one ordered stream) combined with a
// turn counter replacing the original's pthread condition variable —
// goroutines parking on a channel closed in submission order is Go's
// natural analogue of "signal the condition variable for the next turn".
type BlockCompressor struct {
	w  io.Writer
	mu sync.Mutex

	nextTurn  int
	turns     map[int]chan struct{}
	pending   sync.WaitGroup
	eg        *errgroup.Group
	firstErr  error
	errOnce   sync.Once
	closed    bool
}

func NewBlockCompressor(w io.Writer) *BlockCompressor {
	return &BlockCompressor{
		w:     w,
		turns: make(map[int]chan struct{}),
		eg:    &errgroup.Group{},
	}
}

// SubmitBlock compresses data on a new goroutine and writes the result to
// the underlying writer once it's this block's turn. Submission order
// defines turn order; SubmitBlock never blocks waiting for compression to
// finish, only the eventual Close does.
func (c *BlockCompressor) SubmitBlock(data []byte) error {
	c.mu.Lock()
	if c.firstErr != nil {
		err := c.firstErr
		c.mu.Unlock()
		return err
	}
	turn := c.nextTurn
	c.nextTurn++
	myTurnReady, ok := c.turns[turn]
	if !ok {
		myTurnReady = make(chan struct{})
		c.turns[turn] = myTurnReady
	}
	nextTurnReady := make(chan struct{})
	c.turns[turn+1] = nextTurnReady
	c.mu.Unlock()

	if turn == 0 {
		close(myTurnReady)
	}

	c.pending.Add(1)
	c.eg.Go(func() error {
		defer c.pending.Done()
		compressed, err := compressBlock(data)
		if err != nil {
			c.setErr(fmt.Errorf("trace: compress block: %w", err))
			close(nextTurnReady)
			return err
		}

		<-myTurnReady
		if c.err() == nil {
			if err := writeFramedBlock(c.w, compressed); err != nil {
				c.setErr(fmt.Errorf("trace: write block: %w", err))
			}
		}
		close(nextTurnReady)
		return c.err()
	})
	return nil
}

func compressBlock(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFramedBlock(w io.Writer, compressed []byte) error {
	var lenBuf [4]byte
	putUint32(lenBuf[:], uint32(len(compressed)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(compressed)
	return err
}

func (c *BlockCompressor) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstErr
}

func (c *BlockCompressor) setErr(err error) {
	c.errOnce.Do(func() {
		c.mu.Lock()
		c.firstErr = err
		c.mu.Unlock()
	})
}

// Close flushes any still-running workers, joining them in submission
// order, and reports the first error any of them hit, per the
// "poison the pipeline" invariant.
func (c *BlockCompressor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.err()
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.eg.Wait(); err != nil {
		return err
	}
	return c.err()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
