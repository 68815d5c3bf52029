// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"fmt"
)

// Writers bundles the five independent substream writers §4.7 names, open
// together for the lifetime of a recording.
type Writers struct {
	Events     *Writer
	DataHeader *Writer
	Data       *Writer
	Mmaps      *Writer
	Tasks      *Writer
}

// CreateWriters opens all five substreams under dir, per SubstreamNames'
// fixed order; on any failure it closes whichever substreams it already
// opened before returning the error.
func CreateWriters(dir string) (*Writers, error) {
	w := &Writers{}
	opened := make([]*Writer, 0, len(SubstreamNames))
	closeOpened := func() {
		for _, o := range opened {
			o.Close()
		}
	}

	for _, name := range SubstreamNames {
		sw, err := CreateSubstream(dir, name)
		if err != nil {
			closeOpened()
			return nil, err
		}
		opened = append(opened, sw)
		switch name {
		case "events":
			w.Events = sw
		case "data_header":
			w.DataHeader = sw
		case "data":
			w.Data = sw
		case "mmaps":
			w.Mmaps = sw
		case "tasks":
			w.Tasks = sw
		}
	}
	return w, nil
}

// Close flushes and closes every substream, joining the first error any
// of them hit rather than masking later ones with earlier ones.
func (w *Writers) Close() error {
	var firstErr error
	for _, sw := range []*Writer{w.Events, w.DataHeader, w.Data, w.Mmaps, w.Tasks} {
		if err := sw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteEvent appends ev to the events substream.
func (w *Writers) WriteEvent(ev EventRecord) error {
	return w.Events.WriteRecord(EncodeEventRecord(ev))
}

// Readers is Writers' read-side counterpart, used by replay to walk a
// recorded trace substream by substream.
type Readers struct {
	Events     *Reader
	DataHeader *Reader
	Data       *Reader
	Mmaps      *Reader
	Tasks      *Reader
}

func OpenReaders(dir string) (*Readers, error) {
	r := &Readers{}
	opened := make([]*Reader, 0, len(SubstreamNames))
	closeOpened := func() {
		for _, o := range opened {
			o.Close()
		}
	}

	for _, name := range SubstreamNames {
		sr, err := OpenSubstream(dir, name)
		if err != nil {
			closeOpened()
			return nil, err
		}
		opened = append(opened, sr)
		switch name {
		case "events":
			r.Events = sr
		case "data_header":
			r.DataHeader = sr
		case "data":
			r.Data = sr
		case "mmaps":
			r.Mmaps = sr
		case "tasks":
			r.Tasks = sr
		}
	}
	return r, nil
}

func (r *Readers) Close() error {
	var firstErr error
	for _, sr := range []*Reader{r.Events, r.DataHeader, r.Data, r.Mmaps, r.Tasks} {
		if err := sr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NextEvent reads and decodes the next events-substream record.
func (r *Readers) NextEvent() (EventRecord, error) {
	data, err := r.Events.ReadRecord()
	if err != nil {
		return EventRecord{}, err
	}
	ev, err := DecodeEventRecord(data)
	if err != nil {
		return EventRecord{}, fmt.Errorf("trace: decode next event: %w", err)
	}
	return ev, nil
}
