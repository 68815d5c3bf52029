// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"os"
	"testing"

	"github.com/sarvex/rr/pkg/task"
)

func TestDirRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir, err := CreateDir(root, "/bin/true")
	if err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if err := CheckVersion(dir); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}
	link := root + "/latest-trace"
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("readlink latest-trace: %v", err)
	}
	if target != dir {
		t.Fatalf("latest-trace -> %q, want %q", target, dir)
	}
}

func TestCheckVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/version", []byte("1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckVersion(dir); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestArgsEnvRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := ArgsEnv{
		Cwd:       "/home/user/project",
		Argv:      []string{"myprog", "--flag", "value"},
		Envp:      []string{"PATH=/usr/bin", "HOME=/home/user"},
		BindToCPU: 3,
	}
	if err := WriteArgsEnv(dir, want); err != nil {
		t.Fatalf("WriteArgsEnv: %v", err)
	}
	got, err := ReadArgsEnv(dir)
	if err != nil {
		t.Fatalf("ReadArgsEnv: %v", err)
	}
	if got.Cwd != want.Cwd || got.BindToCPU != want.BindToCPU {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.Argv) != len(want.Argv) || len(got.Envp) != len(want.Envp) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want.Argv {
		if got.Argv[i] != want.Argv[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, got.Argv[i], want.Argv[i])
		}
	}
}

func TestSubstreamWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateSubstream(dir, "events")
	if err != nil {
		t.Fatalf("CreateSubstream: %v", err)
	}
	records := [][]byte{
		[]byte("first record"),
		[]byte("second, a bit longer record with more bytes"),
		[]byte(""),
		make([]byte, 5000), // forces a block split when small blockSize used elsewhere
	}
	for _, r := range records {
		if err := w.WriteRecord(r); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer.Close: %v", err)
	}

	r, err := OpenSubstream(dir, "events")
	if err != nil {
		t.Fatalf("OpenSubstream: %v", err)
	}
	defer r.Close()
	for i, want := range records {
		got, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord[%d]: %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("record[%d] = %q, want %q", i, got, want)
		}
	}
	if _, err := r.ReadRecord(); err == nil {
		t.Fatal("expected io.EOF after last record")
	}
}

func TestEventRecordRoundTrip(t *testing.T) {
	want := EventRecord{
		EventTime:    12345,
		Tid:          999,
		SyscallNo:    1,
		SignalNo:     0,
		SiAddr:       0,
		DeschedPtr:   0,
		Ticks:        42,
		MonotonicSec: 1.5,
		Encoded:      0xabcd,
		HasRegs:      true,
		Regs: task.Registers{
			Arch: task.ArchX86_64,
			IP:   0x400000,
			SP:   0x7fffffff,
			Rax:  1,
			Rdi:  2,
		},
		HasExtraRegs: true,
		ExtraRegsFmt: 1,
		ExtraRegs:    []byte{1, 2, 3, 4},
		HasSignal:    true,
		SigNo:        11,
		SigCode:      1,
		SigAddr:      0x1000,
	}
	data := EncodeEventRecord(want)
	got, err := DecodeEventRecord(data)
	if err != nil {
		t.Fatalf("DecodeEventRecord: %v", err)
	}
	if got.EventTime != want.EventTime || got.Tid != want.Tid || got.Ticks != want.Ticks {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.Regs.IP != want.Regs.IP || got.Regs.Rax != want.Regs.Rax || got.Regs.Rdi != want.Regs.Rdi {
		t.Fatalf("regs mismatch: got %+v, want %+v", got.Regs, want.Regs)
	}
	if len(got.ExtraRegs) != len(want.ExtraRegs) {
		t.Fatalf("extra regs mismatch: got %v, want %v", got.ExtraRegs, want.ExtraRegs)
	}
	if got.SigNo != want.SigNo || got.SigAddr != want.SigAddr {
		t.Fatalf("signal mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeEventRecordTruncated(t *testing.T) {
	if _, err := DecodeEventRecord([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding truncated record")
	}
}

func TestCreateAndOpenWritersReaders(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateWriters(dir)
	if err != nil {
		t.Fatalf("CreateWriters: %v", err)
	}
	if err := w.WriteEvent(EventRecord{EventTime: 1, Tid: 10, Encoded: 7}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writers.Close: %v", err)
	}

	r, err := OpenReaders(dir)
	if err != nil {
		t.Fatalf("OpenReaders: %v", err)
	}
	defer r.Close()
	ev, err := r.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.EventTime != 1 || ev.Tid != 10 || ev.Encoded != 7 {
		t.Fatalf("got %+v", ev)
	}
}
