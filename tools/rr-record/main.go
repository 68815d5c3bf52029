// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rr-record is the thin recording-side shim SPEC_FULL.md calls for: it
// spawns a command under ptrace, lays down a trace directory per §6,
// and writes one coarse event-record per observed ptrace-stop. Full
// deterministic recording — syscall interception via the injected
// preload library, syscallbuf patching, the chaos-mode scheduler — is
// explicitly out of scope (§1); this binary exists so `rr-replay` has a
// real trace container to read, not to reproduce rr's own recorder.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sarvex/rr/pkg/event"
	"github.com/sarvex/rr/pkg/log"
	"github.com/sarvex/rr/pkg/osutil"
	"github.com/sarvex/rr/pkg/scheduler"
	"github.com/sarvex/rr/pkg/task"
	"github.com/sarvex/rr/pkg/tool"
	"github.com/sarvex/rr/pkg/trace"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: rr-record command [args...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	log.EnableLogCaching(200, 64<<10)
	if err := run(flag.Args()); err != nil {
		fmt.Fprint(os.Stderr, log.CachedLogOutput())
		tool.Fail(err)
	}
}

func run(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command given")
	}
	if os.Getenv(trace.EnvRunningUnderRR) != "" {
		return fmt.Errorf("refusing to record: %s is already set (no nested recording)", trace.EnvRunningUnderRR)
	}

	root := trace.ResolveRoot()
	dir, err := trace.CreateDir(root, argv[0])
	if err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	log.Logf(0, "recording %s into %s", argv[0], dir)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	env := append(append([]string{}, os.Environ()...),
		trace.EnvRunningUnderRR+"=1",
		trace.EnvSyscallbufEnabled+"=1")
	argsEnv := trace.ArgsEnv{Cwd: cwd, Argv: argv, Envp: env, BindToCPU: -1}
	if err := trace.WriteArgsEnv(dir, argsEnv); err != nil {
		return fmt.Errorf("write args_env: %w", err)
	}

	writers, err := trace.CreateWriters(dir)
	if err != nil {
		return fmt.Errorf("create trace writers: %w", err)
	}
	defer writers.Close()

	t, _, err := task.Spawn(argv[0], argv[1:], cwd, env, os.Stdout, os.Stderr)
	if err != nil {
		return fmt.Errorf("spawn tracee: %w", err)
	}
	return recordLoop(t, writers)
}

// recordLoop alternates ptrace CONT/WAIT and appends one event record
// per stop: a SCHED frame carrying the tick count and register state
// for a plain signal-stop, or an EXIT frame once the tracee is gone.
// It does not intercept or rewrite syscalls, so a trace it produces
// only replays faithfully for rr-replay's own "advance and report"
// loop, not for reconstructing syscall side effects frame by frame.
//
// It drives its one tracee through a pkg/scheduler.Scheduler rather than
// calling t.Cont directly: with a single runnable task Reschedule always
// hands the task right back, but going through OnCreate/Reschedule/
// OnDestroy is the call site a multi-task recorder would extend rather
// than a second, parallel scheduling path bolted on later.
func recordLoop(t *task.Task, writers *trace.Writers) error {
	sched := scheduler.New()
	sched.OnCreate(t)

	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)

	var eventTime, ticksNow uint64
	for {
		select {
		case <-shutdown:
			log.Logf(0, "interrupted, detaching tid %d", t.Uid.Tid)
			sched.OnDestroy(t.SchedID())
			return t.Detach()
		default:
		}
		if sched.Reschedule([]scheduler.Runnable{t}, ticksNow) == nil {
			return fmt.Errorf("record: scheduler found no runnable task")
		}
		if err := t.Cont(0); err != nil {
			return fmt.Errorf("cont tid %d: %w", t.Uid.Tid, err)
		}
		if err := t.Wait(); err != nil {
			return fmt.Errorf("wait tid %d: %w", t.Uid.Tid, err)
		}
		eventTime++
		if t.Exited {
			sched.OnDestroy(t.SchedID())
			return writeExitRecord(writers, t, eventTime)
		}
		if err := t.RefreshRegs(); err != nil {
			return fmt.Errorf("refresh regs tid %d: %w", t.Uid.Tid, err)
		}
		ticks, err := t.Ticks.Read()
		if err != nil {
			return fmt.Errorf("read ticks tid %d: %w", t.Uid.Tid, err)
		}
		ticksNow = ticks
		ev := event.Event{Kind: event.KindSched, ExecInfo: true}
		rec := trace.EventRecord{
			EventTime: eventTime,
			Tid:       int32(t.Uid.Tid),
			Encoded:   ev.Encode(),
			Ticks:     ticks,
			HasRegs:   true,
			Regs:      t.Regs,
		}
		if err := writers.WriteEvent(rec); err != nil {
			return fmt.Errorf("write event at t=%d: %w", eventTime, err)
		}
		log.Logf(2, "recorded event %d at tick %d, ip=0x%x", eventTime, ticks, t.Regs.IP)
	}
}

func writeExitRecord(writers *trace.Writers, t *task.Task, eventTime uint64) error {
	status := 0
	ws := t.ExitStatus
	if ws.Exited() {
		status = ws.ExitStatus()
	} else if ws.Signaled() {
		status = 128 + int(ws.Signal())
	}
	ev := event.Event{Kind: event.KindExit, Payload: uint32(status) & 0xffffff}
	rec := trace.EventRecord{
		EventTime: eventTime,
		Tid:       int32(t.Uid.Tid),
		Encoded:   ev.Encode(),
	}
	log.Logf(0, "tracee %d exited, status %d", t.Uid.Tid, status)
	return writers.WriteEvent(rec)
}
