// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// rr-replay is the §6 CLI front-end for replay: it resolves a trace
// directory, spawns the traced binary under ptrace, drives it forward
// through the recorded events, and optionally fronts the session with a
// GDB-remote-protocol debugger server.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sarvex/rr/pkg/gdbserver"
	"github.com/sarvex/rr/pkg/log"
	"github.com/sarvex/rr/pkg/osutil"
	"github.com/sarvex/rr/pkg/replay"
	"github.com/sarvex/rr/pkg/rrerror"
	"github.com/sarvex/rr/pkg/stat"
	"github.com/sarvex/rr/pkg/task"
	"github.com/sarvex/rr/pkg/trace"
)

var (
	flagAutopilot          = flag.Bool("autopilot", false, "run to completion without a debugger attached")
	flagGotoEvent          = flag.Uint64("goto-event", 0, "replay forward to this event number before handing off to the debugger")
	flagOnForkPid          = flag.Int("onfork-pid", 0, "when replaying a multi-process trace, attach the debugger to this pid once it forks")
	flagOnProcess          = flag.String("onprocess-pid-or-command", "", "attach the debugger to the first task whose pid or command line matches this")
	flagDebuggerBinary     = flag.String("debugger-binary", "gdb", "debugger binary to launch against the listening port")
	flagDebuggerCommandFile = flag.String("debugger-command-file", "", "file of commands fed to the debugger on launch")
	flagNoRedirectOutput   = flag.Bool("no-redirect-output", false, "leave the tracee's stdout/stderr unconnected instead of inheriting the replay session's")
	flagDbgPort            = flag.Int("dbg-port", 9001, "port (or probe seed) the debugger server listens on")
	flagTraceFromEvent     = flag.Uint64("trace-from-event", 0, "start replay already positioned at this event rather than event 0")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: rr-replay [options] [trace-dir]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	log.EnableLogCaching(200, 64<<10)

	err := run()
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps the §7 error taxonomy onto the §6 exit-code contract:
// 0 on a clean finish, 2 when the trace names a process replay never
// found, 1 for everything else (malformed flags, an unreadable trace,
// any other configuration problem). A failing run dumps its recent
// Logf history first, since the most useful diagnostic (the last few
// frames replayed before a divergence) is usually below the -vv
// threshold that would otherwise have printed it live.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprint(os.Stderr, log.CachedLogOutput())
	fmt.Fprintf(os.Stderr, "rr-replay: %v\n", err)
	if _, ok := err.(*noSuchProcessError); ok {
		return 2
	}
	return 1
}

type noSuchProcessError struct {
	target string
}

func (e *noSuchProcessError) Error() string {
	return fmt.Sprintf("no such process in trace: %s", e.target)
}

func run() error {
	dir, err := resolveTraceDir(flag.Args())
	if err != nil {
		return err
	}
	if err := trace.CheckVersion(dir); err != nil {
		return err
	}
	readers, err := trace.OpenReaders(dir)
	if err != nil {
		return fmt.Errorf("open trace %s: %w", dir, err)
	}
	defer readers.Close()

	argsEnv, err := trace.ReadArgsEnv(dir)
	if err != nil {
		return fmt.Errorf("read args_env: %w", err)
	}
	if len(argsEnv.Argv) == 0 {
		return fmt.Errorf("args_env: empty argv")
	}
	if *flagOnProcess != "" && !matchesOnProcess(argsEnv, *flagOnProcess) {
		return &noSuchProcessError{target: *flagOnProcess}
	}

	var stdout, stderr io.Writer
	if !*flagNoRedirectOutput {
		stdout, stderr = os.Stdout, os.Stderr
	}
	t, group, err := task.Spawn(argsEnv.Argv[0], argsEnv.Argv[1:], argsEnv.Cwd, argsEnv.Envp, stdout, stderr)
	if err != nil {
		return fmt.Errorf("spawn tracee: %w", err)
	}
	log.Logf(0, "replaying %s (pid %d) from %s", argsEnv.Argv[0], t.Uid.Tid, dir)

	engine := replay.NewEngine(readers, t, group.Address)
	tree := replay.NewCheckpointTree(0, checkpointCloneUnsupported, checkpointSeekUnsupported, checkpointDropUnsupported)
	timeline := replay.NewTimeline(engine, tree)

	if *flagGotoEvent != 0 {
		if err := replayToEvent(timeline, *flagGotoEvent); err != nil {
			return err
		}
	} else if *flagTraceFromEvent != 0 {
		if err := replayToEvent(timeline, *flagTraceFromEvent); err != nil {
			return err
		}
	}

	if *flagAutopilot {
		return replayToCompletion(timeline)
	}
	return serveDebugger(timeline, t, group)
}

// resolveTraceDir implements §6's trace-directory resolution: an
// explicit positional argument wins outright; otherwise fall back to
// the resolved root's `latest-trace` symlink.
func resolveTraceDir(args []string) (string, error) {
	if len(args) > 0 {
		return osutil.Abs(args[0]), nil
	}
	root := trace.ResolveRoot()
	link := filepath.Join(root, "latest-trace")
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", fmt.Errorf("resolve trace dir: no trace-dir argument and no %s: %w", link, err)
	}
	return dir, nil
}

func matchesOnProcess(a trace.ArgsEnv, target string) bool {
	if fmt.Sprint(os.Getpid()) == target {
		return true
	}
	return filepath.Base(a.Argv[0]) == target || a.Argv[0] == target
}

// checkpointCloneUnsupported/-Seek/-Drop stand in for the process-tree
// fork-and-EmuFs-copy machinery a full checkpoint implementation needs;
// this build models the budget and retention policy faithfully (see
// pkg/replay.CheckpointTree) but has nothing behind Clone to fork, so
// any checkpoint request fails clearly rather than silently no-op'ing.
func checkpointCloneUnsupported() (interface{}, error) {
	return nil, fmt.Errorf("rr-replay: checkpoints require process-tree forking, not implemented in this build")
}

func checkpointSeekUnsupported(interface{}) error {
	return fmt.Errorf("rr-replay: checkpoint restore not implemented in this build")
}

func checkpointDropUnsupported(interface{}) error {
	return nil
}

// replayToEvent drives the timeline forward until it reaches target or
// the trace runs out first.
func replayToEvent(tl *replay.Timeline, target uint64) error {
	for {
		if tl.Mark().EventTime >= target {
			return nil
		}
		res, err := tl.ReplayStepForward(replay.StepConstraints{Command: replay.RunContinue, StopAtTime: target})
		if err != nil {
			return fmt.Errorf("replay to event %d: %w", target, err)
		}
		if res.Status == replay.ReplayExited || res.Break.TaskExited || res.Break.SessionExited {
			return fmt.Errorf("replay to event %d: trace ended at event %d", target, tl.Mark().EventTime)
		}
		if res.Break.ApproachingTarget {
			return nil
		}
	}
}

func replayToCompletion(tl *replay.Timeline) error {
	for {
		res, err := tl.ReplayStepForward(replay.StepConstraints{Command: replay.RunContinue})
		if err != nil {
			if rrerror.Classify(err) == rrerror.KindRecoverableTracee {
				log.Logf(0, "recoverable tracee error, detaching: %v", err)
				if t := tl.Engine().Task(); t != nil {
					if derr := t.Detach(); derr != nil {
						log.Logf(0, "detach: %v", derr)
					}
				}
				return err
			}
			return err
		}
		if res.Status == replay.ReplayExited || res.Break.SessionExited {
			log.Logf(0, "replay finished at event %d", tl.Mark().EventTime)
			for _, line := range stat.Snapshot() {
				log.Logf(0, "%s", line)
			}
			return nil
		}
	}
}

func serveDebugger(tl *replay.Timeline, t *task.Task, group *task.TaskGroup) error {
	view := newTaskGroupView(tl, t, group)
	srv := gdbserver.New(tl, view)
	ln, port, err := gdbserver.Listen(*flagDbgPort)
	if err != nil {
		return fmt.Errorf("listen for debugger: %w", err)
	}
	defer ln.Close()
	log.Logf(0, "listening for %s on 127.0.0.1:%d", *flagDebuggerBinary, port)
	if *flagDebuggerCommandFile != "" {
		log.Logf(1, "debugger command file %s not executed by this build; pass it to %s directly", *flagDebuggerCommandFile, *flagDebuggerBinary)
	}
	if *flagOnForkPid != 0 {
		log.Logf(1, "onfork-pid=%d requested but this build's replay engine drives a single task; ignoring", *flagOnForkPid)
	}
	return srv.Serve(ln)
}
