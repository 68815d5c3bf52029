// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package replay

import (
	"fmt"
	"io"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sarvex/rr/pkg/address"
	"github.com/sarvex/rr/pkg/event"
	"github.com/sarvex/rr/pkg/rrerror"
	"github.com/sarvex/rr/pkg/stat"
	"github.com/sarvex/rr/pkg/syscallbuf"
	"github.com/sarvex/rr/pkg/task"
	"github.com/sarvex/rr/pkg/trace"
)

// ticksExecuted and eventsReplayed are exported via pkg/stat so a long
// autopilot run's progress is visible without instrumenting every
// caller: Snapshot() (called from rr-replay's end-of-session log line)
// reports both, the latter with its events/sec rate.
var (
	ticksExecuted = stat.New("ticks_executed", "ticks the replayed task has executed",
		stat.Console, stat.Prometheus("rr_replay_ticks_executed_total"))
	eventsReplayed = stat.New("events_replayed", "trace frames retired by the replay engine",
		stat.Console, stat.Rate{}, stat.Prometheus("rr_replay_events_replayed_total"))
)

// defaultWaitTimeout bounds how long ReplayStep waits for a tracee stop
// before treating it as a recoverable-tracee condition (§7); replay never
// waits on tracees indefinitely the way recording can.
const defaultWaitTimeout = 30 * time.Second

// SyscallWriter writes the recorded outputs of one buffered-syscall
// record into tracee memory during a FLUSH_SYSCALLBUF step, per §4.5's
// "dispatched by syscall number to a per-syscall routine" rule. Engine
// ships with no entries registered; callers wire in the syscalls their
// workload actually buffers (open/read/write/clock_gettime/... per
// §4.3) via RegisterSyscallWriter.
type SyscallWriter func(t *task.Task, rec syscallbuf.Record) error

// Engine drives a single current task through the trace frame by frame.
// A full rr session multiplexes many tasks across many trace frames by
// tid; Engine itself only owns the current-frame state machine for
// whichever task its caller (Timeline, in practice) has selected — the
// multi-task demultiplexing lives one level up, exactly as
// ReplaySession::current_task() resolves the tid named by the current
// trace frame on top of a single current_step state machine.
type Engine struct {
	readers *trace.Readers
	task    *task.Task
	as      *address.AddressSpace
	ring    *syscallbuf.Ring

	currentFrame   *trace.EventRecord
	currentStep    TStep
	ticksAtStart   uint64
	flushRecords   []syscallbuf.Record
	flushIndex     int
	flushBreakAddr uintptr

	syscallWriters map[int32]SyscallWriter
	interrupted    bool

	avgStepLatency stat.AverageValue[time.Duration]
}

func NewEngine(readers *trace.Readers, t *task.Task, as *address.AddressSpace) *Engine {
	e := &Engine{
		readers:        readers,
		task:           t,
		as:             as,
		syscallWriters: make(map[int32]SyscallWriter),
	}
	stat.New("replay_avg_step_latency_ns",
		"running average wall-clock latency of one replay step, in nanoseconds",
		stat.Console, stat.Gauge(func() int { return int(e.avgStepLatency.Value()) }))
	return e
}

func (e *Engine) RegisterSyscallWriter(syscallno int32, w SyscallWriter) {
	e.syscallWriters[syscallno] = w
}

// SetRing attaches the current task's syscallbuf ring once the replayed
// rrcall_init_buffers event has run; FLUSH_SYSCALLBUF frames before that
// point cannot occur, per the recorded rrcall ordering.
func (e *Engine) SetRing(r *syscallbuf.Ring) { e.ring = r }

// Interrupt requests that ReplayStep return at the next safe point,
// mirroring §5's "soft interrupt" flag checked by the step engine.
func (e *Engine) Interrupt() { e.interrupted = true }

// Soft-interrupt checks are done inline in ReplayStep at each per-
// instruction safe point rather than via a separate method, matching
// the "single flag checked at safe points" design in §5.

// CurrentStepKey reports the action of the frame currently being
// replayed, or TStepNone if no frame is loaded.
func (e *Engine) CurrentStepKey() TStep { return e.currentStep }

// Task exposes the task currently being driven, for callers (e.g.
// pkg/gdbserver) that need direct register/memory access rather than
// going through the frame-by-frame step machinery.
func (e *Engine) Task() *task.Task { return e.task }

// AddressSpace exposes the current task's address space, for installing
// debugger-requested breakpoints and watchpoints.
func (e *Engine) AddressSpace() *address.AddressSpace { return e.as }

// TicksAtStartOfEvent is the current task's tick count as of the start
// of the current trace frame, used by divergence diagnostics to report
// a tick-precise coordinate.
func (e *Engine) TicksAtStartOfEvent() uint64 { return e.ticksAtStart }

func (e *Engine) nextFrame() error {
	ev, err := e.readers.NextEvent()
	if err != nil {
		if err == io.EOF {
			e.currentFrame = nil
			e.currentStep = TStepNone
			return io.EOF
		}
		return fmt.Errorf("replay: read next frame: %w", err)
	}
	e.currentFrame = &ev
	e.currentStep = initialStep(ev.Event())
	if e.task.Ticks != nil {
		if ticks, err := e.task.Ticks.Read(); err == nil {
			if ticks > e.ticksAtStart {
				ticksExecuted.Add(int(ticks - e.ticksAtStart))
			}
			e.ticksAtStart = ticks
		}
	}
	return nil
}

// initialStep derives §4.5's starting TStep from the frame's tagged
// event, per the table implicit in ReplaySession::process_trace_frame:
// most event kinds need no special handling and retire immediately once
// the task has reached the recorded (ticks, ip) coordinate.
func initialStep(ev event.Event) TStep {
	switch ev.Kind {
	case event.KindSyscall:
		if ev.Entry {
			return TStepEnterSyscall
		}
		return TStepExitSyscall
	case event.KindSignal:
		if ev.SignalKind == event.SignalDeterministic {
			return TStepDeterministicSignal
		}
		return TStepProgramAsyncSignalInterrupt
	case event.KindSyscallbufFlush:
		return TStepFlushSyscallbuf
	case event.KindPatchSyscall:
		return TStepPatchSyscall
	case event.KindExit, event.KindExitSighandler, event.KindUnstableExit:
		return TStepExitTask
	default:
		return TStepRetire
	}
}

// ReplayStep is §4.5's replay_step: advance the current task until it
// satisfies the current frame's step, or an exit condition in §4.5's
// list interrupts it first.
func (e *Engine) ReplayStep(c StepConstraints) (Result, error) {
	if e.currentFrame == nil {
		if err := e.nextFrame(); err != nil {
			if err == io.EOF {
				return Result{Status: ReplayExited, Break: BreakStatus{SessionExited: true}}, nil
			}
			return Result{}, err
		}
	}

	for {
		if e.interrupted {
			e.interrupted = false
			return Result{Status: ReplayContinue, Break: BreakStatus{}}, nil
		}
		if c.StopAtTime != 0 && e.currentFrame.EventTime >= c.StopAtTime && e.currentStep != TStepRetire {
			return Result{Status: ReplayContinue}, nil
		}

		stepStart := time.Now()
		res, done, err := e.stepOnce(c)
		e.avgStepLatency.Save(time.Since(stepStart))
		if err != nil {
			return Result{}, err
		}
		if done {
			return res, nil
		}
		if res.Break.BreakpointHit || res.Break.WatchpointChanged || res.Break.SingleStepComplete ||
			res.Break.TaskExited || res.Break.ApproachingTarget {
			return res, nil
		}

		if e.currentStep == TStepRetire {
			if err := e.checkDivergence(); err != nil {
				return Result{}, err
			}
			eventsReplayed.Add(1)
			if err := e.nextFrame(); err != nil {
				if err == io.EOF {
					return Result{Status: ReplayExited, Break: BreakStatus{SessionExited: true}}, nil
				}
				return Result{}, err
			}
			if c.Command.IsSinglestep() {
				return Result{Status: ReplayContinue, Break: BreakStatus{SingleStepComplete: true}}, nil
			}
		}
	}
}

// stepOnce performs one unit of work toward the current frame's target
// step and reports whether ReplayStep should return now.
func (e *Engine) stepOnce(c StepConstraints) (Result, bool, error) {
	switch e.currentStep {
	case TStepEnterSyscall, TStepExitSyscall:
		return e.stepSyscall(c)
	case TStepDeterministicSignal:
		return e.stepDeterministicSignal(c)
	case TStepProgramAsyncSignalInterrupt:
		return e.stepAsyncSignalInterrupt(c)
	case TStepDeliverSignal:
		return e.stepDeliverSignal(c)
	case TStepFlushSyscallbuf:
		return e.stepFlushSyscallbuf(c)
	case TStepPatchSyscall:
		return e.stepPatchSyscall(c)
	case TStepExitTask:
		e.task.Exited = true
		e.currentStep = TStepRetire
		return Result{Status: ReplayContinue, Break: BreakStatus{TaskExited: true}}, false, nil
	case TStepRetire, TStepNone:
		e.currentStep = TStepRetire
		return Result{Status: ReplayContinue}, false, nil
	default:
		return Result{}, false, fmt.Errorf("replay: unknown step %v", e.currentStep)
	}
}

// stepSyscall resumes the task with PTRACE_SYSCALL semantics until the
// kernel's syscall-entry or -exit stop is observed, then retires.
func (e *Engine) stepSyscall(c StepConstraints) (Result, bool, error) {
	if err := e.resumeAndWait(c); err != nil {
		return Result{}, false, err
	}
	if brk, ok, err := e.checkBreakpointsAndWatchpoints(); err != nil {
		return Result{}, false, err
	} else if ok {
		return Result{Status: ReplayContinue, Break: brk}, false, nil
	}
	e.currentStep = TStepRetire
	return Result{Status: ReplayContinue}, false, nil
}

// stepDeterministicSignal implements §4.5's hard case: set an internal
// breakpoint at the recorded faulting instruction, continue to it, then
// deliver the signal at that exact stop.
func (e *Engine) stepDeterministicSignal(c StepConstraints) (Result, bool, error) {
	addr := e.task.Regs.IP
	if err := e.as.AddBreakpoint(addr, address.BreakpointInternal); err != nil {
		return Result{}, false, err
	}
	defer e.as.RemoveBreakpoint(addr, address.BreakpointInternal)

	if err := e.resumeAndWait(c); err != nil {
		return Result{}, false, err
	}
	e.currentStep = TStepDeliverSignal
	return Result{Status: ReplayContinue}, false, nil
}

// stepAsyncSignalInterrupt advances until ticks reach the frame's target
// tick count and ip matches, per §4.5: a hardware counter interrupt
// lands a few ticks early, then single-stepping the remainder confirms
// the exact ip.
func (e *Engine) stepAsyncSignalInterrupt(c StepConstraints) (Result, bool, error) {
	ev := e.currentFrame.Event()
	target := e.currentFrame.Ticks

	ticks, err := e.task.Ticks.Read()
	if err != nil {
		return Result{}, false, err
	}
	if ticks+fastApproachTicks < target {
		if err := e.task.Ticks.ArmSignalAfter(target - ticks - fastApproachTicks); err != nil {
			return Result{}, false, err
		}
		if err := e.resumeAndWait(c); err != nil {
			return Result{}, false, err
		}
		return Result{Status: ReplayContinue, Break: BreakStatus{ApproachingTarget: true}}, false, nil
	}

	if err := e.task.SingleStep(); err != nil {
		return Result{}, false, err
	}
	if err := e.task.WaitTimeout(defaultWaitTimeout); err != nil {
		return Result{}, false, err
	}
	if err := e.task.RefreshRegs(); err != nil {
		return Result{}, false, err
	}
	ticks, err = e.task.Ticks.Read()
	if err != nil {
		return Result{}, false, err
	}
	if ticks >= target && e.task.Regs.IP == uintptr(ev.SiAddr) {
		e.currentStep = TStepDeliverSignal
		return Result{Status: ReplayContinue}, false, nil
	}
	return Result{Status: ReplayContinue, Break: BreakStatus{ApproachingTarget: true}}, false, nil
}

// fastApproachTicks is how many ticks short of the target the hardware
// counter interrupt is programmed to land, leaving the remainder for
// precise single-stepping.
const fastApproachTicks = 4

func (e *Engine) stepDeliverSignal(c StepConstraints) (Result, bool, error) {
	ev := e.currentFrame.Event()
	if err := e.task.Cont(int(ev.SignalNo)); err != nil {
		return Result{}, false, err
	}
	if err := e.task.WaitTimeout(defaultWaitTimeout); err != nil {
		return Result{}, false, err
	}
	e.currentStep = TStepRetire
	return Result{Status: ReplayContinue}, false, nil
}

// stepFlushSyscallbuf replays every record the recording flushed from
// the current task's ring, in order, per §4.5: each record's recorded
// `ret` is written back into the ring so the library's conditional move
// in the tracee picks it up instead of a live syscall result.
func (e *Engine) stepFlushSyscallbuf(c StepConstraints) (Result, bool, error) {
	if e.flushRecords == nil {
		if e.ring == nil {
			return Result{}, false, &rrerror.RecoverableTracee{
				Tid: e.task.Uid.Tid,
				Err: fmt.Errorf("FLUSH_SYSCALLBUF frame with no ring attached"),
			}
		}
		recs, err := e.ring.Flush()
		if err != nil {
			return Result{}, false, fmt.Errorf("replay: flush syscallbuf: %w", err)
		}
		e.flushRecords = recs
		e.flushIndex = 0
	}

	for e.flushIndex < len(e.flushRecords) {
		rec := e.flushRecords[e.flushIndex]
		e.flushIndex++
		w, ok := e.syscallWriters[rec.Syscallno]
		if !ok {
			continue // unregistered syscalls are replayed as pure no-ops on the ring
		}
		if err := w(e.task, rec); err != nil {
			return Result{}, false, fmt.Errorf("replay: write recorded syscall %d: %w", rec.Syscallno, err)
		}
	}

	e.flushRecords = nil
	e.flushIndex = 0
	if err := e.ring.Reset(); err != nil {
		return Result{}, false, err
	}
	e.currentStep = TStepRetire
	return Result{Status: ReplayContinue}, false, nil
}

// stepPatchSyscall replays the PATCH_SYSCALL event deterministically:
// advance to the next syscall instruction and rewrite it exactly as
// recording did.
func (e *Engine) stepPatchSyscall(c StepConstraints) (Result, bool, error) {
	addr, err := e.as.FindSyscallInstruction(address.StubTraced)
	if err != nil {
		return Result{}, false, fmt.Errorf("replay: find syscall instruction: %w", err)
	}
	patcher := syscallbuf.NewPatcher(e.task)
	trampoline, err := e.as.FindSyscallInstruction(address.StubUntraced)
	if err != nil {
		return Result{}, false, err
	}
	if _, err := patcher.Patch(addr, trampoline); err != nil {
		return Result{}, false, fmt.Errorf("replay: patch syscall: %w", err)
	}
	e.currentStep = TStepRetire
	return Result{Status: ReplayContinue}, false, nil
}

func (e *Engine) resumeAndWait(c StepConstraints) error {
	var err error
	if c.Command.IsSinglestep() {
		err = e.task.SingleStep()
	} else {
		err = e.task.Cont(0)
	}
	if err != nil {
		return err
	}
	if err := e.task.WaitTimeout(defaultWaitTimeout); err != nil {
		return err
	}
	return e.task.RefreshRegs()
}

// checkBreakpointsAndWatchpoints reports whether the task is currently
// stopped on a breakpoint or watchpoint change, per §4.5's exit
// condition "a breakpoint hit (user or internal), a watchpoint change" —
// both kinds interrupt replay_step, not just user-visible ones, since an
// internal breakpoint (e.g. the one DETERMINISTIC_SIGNAL sets) must also
// stop the resume-and-wait loop it's driving.
// checkDivergence implements §9's masked-register comparison at the point
// a frame retires: if the frame carries a recorded register snapshot, the
// live task must agree with it under Registers.Equal's mask, or replay has
// drifted from the recording and cannot be trusted to continue. The diff
// is rendered once, eagerly, with cmp.Diff rather than deferred to the
// caller, so a Divergence's Error() string is self-contained even if the
// caller only logs it.
func (e *Engine) checkDivergence() error {
	if e.currentFrame == nil || !e.currentFrame.HasRegs {
		return nil
	}
	live := e.task.Regs
	recorded := e.currentFrame.Regs
	if live.Equal(recorded) {
		return nil
	}
	return &rrerror.Divergence{
		EventTime: e.currentFrame.EventTime,
		Ticks:     e.ticksAtStart,
		What:      "registers",
		Diff:      cmp.Diff(recorded, live),
	}
}

func (e *Engine) checkBreakpointsAndWatchpoints() (BreakStatus, bool, error) {
	if hit, _ := e.as.IsBreakpointAt(e.task.Regs.IP); hit {
		return BreakStatus{BreakpointHit: true, BreakAddr: e.task.Regs.IP}, true, nil
	}
	changed := e.as.ConsumeWatchpointChanges()
	if len(changed) > 0 {
		return BreakStatus{WatchpointChanged: true}, true, nil
	}
	return BreakStatus{}, false, nil
}
