// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package replay implements the §4.5 Replay Step Engine and §4.6 Replay
// Timeline: driving one or more tracees forward through a recorded
// trace frame by frame, and the checkpoint/reverse-execution machinery
// layered on top of it.
package replay

import "fmt"

// TStep names the per-frame state machine's states, per §4.5. Each
// replay_step call advances the current task until it reaches the state
// its current frame requires, then transitions to Retire and consumes
// the frame.
type TStep int

const (
	TStepNone TStep = iota
	TStepEnterSyscall
	TStepExitSyscall
	TStepDeterministicSignal
	TStepProgramAsyncSignalInterrupt
	TStepDeliverSignal
	TStepFlushSyscallbuf
	TStepPatchSyscall
	TStepExitTask
	TStepRetire
)

func (s TStep) String() string {
	switch s {
	case TStepNone:
		return "NONE"
	case TStepEnterSyscall:
		return "ENTER_SYSCALL"
	case TStepExitSyscall:
		return "EXIT_SYSCALL"
	case TStepDeterministicSignal:
		return "DETERMINISTIC_SIGNAL"
	case TStepProgramAsyncSignalInterrupt:
		return "PROGRAM_ASYNC_SIGNAL_INTERRUPT"
	case TStepDeliverSignal:
		return "DELIVER_SIGNAL"
	case TStepFlushSyscallbuf:
		return "FLUSH_SYSCALLBUF"
	case TStepPatchSyscall:
		return "PATCH_SYSCALL"
	case TStepExitTask:
		return "EXIT_TASK"
	case TStepRetire:
		return "RETIRE"
	default:
		return fmt.Sprintf("TSTEP(%d)", int(s))
	}
}

// RunCommand selects how far ReplayStep is allowed to advance before
// returning.
type RunCommand int

const (
	RunContinue RunCommand = iota
	RunSinglestep
	RunSinglestepFastForward
)

func (c RunCommand) IsSinglestep() bool {
	return c == RunSinglestep || c == RunSinglestepFastForward
}

// StepConstraints bounds one ReplayStep call, per §4.5/§4.6: it must not
// run past StopAtTime. The engine does not read TicksTarget; async-signal
// frames are approached using the recorded frame's own tick count.
type StepConstraints struct {
	Command         RunCommand
	StopAtTime      uint64
	TicksTarget     uint64
	StopBeforeState []RegisterSnapshot // RUN_SINGLESTEP_FAST_FORWARD stop set
}

// RegisterSnapshot is the narrow register comparison fast-forward needs:
// just enough to detect "the instruction about to execute would change
// user-visible state", without pulling in the full task.Registers.Equal
// mask logic (fast-forward cares about raw equality, not the recording/
// replay comparison mask).
type RegisterSnapshot struct {
	IP  uintptr
	Rax uint64
}

// BreakStatus reports why a ReplayStep call returned control to the
// caller, per §4.5's exit-condition list.
type BreakStatus struct {
	BreakpointHit      bool
	WatchpointChanged  bool
	SingleStepComplete bool
	TaskExited         bool
	SessionExited      bool
	ApproachingTarget  bool
	BreakAddr          uintptr
}

// ReplayStatus is the coarse continue/exited signal ReplayStep returns
// alongside a BreakStatus.
type ReplayStatus int

const (
	ReplayContinue ReplayStatus = iota
	ReplayExited
)

// Result is what one ReplayStep call returns.
type Result struct {
	Status        ReplayStatus
	Break         BreakStatus
	DidFastForward bool
}
