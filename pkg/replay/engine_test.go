// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package replay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sarvex/rr/pkg/event"
	"github.com/sarvex/rr/pkg/rrerror"
	"github.com/sarvex/rr/pkg/task"
	"github.com/sarvex/rr/pkg/trace"
)

func TestInitialStepFromSyscallEvent(t *testing.T) {
	require.Equal(t, TStepEnterSyscall, initialStep(event.Event{Kind: event.KindSyscall, Entry: true}))
	require.Equal(t, TStepExitSyscall, initialStep(event.Event{Kind: event.KindSyscall, Entry: false}))
}

func TestInitialStepFromSignalEvent(t *testing.T) {
	require.Equal(t, TStepDeterministicSignal, initialStep(event.Event{
		Kind: event.KindSignal, SignalKind: event.SignalDeterministic,
	}))
	require.Equal(t, TStepProgramAsyncSignalInterrupt, initialStep(event.Event{
		Kind: event.KindSignal, SignalKind: event.SignalAsync,
	}))
}

func TestInitialStepFromBufferingEvents(t *testing.T) {
	require.Equal(t, TStepFlushSyscallbuf, initialStep(event.Event{Kind: event.KindSyscallbufFlush}))
	require.Equal(t, TStepPatchSyscall, initialStep(event.Event{Kind: event.KindPatchSyscall}))
}

func TestInitialStepFromExitEvents(t *testing.T) {
	require.Equal(t, TStepExitTask, initialStep(event.Event{Kind: event.KindExit}))
	require.Equal(t, TStepExitTask, initialStep(event.Event{Kind: event.KindExitSighandler}))
	require.Equal(t, TStepExitTask, initialStep(event.Event{Kind: event.KindUnstableExit}))
}

func TestInitialStepDefaultsToRetire(t *testing.T) {
	require.Equal(t, TStepRetire, initialStep(event.Event{Kind: event.KindSched}))
	require.Equal(t, TStepRetire, initialStep(event.Event{Kind: event.KindDesched}))
	require.Equal(t, TStepRetire, initialStep(event.Event{Kind: event.KindGrowMap}))
}

func TestTStepString(t *testing.T) {
	require.Equal(t, "ENTER_SYSCALL", TStepEnterSyscall.String())
	require.Equal(t, "RETIRE", TStepRetire.String())
}

func TestRunCommandIsSinglestep(t *testing.T) {
	require.True(t, RunSinglestep.IsSinglestep())
	require.True(t, RunSinglestepFastForward.IsSinglestep())
	require.False(t, RunContinue.IsSinglestep())
}

func TestCheckDivergenceSkipsFramesWithNoRecordedRegs(t *testing.T) {
	e := &Engine{
		task:         &task.Task{Regs: task.Registers{IP: 0x1000}},
		currentFrame: &trace.EventRecord{EventTime: 1},
	}
	require.NoError(t, e.checkDivergence())
}

func TestCheckDivergenceAcceptsMatchingRegisters(t *testing.T) {
	regs := task.Registers{IP: 0x1000, SP: 0x2000}
	e := &Engine{
		task:         &task.Task{Regs: regs},
		currentFrame: &trace.EventRecord{EventTime: 1, HasRegs: true, Regs: regs},
	}
	require.NoError(t, e.checkDivergence())
}

func TestCheckDivergenceReportsMismatch(t *testing.T) {
	e := &Engine{
		task:         &task.Task{Regs: task.Registers{IP: 0x1000, SP: 0x2000}},
		currentFrame: &trace.EventRecord{EventTime: 7, HasRegs: true, Regs: task.Registers{IP: 0x9999, SP: 0x2000}},
	}
	err := e.checkDivergence()
	require.Error(t, err)
	require.Equal(t, rrerror.KindDivergence, rrerror.Classify(err))
	var div *rrerror.Divergence
	require.ErrorAs(t, err, &div)
	require.Equal(t, uint64(7), div.EventTime)
	require.Contains(t, div.Diff, "IP")
}
