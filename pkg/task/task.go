// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package task implements the §4.2 Task/TaskGroup model: a ptrace-stopped
// thread of a recorded or replayed process, its identity surviving pid
// reuse, its Registers, and the remote syscall injection protocol used to
// run a syscall inside the tracee on the tracer's behalf.
package task

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sarvex/rr/pkg/address"
	"github.com/sarvex/rr/pkg/kernel"
	"github.com/sarvex/rr/pkg/log"
	"github.com/sarvex/rr/pkg/osutil"
	"github.com/sarvex/rr/pkg/rrerror"
)

var serialCounter uint64

func nextSerial() uint64 {
	return atomic.AddUint64(&serialCounter, 1)
}

// Uid is the pid-reuse-proof identity of a task, per §4.2: the kernel tid
// is recycled by the OS, the serial never is.
type Uid struct {
	Tid    int
	Serial uint64
}

func (u Uid) String() string {
	return fmt.Sprintf("tid=%d#%d", u.Tid, u.Serial)
}

// TaskGroup is the set of tasks sharing an address space and an FdTable,
// the Go analogue of a thread group / process.
type TaskGroup struct {
	Leader  *Task
	Tasks   map[Uid]*Task
	Fds     *FdTable
	Address *address.AddressSpace
}

// Task is one ptrace-stopped thread. Exactly one goroutine is expected to
// drive a given Task's ptrace calls at a time; the session owns that
// serialization, this type does not lock itself.
type Task struct {
	Uid Uid

	Group *TaskGroup
	Mem   *kernel.Mem
	Ticks *kernel.TickCounter

	Regs    Registers
	FPRegs  kernel.FPRegsX86_64
	Running bool
	Exited  bool
	ExitStatus unix.WaitStatus

	// ScratchAddr/ScratchSize describe the per-task scratch buffer carved
	// out of an existing writable private mapping, used as a landing pad
	// for remote syscall parameters (§4.2).
	ScratchAddr uintptr
	ScratchSize uintptr
}

// SchedID and Priority satisfy pkg/scheduler's Runnable interface, so the
// record-time scheduler can track this task alongside any others
// sharing a session even though every setpriority(2) call a tracee makes
// is not yet intercepted (every task reports the same fixed priority
// until that lands).
func (t *Task) SchedID() int  { return t.Uid.Tid }
func (t *Task) Priority() int { return 0 }

func (t *Task) ReadMem(addr uintptr, buf []byte) error  { return t.Mem.Read(addr, buf) }
func (t *Task) WriteMem(addr uintptr, buf []byte) error {
	err := t.Mem.Write(addr, buf)
	if err == nil {
		t.Group.Address.NotifyWritten(address.Range{Start: addr, End: addr + uintptr(len(buf))})
	}
	return err
}

// Spawn starts bin under ptrace, seizing control the way a record session
// attaches to a freshly execed tracee. It mirrors syzkaller's
// pkg/ipc.MakeEnv process-start idiom (osutil.Command + cmd.Start) but
// additionally arranges for the child to stop at the very first
// instruction of its exec via PTRACE_TRACEME in a fork hook, which Go's
// os/exec exposes through SysProcAttr.Ptrace. stdout/stderr are wired
// straight to the tracee's inherited fds when non-nil (the replay CLI's
// "redirect output" default); passing nil for either discards it,
// matching rr's own --no-redirect-output escape hatch. env replaces the
// tracee's environment entirely when non-nil, letting a replay
// reconstruct the exact recorded environment (§6's args_env); nil
// inherits the calling process's own environment, the recording case.
func Spawn(bin string, args []string, dir string, env []string, stdout, stderr io.Writer) (*Task, *TaskGroup, error) {
	// ptrace is tracer-thread-affine: every ptrace(2) call against this
	// tracee must originate from the thread that attached to it. Locking
	// here means the calling goroutine owns this tracee for its lifetime;
	// a session driving multiple tracees must call Spawn from one locked
	// goroutine per tracee.
	runtime.LockOSThread()

	cmd := osutil.Command(bin, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = ptraceSysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn tracee: %w", err)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, nil, fmt.Errorf("spawn tracee: initial wait: %w", err)
	}
	if err := kernel.SetOptions(pid, kernel.TraceOptions); err != nil {
		return nil, nil, fmt.Errorf("spawn tracee: set options: %w", err)
	}

	mem := kernel.OpenMem(pid)
	ticks, err := kernel.NewTickCounter(pid)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn tracee: tick counter: %w", err)
	}

	as := address.New(&taskMemAdapter{mem: mem})
	t := &Task{
		Uid:   Uid{Tid: pid, Serial: nextSerial()},
		Mem:   mem,
		Ticks: ticks,
	}
	group := &TaskGroup{
		Leader:  t,
		Tasks:   map[Uid]*Task{t.Uid: t},
		Fds:     NewFdTable(),
		Address: as,
	}
	t.Group = group
	log.Logf(1, "spawned tracee %v", t.Uid)
	return t, group, nil
}

// taskMemAdapter lets address.AddressSpace talk to a kernel.Mem through
// the narrow MemAccessor interface it expects, keeping pkg/address free of
// a pkg/kernel import (the AddressSpace model and the raw ptrace layer
// are independently testable).
type taskMemAdapter struct {
	mem *kernel.Mem
}

func (a *taskMemAdapter) ReadMem(addr uintptr, buf []byte) error  { return a.mem.Read(addr, buf) }
func (a *taskMemAdapter) WriteMem(addr uintptr, buf []byte) error { return a.mem.Write(addr, buf) }

// Wait blocks until the task's next ptrace-stop or exit, with no timeout.
// WaitTimeout wraps it in a select on a channel-delivered result so
// callers can impose a timeout.
func (t *Task) Wait() error {
	var ws unix.WaitStatus
	_, err := unix.Wait4(t.Uid.Tid, &ws, 0, nil)
	if err != nil {
		return fmt.Errorf("wait tid %d: %w", t.Uid.Tid, err)
	}
	t.ExitStatus = ws
	if ws.Exited() || ws.Signaled() {
		t.Exited = true
		t.Running = false
	}
	return nil
}

// WaitTimeout is Wait with the same fatal-hang detection pkg/ipc's own
// command.wait uses: if the tracee doesn't stop within d, treat it as a
// recoverable-tracee condition rather than blocking the session forever.
func (t *Task) WaitTimeout(d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- t.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return &rrerror.RecoverableTracee{Tid: t.Uid.Tid, Err: errHang}
	}
}

var errHang = fmt.Errorf("tracee did not stop before timeout")

func (t *Task) Cont(sig int) error {
	t.Running = true
	return kernel.Cont(t.Uid.Tid, sig)
}

func (t *Task) SingleStep() error {
	t.Running = true
	return kernel.SingleStep(t.Uid.Tid)
}

func (t *Task) Detach() error {
	return kernel.Detach(t.Uid.Tid)
}

// RefreshRegs re-reads the general-purpose and floating-point register
// sets from the kernel; callers must do this after every stop before
// trusting t.Regs/t.FPRegs.
func (t *Task) RefreshRegs() error {
	regs, err := kernel.GetRegs(t.Uid.Tid)
	if err != nil {
		return fmt.Errorf("get regs tid %d: %w", t.Uid.Tid, err)
	}
	t.Regs = FromPtraceRegs(regs)
	fpregs, err := kernel.GetFPRegs(t.Uid.Tid)
	if err != nil {
		return fmt.Errorf("get fpregs tid %d: %w", t.Uid.Tid, err)
	}
	t.FPRegs = fpregs
	return nil
}

func (t *Task) FlushRegs() error {
	return kernel.SetRegs(t.Uid.Tid, t.Regs.ToPtraceRegs())
}

// IsUsableScratchArea reports whether the mapping containing addr is a
// private writable region with at least headroom bytes of slack below
// the stack pointer, the §4.2 precondition for carving a remote-syscall
// scratch buffer out of it without corrupting the tracee's own stack.
func (as *TaskGroup) IsUsableScratchArea(addr uintptr, sp uintptr, headroom uintptr) bool {
	m, ok := as.Address.MappingOf(addr)
	if !ok {
		return false
	}
	const mapPrivate = 0x2
	if m.Info.Flags&mapPrivate == 0 {
		return false
	}
	const protWrite = 1 << 1
	if m.Info.Prot&protWrite == 0 {
		return false
	}
	return sp >= m.Range.Start+headroom
}
