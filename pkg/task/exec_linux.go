// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import "syscall"

// ptraceSysProcAttr arranges for the child to call PTRACE_TRACEME just
// before its exec, landing it in a SIGTRAP-stopped state at the image
// entry point the first time Spawn's Wait4 observes it. Per the os/exec
// docs for SysProcAttr.Ptrace, the caller must keep the calling goroutine
// locked to its OS thread (runtime.LockOSThread) for the duration between
// cmd.Start and the first Wait4 — Spawn does this internally.
func ptraceSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Ptrace: true}
}
