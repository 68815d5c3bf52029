// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package replay

import (
	"fmt"

	"github.com/sarvex/rr/pkg/task"
)

// FastForward implements §4.5's fast-forward mode for replaying single-
// instruction loops: single-step the task until the (ip, rax) pair about
// to execute matches an entry of stopBefore. It always steps at least
// once, and it does not stop when the ip leaves the looping instruction;
// with no match it runs until a step or wait fails. This preserves tick-equivalence with recording even when
// replay's instruction trace diverges within a loop iteration (e.g. a
// spinlock retry count that differs run to run but always converges to
// the same post-loop state).
func FastForward(t *task.Task, stopBefore []RegisterSnapshot) (stepped int, err error) {
	for {
		if err := t.SingleStep(); err != nil {
			return stepped, fmt.Errorf("replay: fast-forward singlestep: %w", err)
		}
		if err := t.WaitTimeout(defaultWaitTimeout); err != nil {
			return stepped, fmt.Errorf("replay: fast-forward wait: %w", err)
		}
		if err := t.RefreshRegs(); err != nil {
			return stepped, err
		}
		stepped++

		cur := RegisterSnapshot{IP: t.Regs.IP, Rax: t.Regs.Rax}
		if matchesAny(cur, stopBefore) {
			return stepped, nil
		}
	}
}

func matchesAny(s RegisterSnapshot, candidates []RegisterSnapshot) bool {
	for _, c := range candidates {
		if c == s {
			return true
		}
	}
	return false
}
