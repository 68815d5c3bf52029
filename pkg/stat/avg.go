// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"sync"
	"time"
)

// AverageParameter restricts AverageValue to time.Duration: the only
// thing this tree tracks a running average of is per-replay-step
// wall-clock latency, so there's no reason to generalize further than
// the one caller needs.
type AverageParameter interface {
	time.Duration
}

// AverageValue is an incremental running average, cheaper to keep
// updated on every sample than a window of raw samples would be.
type AverageValue[T AverageParameter] struct {
	mu    sync.Mutex
	total int64
	avg   T
}

func (av *AverageValue[T]) Value() T {
	av.mu.Lock()
	defer av.mu.Unlock()
	return av.avg
}

func (av *AverageValue[T]) Save(val T) {
	av.mu.Lock()
	defer av.mu.Unlock()
	av.total++
	av.avg += (val - av.avg) / T(av.total)
}
