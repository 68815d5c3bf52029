// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"testing"
	"time"
)

func TestValCounter(t *testing.T) {
	v := New("test_counter", "a counter", All)
	v.Add(3)
	v.Add(4)
	if got := v.Val(); got != 7 {
		t.Fatalf("Val() = %d, want 7", got)
	}
}

func TestValDistribution(t *testing.T) {
	v := New("test_histogram", "a histogram", All, Distribution{})
	v.Add(2)
	v.Add(4)
	v.Add(6)
	if got := v.Val(); got != 4 {
		t.Fatalf("Val() = %d, want 4 (mean of 2,4,6)", got)
	}
}

func TestValGauge(t *testing.T) {
	n := 0
	v := New("test_gauge", "a gauge", All, Gauge(func() int { return n }))
	n = 5
	if got := v.Val(); got != 5 {
		t.Fatalf("Val() = %d, want 5", got)
	}
}

func TestValGaugeAddPanics(t *testing.T) {
	v := New("test_gauge_add_panics", "a gauge", All, Gauge(func() int { return 0 }))
	defer func() {
		if recover() == nil {
			t.Fatalf("Add on a gauge-backed Val did not panic")
		}
	}()
	v.Add(1)
}

func TestSnapshotOnlyIncludesConsoleLevel(t *testing.T) {
	New("test_snapshot_all", "not in snapshot", All).Add(1)
	New("test_snapshot_console", "in snapshot", Console).Add(9)

	lines := Snapshot()
	var sawConsole, sawAll bool
	for _, l := range lines {
		if l == "test_snapshot_console: 9" {
			sawConsole = true
		}
		if len(l) >= len("test_snapshot_all") && l[:len("test_snapshot_all")] == "test_snapshot_all" {
			sawAll = true
		}
	}
	if !sawConsole {
		t.Fatalf("Snapshot() missing Console-level metric, got %v", lines)
	}
	if sawAll {
		t.Fatalf("Snapshot() leaked an All-level metric, got %v", lines)
	}
}

func TestSnapshotRateFormat(t *testing.T) {
	New("test_snapshot_rate", "rate metric", Console, Rate{}).Add(1)
	for _, l := range Snapshot() {
		if l == "test_snapshot_rate: 1 (0.0/sec)" || (len(l) > len("test_snapshot_rate: 1 (") &&
			l[:len("test_snapshot_rate: 1 (")] == "test_snapshot_rate: 1 (") {
			return
		}
	}
	t.Fatalf("Snapshot() did not render a rate suffix for a Rate-tagged metric")
}

func TestAverageValue(t *testing.T) {
	var av AverageValue[time.Duration]
	av.Save(10 * time.Millisecond)
	av.Save(20 * time.Millisecond)
	if got := av.Value(); got != 15*time.Millisecond {
		t.Fatalf("Value() = %v, want 15ms", got)
	}
}
