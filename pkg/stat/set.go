// Copyright 2024 rr project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat is the metrics registry pkg/replay and pkg/syscallbuf
// export through: named counters, gauges, and histograms a caller reads
// back with Val, optionally surfaced to a Prometheus scrape target and
// summarized on demand by Snapshot. It is adapted down from a syzkaller
// dashboard's metrics registry to what a headless replay engine
// actually needs — no web UI, no time-series history ring, just named
// metrics created once at startup and added to as the session runs.
package stat

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

// histogramBuckets bounds the resolution of a Distribution-mode Val's
// running histogram; in practice a per-syscall-buffer-flush record
// count ranges from zero to a few hundred, so this is more resolution
// than the data needs.
const histogramBuckets = 60

// Level gates whether Snapshot includes a metric in its rendered
// summary: Console-level metrics are meant for a human to read at the
// end of a session, All-level metrics are registry/Prometheus-only.
type Level int

const (
	All Level = iota
	Console
)

// Rate marks a Val whose Snapshot line should also report an events/sec
// rate alongside its raw total, computed against the registry's start
// time.
type Rate struct{}

// Distribution marks a Val as histogram-backed: Add records a sample
// rather than incrementing a running total, and Val reports the
// distribution's mean.
type Distribution struct{}

// Prometheus registers a Val as a Prometheus gauge under name, scraped
// by reading the Val's own current value. A counter Val is monotonic,
// so this exposes it as a gauge either way — the same thing Prometheus
// itself recommends for a value a scraper should read, not reset.
type Prometheus string

// Gauge marks a Val as externally computed: Val() calls f for the
// current reading (e.g. a checkpoint tree's live count) instead of
// tracking its own running total. Add panics on a Gauge-backed Val.
type Gauge func() int

type set struct {
	mu        sync.Mutex
	vals      map[string]*Val
	startTime time.Time

	registered map[string]bool
}

func newSet() *set {
	return &set{vals: make(map[string]*Val), startTime: time.Now(), registered: make(map[string]bool)}
}

var global = newSet()

// New creates (or replaces) a named metric in the global registry. opts
// may combine Level, Rate, Distribution, and Prometheus.
func New(name, desc string, opts ...interface{}) *Val {
	return global.new(name, desc, opts...)
}

func (s *set) new(name, desc string, opts ...interface{}) *Val {
	v := &Val{name: name, desc: desc}
	var promName string
	for _, o := range opts {
		switch opt := o.(type) {
		case Level:
			v.level = opt
		case Rate:
			v.rate = true
		case Distribution:
			v.hist = true
		case Prometheus:
			promName = string(opt)
		case Gauge:
			v.ext = opt
		default:
			panic(fmt.Sprintf("stat: unknown option %#v", o))
		}
	}

	s.mu.Lock()
	s.vals[name] = v
	alreadyRegistered := promName == "" || s.registered[promName]
	if promName != "" {
		s.registered[promName] = true
	}
	s.mu.Unlock()

	if promName != "" && !alreadyRegistered {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: promName,
			Help: desc,
		}, func() float64 { return float64(v.Val()) }))
	}
	return v
}

// Snapshot renders every Console-level metric as a "name: value" line,
// name-sorted, for a session's end-of-run summary.
func Snapshot() []string {
	return global.snapshot()
}

func (s *set) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.startTime).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	var lines []string
	for _, v := range s.vals {
		if v.level < Console {
			continue
		}
		val := v.Val()
		if v.rate {
			lines = append(lines, fmt.Sprintf("%s: %d (%.1f/sec)", v.name, val, float64(val)/elapsed))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %d", v.name, val))
		}
	}
	sort.Strings(lines)
	return lines
}

// Val is one named counter, gauge, or histogram. The zero value is
// usable as a plain counter; New applies whichever options the caller
// asked for.
type Val struct {
	name  string
	desc  string
	level Level
	rate  bool

	val uint64 // atomic; plain counter mode
	ext Gauge  // externally-computed mode; nil otherwise

	hist    bool
	histMu  sync.Mutex
	histVal *gohistogram.NumericHistogram
}

// Add increments a counter Val by delta, or records delta as a new
// sample if v is histogram-backed.
func (v *Val) Add(delta int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat: %s is gauge-backed, cannot Add", v.name))
	}
	if v.hist {
		v.histMu.Lock()
		if v.histVal == nil {
			v.histVal = gohistogram.NewHistogram(histogramBuckets)
		}
		v.histVal.Add(float64(delta))
		v.histMu.Unlock()
		return
	}
	atomic.AddUint64(&v.val, uint64(delta))
}

// Val reports the counter's current total, a gauge-backed Val's live
// external reading, or a histogram-backed Val's running mean.
func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.hist {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.histVal == nil {
			return 0
		}
		return int(v.histVal.Mean())
	}
	return int(atomic.LoadUint64(&v.val))
}
