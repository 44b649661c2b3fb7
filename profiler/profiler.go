// Package profiler - Wall clock timing of the stages of a loss evaluation run.
package profiler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxSamples bounds the durations kept per operation.
const DefaultMaxSamples = 1000

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// OperationStats is a snapshot of one TimeTracker.
type OperationStats struct {
	Name  string
	Count int64
	// Mean is taken over the retained samples.
	Mean time.Duration
	Min  time.Duration
	Max  time.Duration
}

// Timings records the durations of named operations. Safe for concurrent use.
type Timings struct {
	mu         sync.Mutex
	maxSamples int
	operations map[string]*TimeTracker
}

// NewTimings returns an empty set of timings keeping at most maxSamples
// durations per operation; zero selects DefaultMaxSamples.
func NewTimings(maxSamples int) *Timings {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Timings{maxSamples: maxSamples, operations: make(map[string]*TimeTracker)}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
//
// @example
// done := timings.StartOperation("inference")
// out, err := session.Run(ctx, paths)
// done()
func (t *Timings) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		t.Record(name, time.Since(start))
	}
}

// Record adds one duration to the operation.
func (t *Timings) Record(name string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, exists := t.operations[name]
	if !exists {
		tracker = &TimeTracker{
			name:    name,
			minTime: duration,
			maxTime: duration,
		}
		t.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > t.maxSamples {
		// Remove oldest sample
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}

	tracker.totalTime += duration
	tracker.count++
	tracker.minTime = min(tracker.minTime, duration)
	tracker.maxTime = max(tracker.maxTime, duration)
}

// Stats returns a snapshot of every operation, sorted by name.
func (t *Timings) Stats() []OperationStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]OperationStats, 0, len(t.operations))
	for _, tr := range t.operations {
		s := OperationStats{Name: tr.name, Count: tr.count, Min: tr.minTime, Max: tr.maxTime}
		if n := len(tr.durations); n > 0 {
			s.Mean = tr.totalTime / time.Duration(n)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report formats the statistics, one operation per line.
func (t *Timings) Report() string {
	var sb strings.Builder
	for _, s := range t.Stats() {
		fmt.Fprintf(&sb, "%-10s count=%d mean=%v min=%v max=%v\n", s.Name, s.Count, s.Mean, s.Min, s.Max)
	}
	return sb.String()
}
