// Package monitor implements rye's in-process stats collector: an
// ordered, lock-free array of named counters/gauges with snapshot and
// diff helpers for a viewer tool. The registry is not published into
// the SHM master region, and pkg/rmetrics keeps its own Prometheus
// instruments rather than reading it.
//
// Grounded on cuemby-warren/pkg/metrics's registration pattern for the
// viewer-facing surface, and on spec.md's per-slot type/partition
// rules for the in-process surface: each slot is backed by one
// atomic.Int64 pair per worker partition, so no slot update takes a
// lock. No separate aggregate is maintained: a snapshot sums the
// partitions (gauges read partition 0).
package monitor

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// Kind is a stat slot's aggregation semantics.
type Kind int

const (
	// KindCounter only ever increases; diffed between two snapshots.
	KindCounter Kind = iota
	// KindCounterWithTime pairs a counter with an accumulated duration
	// (e.g. total wait count + total wait nanos), reported together.
	KindCounterWithTime
	// KindGauge is a point-in-time value; never diffed, always shown
	// as the latest sample.
	KindGauge
	// KindEvent counts discrete occurrences since process start (no
	// time dimension), used for alert/log events.
	KindEvent
)

// Spec names and types one ordered stat slot.
type Spec struct {
	Name  string
	Level int // 1 = server-wide, 2 = per-transaction (partitioned)
	Kind  Kind
}

// Registry is the ordered collection of stat slots for one process.
// Slot order is fixed at construction and never changes, so snapshots
// taken at different times can be compared index-by-index.
type Registry struct {
	specs  []Spec
	index  map[string]int
	nparts int

	mu     sync.RWMutex // guards nothing per-slot; only growth of parts
	values []*slot
}

type slot struct {
	// one atomic pair per partition: counter value, and (for
	// KindCounterWithTime) accumulated nanoseconds.
	parts []atomicPair
}

type atomicPair struct {
	count atomic.Int64
	nanos atomic.Int64
}

// NewRegistry builds a registry with exactly nparts worker partitions
// (typically GOMAXPROCS or the connection-handler count). Partition 0
// is one of them; single-threaded components and out-of-range
// partition ids use it. No extra aggregate partition is allocated.
func NewRegistry(specs []Spec, nparts int) *Registry {
	if nparts < 1 {
		nparts = 1
	}
	r := &Registry{
		specs:  specs,
		index:  make(map[string]int, len(specs)),
		nparts: nparts,
		values: make([]*slot, len(specs)),
	}
	for i, s := range specs {
		r.index[s.Name] = i
		r.values[i] = &slot{parts: make([]atomicPair, nparts)}
	}
	return r
}

func (r *Registry) partition(id int) int {
	if id < 0 || id >= r.nparts {
		return 0
	}
	return id
}

// Add increments a counter/event slot's value in the given partition.
func (r *Registry) Add(name string, partitionID int, delta int64) {
	i, ok := r.index[name]
	if !ok {
		return
	}
	r.values[i].parts[r.partition(partitionID)].count.Add(delta)
}

// AddTimed increments a KindCounterWithTime slot's count and
// accumulated duration together.
func (r *Registry) AddTimed(name string, partitionID int, count int64, nanos int64) {
	i, ok := r.index[name]
	if !ok {
		return
	}
	p := &r.values[i].parts[r.partition(partitionID)]
	p.count.Add(count)
	p.nanos.Add(nanos)
}

// Set overwrites a gauge slot's latest value.
func (r *Registry) Set(name string, partitionID int, value int64) {
	i, ok := r.index[name]
	if !ok {
		return
	}
	r.values[i].parts[r.partition(partitionID)].count.Store(value)
}

// Sample is one slot's aggregated value at the moment of Snapshot.
type Sample struct {
	Spec  Spec
	Count int64
	Nanos int64 // only meaningful for KindCounterWithTime
}

// Snapshot sums every partition for every slot into a stable,
// ordered array — the same shape Diff compares between two reads.
func (r *Registry) Snapshot() []Sample {
	out := make([]Sample, len(r.specs))
	for i, spec := range r.specs {
		var count, nanos int64
		switch spec.Kind {
		case KindGauge:
			// Gauges are not summed across partitions: last writer wins,
			// so report partition 0 (the convention for single-writer gauges).
			count = r.values[i].parts[0].count.Load()
		default:
			for p := range r.values[i].parts {
				count += r.values[i].parts[p].count.Load()
				nanos += r.values[i].parts[p].nanos.Load()
			}
		}
		out[i] = Sample{Spec: spec, Count: count, Nanos: nanos}
	}
	return out
}

// Diff computes prev -> curr deltas for counter/event/timed slots, and
// passes gauges through unchanged — the shape spec.md's operator
// viewer tool prints.
func Diff(prev, curr []Sample) []Sample {
	out := make([]Sample, len(curr))
	for i := range curr {
		if i >= len(prev) || curr[i].Spec != prev[i].Spec {
			out[i] = curr[i]
			continue
		}
		switch curr[i].Spec.Kind {
		case KindGauge:
			out[i] = curr[i]
		default:
			out[i] = Sample{
				Spec:  curr[i].Spec,
				Count: curr[i].Count - prev[i].Count,
				Nanos: curr[i].Nanos - prev[i].Nanos,
			}
		}
	}
	return out
}

// Format renders samples sorted by name, one "name = value" line per
// slot, the plain-text metrics dump style cuemby-warren's monitor uses.
func Format(samples []Sample) []string {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Spec.Name < sorted[j].Spec.Name })

	lines := make([]string, 0, len(sorted))
	for _, s := range sorted {
		if s.Spec.Kind == KindCounterWithTime {
			lines = append(lines, formatTimed(s))
			continue
		}
		lines = append(lines, formatPlain(s))
	}
	return lines
}

func formatPlain(s Sample) string {
	return s.Spec.Name + " = " + strconv.FormatInt(s.Count, 10)
}

func formatTimed(s Sample) string {
	return s.Spec.Name + " = " + strconv.FormatInt(s.Count, 10) + " (" + strconv.FormatInt(s.Nanos, 10) + "ns)"
}
