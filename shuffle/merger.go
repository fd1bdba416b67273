// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/dataio"
)

// A Merger combines the buckets fetched from the map outputs of a
// shuffle into one combiner per key.
type Merger interface {
	// Merge merges a bucket of (key, combiner) Pairs.
	Merge(ctx context.Context, records []interface{}) error
	// Reader returns a reader of the merged Pairs. Reader is called
	// once, after all buckets have been merged.
	Reader(ctx context.Context) (dataio.Reader, error)
}

// HashMerger merges buckets in memory.
type HashMerger struct {
	agg   *bigdag.Aggregator
	index map[interface{}]int
	pairs []dataio.Pair
}

// NewHashMerger returns a new in-memory merger using the provided
// aggregator.
func NewHashMerger(agg *bigdag.Aggregator) *HashMerger {
	return &HashMerger{agg: agg, index: make(map[interface{}]int)}
}

// Merge implements Merger.
func (m *HashMerger) Merge(ctx context.Context, records []interface{}) error {
	for _, rec := range records {
		p, ok := rec.(dataio.Pair)
		if !ok {
			return errors.E(errors.Integrity, fmt.Sprintf("merge: bucket record %v is not a pair", rec))
		}
		k := dataio.MapKey(p.Key)
		if i, ok := m.index[k]; ok {
			m.pairs[i].Value = m.agg.MergeCombiners(m.pairs[i].Value, p.Value)
			continue
		}
		m.index[k] = len(m.pairs)
		m.pairs = append(m.pairs, p)
	}
	return nil
}

// Len returns the number of distinct keys merged.
func (m *HashMerger) Len() int { return len(m.pairs) }

func (m *HashMerger) reset() {
	m.index = make(map[interface{}]int)
	m.pairs = nil
}

// Reader implements Merger.
func (m *HashMerger) Reader(ctx context.Context) (dataio.Reader, error) {
	return dataio.PairReader(m.pairs), nil
}

// sampleFraction is the fraction of expected merges during which
// heap growth is sampled before the spill threshold is decided.
const sampleFraction = 0.1

// DiskMerger merges buckets in memory until a threshold number of
// merges is reached, after which the merged state is sorted by key
// and spilled to disk as a run. Runs are combined by an external
// k-way merge.
//
// The threshold is decided once per merger: during the first tenth
// of the expected merges, heap growth is sampled, and the number of
// merges that fit in the memory budget is extrapolated from it.
type DiskMerger struct {
	// MaxMerge, if positive, fixes the number of merges between
	// spills, disabling sampling.
	MaxMerge int

	agg      *bigdag.Aggregator
	dir      string
	limit    int64
	expected int

	cur      *HashMerger
	nmerge   int // total number of merges
	pending  int // merges since the last spill
	base     uint64
	decided  bool
	spiller  dataio.Spiller
	nspilled int
}

// NewDiskMerger returns a merger that spills to dir (or the system's
// temporary directory), with a memory budget of limit bytes, for a
// shuffle of expected map outputs.
func NewDiskMerger(agg *bigdag.Aggregator, dir string, limit int64, expected int) *DiskMerger {
	return &DiskMerger{
		agg:      agg,
		dir:      dir,
		limit:    limit,
		expected: expected,
		cur:      NewHashMerger(agg),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// Merge implements Merger.
func (m *DiskMerger) Merge(ctx context.Context, records []interface{}) error {
	if m.nmerge == 0 {
		m.base = heapAlloc()
		if m.MaxMerge > 0 {
			m.decided = true
		}
	}
	if err := m.cur.Merge(ctx, records); err != nil {
		return err
	}
	m.nmerge++
	m.pending++
	if !m.decided {
		nsample := int(float64(m.expected) * sampleFraction)
		if nsample < 1 {
			nsample = 1
		}
		if m.nmerge >= nsample {
			m.decide()
		}
	}
	if m.decided && m.pending >= m.MaxMerge {
		return m.spill()
	}
	return nil
}

// decide sets MaxMerge from the heap growth observed so far.
func (m *DiskMerger) decide() {
	m.decided = true
	// The budget covers the merger's own growth; the heap in use when
	// merging began belongs to others.
	var used, growth uint64
	if now := heapAlloc(); now > m.base {
		used = now - m.base
		growth = used / uint64(m.nmerge)
	}
	switch {
	case growth == 0:
		m.MaxMerge = m.expected + 1
	default:
		avail := m.limit - int64(used)
		if avail < 0 {
			avail = 0
		}
		m.MaxMerge = m.nmerge + int(avail/int64(growth))
		if m.MaxMerge < 1 {
			m.MaxMerge = 1
		}
	}
	log.Debug.Printf("disk merger: heap growth %s per merge, limit %s: spilling every %d merges",
		data.Size(growth), data.Size(m.limit), m.MaxMerge)
}

func (m *DiskMerger) spill() error {
	if m.cur.Len() == 0 {
		m.pending = 0
		return nil
	}
	if m.spiller == "" {
		var err error
		if m.spiller, err = dataio.NewSpiller(m.dir, "merge"); err != nil {
			return err
		}
	}
	dataio.SortPairs(m.cur.pairs)
	n, err := m.spiller.SpillPairs(m.cur.pairs)
	if err != nil {
		return err
	}
	log.Debug.Printf("disk merger: spilled %d keys (%s) to disk", m.cur.Len(), data.Size(n))
	mergeSpills.Add(1)
	m.nspilled++
	m.cur.reset()
	m.pending = 0
	return nil
}

// NumSpills returns the number of runs spilled to disk.
func (m *DiskMerger) NumSpills() int { return m.nspilled }

// Reader implements Merger. If the merger spilled, the returned
// reader produces keys in sorted order.
func (m *DiskMerger) Reader(ctx context.Context) (dataio.Reader, error) {
	if m.nspilled == 0 {
		return m.cur.Reader(ctx)
	}
	if err := m.spill(); err != nil {
		return nil, err
	}
	readers, err := m.spiller.Readers()
	if err != nil {
		return nil, err
	}
	if err := m.spiller.Cleanup(); err != nil {
		log.Error.Printf("disk merger: cleanup %s: %v", m.spiller, err)
	}
	return newMergeReader(ctx, m.agg, readers)
}

// runBuffer is a buffered, sorted run.
type runBuffer struct {
	dataio.Reader
	buf   []interface{}
	index int
	n     int
}

func (r *runBuffer) head() dataio.Pair { return r.buf[r.index].(dataio.Pair) }

// fill refills the buffer; it returns dataio.EOF when the run is
// exhausted.
func (r *runBuffer) fill(ctx context.Context) error {
	var err error
	r.n, err = r.Reader.Read(ctx, r.buf)
	r.index = 0
	if err == dataio.EOF && r.n > 0 {
		err = nil
	}
	if err == nil && r.n == 0 {
		err = dataio.EOF
	}
	return err
}

func (r *runBuffer) advance(ctx context.Context) error {
	r.index++
	if r.index < r.n {
		return nil
	}
	return r.fill(ctx)
}

type runHeap []*runBuffer

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	return dataio.Compare(h[i].head().Key, h[j].head().Key) < 0
}
func (h runHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x interface{}) { *h = append(*h, x.(*runBuffer)) }
func (h *runHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// mergeReader merges sorted runs of unique keys, combining the
// combiners of keys that appear in more than one run.
type mergeReader struct {
	agg  *bigdag.Aggregator
	heap runHeap
	err  error
}

func newMergeReader(ctx context.Context, agg *bigdag.Aggregator, readers []dataio.Reader) (dataio.Reader, error) {
	m := &mergeReader{agg: agg}
	for _, r := range readers {
		rb := &runBuffer{Reader: r, buf: make([]interface{}, dataio.SpillBatchSize)}
		switch err := rb.fill(ctx); {
		case err == dataio.EOF:
		case err != nil:
			return nil, err
		default:
			m.heap = append(m.heap, rb)
		}
	}
	heap.Init(&m.heap)
	return m, nil
}

func (m *mergeReader) pop(ctx context.Context) (dataio.Pair, error) {
	top := m.heap[0]
	p := top.head()
	switch err := top.advance(ctx); {
	case err == dataio.EOF:
		heap.Remove(&m.heap, 0)
	case err != nil:
		return p, err
	default:
		heap.Fix(&m.heap, 0)
	}
	return p, nil
}

func (m *mergeReader) Read(ctx context.Context, out []interface{}) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for n < len(out) && len(m.heap) > 0 {
		p, err := m.pop(ctx)
		if err != nil {
			m.err = err
			return 0, err
		}
		for len(m.heap) > 0 && dataio.Compare(m.heap[0].head().Key, p.Key) == 0 {
			q, err := m.pop(ctx)
			if err != nil {
				m.err = err
				return 0, err
			}
			p.Value = m.agg.MergeCombiners(p.Value, q.Value)
		}
		out[n] = p
		n++
	}
	if len(m.heap) == 0 {
		m.err = dataio.EOF
	}
	return n, m.err
}

// Read fetches reduce partition reduceID of the provided shuffle with
// fetcher and merges it with the provided merger, returning a reader
// of the merged Pairs.
func Read(ctx context.Context, fetcher Fetcher, merger Merger, dep *bigdag.ShuffleDependency, reduceID int) (dataio.Reader, error) {
	if dep.NumMaps() == 0 {
		return merger.Reader(ctx)
	}
	err := fetcher.Fetch(ctx, dep.ShuffleID, reduceID, func(mapID int, records []interface{}) error {
		return merger.Merge(ctx, records)
	})
	if err != nil {
		return nil, err
	}
	return merger.Reader(ctx)
}
