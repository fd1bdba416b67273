// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdag

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigdag/dataio"
)

// A Dataset is a partitioned, lazily computed collection of records.
// Datasets are immutable: the scheduler references them but never
// modifies them.
type Dataset interface {
	// ID returns the dataset's process-unique identifier.
	ID() int
	// NumPartitions returns the number of partitions in the dataset.
	NumPartitions() int
	// Dependencies returns the dataset's dependencies on its parents.
	Dependencies() []Dependency
	// Compute returns a reader of the provided partition. Parent
	// partitions are read through the task context.
	Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error)
	// PreferredLocations returns the hosts on which the partition is
	// cheapest to compute, if any.
	PreferredLocations(split int) []string
}

// TaskContext is the environment in which a dataset partition is
// computed. It is provided by the executor running the task.
type TaskContext interface {
	// Iterate returns a reader of the provided partition of dataset
	// ds, consulting the cache for datasets marked with Cache.
	Iterate(ctx context.Context, ds Dataset, split int) (dataio.Reader, error)
	// ReadShuffle returns a reader of the merged Pairs of reduce
	// partition reduceID of the provided shuffle.
	ReadShuffle(ctx context.Context, dep *ShuffleDependency, reduceID int) (dataio.Reader, error)
	// Host returns the name of the host on which the task runs.
	Host() string
}

// IsCached tells whether the dataset's partitions should be cached
// once computed.
func IsCached(ds Dataset) bool {
	c, ok := ds.(interface{ Cached() bool })
	return ok && c.Cached()
}

var datasetIDs int64

// base implements the bookkeeping common to all datasets.
type base struct {
	id    int
	op    string
	npart int
	deps  []Dependency
}

func makeBase(op string, nparts int, deps ...Dependency) base {
	return base{
		id:    int(atomic.AddInt64(&datasetIDs, 1)),
		op:    op,
		npart: nparts,
		deps:  deps,
	}
}

func (b *base) ID() int                         { return b.id }
func (b *base) NumPartitions() int              { return b.npart }
func (b *base) Dependencies() []Dependency      { return b.deps }
func (b *base) PreferredLocations(int) []string { return nil }
func (b *base) String() string                  { return fmt.Sprintf("%s@%d", b.op, b.id) }

type parallelized struct {
	base
	records   []interface{}
	locations [][]string
}

// Parallelize returns a dataset of the provided records, split into
// nparts partitions of near-equal size.
func Parallelize(records []interface{}, nparts int) Dataset {
	if nparts < 1 {
		panic(errors.E(errors.Invalid, "parallelize: nparts must be >= 1"))
	}
	return &parallelized{base: makeBase("parallelize", nparts), records: records}
}

// ParallelizeAt is like Parallelize, but each partition i prefers
// to be computed on hosts locations[i].
func ParallelizeAt(records []interface{}, locations [][]string) Dataset {
	p := Parallelize(records, len(locations)).(*parallelized)
	p.locations = locations
	return p
}

func (p *parallelized) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	n := len(p.records)
	beg, end := n*split/p.npart, n*(split+1)/p.npart
	return dataio.SliceReader(p.records[beg:end]), nil
}

func (p *parallelized) PreferredLocations(split int) []string {
	if p.locations == nil {
		return nil
	}
	return p.locations[split]
}

type mapped struct {
	base
	parent Dataset
	fn     func(interface{}) interface{}
}

// Map returns a dataset with fn applied to each record of parent.
func Map(parent Dataset, fn func(interface{}) interface{}) Dataset {
	return &mapped{makeBase("map", parent.NumPartitions(), OneToOneDependency{parent}), parent, fn}
}

func (m *mapped) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	r, err := tc.Iterate(ctx, m.parent, split)
	if err != nil {
		return nil, err
	}
	return dataio.ReaderFunc(func(ctx context.Context, out []interface{}) (int, error) {
		n, err := r.Read(ctx, out)
		for i := 0; i < n; i++ {
			out[i] = m.fn(out[i])
		}
		return n, err
	}), nil
}

type flatMapped struct {
	base
	parent Dataset
	fn     func(interface{}) []interface{}
}

// FlatMap returns a dataset of the concatenation of fn applied to
// each record of parent.
func FlatMap(parent Dataset, fn func(interface{}) []interface{}) Dataset {
	return &flatMapped{makeBase("flatmap", parent.NumPartitions(), OneToOneDependency{parent}), parent, fn}
}

func (f *flatMapped) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	r, err := tc.Iterate(ctx, f.parent, split)
	if err != nil {
		return nil, err
	}
	var (
		pending []interface{}
		in      = make([]interface{}, dataio.DefaultChunksize)
		eof     bool
	)
	return dataio.ReaderFunc(func(ctx context.Context, out []interface{}) (int, error) {
		for len(pending) == 0 && !eof {
			n, err := r.Read(ctx, in)
			if err != nil && err != dataio.EOF {
				return 0, err
			}
			eof = err == dataio.EOF
			for i := 0; i < n; i++ {
				pending = append(pending, f.fn(in[i])...)
			}
		}
		n := copy(out, pending)
		pending = pending[n:]
		if len(pending) == 0 && eof {
			return n, dataio.EOF
		}
		return n, nil
	}), nil
}

type filtered struct {
	base
	parent Dataset
	pred   func(interface{}) bool
}

// Filter returns a dataset of the records of parent for which pred
// returns true.
func Filter(parent Dataset, pred func(interface{}) bool) Dataset {
	return &filtered{makeBase("filter", parent.NumPartitions(), OneToOneDependency{parent}), parent, pred}
}

func (f *filtered) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	r, err := tc.Iterate(ctx, f.parent, split)
	if err != nil {
		return nil, err
	}
	return dataio.ReaderFunc(func(ctx context.Context, out []interface{}) (int, error) {
		for {
			n, err := r.Read(ctx, out)
			m := 0
			for i := 0; i < n; i++ {
				if f.pred(out[i]) {
					out[m] = out[i]
					m++
				}
			}
			if m > 0 || err != nil {
				return m, err
			}
		}
	}), nil
}

type mapPartitions struct {
	base
	parent Dataset
	fn     func(split int, r dataio.Reader) dataio.Reader
}

// MapPartitions returns a dataset where each partition is the reader
// returned by fn for the corresponding partition of parent.
func MapPartitions(parent Dataset, fn func(split int, r dataio.Reader) dataio.Reader) Dataset {
	return &mapPartitions{makeBase("mappartitions", parent.NumPartitions(), OneToOneDependency{parent}), parent, fn}
}

func (m *mapPartitions) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	r, err := tc.Iterate(ctx, m.parent, split)
	if err != nil {
		return nil, err
	}
	return m.fn(split, r), nil
}

type union struct {
	base
	parents []Dataset
}

// Union returns the concatenation of the provided datasets: its
// partitions are those of datasets[0], followed by those of
// datasets[1], and so on.
func Union(datasets ...Dataset) Dataset {
	if len(datasets) == 0 {
		panic(errors.E(errors.Invalid, "union: no datasets"))
	}
	var (
		deps []Dependency
		n    int
	)
	for _, ds := range datasets {
		deps = append(deps, RangeDependency{Source: ds, InStart: 0, OutStart: n, Length: ds.NumPartitions()})
		n += ds.NumPartitions()
	}
	return &union{makeBase("union", n, deps...), datasets}
}

func (u *union) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	for _, dep := range u.deps {
		dep := dep.(RangeDependency)
		if parents := dep.Parents(split); len(parents) > 0 {
			return tc.Iterate(ctx, dep.Source, parents[0])
		}
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("union: partition %d out of range", split))
}

func (u *union) PreferredLocations(split int) []string {
	for _, dep := range u.deps {
		dep := dep.(RangeDependency)
		if parents := dep.Parents(split); len(parents) > 0 {
			return dep.Source.PreferredLocations(parents[0])
		}
	}
	return nil
}

type shuffled struct {
	base
	dep *ShuffleDependency
}

// CombineByKey returns a dataset of Pairs in which the values of each
// key of parent (a dataset of Pairs) are combined with the provided
// aggregator. Keys are redistributed across the partitions of part.
func CombineByKey(parent Dataset, agg *Aggregator, part Partitioner) Dataset {
	dep := NewShuffleDependency(parent, agg, part)
	return &shuffled{makeBase("combinebykey", part.NumPartitions(), dep), dep}
}

// ReduceByKey returns a dataset of Pairs in which the values of
// each key are reduced with fn, across nparts hash partitions.
func ReduceByKey(parent Dataset, fn func(a, b interface{}) interface{}, nparts int) Dataset {
	return CombineByKey(parent, ReduceAggregator(fn), HashPartitioner(nparts))
}

// GroupByKey returns a dataset of Pairs whose values are the
// []interface{} of all values of each key, across nparts hash
// partitions.
func GroupByKey(parent Dataset, nparts int) Dataset {
	return CombineByKey(parent, GroupAggregator(), HashPartitioner(nparts))
}

func (s *shuffled) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	return tc.ReadShuffle(ctx, s.dep, split)
}

type cached struct {
	base
	parent Dataset
}

// Cache returns a dataset with the same contents as parent whose
// partitions are retained on the hosts that compute them. Later
// jobs read cached partitions instead of recomputing them, and
// prefer to run on the hosts holding them.
func Cache(parent Dataset) Dataset {
	return &cached{makeBase("cache", parent.NumPartitions(), OneToOneDependency{parent}), parent}
}

func (c *cached) Cached() bool { return true }

func (c *cached) Compute(ctx context.Context, tc TaskContext, split int) (dataio.Reader, error) {
	return tc.Iterate(ctx, c.parent, split)
}

func (c *cached) PreferredLocations(split int) []string {
	return c.parent.PreferredLocations(split)
}
