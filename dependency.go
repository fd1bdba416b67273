// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdag

import (
	"fmt"
	"sync/atomic"
)

// A Dependency is an edge from a dataset to one of its parents.
// Dependencies are either narrow (NarrowDependency) or shuffle
// (*ShuffleDependency) dependencies.
type Dependency interface {
	// Parent returns the dataset depended upon.
	Parent() Dataset
}

// A NarrowDependency is a dependency in which each child partition
// depends on a small, statically known set of parent partitions.
// Narrow dependencies are computed within the same stage as their
// child.
type NarrowDependency interface {
	Dependency
	// Parents returns the parent partitions on which the provided child
	// partition depends.
	Parents(child int) []int
}

// OneToOneDependency is a narrow dependency where child partition i
// depends only on parent partition i.
type OneToOneDependency struct {
	Source Dataset
}

// Parent implements Dependency.
func (d OneToOneDependency) Parent() Dataset { return d.Source }

// Parents implements NarrowDependency.
func (d OneToOneDependency) Parents(child int) []int { return []int{child} }

// RangeDependency is a narrow dependency where child partitions
// [OutStart, OutStart+Length) map one-to-one onto parent partitions
// [InStart, InStart+Length).
type RangeDependency struct {
	Source                    Dataset
	InStart, OutStart, Length int
}

// Parent implements Dependency.
func (d RangeDependency) Parent() Dataset { return d.Source }

// Parents implements NarrowDependency.
func (d RangeDependency) Parents(child int) []int {
	if child >= d.OutStart && child < d.OutStart+d.Length {
		return []int{child - d.OutStart + d.InStart}
	}
	return nil
}

var shuffleIDs int64

// A ShuffleDependency redistributes the parent's Pair records by key.
// Each parent partition is written as a map output of one bucket per
// child partition; each child partition merges its bucket from every
// map output.
type ShuffleDependency struct {
	// ShuffleID identifies the shuffle. Shuffle IDs are unique within
	// a process.
	ShuffleID int
	// Source is the map-side dataset.
	Source Dataset
	// Aggregator combines values of the same key.
	Aggregator *Aggregator
	// Partitioner assigns keys to reduce partitions.
	Partitioner Partitioner
}

// NewShuffleDependency returns a new shuffle dependency with a fresh
// shuffle ID.
func NewShuffleDependency(source Dataset, agg *Aggregator, part Partitioner) *ShuffleDependency {
	return &ShuffleDependency{
		ShuffleID:   int(atomic.AddInt64(&shuffleIDs, 1)),
		Source:      source,
		Aggregator:  agg,
		Partitioner: part,
	}
}

// Parent implements Dependency.
func (d *ShuffleDependency) Parent() Dataset { return d.Source }

// NumMaps returns the number of map outputs in the shuffle.
func (d *ShuffleDependency) NumMaps() int { return d.Source.NumPartitions() }

// NumReduces returns the number of buckets in each map output.
func (d *ShuffleDependency) NumReduces() int { return d.Partitioner.NumPartitions() }

func (d *ShuffleDependency) String() string {
	return fmt.Sprintf("shuffle:%d(%s, %dx%d)", d.ShuffleID, d.Source, d.NumMaps(), d.NumReduces())
}
