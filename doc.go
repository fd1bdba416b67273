// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigdag defines the dataset model of a data-parallel compute
	engine: partitioned datasets, the dependency edges between them, and
	the aggregators and partitioners that govern shuffles.

	A Dataset is a lazily evaluated recipe. Each of its partitions is
	computed from a bounded set of parent partitions (a narrow
	dependency) or from data redistributed across all of the parent's
	partitions by key (a shuffle dependency). Shuffle dependencies
	determine stage boundaries: package exec compiles a dataset graph
	into stages split at shuffles, schedules their tasks on a cluster,
	and recovers lost shuffle outputs by recomputing just the map
	partitions that produced them.

	Datasets are built with the constructors in this package:

		words := bigdag.FlatMap(bigdag.Parallelize(lines, 8), split)
		counts := bigdag.ReduceByKey(
			bigdag.Map(words, func(w interface{}) interface{} {
				return bigdag.Pair{Key: w, Value: 1}
			}),
			func(a, b interface{}) interface{} { return a.(int) + b.(int) },
			4)

	Keyed datasets carry records of type Pair. Values that are not
	builtin scalars, Pairs, or []interface{} must be registered with
	encoding/gob, as they are shipped between hosts in gob-encoded
	shuffle buckets.
*/
package bigdag
