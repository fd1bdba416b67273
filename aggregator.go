// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdag

// An Aggregator describes how the values of a key are combined across
// a shuffle. Values are first folded into per-key combiners on the
// map side; combiners from different map outputs are then merged on
// the reduce side. MergeCombiners must be associative, and for
// deterministic results, commutative, as the order in which map
// outputs are merged is unspecified.
type Aggregator struct {
	// CreateCombiner creates a combiner from the first value of a key.
	CreateCombiner func(value interface{}) interface{}
	// MergeValue folds a value into a combiner.
	MergeValue func(combiner, value interface{}) interface{}
	// MergeCombiners merges two combiners of the same key.
	MergeCombiners func(c1, c2 interface{}) interface{}
}

// ReduceAggregator returns an aggregator that reduces values with
// the provided function, which is used both to merge values and
// combiners.
func ReduceAggregator(reduce func(a, b interface{}) interface{}) *Aggregator {
	return &Aggregator{
		CreateCombiner: func(v interface{}) interface{} { return v },
		MergeValue:     reduce,
		MergeCombiners: reduce,
	}
}

// GroupAggregator returns an aggregator that collects the values of
// each key into a []interface{}.
func GroupAggregator() *Aggregator {
	return &Aggregator{
		CreateCombiner: func(v interface{}) interface{} { return []interface{}{v} },
		MergeValue: func(c, v interface{}) interface{} {
			return append(c.([]interface{}), v)
		},
		MergeCombiners: func(c1, c2 interface{}) interface{} {
			l1, l2 := c1.([]interface{}), c2.([]interface{})
			out := make([]interface{}, 0, len(l1)+len(l2))
			return append(append(out, l1...), l2...)
		},
	}
}
