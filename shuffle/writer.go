// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"expvar"
	"fmt"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/dataio"
)

var (
	mapRecords  = expvar.NewInt("shufflemaprecords")
	mapBytes    = expvar.NewInt("shufflemapbytes")
	mapGeneral  = expvar.NewInt("shufflegeneralbuckets")
	fetchBytes  = expvar.NewInt("shufflefetchbytes")
	fetchErrors = expvar.NewInt("shufflefetcherrors")
	mergeSpills = expvar.NewInt("shufflemergespills")
)

// persistParallelism bounds the number of buckets of a single map
// output that are encoded and persisted concurrently.
const persistParallelism = 8

// A bucket accumulates the combiners of the keys routed to one reduce
// partition, in the order in which keys were first seen.
type bucket struct {
	index map[interface{}]int
	pairs []dataio.Pair
}

func (b *bucket) add(agg *bigdag.Aggregator, p dataio.Pair) {
	k := dataio.MapKey(p.Key)
	if i, ok := b.index[k]; ok {
		b.pairs[i].Value = agg.MergeValue(b.pairs[i].Value, p.Value)
		return
	}
	b.index[k] = len(b.pairs)
	b.pairs = append(b.pairs, dataio.Pair{Key: p.Key, Value: agg.CreateCombiner(p.Value)})
}

// MapOutputStats describes a written map output.
type MapOutputStats struct {
	Records int64
	Keys    int64
	Bytes   int64
}

// WriteMapOutput writes map output mapID of the provided shuffle
// dependency into store. Each Pair read from r is routed by the
// dependency's partitioner into a bucket, where its value is folded
// into the combiner of its key. Buckets are then encoded and
// persisted. Every bucket is written, including empty ones, so that
// reducers can distinguish an empty bucket from a lost one.
func WriteMapOutput(ctx context.Context, store *Store, dep *bigdag.ShuffleDependency, mapID int, r dataio.Reader) (MapOutputStats, error) {
	var stats MapOutputStats
	if dep.Aggregator == nil {
		return stats, errors.E(errors.Invalid, fmt.Sprintf("shuffle %d: no aggregator", dep.ShuffleID))
	}
	nreduce := dep.NumReduces()
	buckets := make([]bucket, nreduce)
	for i := range buckets {
		buckets[i].index = make(map[interface{}]int)
	}
	err := dataio.ForEach(ctx, r, func(rec interface{}) error {
		p, ok := rec.(dataio.Pair)
		if !ok {
			return errors.E(errors.Fatal, errors.Invalid,
				fmt.Sprintf("shuffle %d: record %v of type %T is not a Pair", dep.ShuffleID, rec, rec))
		}
		b := dep.Partitioner.Partition(p.Key)
		if b < 0 || b >= nreduce {
			return errors.E(errors.Fatal, errors.Invalid,
				fmt.Sprintf("shuffle %d: partitioner returned %d for %d partitions", dep.ShuffleID, b, nreduce))
		}
		buckets[b].add(dep.Aggregator, p)
		stats.Records++
		return nil
	})
	if err != nil {
		return stats, err
	}
	sizes := make([]int, nreduce)
	err = traverse.Limit(persistParallelism).Each(nreduce, func(i int) error {
		records := make([]interface{}, len(buckets[i].pairs))
		for j := range buckets[i].pairs {
			records[j] = buckets[i].pairs[j]
		}
		frame, err := dataio.EncodeFrame(records)
		if err != nil {
			return err
		}
		if dataio.Encoding(frame[0]) == dataio.GeneralObject {
			mapGeneral.Add(1)
		}
		sizes[i] = len(frame)
		return store.Put(ctx, dep.ShuffleID, mapID, i, frame)
	})
	if err != nil {
		return stats, err
	}
	for i := range buckets {
		stats.Keys += int64(len(buckets[i].pairs))
		stats.Bytes += int64(sizes[i])
	}
	mapRecords.Add(stats.Records)
	mapBytes.Add(stats.Bytes)
	log.Debug.Printf("shuffle %d: map %d: wrote %d records (%d keys) into %d buckets (%s)",
		dep.ShuffleID, mapID, stats.Records, stats.Keys, nreduce, data.Size(stats.Bytes))
	return stats, nil
}
