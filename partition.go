// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdag

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/bigdag/dataio"
	"github.com/spaolacci/murmur3"
)

// A Partition identifies a single partition of a dataset.
type Partition struct {
	DatasetID, Index int
}

func (p Partition) String() string {
	return fmt.Sprintf("%d:%d", p.DatasetID, p.Index)
}

// A Partitioner assigns keys to partitions. Partitioners must be
// deterministic across processes: map tasks running on different
// hosts must route equal keys to the same partition.
type Partitioner interface {
	// NumPartitions returns the number of partitions.
	NumPartitions() int
	// Partition returns the partition of the provided key, in
	// [0, NumPartitions()).
	Partition(key interface{}) int
}

// HashPartitioner partitions keys by their murmur3 hash. Its value is
// the number of partitions.
type HashPartitioner int

// NumPartitions implements Partitioner.
func (h HashPartitioner) NumPartitions() int { return int(h) }

// Partition implements Partitioner.
func (h HashPartitioner) Partition(key interface{}) int {
	if h <= 1 {
		return 0
	}
	var buf [64]byte
	return int(murmur3.Sum32(appendKey(buf[:0], key)) % uint32(h))
}

// appendKey appends a canonical byte representation of key to b.
// Keys of different dynamic types have different representations.
func appendKey(b []byte, key interface{}) []byte {
	var scratch [8]byte
	switch key := key.(type) {
	case nil:
		return append(b, 0)
	case bool:
		if key {
			return append(b, 1, 1)
		}
		return append(b, 1, 0)
	case int:
		binary.LittleEndian.PutUint64(scratch[:], uint64(key))
		return append(append(b, 2), scratch[:]...)
	case int32:
		binary.LittleEndian.PutUint32(scratch[:4], uint32(key))
		return append(append(b, 3), scratch[:4]...)
	case int64:
		binary.LittleEndian.PutUint64(scratch[:], uint64(key))
		return append(append(b, 4), scratch[:]...)
	case uint64:
		binary.LittleEndian.PutUint64(scratch[:], key)
		return append(append(b, 5), scratch[:]...)
	case float64:
		// -0 == +0, so they must hash alike.
		if key == 0 {
			key = 0
		}
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(key))
		return append(append(b, 6), scratch[:]...)
	case string:
		return append(append(b, 7), key...)
	case []byte:
		return append(append(b, 8), key...)
	case Pair:
		b = appendKey(append(b, 9), key.Key)
		return appendKey(b, key.Value)
	case []interface{}:
		b = append(b, 10)
		for _, e := range key {
			b = appendKey(b, e)
		}
		return b
	default:
		return append(append(b, 11), fmt.Sprintf("%T:%#v", key, key)...)
	}
}

// Pair is the record type of keyed datasets.
type Pair = dataio.Pair
