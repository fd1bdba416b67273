// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigdag

import (
	"bytes"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestHashPartitioner(t *testing.T) {
	const N = 1000
	fz := fuzz.NewWithSeed(1)
	fz.NumElements(N, N)
	var keys []string
	fz.Fuzz(&keys)
	part := HashPartitioner(8)
	counts := make([]int, part.NumPartitions())
	for _, k := range keys {
		p := part.Partition(k)
		if p < 0 || p >= 8 {
			t.Fatalf("partition %d out of range", p)
		}
		if got, want := part.Partition(k), p; got != want {
			t.Errorf("nondeterministic partition for %q: %v, %v", k, got, want)
		}
		counts[p]++
	}
	for i, c := range counts {
		if c == 0 {
			t.Errorf("partition %d is empty", i)
		}
	}
	for _, key := range []interface{}{nil, true, -1, int32(5), int64(5), uint64(5), 1.5, []byte("x"), Pair{Key: 1, Value: 2}, []interface{}{"a"}} {
		if got, want := part.Partition(key), part.Partition(key); got != want {
			t.Errorf("nondeterministic partition for %v", key)
		}
	}
	if got, want := HashPartitioner(1).Partition("x"), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHashPartitionerSignedZero(t *testing.T) {
	negZero := math.Copysign(0, -1)
	if got, want := appendKey(nil, negZero), appendKey(nil, 0.0); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
	part := HashPartitioner(64)
	if got, want := part.Partition(negZero), part.Partition(0.0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := appendKey(nil, Pair{Key: negZero, Value: "k"}), appendKey(nil, Pair{Key: 0.0, Value: "k"}); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}
