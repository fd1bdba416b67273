// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"math"
	"math/rand"
	"testing"
)

func TestCompare(t *testing.T) {
	for _, c := range []struct {
		a, b interface{}
		want int
	}{
		{1, 2, -1},
		{2, 1, 1},
		{"a", "a", 0},
		{"a", "b", -1},
		{1, int64(1), -1},
		{nil, false, -1},
		{false, true, -1},
		{math.NaN(), 0.0, -1},
		{[]byte("ab"), []byte("b"), -1},
		{Pair{1, "b"}, Pair{1, "a"}, 1},
		{[]interface{}{1, 2}, []interface{}{1}, 1},
		{testStruct{1, 2, 3}, testStruct{1, 2, 3}, 0},
		{testStruct{1, 2, 3}, testStruct{1, 2, 4}, -1},
	} {
		if got, want := Compare(c.a, c.b), c.want; got != want {
			t.Errorf("Compare(%v, %v): got %v, want %v", c.a, c.b, got, want)
		}
		if got, want := Compare(c.b, c.a), -c.want; got != want {
			t.Errorf("Compare(%v, %v): got %v, want %v", c.b, c.a, got, want)
		}
	}
}

func TestSortPairs(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	pairs := make([]Pair, 1000)
	for i := range pairs {
		pairs[i] = Pair{r.Intn(100), i}
	}
	SortPairs(pairs)
	for i := 1; i < len(pairs); i++ {
		c := Compare(pairs[i-1].Key, pairs[i].Key)
		if c > 0 {
			t.Fatalf("pairs not sorted at %d", i)
		}
		if c == 0 && pairs[i-1].Value.(int) > pairs[i].Value.(int) {
			t.Fatalf("sort not stable at %d", i)
		}
	}
}

func TestMapKey(t *testing.T) {
	m := make(map[interface{}]int)
	keys := []interface{}{
		"a", []byte("a"), 1, int64(1),
		Pair{"a", []byte("b")}, []interface{}{1, "x"},
	}
	for i, k := range keys {
		m[MapKey(k)] = i
	}
	if got, want := len(m), len(keys); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, k := range keys {
		if got, want := m[MapKey(k)], i; got != want {
			t.Errorf("key %v: got %v, want %v", k, got, want)
		}
	}
	if got, want := m[MapKey([]interface{}{1, "x"})], 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
