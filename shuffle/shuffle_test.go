// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/dataio"
	"github.com/grailbio/bigdag/tracker"
	"github.com/grailbio/testutil"
)

func init() {
	log.AddFlags()
}

var sum = bigdag.ReduceAggregator(func(a, b interface{}) interface{} {
	return a.(int) + b.(int)
})

// testCluster is a set of stores with their shuffle servers, and a
// map output tracker.
type testCluster struct {
	stores  []*Store
	servers []*Server
	tracker *tracker.MapOutputTracker
	reg     *tracker.Server
}

func newTestCluster(t *testing.T, dir string, nhost int) *testCluster {
	t.Helper()
	c := &testCluster{reg: tracker.NewServer()}
	c.tracker = tracker.NewMapOutputTracker(c.reg)
	for i := 0; i < nhost; i++ {
		store, err := NewStore(fmt.Sprintf("%s/host%d", dir, i), fmt.Sprint("host", i))
		if err != nil {
			t.Fatal(err)
		}
		srv, err := Serve(store, "")
		if err != nil {
			t.Fatal(err)
		}
		c.stores = append(c.stores, store)
		c.servers = append(c.servers, srv)
	}
	return c
}

func (c *testCluster) Close() {
	ctx := context.Background()
	for _, srv := range c.servers {
		srv.Close(ctx)
	}
	c.reg.Stop(ctx)
}

// write writes the provided map inputs as a shuffle, placing map
// output i on host i%nhost, and publishes it.
func (c *testCluster) write(t *testing.T, dep *bigdag.ShuffleDependency, inputs [][]dataio.Pair) {
	t.Helper()
	ctx := context.Background()
	uris := make([]string, len(inputs))
	for i, in := range inputs {
		h := i % len(c.stores)
		if _, err := WriteMapOutput(ctx, c.stores[h], dep, i, dataio.PairReader(in)); err != nil {
			t.Fatal(err)
		}
		uris[i] = c.servers[h].URI
	}
	if err := c.tracker.Register(ctx, dep.ShuffleID, uris); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, fetcher Fetcher, newMerger func() Merger, dep *bigdag.ShuffleDependency) map[interface{}]interface{} {
	t.Helper()
	ctx := context.Background()
	got := make(map[interface{}]interface{})
	for r := 0; r < dep.NumReduces(); r++ {
		reader, err := Read(ctx, fetcher, newMerger(), dep, r)
		if err != nil {
			t.Fatal(err)
		}
		records, err := dataio.ReadAll(ctx, reader)
		if err != nil {
			t.Fatal(err)
		}
		for _, rec := range records {
			p := rec.(dataio.Pair)
			if dep.Partitioner.Partition(p.Key) != r {
				t.Errorf("key %v in wrong partition %d", p.Key, r)
			}
			if _, ok := got[p.Key]; ok {
				t.Errorf("duplicate key %v", p.Key)
			}
			got[p.Key] = p.Value
		}
	}
	return got
}

func expected(inputs [][]dataio.Pair) map[interface{}]interface{} {
	want := make(map[interface{}]interface{})
	for _, in := range inputs {
		for _, p := range in {
			if v, ok := want[p.Key]; ok {
				want[p.Key] = v.(int) + p.Value.(int)
			} else {
				want[p.Key] = p.Value
			}
		}
	}
	return want
}

func fuzzInputs(fz *fuzz.Fuzzer, nmap, nrec, nkey int) [][]dataio.Pair {
	fz.NilChance(0).NumElements(nrec, nrec)
	inputs := make([][]dataio.Pair, nmap)
	for i := range inputs {
		var (
			keys   []uint16
			values []int8
		)
		fz.Fuzz(&keys)
		fz.Fuzz(&values)
		inputs[i] = make([]dataio.Pair, nrec)
		for j := range inputs[i] {
			inputs[i][j] = dataio.Pair{Key: fmt.Sprint("k", int(keys[j])%nkey), Value: int(values[j])}
		}
	}
	return inputs
}

func TestRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	c := newTestCluster(t, dir, 3)
	defer c.Close()

	fz := fuzz.NewWithSeed(12345)
	fz.NilChance(0)
	skewed := fuzzInputs(fz, 5, 1000, 1000)
	for i := range skewed {
		for j := 0; j < len(skewed[i]); j += 2 {
			skewed[i][j].Key = "hot"
		}
	}
	for _, test := range []struct {
		name    string
		inputs  [][]dataio.Pair
		nreduce int
	}{
		{"empty", [][]dataio.Pair{nil, nil, nil}, 4},
		{"single", fuzzInputs(fz, 1, 500, 50), 1},
		{"many", fuzzInputs(fz, 7, 500, 200), 5},
		{"skewed", skewed, 4},
	} {
		var (
			ds  = bigdag.Parallelize(nil, len(test.inputs))
			dep = bigdag.NewShuffleDependency(ds, sum, bigdag.HashPartitioner(test.nreduce))
		)
		c.write(t, dep, test.inputs)
		want := expected(test.inputs)
		simple := &SimpleFetcher{Tracker: c.tracker, Local: c.stores[0], LocalURI: c.servers[0].URI}
		parallel := NewParallelFetcher(simple, 3)
		defer parallel.Stop()
		for _, fetcher := range []Fetcher{simple, parallel} {
			mergers := map[string]func() Merger{
				"hash": func() Merger { return NewHashMerger(sum) },
				"disk": func() Merger {
					m := NewDiskMerger(sum, dir, 1<<30, len(test.inputs))
					m.MaxMerge = 2
					return m
				},
				"sampled": func() Merger { return NewDiskMerger(sum, dir, 0, len(test.inputs)) },
			}
			for name, newMerger := range mergers {
				got := readAll(t, fetcher, newMerger, dep)
				if len(got) == 0 && len(want) == 0 {
					continue
				}
				if !reflect.DeepEqual(got, want) {
					t.Errorf("%s/%T/%s: got %d keys, want %d keys", test.name, fetcher, name, len(got), len(want))
				}
			}
		}
	}
}

func TestDiskMergerSpills(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	m := NewDiskMerger(sum, dir, 0, 10)
	m.MaxMerge = 3
	want := make(map[interface{}]int)
	for i := 0; i < 10; i++ {
		var records []interface{}
		for k := 0; k < 100; k++ {
			key := (k * (i + 1)) % 37
			records = append(records, dataio.Pair{Key: key, Value: 1})
			want[key]++
		}
		// Keys must be unique within a bucket.
		h := NewHashMerger(sum)
		if err := h.Merge(ctx, records); err != nil {
			t.Fatal(err)
		}
		r, _ := h.Reader(ctx)
		bucket, _ := dataio.ReadAll(ctx, r)
		if err := m.Merge(ctx, bucket); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := m.NumSpills(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r, err := m.Reader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	records, err := dataio.ReadAll(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(records), len(want); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, rec := range records {
		p := rec.(dataio.Pair)
		if i > 0 && dataio.Compare(records[i-1].(dataio.Pair).Key, p.Key) >= 0 {
			t.Errorf("keys out of order at %d", i)
		}
		if got, want := p.Value.(int), want[p.Key]; got != want {
			t.Errorf("key %v: got %v, want %v", p.Key, got, want)
		}
	}
}

func TestDiskMergerSampling(t *testing.T) {
	ctx := context.Background()
	m := NewDiskMerger(sum, "", 1<<40, 20)
	for i := 0; i < 20; i++ {
		if err := m.Merge(ctx, []interface{}{dataio.Pair{Key: i, Value: i}}); err != nil {
			t.Fatal(err)
		}
	}
	if !m.decided {
		t.Fatal("merger did not decide a spill threshold")
	}
	if got, want := m.NumSpills(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDiskMergerBudgetExcludesExistingHeap(t *testing.T) {
	ctx := context.Background()
	// Heap held by others when merging begins does not count against
	// the merger's budget.
	unrelated := make([]byte, 200<<20)
	for i := range unrelated {
		unrelated[i] = byte(i)
	}
	const (
		nbucket = 100
		npair   = 20
	)
	buckets := make([][]interface{}, nbucket)
	for i := range buckets {
		for k := 0; k < npair; k++ {
			buckets[i] = append(buckets[i], dataio.Pair{Key: i*npair + k, Value: 1})
		}
	}
	m := NewDiskMerger(sum, "", 64<<20, nbucket)
	for _, bucket := range buckets {
		if err := m.Merge(ctx, bucket); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := m.NumSpills(), 0; got != want {
		t.Errorf("got %v spills, want %v", got, want)
	}
	if m.MaxMerge <= nbucket {
		t.Errorf("got MaxMerge %v, want more than %v", m.MaxMerge, nbucket)
	}
	r, err := m.Reader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	records, err := dataio.ReadAll(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(records), nbucket*npair; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	runtime.KeepAlive(unrelated)
}

func TestFetchFailed(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	c := newTestCluster(t, dir, 2)
	defer c.Close()

	fz := fuzz.NewWithSeed(1)
	inputs := fuzzInputs(fz, 4, 100, 10)
	dep := bigdag.NewShuffleDependency(bigdag.Parallelize(nil, 4), sum, bigdag.HashPartitioner(2))
	c.write(t, dep, inputs)
	// Map output 3 is stored on host 1.
	if err := c.stores[1].RemoveMap(dep.ShuffleID, 3); err != nil {
		t.Fatal(err)
	}
	simple := &SimpleFetcher{Tracker: c.tracker}
	parallel := NewParallelFetcher(simple, 2)
	defer parallel.Stop()
	for _, fetcher := range []Fetcher{simple, parallel} {
		_, err := Read(context.Background(), fetcher, NewHashMerger(sum), dep, 0)
		if err == nil {
			t.Fatal("expected error")
		}
		if !errors.Is(errors.Unavailable, err) {
			t.Errorf("expected unavailable error, got %v", err)
		}
		ff, ok := IsFetchFailed(err)
		if !ok {
			t.Fatalf("expected fetch failure, got %v", err)
		}
		if got, want := *ff, (FetchFailedError{c.servers[1].URI, dep.ShuffleID, 3, 0, ff.Err}); got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}
	// The parallel fetcher recovers once the output is rewritten.
	ctx := context.Background()
	if _, err := WriteMapOutput(ctx, c.stores[1], dep, 3, dataio.PairReader(inputs[3])); err != nil {
		t.Fatal(err)
	}
	got := readAll(t, parallel, func() Merger { return NewHashMerger(sum) }, dep)
	if want := expected(inputs); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStore(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	store, err := NewStore(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := store.Get(1, 2, 3); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	if err := store.Put(ctx, 1, 2, 3, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, 1, 2, 3, []byte("second")); err != nil {
		t.Fatal(err)
	}
	p, err := store.Get(1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(p), "second"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := store.Path(1, 2, 3), dir+"/1/2/3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := store.RemoveShuffle(1); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(1, 2, 3); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
}

func TestWriteMapOutputRejectsNonPairs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	store, err := NewStore(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	dep := bigdag.NewShuffleDependency(bigdag.Parallelize(nil, 1), sum, bigdag.HashPartitioner(2))
	_, err = WriteMapOutput(context.Background(), store, dep, 0, dataio.SliceReader([]interface{}{1}))
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
