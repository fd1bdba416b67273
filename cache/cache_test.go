// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"io"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/dataio"
	"github.com/grailbio/bigdag/tracker"
	"github.com/grailbio/testutil"
)

func init() {
	log.AddFlags()
}

func records(n int) []interface{} {
	recs := make([]interface{}, n)
	for i := range recs {
		recs[i] = bigdag.Pair{Key: i, Value: "x"}
	}
	return recs
}

func TestStoreEviction(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "cache")
	defer cleanup()
	ctx := context.Background()
	store, err := NewStore(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	store.Put("cache:1-0", records(10))
	store.Put("cache:1-1", records(3000))
	store.Put("cache:1-2", nil)
	if got, want := store.Len(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The first entry was evicted to disk.
	if !store.Contains(ctx, "cache:1-0") {
		t.Error("evicted entry missing")
	}
	recs, ok := store.Get(ctx, "cache:1-0")
	if !ok {
		t.Fatal("evicted entry not found")
	}
	if got, want := recs, records(10); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Promoting it evicted the 3000-record entry.
	recs, ok = store.Get(ctx, "cache:1-1")
	if !ok {
		t.Fatal("evicted entry not found")
	}
	if got, want := len(recs), 3000; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	recs, ok = store.Get(ctx, "cache:1-2")
	if !ok {
		t.Fatal("empty entry not found")
	}
	if got, want := len(recs), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := store.Get(ctx, "cache:2-0"); ok {
		t.Error("unexpected entry")
	}

	store.Remove(ctx, "cache:1-0")
	store.Remove(ctx, "cache:1-1")
	for _, key := range []string{"cache:1-0", "cache:1-1"} {
		if store.Contains(ctx, key) {
			t.Errorf("%s: not removed", key)
		}
	}
}

type testEnv struct {
	reg      *tracker.Server
	tracker  *Tracker
	ds       bigdag.Dataset
	ncompute int32
	cleanup  func()
}

func newTestEnv(t *testing.T) *testEnv {
	dir, cleanup := testutil.TempDir(t, "", "cache")
	store, err := NewStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	reg := tracker.NewServer()
	env := &testEnv{
		reg:     reg,
		tracker: NewTracker(reg, "host0", store),
		ds:      bigdag.Parallelize(records(100), 4),
	}
	env.cleanup = func() {
		_ = reg.Stop(context.Background())
		cleanup()
	}
	return env
}

func (e *testEnv) compute(split int) ComputeFunc {
	return func(ctx context.Context) (dataio.Reader, error) {
		atomic.AddInt32(&e.ncompute, 1)
		return dataio.SliceReader(records(25)), nil
	}
}

func (e *testEnv) computed() int { return int(atomic.LoadInt32(&e.ncompute)) }

func TestGetOrCompute(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := env.tracker.GetOrCompute(ctx, env.ds, 1, env.compute(1))
		if err != nil {
			t.Fatal(err)
		}
		recs, err := dataio.ReadAll(ctx, r)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := recs, records(25); !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := env.computed(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	locs, err := env.tracker.Locations(ctx, env.ds)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := locs, [][]string{nil, {"host0"}, nil, nil}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := env.tracker.Clear(ctx, env.ds.ID()); err != nil {
		t.Fatal(err)
	}
	locs, err = env.tracker.Locations(ctx, env.ds)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := locs, make([][]string, 4); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	r, err := env.tracker.GetOrCompute(ctx, env.ds, 1, env.compute(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dataio.ReadAll(ctx, r); err != nil {
		t.Fatal(err)
	}
	if got, want := env.computed(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGetOrComputeAbandoned(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	r, err := env.tracker.GetOrCompute(ctx, env.ds, 0, env.compute(0))
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]interface{}, 5)
	if n, err := r.Read(ctx, buf); err != nil || n != 5 {
		t.Fatalf("read %d records: %v", n, err)
	}
	if err := r.(io.Closer).Close(); err != nil {
		t.Fatal(err)
	}
	locs, err := env.tracker.Locations(ctx, env.ds)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(locs[0]), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r, err = env.tracker.GetOrCompute(ctx, env.ds, 0, env.compute(0))
	if err != nil {
		t.Fatal(err)
	}
	recs, err := dataio.ReadAll(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(recs), 25; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := env.computed(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGetOrComputeConcurrent(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	first, err := env.tracker.GetOrCompute(ctx, env.ds, 2, env.compute(2))
	if err != nil {
		t.Fatal(err)
	}
	type result struct {
		recs []interface{}
		err  error
	}
	resultc := make(chan result, 1)
	go func() {
		r, err := env.tracker.GetOrCompute(ctx, env.ds, 2, env.compute(2))
		if err != nil {
			resultc <- result{nil, err}
			return
		}
		recs, err := dataio.ReadAll(ctx, r)
		resultc <- result{recs, err}
	}()
	select {
	case <-resultc:
		t.Fatal("second computation did not wait for the first")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := dataio.ReadAll(ctx, first); err != nil {
		t.Fatal(err)
	}
	res := <-resultc
	if res.err != nil {
		t.Fatal(res.err)
	}
	if got, want := res.recs, records(25); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := env.computed(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// A waiter gives up when its context is done.
	first, err = env.tracker.GetOrCompute(ctx, env.ds, 3, env.compute(3))
	if err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := env.tracker.GetOrCompute(wctx, env.ds, 3, env.compute(3)); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
	if err := first.(io.Closer).Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveHost(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()
	for split := 0; split < env.ds.NumPartitions(); split++ {
		r, err := env.tracker.GetOrCompute(ctx, env.ds, split, env.compute(split))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dataio.ReadAll(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.reg.Add(ctx, tracker.CacheKey(env.ds.ID(), 0), "host1"); err != nil {
		t.Fatal(err)
	}
	if err := env.tracker.RemoveHost(ctx, "host0"); err != nil {
		t.Fatal(err)
	}
	locs, err := env.tracker.Locations(ctx, env.ds)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := locs, [][]string{{"host1"}, nil, nil, nil}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
