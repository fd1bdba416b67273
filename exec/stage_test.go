// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/bigdag"
)

func add(a, b interface{}) interface{} { return a.(int) + b.(int) }

func identity(v interface{}) interface{} { return v }

func pairs(n, nkeys int) []interface{} {
	records := make([]interface{}, n)
	for i := range records {
		records[i] = bigdag.Pair{Key: i % nkeys, Value: 1}
	}
	return records
}

type testLocator struct {
	registered map[int]int
	locs       map[int][][]string
}

func (l *testLocator) RegisterDataset(id, n int) { l.registered[id] = n }

func (l *testLocator) Locations(ctx context.Context, ds bigdag.Dataset) ([][]string, error) {
	locs := l.locs[ds.ID()]
	if locs == nil {
		locs = make([][]string, ds.NumPartitions())
	}
	return locs, nil
}

func TestStageGraphReuse(t *testing.T) {
	var (
		ctx     = context.Background()
		src     = bigdag.Parallelize(pairs(100, 10), 4)
		reduced = bigdag.ReduceByKey(src, add, 2)
		g       = newStageGraph(nil)
	)
	s1 := g.resultStage(bigdag.Map(reduced, identity))
	s2 := g.resultStage(bigdag.Filter(reduced, func(interface{}) bool { return true }))
	if got, want := len(g.stages), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := s1.Parents, s2.Parents; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(s1.Parents), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	ms := g.stage(s1.Parents[0])
	if !ms.IsShuffleMap() {
		t.Fatalf("%s is not a map stage", ms)
	}
	if got, want := ms.NumPartitions, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s1.NumPartitions, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	dep := reduced.Dependencies()[0].(*bigdag.ShuffleDependency)
	if got, want := g.shuffleMapStage(dep), ms; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if got, want := g.missingParentStages(ctx, s1), []int{ms.ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for p := 0; p < ms.NumPartitions; p++ {
		ms.addOutputLoc(p, "u0")
	}
	if !ms.IsAvailable() {
		t.Fatalf("%s not available", ms)
	}
	if got := g.missingParentStages(ctx, s1); len(got) != 0 {
		t.Errorf("unexpected missing stages %v", got)
	}
}

func TestStageChain(t *testing.T) {
	var (
		ctx   = context.Background()
		src   = bigdag.Parallelize(pairs(100, 10), 4)
		inner = bigdag.ReduceByKey(src, add, 3)
		swap  = bigdag.Map(inner, func(v interface{}) interface{} {
			p := v.(bigdag.Pair)
			return bigdag.Pair{Key: p.Value, Value: 1}
		})
		outer = bigdag.ReduceByKey(swap, add, 2)
		g     = newStageGraph(nil)
	)
	s := g.resultStage(outer)
	if got, want := len(g.stages), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	outerStage := g.stage(s.Parents[0])
	if got, want := outerStage.NumPartitions, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(outerStage.Parents), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	innerStage := g.stage(outerStage.Parents[0])
	if got, want := innerStage.NumPartitions, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Only the direct parents are missing from the result stage's
	// point of view.
	if got, want := g.missingParentStages(ctx, s), []int{outerStage.ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.missingParentStages(ctx, outerStage), []int{innerStage.ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStageOutputLocs(t *testing.T) {
	var (
		src     = bigdag.Parallelize(pairs(100, 10), 4)
		reduced = bigdag.ReduceByKey(src, add, 2)
		g       = newStageGraph(nil)
		ms      = g.stage(g.resultStage(reduced).Parents[0])
	)
	for p := 0; p < ms.NumPartitions; p++ {
		ms.addOutputLoc(p, "u0")
	}
	ms.addOutputLoc(1, "u1")
	ms.addOutputLoc(1, "u1")
	if got, want := ms.OutputLocs(1), []string{"u0", "u1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ms.lastLocs(), []string{"u0", "u1", "u0", "u0"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !ms.removeOutputLoc(2, "u0") {
		t.Fatal("location not removed")
	}
	if ms.removeOutputLoc(2, "u0") {
		t.Error("location removed twice")
	}
	if got, want := ms.missingPartitions(), []int{2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for p, want := range []int{0, 0, 1, 0} {
		if got := ms.Epoch(p); got != want {
			t.Errorf("partition %d: got %v, want %v", p, got, want)
		}
	}
	if got, want := ms.removeHost("u0"), []int{0, 1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ms.missingPartitions(), []int{0, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPreferredLocations(t *testing.T) {
	var (
		ctx    = context.Background()
		src    = bigdag.ParallelizeAt(pairs(10, 10), [][]string{{"a"}, {"b"}})
		mapped = bigdag.Map(src, identity)
		cached = bigdag.Cache(mapped)
		loc    = &testLocator{
			registered: make(map[int]int),
			locs:       map[int][][]string{cached.ID(): {{"c"}, nil}},
		}
		g = newStageGraph(loc)
	)
	s := g.resultStage(bigdag.Map(cached, identity))
	if got, want := loc.registered[cached.ID()], 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	memo := make(map[int][][]string)
	if got, want := g.preferredLocations(ctx, s.Dataset, 0, memo), []string{"c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.preferredLocations(ctx, s.Dataset, 1, memo), []string{"b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Shuffles break the chain of preferences.
	reduced := bigdag.ReduceByKey(mapped, add, 2)
	if got := g.preferredLocations(ctx, reduced, 0, memo); len(got) != 0 {
		t.Errorf("unexpected preference %v", got)
	}
}

func TestMissingParentsStopAtCache(t *testing.T) {
	var (
		ctx     = context.Background()
		src     = bigdag.Parallelize(pairs(100, 10), 4)
		reduced = bigdag.ReduceByKey(src, add, 2)
		cached  = bigdag.Cache(reduced)
		loc     = &testLocator{registered: make(map[int]int), locs: make(map[int][][]string)}
		g       = newStageGraph(loc)
		s       = g.resultStage(bigdag.Map(cached, identity))
	)
	if got, want := len(g.missingParentStages(ctx, s)), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	loc.locs[cached.ID()] = [][]string{{"a"}, {"b"}}
	if got := g.missingParentStages(ctx, s); len(got) != 0 {
		t.Errorf("unexpected missing stages %v", got)
	}
}
