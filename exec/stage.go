// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag"
)

// A Stage is a set of tasks, one per partition of a dataset, that can
// be computed without crossing a shuffle boundary. A stage either
// produces the map outputs of a shuffle (its Shuffle is non-nil) or
// computes the final results of a job.
type Stage struct {
	// ID is the stage's index in the stage graph.
	ID int
	// Dataset is the dataset computed by the stage's tasks.
	Dataset bigdag.Dataset
	// Shuffle is the shuffle whose map outputs the stage produces,
	// or nil for result stages.
	Shuffle *bigdag.ShuffleDependency
	// Parents holds the IDs of the stages that produce the shuffles
	// read by this stage.
	Parents []int
	// NumPartitions is the number of tasks in the stage.
	NumPartitions int

	// outputLocs holds, for each partition, the shuffle server URIs
	// of the map outputs computed for it, in order of completion.
	outputLocs [][]string
	// epochs holds the invalidation epoch of each partition. It is
	// incremented whenever an output location of the partition is
	// invalidated; map outputs produced by tasks created in an earlier
	// epoch are discarded.
	epochs []int
}

func newStage(id int, ds bigdag.Dataset, dep *bigdag.ShuffleDependency, parents []int) *Stage {
	n := ds.NumPartitions()
	return &Stage{
		ID:            id,
		Dataset:       ds,
		Shuffle:       dep,
		Parents:       parents,
		NumPartitions: n,
		outputLocs:    make([][]string, n),
		epochs:        make([]int, n),
	}
}

// IsShuffleMap tells whether the stage produces shuffle map outputs.
func (s *Stage) IsShuffleMap() bool { return s.Shuffle != nil }

// IsAvailable tells whether the stage's output is fully available:
// result stages are always available; shuffle map stages are
// available when every partition has at least one output location.
func (s *Stage) IsAvailable() bool {
	if s.Shuffle == nil {
		return true
	}
	for _, locs := range s.outputLocs {
		if len(locs) == 0 {
			return false
		}
	}
	return true
}

// OutputLocs returns the output locations of partition p.
func (s *Stage) OutputLocs(p int) []string {
	return append([]string(nil), s.outputLocs[p]...)
}

// Epoch returns the current invalidation epoch of partition p.
func (s *Stage) Epoch(p int) int { return s.epochs[p] }

func (s *Stage) addOutputLoc(p int, uri string) {
	if contains(s.outputLocs[p], uri) {
		return
	}
	s.outputLocs[p] = append(s.outputLocs[p], uri)
}

// removeOutputLoc removes uri from the locations of partition p. It
// reports whether a location was removed.
func (s *Stage) removeOutputLoc(p int, uri string) bool {
	locs := s.outputLocs[p][:0]
	for _, loc := range s.outputLocs[p] {
		if loc != uri {
			locs = append(locs, loc)
		}
	}
	if len(locs) == len(s.outputLocs[p]) {
		return false
	}
	s.outputLocs[p] = locs
	s.epochs[p]++
	return true
}

// removeHost removes uri from the locations of every partition,
// returning the partitions that were affected.
func (s *Stage) removeHost(uri string) []int {
	var removed []int
	for p := range s.outputLocs {
		if s.removeOutputLoc(p, uri) {
			removed = append(removed, p)
		}
	}
	return removed
}

// lastLocs returns the most recent output location of each
// partition. It should be called only on available stages.
func (s *Stage) lastLocs() []string {
	uris := make([]string, len(s.outputLocs))
	for p, locs := range s.outputLocs {
		if len(locs) > 0 {
			uris[p] = locs[len(locs)-1]
		}
	}
	return uris
}

// missingPartitions returns the partitions that have no output
// location.
func (s *Stage) missingPartitions() []int {
	var missing []int
	for p, locs := range s.outputLocs {
		if len(locs) == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}

func (s *Stage) String() string {
	if s.Shuffle != nil {
		return fmt.Sprintf("stage %d (map %s)", s.ID, s.Shuffle)
	}
	return fmt.Sprintf("stage %d (result %s)", s.ID, s.Dataset)
}

// A locator reports where the partitions of cached datasets are
// materialized. It is implemented by *cache.Tracker.
type locator interface {
	RegisterDataset(id, n int)
	Locations(ctx context.Context, ds bigdag.Dataset) ([][]string, error)
}

// stageGraph is an arena of the stages created in a session. Stages
// refer to each other by index; shuffle map stages are created once
// per shuffle and reused by every job that reads the shuffle.
type stageGraph struct {
	stages     []*Stage
	byShuffle  map[int]int
	registered map[int]bool
	cache      locator
}

func newStageGraph(cache locator) *stageGraph {
	return &stageGraph{
		byShuffle:  make(map[int]int),
		registered: make(map[int]bool),
		cache:      cache,
	}
}

// Stage returns the stage with the provided ID.
func (g *stageGraph) stage(id int) *Stage { return g.stages[id] }

func (g *stageGraph) add(ds bigdag.Dataset, dep *bigdag.ShuffleDependency, parents []int) *Stage {
	s := newStage(len(g.stages), ds, dep, parents)
	g.stages = append(g.stages, s)
	return s
}

// resultStage creates a new result stage computing ds.
func (g *stageGraph) resultStage(ds bigdag.Dataset) *Stage {
	return g.add(ds, nil, g.parentStages(ds))
}

// shuffleMapStage returns the stage producing the map outputs of dep,
// creating it if needed.
func (g *stageGraph) shuffleMapStage(dep *bigdag.ShuffleDependency) *Stage {
	if id, ok := g.byShuffle[dep.ShuffleID]; ok {
		return g.stages[id]
	}
	s := g.add(dep.Source, dep, g.parentStages(dep.Source))
	g.byShuffle[dep.ShuffleID] = s.ID
	log.Debug.Printf("created %s with parents %v", s, s.Parents)
	return s
}

// parentStages returns the stages producing the shuffles that ds
// reads without crossing another shuffle boundary. Narrow
// dependencies are traversed through. The first visit of a cached
// dataset registers it with the cache tracker.
func (g *stageGraph) parentStages(ds bigdag.Dataset) []int {
	var (
		parents []int
		seen    = make(map[int]bool)
		visited = map[int]bool{ds.ID(): true}
		stack   = []bigdag.Dataset{ds}
	)
	for len(stack) > 0 {
		ds := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		g.register(ds)
		for _, dep := range ds.Dependencies() {
			switch dep := dep.(type) {
			case *bigdag.ShuffleDependency:
				s := g.shuffleMapStage(dep)
				if !seen[s.ID] {
					seen[s.ID] = true
					parents = append(parents, s.ID)
				}
			default:
				parent := dep.Parent()
				if !visited[parent.ID()] {
					visited[parent.ID()] = true
					stack = append(stack, parent)
				}
			}
		}
	}
	return parents
}

func (g *stageGraph) register(ds bigdag.Dataset) {
	if g.registered[ds.ID()] {
		return
	}
	g.registered[ds.ID()] = true
	if g.cache != nil && bigdag.IsCached(ds) {
		g.cache.RegisterDataset(ds.ID(), ds.NumPartitions())
	}
}

// fullyCached tells whether every partition of ds has a cache
// location.
func (g *stageGraph) fullyCached(ctx context.Context, ds bigdag.Dataset) bool {
	if g.cache == nil || !bigdag.IsCached(ds) {
		return false
	}
	locs, err := g.cache.Locations(ctx, ds)
	if err != nil {
		log.Error.Printf("cache locations for %s: %v", ds, err)
		return false
	}
	for _, l := range locs {
		if len(l) == 0 {
			return false
		}
	}
	return true
}

// missingParentStages returns the shuffle map stages that must be
// computed before stage s can run. The traversal stops at datasets
// whose every partition is cached, and at available stages.
func (g *stageGraph) missingParentStages(ctx context.Context, s *Stage) []int {
	var (
		missing []int
		seen    = make(map[int]bool)
		visited = map[int]bool{s.Dataset.ID(): true}
		stack   = []bigdag.Dataset{s.Dataset}
	)
	for len(stack) > 0 {
		ds := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		g.register(ds)
		if g.fullyCached(ctx, ds) {
			continue
		}
		for _, dep := range ds.Dependencies() {
			switch dep := dep.(type) {
			case *bigdag.ShuffleDependency:
				ps := g.shuffleMapStage(dep)
				if !ps.IsAvailable() && !seen[ps.ID] {
					seen[ps.ID] = true
					missing = append(missing, ps.ID)
				}
			default:
				parent := dep.Parent()
				if !visited[parent.ID()] {
					visited[parent.ID()] = true
					stack = append(stack, parent)
				}
			}
		}
	}
	return missing
}

// preferredLocations returns the hosts on which partition p of ds is
// cheapest to compute: the hosts caching it, else the dataset's
// declared preference, else the preference of its narrow parents.
// locs memoizes cache lookups per dataset.
func (g *stageGraph) preferredLocations(ctx context.Context, ds bigdag.Dataset, p int, locs map[int][][]string) []string {
	visited := make(map[bigdag.Partition]bool)
	var find func(ds bigdag.Dataset, p int) []string
	find = func(ds bigdag.Dataset, p int) []string {
		key := bigdag.Partition{DatasetID: ds.ID(), Index: p}
		if visited[key] {
			return nil
		}
		visited[key] = true
		if g.cache != nil && bigdag.IsCached(ds) {
			cached, ok := locs[ds.ID()]
			if !ok {
				var err error
				if cached, err = g.cache.Locations(ctx, ds); err != nil {
					log.Error.Printf("cache locations for %s: %v", ds, err)
				}
				locs[ds.ID()] = cached
			}
			if p < len(cached) && len(cached[p]) > 0 {
				return cached[p]
			}
		}
		if hosts := ds.PreferredLocations(p); len(hosts) > 0 {
			return hosts
		}
		for _, dep := range ds.Dependencies() {
			narrow, ok := dep.(bigdag.NarrowDependency)
			if !ok {
				continue
			}
			for _, pp := range narrow.Parents(p) {
				if hosts := find(dep.Parent(), pp); len(hosts) > 0 {
					return hosts
				}
			}
		}
		return nil
	}
	return find(ds, p)
}
