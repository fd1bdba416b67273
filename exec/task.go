// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync/atomic"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/cache"
	"github.com/grailbio/bigdag/dataio"
	"github.com/grailbio/bigdag/shuffle"
)

// TaskID uniquely identifies a task within a process.
type TaskID int64

var taskIDs int64

func nextTaskID() TaskID {
	return TaskID(atomic.AddInt64(&taskIDs, 1))
}

// A Task computes one partition of a stage. Tasks are run by a task
// scheduler, possibly more than once: each run is an attempt.
type Task interface {
	// ID returns the task's unique ID.
	ID() TaskID
	// RunID returns the ID of the job run that created the task.
	RunID() int
	// StageID returns the ID of the task's stage.
	StageID() int
	// Partition returns the partition computed by the task.
	Partition() int
	// Epoch returns the invalidation epoch of the task's partition at
	// the time the task was created.
	Epoch() int
	// PreferredLocations returns the hosts on which the task should
	// preferably run.
	PreferredLocations() []string
	// Run runs an attempt of the task in the provided environment.
	Run(ctx context.Context, env *Env, attempt int) (interface{}, error)
}

type taskBase struct {
	id        TaskID
	runID     int
	stageID   int
	partition int
	epoch     int
	locs      []string
}

func (t *taskBase) ID() TaskID                   { return t.id }
func (t *taskBase) RunID() int                   { return t.runID }
func (t *taskBase) StageID() int                 { return t.stageID }
func (t *taskBase) Partition() int               { return t.partition }
func (t *taskBase) Epoch() int                   { return t.epoch }
func (t *taskBase) PreferredLocations() []string { return t.locs }

// A ResultFunc computes a job's result for one partition from the
// partition's records.
type ResultFunc func(ctx context.Context, r dataio.Reader) (interface{}, error)

// ResultTask computes a partition of a job's final dataset and
// returns the value of the job's result function to the driver.
type ResultTask struct {
	taskBase
	// OutputID is the index of the task's output among the job's
	// requested partitions.
	OutputID int

	ds bigdag.Dataset
	fn ResultFunc
}

// NewResultTask returns a new result task.
func NewResultTask(runID, stageID int, ds bigdag.Dataset, partition, outputID int, fn ResultFunc, locs []string) *ResultTask {
	return &ResultTask{
		taskBase: taskBase{nextTaskID(), runID, stageID, partition, 0, locs},
		OutputID: outputID,
		ds:       ds,
		fn:       fn,
	}
}

// Run implements Task.
func (t *ResultTask) Run(ctx context.Context, env *Env, attempt int) (result interface{}, err error) {
	defer recoverTask(t, &err)
	tc := env.taskContext()
	defer tc.release()
	r, err := tc.Iterate(ctx, t.ds, t.partition)
	if err != nil {
		return nil, err
	}
	return t.fn(ctx, r)
}

func (t *ResultTask) String() string {
	return fmt.Sprintf("result task %d (run %d, stage %d, partition %d)", t.id, t.runID, t.stageID, t.partition)
}

// ShuffleMapTask computes a partition of a shuffle's map-side dataset
// and writes it as a map output to the host's shuffle store. Its
// result is the URI of the shuffle server from which the output is
// served.
type ShuffleMapTask struct {
	taskBase
	dep *bigdag.ShuffleDependency
}

// NewShuffleMapTask returns a new shuffle map task.
func NewShuffleMapTask(runID, stageID int, dep *bigdag.ShuffleDependency, partition, epoch int, locs []string) *ShuffleMapTask {
	return &ShuffleMapTask{
		taskBase: taskBase{nextTaskID(), runID, stageID, partition, epoch, locs},
		dep:      dep,
	}
}

// Shuffle returns the shuffle written by the task.
func (t *ShuffleMapTask) Shuffle() *bigdag.ShuffleDependency { return t.dep }

// Run implements Task.
func (t *ShuffleMapTask) Run(ctx context.Context, env *Env, attempt int) (result interface{}, err error) {
	defer recoverTask(t, &err)
	tc := env.taskContext()
	defer tc.release()
	r, err := tc.Iterate(ctx, t.dep.Source, t.partition)
	if err != nil {
		return nil, err
	}
	stats, err := shuffle.WriteMapOutput(ctx, env.Store, t.dep, t.partition, r)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("%s attempt %d: wrote %d records, %d keys (%s) on %s",
		t, attempt, stats.Records, stats.Keys, data.Size(stats.Bytes), env.Host)
	return env.ServerURI, nil
}

func (t *ShuffleMapTask) String() string {
	return fmt.Sprintf("map task %d (run %d, stage %d, %s, partition %d)", t.id, t.runID, t.stageID, t.dep, t.partition)
}

// recoverTask turns a panic in user code into a fatal error.
func recoverTask(t Task, err *error) {
	if e := recover(); e != nil {
		stack := debug.Stack()
		*err = errors.E(errors.Fatal, fmt.Errorf("panic while running %v: %v\n%s", t, e, string(stack)))
	}
}

// Env is the environment of a host on which tasks run: its shuffle
// store and the URI of the server serving it, its cache tracker, and
// the means of reading shuffles.
type Env struct {
	// Host is the name of the host.
	Host string
	// ServerURI is the URI of the shuffle server serving Store.
	ServerURI string
	// Store holds the map outputs written by tasks on this host.
	Store *shuffle.Store
	// Cache materializes cached partitions on this host.
	Cache *cache.Tracker
	// Fetcher retrieves shuffle buckets.
	Fetcher shuffle.Fetcher
	// SpillDir is the directory to which reduce-side merges spill.
	SpillDir string
	// MergeMemory, if positive, is the memory budget of reduce-side
	// merges; merges then spill to disk once it is exceeded.
	MergeMemory int64
	// MaxMerge, if positive, fixes the number of merges between
	// spills, overriding sampling.
	MaxMerge int
}

func (e *Env) merger(dep *bigdag.ShuffleDependency) shuffle.Merger {
	if e.MergeMemory <= 0 && e.MaxMerge <= 0 {
		return shuffle.NewHashMerger(dep.Aggregator)
	}
	m := shuffle.NewDiskMerger(dep.Aggregator, e.SpillDir, e.MergeMemory, dep.NumMaps())
	m.MaxMerge = e.MaxMerge
	return m
}

func (e *Env) taskContext() *taskContext {
	return &taskContext{env: e}
}

// taskContext implements bigdag.TaskContext for a single task
// attempt. It releases the partitions the attempt opened through the
// cache when the attempt ends.
type taskContext struct {
	env     *Env
	closers []io.Closer
}

// Iterate implements bigdag.TaskContext.
func (tc *taskContext) Iterate(ctx context.Context, ds bigdag.Dataset, split int) (dataio.Reader, error) {
	if tc.env.Cache == nil || !bigdag.IsCached(ds) {
		return ds.Compute(ctx, tc, split)
	}
	r, err := tc.env.Cache.GetOrCompute(ctx, ds, split, func(ctx context.Context) (dataio.Reader, error) {
		return ds.Compute(ctx, tc, split)
	})
	if err != nil {
		return nil, err
	}
	if c, ok := r.(io.Closer); ok {
		tc.closers = append(tc.closers, c)
	}
	return r, nil
}

// ReadShuffle implements bigdag.TaskContext.
func (tc *taskContext) ReadShuffle(ctx context.Context, dep *bigdag.ShuffleDependency, reduceID int) (dataio.Reader, error) {
	return shuffle.Read(ctx, tc.env.Fetcher, tc.env.merger(dep), dep, reduceID)
}

// Host implements bigdag.TaskContext.
func (tc *taskContext) Host() string { return tc.env.Host }

func (tc *taskContext) release() {
	for _, c := range tc.closers {
		if err := c.Close(); err != nil {
			log.Error.Printf("release partition on %s: %v", tc.env.Host, err)
		}
	}
	tc.closers = nil
}
