// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/cache"
	"github.com/grailbio/bigdag/tracker"
)

const (
	// DefaultPollTimeout is the default time the driver loop waits
	// for a completion event before checking for failed stages.
	DefaultPollTimeout = 100 * time.Millisecond
	// DefaultResubmitTimeout is the default cool-down between a fetch
	// failure and the resubmission of the failed stages.
	DefaultResubmitTimeout = time.Second
)

// DAGScheduler turns jobs into stages of tasks, submits them to a
// task scheduler, and drives them to completion, recomputing map
// outputs that are lost along the way.
//
// Stages are created once per shuffle and shared by all jobs run by
// the scheduler, so that map outputs computed by one job are reused
// by the next.
type DAGScheduler struct {
	// PollTimeout is the time the driver loop waits for an event
	// before checking for failed stages.
	PollTimeout time.Duration
	// ResubmitTimeout is the cool-down after a fetch failure before
	// failed stages are resubmitted.
	ResubmitTimeout time.Duration
	// Status, if set, receives a status group per job.
	Status *status.Status

	sched      TaskScheduler
	mapOutputs *tracker.MapOutputTracker
	cache      *cache.Tracker
	localEnv   *Env

	// mu guards the stage graph and the state of all runs.
	mu       sync.Mutex
	graph    *stageGraph
	hostURIs map[string]string
	nextRun  int

	runsMu sync.Mutex
	runs   map[int]*jobRun
}

// NewDAGScheduler returns a new scheduler that submits tasks to
// sched, publishes map outputs to mapOutputs, and consults cache
// for the locations of cached partitions. Jobs eligible for local
// execution are run in localEnv.
func NewDAGScheduler(sched TaskScheduler, mapOutputs *tracker.MapOutputTracker, cacheTracker *cache.Tracker, localEnv *Env) *DAGScheduler {
	var loc locator
	if cacheTracker != nil {
		loc = cacheTracker
	}
	return &DAGScheduler{
		PollTimeout:     DefaultPollTimeout,
		ResubmitTimeout: DefaultResubmitTimeout,
		sched:           sched,
		mapOutputs:      mapOutputs,
		cache:           cacheTracker,
		localEnv:        localEnv,
		graph:           newStageGraph(loc),
		hostURIs:        make(map[string]string),
		runs:            make(map[int]*jobRun),
	}
}

// TaskEnded implements EventSink. Events are routed to the run that
// submitted the task; events of finished runs are dropped.
func (d *DAGScheduler) TaskEnded(ev CompletionEvent) {
	d.runsMu.Lock()
	r := d.runs[ev.Task.RunID()]
	d.runsMu.Unlock()
	if r == nil {
		log.Debug.Printf("dropping %s event of %v: run %d is done", ev.Reason, ev.Task, ev.Task.RunID())
		return
	}
	r.events.Put(ev)
}

// HostLost implements EventSink. The map outputs and cached
// partitions held by host are forgotten; they are recomputed when
// they are next needed.
func (d *DAGScheduler) HostLost(host string) {
	d.mu.Lock()
	uri, ok := d.hostURIs[host]
	if ok {
		delete(d.hostURIs, host)
		for _, s := range d.graph.stages {
			if s.Shuffle == nil {
				continue
			}
			if parts := s.removeHost(uri); len(parts) > 0 {
				log.Error.Printf("host %s lost: %s lost map outputs %v", host, s, parts)
			}
		}
	}
	d.mu.Unlock()
	if d.cache != nil {
		if err := d.cache.RemoveHost(backgroundcontext.Get(), host); err != nil {
			log.Error.Printf("host %s lost: remove cache locations: %v", host, err)
		}
	}
}

// Stage returns the stage with the provided ID.
func (d *DAGScheduler) Stage(id int) *Stage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.graph.stage(id)
}

// ShuffleStage returns the stage producing the provided shuffle, if
// one has been created.
func (d *DAGScheduler) ShuffleStage(shuffleID int) (*Stage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.graph.byShuffle[shuffleID]
	if !ok {
		return nil, false
	}
	return d.graph.stage(id), true
}

// RunJob runs a job computing fn over the provided partitions of
// dataset final. The job's results are produced lazily, in the order
// of partitions, by the returned Results. If allowLocal is true and
// the job computes a single partition whose inputs are all
// available, the job is computed in-process without involving the
// task scheduler.
func (d *DAGScheduler) RunJob(ctx context.Context, final bigdag.Dataset, fn ResultFunc, partitions []int, allowLocal bool) *Results {
	d.mu.Lock()
	d.nextRun++
	id := d.nextRun
	d.mu.Unlock()
	r := &jobRun{
		id:         id,
		d:          d,
		ds:         final,
		fn:         fn,
		partitions: partitions,
		allowLocal: allowLocal,
		events:     newEventQueue(),
		results:    make([]interface{}, len(partitions)),
		finished:   make([]bool, len(partitions)),
		waiting:    make(map[int]bool),
		running:    make(map[int]bool),
		failed:     make(map[int]bool),
		pending:    make(map[int]map[int]bool),
		statuses:   make(map[int]*status.Task),
	}
	if d.Status != nil {
		r.group = d.Status.Groupf("run %d: %s", id, final)
	}
	d.runsMu.Lock()
	d.runs[id] = r
	d.runsMu.Unlock()
	return &Results{run: r}
}

// Results is the lazy, ordered sequence of a job's results. The job
// is driven by calls to Next: results are released in partition
// order as soon as they are available. Results may be consumed only
// once, by a single goroutine.
type Results struct {
	run   *jobRun
	value interface{}
}

// Next advances to the next result, returning false once all results
// have been produced or the job has failed.
func (r *Results) Next(ctx context.Context) bool {
	var ok bool
	r.value, ok = r.run.advance(ctx)
	return ok
}

// Value returns the current result.
func (r *Results) Value() interface{} { return r.value }

// Err returns the error that terminated the job, if any. Results
// produced before the error remain valid.
func (r *Results) Err() error { return r.run.err }

// Close abandons the job if it has not completed.
func (r *Results) Close() {
	r.run.d.mu.Lock()
	defer r.run.d.mu.Unlock()
	if !r.run.done {
		r.run.abort(errors.E(errors.Canceled, "job abandoned"))
	}
}

// jobRun is the state of a single job. Its fields are guarded by
// the scheduler's mutex, except for events.
type jobRun struct {
	id         int
	d          *DAGScheduler
	ds         bigdag.Dataset
	fn         ResultFunc
	partitions []int
	allowLocal bool
	final      *Stage

	events    *eventQueue
	results   []interface{}
	finished  []bool
	nfinished int
	next      int

	waiting, running, failed map[int]bool
	// pending holds, for each running stage, the partitions whose
	// tasks have not yet completed.
	pending          map[int]map[int]bool
	lastFetchFailure time.Time

	started bool
	done    bool
	err     error

	group    *status.Group
	statuses map[int]*status.Task
}

func (r *jobRun) advance(ctx context.Context) (interface{}, bool) {
	if r.err != nil || r.next == len(r.partitions) {
		r.d.mu.Lock()
		r.finish()
		r.d.mu.Unlock()
		return nil, false
	}
	if !r.started {
		r.started = true
		if err := r.start(ctx); err != nil {
			r.d.mu.Lock()
			r.abort(err)
			r.d.mu.Unlock()
			return nil, false
		}
	}
	for {
		r.d.mu.Lock()
		if r.err != nil {
			r.d.mu.Unlock()
			return nil, false
		}
		if r.finished[r.next] {
			value := r.results[r.next]
			r.results[r.next] = nil
			r.next++
			if r.next == len(r.partitions) {
				r.finish()
			}
			r.d.mu.Unlock()
			return value, true
		}
		r.maybeResubmit(ctx, time.Now())
		r.d.mu.Unlock()

		ev, ok, err := r.events.Get(ctx, r.d.PollTimeout)
		if err != nil {
			r.d.mu.Lock()
			r.abort(err)
			r.d.mu.Unlock()
			return nil, false
		}
		if !ok {
			continue
		}
		r.d.mu.Lock()
		r.handle(ctx, ev)
		r.d.mu.Unlock()
	}
}

// start creates the job's result stage and submits it, or computes
// the job in-process if it is eligible for local execution.
func (r *jobRun) start(ctx context.Context) error {
	r.d.mu.Lock()
	r.final = r.d.graph.resultStage(r.ds)
	local := r.allowLocal && r.d.localEnv != nil && len(r.partitions) == 1 &&
		len(r.d.graph.missingParentStages(ctx, r.final)) == 0
	if !local {
		log.Printf("run %d: computing %d partitions of %s in %s", r.id, len(r.partitions), r.ds, r.final)
		r.submitStage(ctx, r.final)
		r.d.mu.Unlock()
		return nil
	}
	r.d.mu.Unlock()

	log.Debug.Printf("run %d: computing partition %d of %s locally", r.id, r.partitions[0], r.ds)
	task := NewResultTask(r.id, r.final.ID, r.ds, r.partitions[0], 0, r.fn, nil)
	result, err := task.Run(ctx, r.d.localEnv, 0)
	if err != nil {
		return err
	}
	r.d.mu.Lock()
	r.results[0] = result
	r.finished[0] = true
	r.nfinished++
	r.d.mu.Unlock()
	return nil
}

func (r *jobRun) submitStage(ctx context.Context, s *Stage) {
	if r.waiting[s.ID] || r.running[s.ID] {
		return
	}
	missing := r.d.graph.missingParentStages(ctx, s)
	if len(missing) == 0 {
		r.submitMissingTasks(ctx, s)
		return
	}
	for _, id := range missing {
		r.submitStage(ctx, r.d.graph.stage(id))
	}
	r.waiting[s.ID] = true
	log.Debug.Printf("run %d: %s waiting for stages %v", r.id, s, missing)
}

// submitMissingTasks submits a task for each partition of stage s
// that has no output: unfinished outputs of the result stage, or
// partitions of a map stage that have no output location.
func (r *jobRun) submitMissingTasks(ctx context.Context, s *Stage) {
	var (
		tasks   []Task
		pending = make(map[int]bool)
		locs    = make(map[int][][]string)
	)
	if s == r.final {
		for i, p := range r.partitions {
			if r.finished[i] {
				continue
			}
			pref := r.d.graph.preferredLocations(ctx, s.Dataset, p, locs)
			tasks = append(tasks, NewResultTask(r.id, s.ID, s.Dataset, p, i, r.fn, pref))
			pending[p] = true
		}
	} else {
		for _, p := range s.missingPartitions() {
			pref := r.d.graph.preferredLocations(ctx, s.Dataset, p, locs)
			tasks = append(tasks, NewShuffleMapTask(r.id, s.ID, s.Shuffle, p, s.Epoch(p), pref))
			pending[p] = true
		}
	}
	if len(tasks) == 0 {
		if s != r.final {
			r.stageCompleted(ctx, s)
		}
		return
	}
	r.running[s.ID] = true
	r.pending[s.ID] = pending
	log.Printf("run %d: submitting %d tasks of %s", r.id, len(tasks), s)
	r.printStatus(s)
	r.d.sched.Submit(r.id, s.ID, tasks)
}

// stageCompleted publishes the map outputs of an available map stage
// and submits the stages that were waiting for it.
func (r *jobRun) stageCompleted(ctx context.Context, s *Stage) {
	if err := r.d.mapOutputs.Register(ctx, s.Shuffle.ShuffleID, s.lastLocs()); err != nil {
		r.abort(errors.E(fmt.Sprintf("publish map outputs of %s", s), err))
		return
	}
	log.Printf("run %d: %s finished", r.id, s)
	if t := r.statuses[s.ID]; t != nil {
		t.Print("done")
		t.Done()
		delete(r.statuses, s.ID)
	}
	r.submitWaiting(ctx)
}

func (r *jobRun) submitWaiting(ctx context.Context) {
	for _, id := range sortedKeys(r.waiting) {
		s := r.d.graph.stage(id)
		if len(r.d.graph.missingParentStages(ctx, s)) > 0 {
			continue
		}
		delete(r.waiting, id)
		r.submitMissingTasks(ctx, s)
	}
}

// maybeResubmit resubmits failed stages once the cool-down since the
// last fetch failure has elapsed.
func (r *jobRun) maybeResubmit(ctx context.Context, now time.Time) {
	if r.err != nil || len(r.failed) == 0 || now.Sub(r.lastFetchFailure) < r.d.ResubmitTimeout {
		return
	}
	failed := sortedKeys(r.failed)
	r.failed = make(map[int]bool)
	log.Printf("run %d: resubmitting failed stages %v", r.id, failed)
	for _, id := range failed {
		r.submitStage(ctx, r.d.graph.stage(id))
	}
}

func (r *jobRun) handle(ctx context.Context, ev CompletionEvent) {
	if r.err != nil {
		return
	}
	s := r.d.graph.stage(ev.Task.StageID())
	p := ev.Task.Partition()
	switch ev.Reason {
	case Success:
		if task, ok := ev.Task.(*ShuffleMapTask); ok && task.Epoch() < s.Epoch(p) {
			log.Error.Printf("run %d: discarding map output of %v: epoch %d is stale (now %d)",
				r.id, task, task.Epoch(), s.Epoch(p))
			return
		}
		if pending := r.pending[s.ID]; pending != nil {
			delete(pending, p)
		}
		switch task := ev.Task.(type) {
		case *ResultTask:
			if !r.finished[task.OutputID] {
				r.results[task.OutputID] = ev.Result
				r.finished[task.OutputID] = true
				r.nfinished++
			}
			if r.nfinished == len(r.partitions) {
				delete(r.running, s.ID)
				log.Printf("run %d: %s finished", r.id, s)
			}
		case *ShuffleMapTask:
			uri, _ := ev.Result.(string)
			if uri == "" {
				r.abort(errors.E(errors.Invalid, fmt.Sprintf("%v returned no server URI", task)))
				return
			}
			s.addOutputLoc(p, uri)
			if ev.Host != "" {
				r.d.hostURIs[ev.Host] = uri
			}
			if r.running[s.ID] && len(r.pending[s.ID]) == 0 {
				delete(r.running, s.ID)
				if !s.IsAvailable() {
					log.Printf("run %d: %s finished with missing outputs %v; resubmitting",
						r.id, s, s.missingPartitions())
					r.submitMissingTasks(ctx, s)
					break
				}
				r.stageCompleted(ctx, s)
			} else if !r.running[s.ID] && !r.failed[s.ID] && s.IsAvailable() && len(r.waiting) > 0 {
				// A late attempt completed the stage.
				r.stageCompleted(ctx, s)
			}
		}
	case FetchFailed:
		ff := ev.Fetch
		log.Error.Printf("run %d: %v: %v", r.id, ev.Task, ff)
		delete(r.running, s.ID)
		delete(r.pending, s.ID)
		r.failed[s.ID] = true
		if id, ok := r.d.graph.byShuffle[ff.ShuffleID]; ok {
			ms := r.d.graph.stage(id)
			// A fetch failure invalidates every output the server
			// advertised for the shuffle.
			if parts := ms.removeHost(ff.ServerURI); len(parts) > 0 {
				log.Printf("run %d: invalidated map outputs %v of %s at %s", r.id, parts, ms, ff.ServerURI)
			}
			r.failed[ms.ID] = true
		}
		r.lastFetchFailure = time.Now()
	case OtherFailure:
		r.abort(errors.E(fmt.Sprintf("%v failed", ev.Task), ev.Err))
		return
	}
	r.printStatus(s)
}

func (r *jobRun) printStatus(s *Stage) {
	if r.group == nil {
		return
	}
	t := r.statuses[s.ID]
	if t == nil {
		t = r.group.Start(s.String())
		r.statuses[s.ID] = t
	}
	if s == r.final {
		t.Printf("outputs done: %d/%d", r.nfinished, len(r.partitions))
		return
	}
	t.Printf("tasks pending: %d, outputs available: %d/%d",
		len(r.pending[s.ID]), s.NumPartitions-len(s.missingPartitions()), s.NumPartitions)
}

// abort terminates the run with err. Dispatch of its tasks stops, and
// its unfinished outputs are marked done without a result.
func (r *jobRun) abort(err error) {
	if r.err != nil || r.done {
		return
	}
	r.err = err
	log.Error.Printf("run %d: aborted: %v", r.id, err)
	for i := range r.finished {
		r.finished[i] = true
	}
	r.finish()
}

func (r *jobRun) finish() {
	if r.done {
		return
	}
	r.done = true
	if r.started {
		// Stop any attempts still running on behalf of the run.
		r.d.sched.Cancel(r.id)
	}
	r.d.runsMu.Lock()
	delete(r.d.runs, r.id)
	r.d.runsMu.Unlock()
	for _, t := range r.statuses {
		t.Done()
	}
	switch {
	case r.group == nil:
	case r.err != nil:
		r.group.Printf("failed: %v", r.err)
	default:
		r.group.Print("done")
	}
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
