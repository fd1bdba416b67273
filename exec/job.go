// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag/shuffle"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTaskFailures is the default number of times a task may
	// fail before its job is aborted.
	DefaultMaxTaskFailures = 4
	// DefaultLocalityWait is the default time a job waits for an offer
	// from a preferred host before launching tasks elsewhere.
	DefaultLocalityWait = 3 * time.Second
	// DefaultTaskStartTimeout is the default time an attempt may stay
	// in state TaskStarting before it is relaunched.
	DefaultTaskStartTimeout = time.Minute
	// DefaultSpeculationQuantile is the default fraction of a job's
	// tasks that must finish before slow tasks are speculatively
	// relaunched.
	DefaultSpeculationQuantile = 2.0 / 3
	// DefaultSpeculationMultiple is the default multiple of the
	// average task duration past which a running task is considered
	// slow.
	DefaultSpeculationMultiple = 1.5
	// DefaultTaskMem is the default memory allocated to each task.
	DefaultTaskMem = 1000 << 20
	// DefaultMaxTaskMem is the default cap on the memory allocated to
	// a task that is repeatedly killed.
	DefaultMaxTaskMem = 16000 << 20
)

// JobConfig parameterizes the retry behavior of a SimpleJob.
type JobConfig struct {
	// CPUs and Mem are the resources allocated to each task attempt.
	CPUs float64
	Mem  int64
	// MaxMem caps the memory allocated to a task attempt.
	MaxMem int64
	// MaxFailures is the number of times a task may fail before the
	// job is aborted.
	MaxFailures int
	// LocalityWait is the time the job waits for offers from preferred
	// hosts before launching tasks elsewhere.
	LocalityWait time.Duration
	// StartTimeout is the time an attempt may stay in TaskStarting.
	StartTimeout time.Duration
	// SpeculationQuantile is the fraction of tasks that must finish
	// before slow tasks are relaunched. Zero disables speculation.
	SpeculationQuantile float64
	// SpeculationMultiple is the multiple of the average task
	// duration past which a task is slow.
	SpeculationMultiple float64
	// SpeculationRate limits the rate of speculative launches.
	SpeculationRate rate.Limit
}

// DefaultJobConfig is the default job configuration.
var DefaultJobConfig = JobConfig{
	CPUs:                1,
	Mem:                 DefaultTaskMem,
	MaxMem:              DefaultMaxTaskMem,
	MaxFailures:         DefaultMaxTaskFailures,
	LocalityWait:        DefaultLocalityWait,
	StartTimeout:        DefaultTaskStartTimeout,
	SpeculationQuantile: DefaultSpeculationQuantile,
	SpeculationMultiple: DefaultSpeculationMultiple,
	SpeculationRate:     rate.Every(time.Second),
}

// jobOwner is notified of the outcomes of a job's tasks and asked to
// kill surplus attempts.
type jobOwner interface {
	taskEnded(CompletionEvent)
	kill(AttemptID)
}

type attempt struct {
	slot     int
	host     string
	state    TaskState
	launched time.Time
	started  time.Time
}

// SimpleJob runs the tasks of one stage submission on a cluster. It
// decides, offer by offer, which task to launch where, and it absorbs
// task failures by relaunching tasks, escalating to the job's owner
// only the outcomes it cannot handle: task completions, fatal
// failures, and fetch failures that require map outputs to be
// recomputed.
//
// The job's state is kept in parallel arrays indexed by task slot.
// SimpleJob is not safe for concurrent use; ClusterScheduler
// serializes access to it.
type SimpleJob struct {
	ID, RunID, StageID int

	tasks  []Task
	owner  jobOwner
	config JobConfig

	launched    []bool
	finished    []bool
	numFailures []int
	blacklist   []map[string]bool
	taskMem     []int64
	nextAttempt []int
	speculated  []bool

	memFloor            int64
	attempts            map[AttemptID]*attempt
	nfinished           int
	nspeculated         int
	totalDuration       time.Duration
	lastPreferredLaunch time.Time
	specLimiter         *rate.Limiter

	done bool
	err  error
}

// NewSimpleJob returns a new job running the provided tasks.
func NewSimpleJob(id, runID, stageID int, tasks []Task, owner jobOwner, config JobConfig, now time.Time) *SimpleJob {
	if config.CPUs <= 0 {
		config.CPUs = DefaultJobConfig.CPUs
	}
	if config.Mem <= 0 {
		config.Mem = DefaultJobConfig.Mem
	}
	if config.MaxMem < config.Mem {
		config.MaxMem = config.Mem
	}
	if config.SpeculationMultiple <= 0 {
		config.SpeculationMultiple = DefaultSpeculationMultiple
	}
	n := len(tasks)
	j := &SimpleJob{
		ID:                  id,
		RunID:               runID,
		StageID:             stageID,
		tasks:               tasks,
		owner:               owner,
		config:              config,
		launched:            make([]bool, n),
		finished:            make([]bool, n),
		numFailures:         make([]int, n),
		blacklist:           make([]map[string]bool, n),
		taskMem:             make([]int64, n),
		nextAttempt:         make([]int, n),
		speculated:          make([]bool, n),
		memFloor:            config.Mem,
		attempts:            make(map[AttemptID]*attempt),
		lastPreferredLaunch: now,
		specLimiter:         rate.NewLimiter(config.SpeculationRate, 1),
		done:                n == 0,
	}
	for i := range tasks {
		j.blacklist[i] = make(map[string]bool)
		j.taskMem[i] = config.Mem
	}
	return j
}

func (j *SimpleJob) String() string {
	return fmt.Sprintf("job %d (run %d, stage %d)", j.ID, j.RunID, j.StageID)
}

// Done tells whether the job has completed, successfully or not.
func (j *SimpleJob) Done() bool { return j.done }

// Err returns the error that aborted the job, if any.
func (j *SimpleJob) Err() error { return j.err }

// Pending returns the number of tasks that are waiting to be
// launched.
func (j *SimpleJob) Pending() int {
	if j.done {
		return 0
	}
	var n int
	for i := range j.tasks {
		if !j.launched[i] && !j.finished[i] {
			n++
		}
	}
	return n
}

// TaskMem returns the memory currently allocated to the task in
// the provided slot.
func (j *SimpleJob) TaskMem(slot int) int64 { return j.taskMem[slot] }

// NumFailures returns the number of failures of the task in the
// provided slot.
func (j *SimpleJob) NumFailures(slot int) int { return j.numFailures[slot] }

// ClearBlacklist allows every task to run again on every host.
func (j *SimpleJob) ClearBlacklist() {
	for i := range j.blacklist {
		if len(j.blacklist[i]) > 0 {
			j.blacklist[i] = make(map[string]bool)
		}
	}
}

func contains(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

// runningOn tells whether the task in slot has an attempt on host.
func (j *SimpleJob) runningOn(slot int, host string) bool {
	for _, a := range j.attempts {
		if a.slot == slot && a.host == host {
			return true
		}
	}
	return false
}

func (j *SimpleJob) running(slot int) bool {
	for _, a := range j.attempts {
		if a.slot == slot {
			return true
		}
	}
	return false
}

// findSlot returns a launchable slot for host, or -1. If preferred is
// true, only tasks that prefer host are considered; otherwise tasks
// with preferences are considered only when anyHost is true.
func (j *SimpleJob) findSlot(host string, mem int64, preferred, anyHost bool) int {
	for i, task := range j.tasks {
		if j.launched[i] || j.finished[i] || j.blacklist[i][host] || j.taskMem[i] > mem {
			continue
		}
		if j.runningOn(i, host) {
			continue
		}
		prefs := task.PreferredLocations()
		switch {
		case preferred && contains(prefs, host):
			return i
		case !preferred && (len(prefs) == 0 || anyHost):
			return i
		}
	}
	return -1
}

// ResourceOffer returns an attempt to launch on host given its free
// resources, or nil. Tasks are launched on their preferred hosts if
// possible; other hosts are used only once the job has waited the
// locality wait since its last preferred launch.
func (j *SimpleJob) ResourceOffer(host string, cpus float64, mem int64, now time.Time) *TaskLaunch {
	if j.done || cpus < j.config.CPUs {
		return nil
	}
	slot := j.findSlot(host, mem, true, false)
	if slot >= 0 {
		j.lastPreferredLaunch = now
	} else {
		anyHost := now.Sub(j.lastPreferredLaunch) >= j.config.LocalityWait
		if slot = j.findSlot(host, mem, false, anyHost); slot < 0 {
			return nil
		}
	}
	return j.launch(slot, host, now)
}

func (j *SimpleJob) launch(slot int, host string, now time.Time) *TaskLaunch {
	task := j.tasks[slot]
	id := AttemptID{task.ID(), j.nextAttempt[slot]}
	j.nextAttempt[slot]++
	j.launched[slot] = true
	j.attempts[id] = &attempt{slot: slot, host: host, state: TaskStarting, launched: now}
	log.Debug.Printf("%s: launching %v attempt %s on %s (mem %s)", j, task, id, host, data.Size(j.taskMem[slot]))
	return &TaskLaunch{
		ID:   id,
		Task: task,
		Host: host,
		CPUs: j.config.CPUs,
		Mem:  j.taskMem[slot],
	}
}

// unlaunch marks the task in slot as launchable, unless another of its
// attempts is still running.
func (j *SimpleJob) unlaunch(slot int) {
	j.launched[slot] = j.running(slot)
}

// StatusUpdate processes a state change of one of the job's attempts.
func (j *SimpleJob) StatusUpdate(status TaskStatus, now time.Time) {
	a := j.attempts[status.ID]
	if a == nil {
		return
	}
	if j.done {
		delete(j.attempts, status.ID)
		return
	}
	switch status.State {
	case TaskStarting:
		return
	case TaskRunning:
		a.state = TaskRunning
		a.started = now
		return
	}
	delete(j.attempts, status.ID)
	slot := a.slot
	task := j.tasks[slot]
	if j.finished[slot] {
		log.Debug.Printf("%s: ignoring %s of %v attempt %s: already finished", j, status.State, task, status.ID)
		return
	}
	switch status.State {
	case TaskFinished:
		j.finished[slot] = true
		j.nfinished++
		start := a.started
		if start.IsZero() {
			start = a.launched
		}
		j.totalDuration += now.Sub(start)
		j.killOthers(slot)
		j.owner.taskEnded(CompletionEvent{Task: task, Reason: Success, Result: status.Result, Host: a.host})
		if j.nfinished == len(j.tasks) {
			log.Debug.Printf("%s: all %d tasks finished", j, len(j.tasks))
			j.done = true
		}
	case TaskKilled:
		j.unlaunch(slot)
		if j.taskMem[slot] < j.config.MaxMem {
			j.raiseMem(slot)
			return
		}
		j.failed(slot, a.host, status)
	case TaskFailed, TaskLost:
		j.unlaunch(slot)
		j.failed(slot, a.host, status)
	}
}

// raiseMem doubles the memory of the task in slot, up to the cap, and
// raises the memory floor of the tasks that have not yet been
// launched.
func (j *SimpleJob) raiseMem(slot int) {
	mem := 2 * j.taskMem[slot]
	if mem > j.config.MaxMem {
		mem = j.config.MaxMem
	}
	j.taskMem[slot] = mem
	if mem > j.memFloor {
		j.memFloor = mem
		for i := range j.tasks {
			if !j.launched[i] && !j.finished[i] && j.taskMem[i] < j.memFloor {
				j.taskMem[i] = j.memFloor
			}
		}
	}
	log.Printf("%s: %v killed; memory raised to %s (floor %s)",
		j, j.tasks[slot], data.Size(mem), data.Size(j.memFloor))
}

func (j *SimpleJob) failed(slot int, host string, status TaskStatus) {
	task := j.tasks[slot]
	err := status.Err
	if err == nil {
		err = errors.E(errors.Unavailable, fmt.Sprintf("attempt %s %s on %s: %s", status.ID, status.State, host, status.Message))
	}
	if status.State == TaskFailed {
		if ff, ok := shuffle.IsFetchFailed(err); ok {
			if j.numFailures[slot] > 0 {
				j.abort(CompletionEvent{Task: task, Reason: FetchFailed, Err: err, Fetch: ff, Host: host})
				return
			}
		} else if isFatal(err) {
			j.abort(CompletionEvent{Task: task, Reason: OtherFailure, Err: err, Host: host})
			return
		}
	}
	j.numFailures[slot]++
	j.blacklist[slot][host] = true
	log.Error.Printf("%s: %v attempt %s %s on %s (failure %d): %v",
		j, task, status.ID, status.State, host, j.numFailures[slot], err)
	if j.numFailures[slot] > j.config.MaxFailures {
		err = errors.E(fmt.Sprintf("%v failed %d times", task, j.numFailures[slot]), err)
		j.abort(CompletionEvent{Task: task, Reason: OtherFailure, Err: err, Host: host})
	}
}

// abort kills the job's attempts and reports ev to the owner.
func (j *SimpleJob) abort(ev CompletionEvent) {
	j.done = true
	j.err = ev.Err
	log.Error.Printf("%s: aborted: %s: %v", j, ev.Reason, ev.Err)
	j.Kill()
	j.owner.taskEnded(ev)
}

// Kill kills all of the job's running attempts and marks it done.
func (j *SimpleJob) Kill() {
	j.done = true
	for id := range j.attempts {
		j.owner.kill(id)
		delete(j.attempts, id)
	}
}

func (j *SimpleJob) killOthers(slot int) {
	for id, a := range j.attempts {
		if a.slot == slot {
			log.Debug.Printf("%s: killing surplus attempt %s of %v", j, id, j.tasks[slot])
			j.owner.kill(id)
			delete(j.attempts, id)
		}
	}
}

// Check relaunches attempts that have been starting for too long,
// and, once most tasks have finished, speculatively relaunches tasks
// that run much longer than average.
func (j *SimpleJob) Check(now time.Time) {
	if j.done {
		return
	}
	for id, a := range j.attempts {
		if a.state == TaskStarting && j.config.StartTimeout > 0 && now.Sub(a.launched) > j.config.StartTimeout {
			log.Error.Printf("%s: attempt %s of %v on %s did not start within %s; relaunching",
				j, id, j.tasks[a.slot], a.host, j.config.StartTimeout)
			j.owner.kill(id)
			delete(j.attempts, id)
			j.unlaunch(a.slot)
		}
	}
	n := len(j.tasks)
	if j.config.SpeculationQuantile <= 0 || float64(j.nfinished) <= j.config.SpeculationQuantile*float64(n) || j.nfinished == n {
		return
	}
	avg := j.totalDuration / time.Duration(j.nfinished)
	// The threshold grows as more tasks are speculated.
	multiple := j.config.SpeculationMultiple + float64(j.nspeculated)/float64(n)
	threshold := time.Duration(float64(avg) * multiple)
	byslot := make(map[int]*attempt)
	for _, a := range j.attempts {
		if a.state == TaskRunning {
			byslot[a.slot] = a
		}
	}
	for slot := range j.tasks {
		a := byslot[slot]
		if a == nil || j.finished[slot] || j.speculated[slot] || now.Sub(a.started) <= threshold {
			continue
		}
		if !j.specLimiter.AllowN(now, 1) {
			break
		}
		log.Printf("%s: %v has run for %s on %s (average %s); launching a speculative copy",
			j, j.tasks[slot], now.Sub(a.started), a.host, avg)
		j.speculated[slot] = true
		j.nspeculated++
		j.launched[slot] = false
	}
}
