// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/log"
)

// A TaskScheduler runs the tasks submitted by a DAGScheduler and
// reports their outcomes to an EventSink.
type TaskScheduler interface {
	// Start starts the scheduler, delivering events to sink.
	Start(sink EventSink) error
	// Submit submits a set of tasks, all belonging to the same stage
	// of the same run.
	Submit(runID, stageID int, tasks []Task)
	// Cancel stops running the tasks of the provided run.
	Cancel(runID int)
	// DefaultParallelism returns the number of tasks the scheduler
	// can run concurrently.
	DefaultParallelism() int
	// Stop stops the scheduler.
	Stop()
}

// DefaultCheckInterval is the default interval at which
// ClusterScheduler checks its jobs for stuck or slow attempts.
const DefaultCheckInterval = time.Second

// ClusterScheduler is a TaskScheduler that runs tasks on a Cluster.
// Each submission is managed by a SimpleJob, which retries failed
// attempts; jobs are offered resources in submission order.
type ClusterScheduler struct {
	// Config is the configuration of the scheduler's jobs.
	Config JobConfig
	// CheckInterval is the interval at which jobs are checked for
	// stuck or slow attempts.
	CheckInterval time.Duration
	// Parallelism is the scheduler's default parallelism.
	Parallelism int

	cluster Cluster
	sink    EventSink

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	// mu guards the job queue and the attempt index. The cluster is
	// never called while mu is held except through its non-blocking
	// Kill.
	mu       sync.Mutex
	nextJob  int
	jobs     []*SimpleJob
	attempts map[AttemptID]*SimpleJob
}

// NewClusterScheduler returns a scheduler that runs tasks on cluster.
func NewClusterScheduler(cluster Cluster, parallelism int) *ClusterScheduler {
	return &ClusterScheduler{
		Config:        DefaultJobConfig,
		CheckInterval: DefaultCheckInterval,
		Parallelism:   parallelism,
		cluster:       cluster,
		attempts:      make(map[AttemptID]*SimpleJob),
	}
}

// Start implements TaskScheduler.
func (s *ClusterScheduler) Start(sink EventSink) error {
	s.sink = sink
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.cluster.Start(s.ctx, s); err != nil {
		s.cancel()
		return err
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *ClusterScheduler) loop() {
	defer s.wg.Done()
	tick := time.NewTicker(s.CheckInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-tick.C:
			if s.check(now) {
				s.cluster.Revive()
			}
		}
	}
}

// check checks each job, and reports whether any has tasks waiting
// to be launched.
func (s *ClusterScheduler) check(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending bool
	for _, job := range s.jobs {
		job.Check(now)
		if job.Pending() > 0 {
			pending = true
		}
	}
	return pending
}

// Submit implements TaskScheduler.
func (s *ClusterScheduler) Submit(runID, stageID int, tasks []Task) {
	s.mu.Lock()
	s.nextJob++
	job := NewSimpleJob(s.nextJob, runID, stageID, tasks, s, s.Config, time.Now())
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	log.Debug.Printf("%s: %d tasks submitted", job, len(tasks))
	s.cluster.Revive()
}

// Cancel implements TaskScheduler.
func (s *ClusterScheduler) Cancel(runID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.RunID == runID {
			job.Kill()
		}
	}
	s.gc()
}

// DefaultParallelism implements TaskScheduler.
func (s *ClusterScheduler) DefaultParallelism() int { return s.Parallelism }

// Stop implements TaskScheduler.
func (s *ClusterScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	s.cluster.Stop()
}

// ResourceOffers implements Driver. Each offer is given to the jobs
// in submission order until no job can use what remains of it. If
// nothing could be launched while tasks are pending, the jobs'
// blacklists are cleared and the offers are scanned again.
func (s *ClusterScheduler) ResourceOffers(offers []Offer) []TaskLaunch {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	free := make([]Offer, len(offers))
	copy(free, offers)
	var launches []TaskLaunch
	for pass := 0; pass < 2; pass++ {
		for i := range free {
			o := &free[i]
			for _, job := range s.jobs {
				for {
					l := job.ResourceOffer(o.Host, o.CPUs, o.Mem, now)
					if l == nil {
						break
					}
					l.OfferID = o.ID
					o.CPUs -= l.CPUs
					o.Mem -= l.Mem
					s.attempts[l.ID] = job
					launches = append(launches, *l)
				}
			}
		}
		if len(launches) > 0 || !s.blacklisted(free) {
			break
		}
		log.Printf("no task could be launched on %d offers; clearing blacklists", len(free))
		for _, job := range s.jobs {
			job.ClearBlacklist()
		}
	}
	return launches
}

// blacklisted tells whether some pending task is blacklisted on one
// of the offered hosts.
func (s *ClusterScheduler) blacklisted(offers []Offer) bool {
	for _, job := range s.jobs {
		if job.Pending() == 0 {
			continue
		}
		for slot := range job.blacklist {
			if job.launched[slot] || job.finished[slot] {
				continue
			}
			for _, o := range offers {
				if job.blacklist[slot][o.Host] {
					return true
				}
			}
		}
	}
	return false
}

// StatusUpdate implements Driver.
func (s *ClusterScheduler) StatusUpdate(status TaskStatus) {
	s.mu.Lock()
	job := s.attempts[status.ID]
	if job == nil {
		s.mu.Unlock()
		log.Debug.Printf("ignoring %s status of unknown attempt %s", status.State, status.ID)
		return
	}
	if status.State.Terminal() {
		delete(s.attempts, status.ID)
	}
	job.StatusUpdate(status, time.Now())
	if job.Done() {
		s.gc()
	}
	s.mu.Unlock()
	if status.State.Terminal() {
		s.cluster.Revive()
	}
}

// HostLost implements Driver.
func (s *ClusterScheduler) HostLost(host string) {
	log.Error.Printf("host %s lost", host)
	s.sink.HostLost(host)
}

// gc removes completed jobs from the queue.
func (s *ClusterScheduler) gc() {
	jobs := s.jobs[:0]
	for _, job := range s.jobs {
		if !job.Done() {
			jobs = append(jobs, job)
		}
	}
	for i := len(jobs); i < len(s.jobs); i++ {
		s.jobs[i] = nil
	}
	s.jobs = jobs
}

// taskEnded implements jobOwner.
func (s *ClusterScheduler) taskEnded(ev CompletionEvent) {
	s.sink.TaskEnded(ev)
}

// kill implements jobOwner.
func (s *ClusterScheduler) kill(id AttemptID) {
	delete(s.attempts, id)
	s.cluster.Kill(id)
}
