// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigdag/shuffle"
)

// Reason describes how a task ended.
type Reason int

const (
	// Success indicates that the task completed and produced a
	// result.
	Success Reason = iota
	// FetchFailed indicates that the task could not retrieve a map
	// output of a shuffle it reads. The map output must be
	// recomputed.
	FetchFailed
	// OtherFailure indicates that the task failed in a way that
	// cannot be recovered from. The job is aborted.
	OtherFailure
)

var reasons = [...]string{
	Success:      "SUCCESS",
	FetchFailed:  "FETCH_FAILED",
	OtherFailure: "FAILURE",
}

// String returns the reason as an upper-case string.
func (r Reason) String() string {
	return reasons[r]
}

// A CompletionEvent reports the outcome of a task to the scheduler
// that submitted it.
type CompletionEvent struct {
	Task   Task
	Reason Reason
	// Result is the task's result, when Reason is Success.
	Result interface{}
	// Err is the task's error, when Reason is not Success.
	Err error
	// Fetch describes the failed fetch, when Reason is FetchFailed.
	Fetch *shuffle.FetchFailedError
	// Host is the host on which the task ran, if known.
	Host string
}

// failureEvent classifies a task error.
func failureEvent(task Task, host string, err error) CompletionEvent {
	ev := CompletionEvent{Task: task, Reason: OtherFailure, Err: err, Host: host}
	if ff, ok := shuffle.IsFetchFailed(err); ok {
		ev.Reason = FetchFailed
		ev.Fetch = ff
	}
	return ev
}

// fatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// isFatal tells whether a task error should not be retried.
func isFatal(err error) bool {
	return errors.Match(fatalErr, err)
}

// An EventSink receives the completion events of tasks, and the loss
// of hosts.
type EventSink interface {
	// TaskEnded is called when a task ends. It must not block.
	TaskEnded(CompletionEvent)
	// HostLost is called when a host, and the map outputs and cached
	// partitions it holds, is lost.
	HostLost(host string)
}

// eventQueue is an unbounded queue of completion events with a
// single consumer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	events []CompletionEvent
}

func newEventQueue() *eventQueue {
	q := new(eventQueue)
	q.cond = ctxsync.NewCond(&q.mu)
	return q
}

// Put enqueues an event. Put never blocks.
func (q *eventQueue) Put(ev CompletionEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Get dequeues the next event, waiting at most timeout for one to
// become available. Get returns false if the timeout elapsed, and
// an error if ctx is done.
func (q *eventQueue) Get(ctx context.Context, timeout time.Duration) (CompletionEvent, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 {
		if err := q.cond.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return CompletionEvent{}, false, ctx.Err()
			}
			return CompletionEvent{}, false, nil
		}
	}
	ev := q.events[0]
	q.events[0] = CompletionEvent{}
	q.events = q.events[1:]
	return ev, true, nil
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
