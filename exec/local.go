// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
)

// LocalScheduler is a task scheduler that runs tasks in-process in
// separate goroutines, all sharing a single environment. Task
// failures are not retried: they are reported to the event sink as
// they occur.
type LocalScheduler struct {
	env     *Env
	p       int
	limiter *limiter.Limiter
	sink    EventSink

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[int]*localRun
}

type localRun struct {
	ctx    context.Context
	cancel func()
}

// NewLocalScheduler returns a scheduler that runs up to p tasks
// concurrently in env.
func NewLocalScheduler(env *Env, p int) *LocalScheduler {
	if p <= 0 {
		p = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{
		env:     env,
		p:       p,
		limiter: limiter.New(),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[int]*localRun),
	}
}

// Start implements TaskScheduler.
func (l *LocalScheduler) Start(sink EventSink) error {
	l.sink = sink
	l.limiter.Release(l.p)
	return nil
}

func (l *LocalScheduler) runContext(runID int) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[runID]
	if !ok {
		r = new(localRun)
		r.ctx, r.cancel = context.WithCancel(l.ctx)
		l.runs[runID] = r
	}
	return r.ctx
}

// Submit implements TaskScheduler.
func (l *LocalScheduler) Submit(runID, stageID int, tasks []Task) {
	ctx := l.runContext(runID)
	for _, task := range tasks {
		l.wg.Add(1)
		go l.run(ctx, task)
	}
}

func (l *LocalScheduler) run(ctx context.Context, task Task) {
	defer l.wg.Done()
	if err := l.limiter.Acquire(ctx, 1); err != nil {
		// The only errors we should encounter here are context errors,
		// in which case there is no more work to do.
		if err != context.Canceled && err != context.DeadlineExceeded {
			log.Panicf("exec.Local: unexpected error: %v", err)
		}
		return
	}
	defer l.limiter.Release(1)
	result, err := task.Run(ctx, l.env, 0)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Error.Printf("%v: %v", task, err)
		l.sink.TaskEnded(failureEvent(task, l.env.Host, err))
		return
	}
	l.sink.TaskEnded(CompletionEvent{Task: task, Reason: Success, Result: result, Host: l.env.Host})
}

// Cancel implements TaskScheduler.
func (l *LocalScheduler) Cancel(runID int) {
	l.mu.Lock()
	r := l.runs[runID]
	delete(l.runs, runID)
	l.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// DefaultParallelism implements TaskScheduler.
func (l *LocalScheduler) DefaultParallelism() int { return l.p }

// Stop implements TaskScheduler. It cancels all running tasks and
// waits for them to return.
func (l *LocalScheduler) Stop() {
	l.cancel()
	l.wg.Wait()
}
