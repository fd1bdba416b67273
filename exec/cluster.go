// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/data"
)

// TaskState is the state of a task attempt as reported by a cluster.
type TaskState int

const (
	// TaskStarting is the state of an attempt that has been launched
	// but has not yet started running.
	TaskStarting TaskState = iota
	// TaskRunning is the state of a running attempt.
	TaskRunning
	// TaskFinished indicates that the attempt completed successfully.
	TaskFinished
	// TaskFailed indicates that the attempt returned an error.
	TaskFailed
	// TaskKilled indicates that the attempt was killed by the cluster,
	// usually because it exceeded its memory allocation.
	TaskKilled
	// TaskLost indicates that the attempt was lost along with the host
	// on which it ran.
	TaskLost
)

var taskStates = [...]string{
	TaskStarting: "STARTING",
	TaskRunning:  "RUNNING",
	TaskFinished: "FINISHED",
	TaskFailed:   "FAILED",
	TaskKilled:   "KILLED",
	TaskLost:     "LOST",
}

// String returns the state as an upper-case string.
func (s TaskState) String() string {
	return taskStates[s]
}

// Terminal tells whether the state is final.
func (s TaskState) Terminal() bool {
	return s >= TaskFinished
}

// AttemptID identifies an attempt of a task.
type AttemptID struct {
	Task    TaskID
	Attempt int
}

func (id AttemptID) String() string {
	return fmt.Sprintf("%d.%d", id.Task, id.Attempt)
}

// An Offer describes the free resources of a host.
type Offer struct {
	ID   string
	Host string
	CPUs float64
	// Mem is the free memory of the host, in bytes.
	Mem        int64
	Attributes map[string]string
}

func (o Offer) String() string {
	return fmt.Sprintf("offer %s: %s cpus=%g mem=%s", o.ID, o.Host, o.CPUs, data.Size(o.Mem))
}

// A TaskLaunch instructs a cluster to run an attempt of a task on the
// host of an offer, with the provided resources.
type TaskLaunch struct {
	ID      AttemptID
	Task    Task
	OfferID string
	Host    string
	CPUs    float64
	Mem     int64
}

// TaskStatus reports a change in the state of an attempt.
type TaskStatus struct {
	ID    AttemptID
	Host  string
	State TaskState
	// Result is the attempt's result, when State is TaskFinished.
	Result interface{}
	// Err is the attempt's error, when State is TaskFailed.
	Err error
	// Message describes the state change.
	Message string
}

// A Driver consumes the resources of a cluster. It is implemented by
// ClusterScheduler.
type Driver interface {
	// ResourceOffers is called with the free resources of the
	// cluster's hosts; it returns the attempts that the cluster
	// should launch. Launched attempts consume the offered
	// resources; unused resources are offered again later.
	ResourceOffers(offers []Offer) []TaskLaunch
	// StatusUpdate reports a change in the state of a launched
	// attempt.
	StatusUpdate(status TaskStatus)
	// HostLost reports that a host, and everything stored on it, is
	// gone.
	HostLost(host string)
}

// A Cluster is a resource manager that runs task attempts on a set
// of hosts.
type Cluster interface {
	// Start starts the cluster, delivering offers and status updates
	// to the provided driver.
	Start(ctx context.Context, driver Driver) error
	// Revive asks the cluster to offer its free resources again.
	Revive()
	// Kill kills an attempt. Kill is best-effort: the attempt may
	// still complete.
	Kill(id AttemptID)
	// Stop stops the cluster.
	Stop()
}
