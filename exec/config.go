// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigdag", func(constr *config.Constructor) {
		var (
			parallelism, hosts, maxFailures, fetchers int
			cpus                                      float64
			taskMem, spillMem                         int
			resubmitTimeout                           string
			dir                                       string
			system                                    bigmachine.System
		)
		constr.IntVar(&parallelism, "parallelism", 0, "allowable parallelism; defaults to the capacity of the executor")
		constr.IntVar(&hosts, "hosts", 0, "number of local cluster hosts; if zero, tasks run in-process")
		constr.FloatVar(&cpus, "cpus", 1, "CPUs per local cluster host")
		constr.IntVar(&taskMem, "task-mem", DefaultTaskMem>>20, "initial memory per task, in MiB")
		constr.IntVar(&maxFailures, "max-task-failures", DefaultMaxTaskFailures, "number of times a task may fail before its job is aborted")
		constr.StringVar(&resubmitTimeout, "resubmit-timeout", DefaultResubmitTimeout.String(), "cool-down before stages are resubmitted after a fetch failure")
		constr.IntVar(&spillMem, "spill-memory", 0, "memory budget of reduce-side merges, in MiB; if zero, merges stay in memory")
		constr.IntVar(&fetchers, "fetchers", 0, "number of concurrent shuffle fetches per task; if zero, fetches are serial")
		constr.StringVar(&dir, "dir", "", "directory for shuffle outputs and cached partitions")
		constr.InstanceVar(&system, "tracker-system", "", "the bigmachine system hosting the location registry; if empty, it runs in the driver")
		constr.Doc = "bigdag configures the bigdag runtime"
		constr.New = func() (interface{}, error) {
			timeout, err := time.ParseDuration(resubmitTimeout)
			if err != nil {
				return nil, err
			}
			opts := []Option{
				TaskResources(DefaultJobConfig.CPUs, int64(taskMem)<<20),
				MaxTaskFailures(maxFailures),
				ResubmitTimeout(timeout),
			}
			if hosts > 0 {
				opts = append(opts, LocalHosts(hosts, cpus, 0))
			}
			if parallelism > 0 {
				opts = append(opts, Parallelism(parallelism))
			}
			if spillMem > 0 {
				opts = append(opts, MergeSpill(int64(spillMem)<<20))
			}
			if fetchers > 0 {
				opts = append(opts, ParallelFetch(fetchers))
			}
			if dir != "" {
				opts = append(opts, ShuffleDir(dir))
			}
			if system != nil {
				opts = append(opts, TrackerOn(system))
			}
			return Start(opts...)
		}
	})
}
