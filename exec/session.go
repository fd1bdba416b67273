// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/cache"
	"github.com/grailbio/bigdag/dataio"
	"github.com/grailbio/bigdag/shuffle"
	"github.com/grailbio/bigdag/tracker"
	"github.com/grailbio/bigmachine"
	"golang.org/x/time/rate"
)

// LocalHost is the host name of tasks run in-process by the local
// scheduler, and by the driver when it computes a job directly.
const LocalHost = "local"

// Session is a bigdag compute session. It owns the services shared
// by the jobs it runs: the location registry, the map-output
// tracker, the task scheduler and the DAG scheduler. Map outputs and
// cached partitions computed by one job are reused by the jobs that
// follow it in the same session.
//
// A session is started by Start and must be shut down with Shutdown.
//
//	sess, err := exec.Start(exec.LocalHosts(4, 2, 0))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Shutdown()
//	counts := bigdag.ReduceByKey(words, add, 8)
//	records, err := sess.Collect(ctx, counts)
type Session struct {
	context.Context

	id     string
	p      int
	dir    string
	ownDir bool
	status *status.Status
	system bigmachine.System

	cluster      Cluster
	localCluster *LocalClusterConfig

	jobConfig       JobConfig
	checkInterval   time.Duration
	resubmitTimeout time.Duration
	pollTimeout     time.Duration
	mergeMemory     int64
	maxMerge        int
	parallelFetch   int
	cacheEntries    int

	b          *bigmachine.B
	registry   tracker.Client
	mapOutputs *tracker.MapOutputTracker
	cache      *cache.Tracker
	sched      TaskScheduler
	local      *LocalCluster
	localEnv   *Env
	fetchers   []*shuffle.ParallelFetcher
	dag        *DAGScheduler
}

func newSession() *Session {
	return &Session{
		Context:         backgroundcontext.Get(),
		id:              uuid.New().String(),
		jobConfig:       DefaultJobConfig,
		checkInterval:   DefaultCheckInterval,
		resubmitTimeout: DefaultResubmitTimeout,
		pollTimeout:     DefaultPollTimeout,
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session to run tasks in-process, on a single
// host, without retries. This is the default.
var Local Option = func(s *Session) {
	s.cluster = nil
	s.localCluster = nil
}

// LocalHosts configures a session to run tasks on an in-process
// cluster of the provided number of virtual hosts, each with the
// provided CPUs and memory (in bytes; zero selects a default). Tasks
// are retried as they would be on a real cluster.
func LocalHosts(hosts int, cpus float64, mem int64) Option {
	if hosts <= 0 {
		panic("exec.LocalHosts: hosts <= 0")
	}
	return func(s *Session) {
		s.cluster = nil
		s.localCluster = &LocalClusterConfig{Hosts: hosts, CPUs: cpus, Mem: mem}
	}
}

// OnCluster configures a session to run tasks on the provided
// cluster.
func OnCluster(cluster Cluster) Option {
	return func(s *Session) {
		s.localCluster = nil
		s.cluster = cluster
	}
}

// Parallelism configures the session with the provided target
// parallelism.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// TaskResources configures the CPUs and memory allocated to each
// task attempt.
func TaskResources(cpus float64, mem int64) Option {
	return func(s *Session) {
		s.jobConfig.CPUs = cpus
		s.jobConfig.Mem = mem
	}
}

// MaxTaskMemory caps the memory allocated to task attempts that are
// repeatedly killed.
func MaxTaskMemory(mem int64) Option {
	return func(s *Session) {
		s.jobConfig.MaxMem = mem
	}
}

// MaxTaskFailures configures the number of times a task may fail
// before its job is aborted.
func MaxTaskFailures(n int) Option {
	if n < 0 {
		panic("exec.MaxTaskFailures: n < 0")
	}
	return func(s *Session) {
		s.jobConfig.MaxFailures = n
	}
}

// ResubmitTimeout configures the cool-down between a fetch failure
// and the resubmission of the affected stages.
func ResubmitTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.resubmitTimeout = d
	}
}

// PollTimeout configures the interval at which the driver checks for
// failed stages while waiting for task completions.
func PollTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.pollTimeout = d
	}
}

// LocalityWait configures the time a job waits for its tasks'
// preferred hosts before running them elsewhere.
func LocalityWait(d time.Duration) Option {
	return func(s *Session) {
		s.jobConfig.LocalityWait = d
	}
}

// TaskStartTimeout configures the time a task attempt may take to
// start before it is relaunched.
func TaskStartTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.jobConfig.StartTimeout = d
	}
}

// CheckInterval configures the interval at which running jobs are
// checked for stuck or slow attempts.
func CheckInterval(d time.Duration) Option {
	if d <= 0 {
		panic("exec.CheckInterval: d <= 0")
	}
	return func(s *Session) {
		s.checkInterval = d
	}
}

// Speculation configures speculative execution: once the provided
// fraction of a stage's tasks have finished, tasks that run for more
// than multiple times the average task duration are launched again,
// at most once per interval. A zero quantile disables speculation.
func Speculation(quantile, multiple float64, interval time.Duration) Option {
	return func(s *Session) {
		s.jobConfig.SpeculationQuantile = quantile
		s.jobConfig.SpeculationMultiple = multiple
		s.jobConfig.SpeculationRate = rate.Every(interval)
	}
}

// MergeSpill configures reduce-side merges to spill to disk once
// they use more than the provided number of bytes.
func MergeSpill(mem int64) Option {
	return func(s *Session) {
		s.mergeMemory = mem
	}
}

// MaxMerge configures reduce-side merges to spill to disk every n
// merged map outputs.
func MaxMerge(n int) Option {
	return func(s *Session) {
		s.maxMerge = n
	}
}

// ParallelFetch configures shuffle reads to fetch map outputs with
// the provided number of concurrent workers.
func ParallelFetch(workers int) Option {
	return func(s *Session) {
		s.parallelFetch = workers
	}
}

// CacheEntries configures the number of cached partitions each host
// keeps in memory before spilling them to disk.
func CacheEntries(n int) Option {
	return func(s *Session) {
		s.cacheEntries = n
	}
}

// ShuffleDir configures the directory under which shuffle outputs,
// cached partitions and spills are stored. By default a temporary
// directory is used and removed on shutdown.
func ShuffleDir(dir string) Option {
	return func(s *Session) {
		s.dir = dir
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// TrackerOn configures the session to host its location registry on
// a machine of the provided bigmachine system, rather than in the
// driver process.
func TrackerOn(system bigmachine.System) Option {
	return func(s *Session) {
		s.system = system
	}
}

// Start creates and starts a new session, configured according to
// the provided options. If no executor is configured, tasks run
// in-process.
func Start(options ...Option) (*Session, error) {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if err := s.start(); err != nil {
		s.Shutdown()
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	if s.dir == "" {
		var err error
		if s.dir, err = ioutil.TempDir("", "bigdag"); err != nil {
			return err
		}
		s.ownDir = true
	}
	// Namespace the session's files so that sessions may share a
	// directory.
	s.dir = filepath.Join(s.dir, s.id)
	if err := os.MkdirAll(s.dir, 0777); err != nil {
		return err
	}
	if s.system != nil {
		s.b = bigmachine.Start(s.system)
		client, err := tracker.StartMachine(s, s.b)
		if err != nil {
			return err
		}
		s.registry = client
	} else {
		s.registry = tracker.NewServer()
	}
	s.mapOutputs = tracker.NewMapOutputTracker(s.registry)

	var err error
	switch {
	case s.localCluster != nil:
		err = s.startLocalCluster()
	case s.cluster != nil:
		err = s.startCluster(s.cluster)
	default:
		err = s.startLocal()
	}
	if err != nil {
		return err
	}
	s.dag = NewDAGScheduler(s.sched, s.mapOutputs, s.cache, s.localEnv)
	s.dag.PollTimeout = s.pollTimeout
	s.dag.ResubmitTimeout = s.resubmitTimeout
	s.dag.Status = s.status
	if err := s.sched.Start(s.dag); err != nil {
		return err
	}
	log.Printf("session %s: started with parallelism %d; files at %s", s.id, s.p, s.dir)
	return nil
}

// newEnv creates the environment of an in-process host. Its shuffle
// outputs are read directly from its store. If cacheStore is true,
// cached partitions computed on the host are stored there.
func (s *Session) newEnv(host string, cacheStore bool) (*Env, error) {
	dir := filepath.Join(s.dir, host)
	store, err := shuffle.NewStore(filepath.Join(dir, "shuffle"), host)
	if err != nil {
		return nil, err
	}
	env := &Env{
		Host:        host,
		ServerURI:   host,
		Store:       store,
		SpillDir:    filepath.Join(dir, "spill"),
		MergeMemory: s.mergeMemory,
		MaxMerge:    s.maxMerge,
	}
	if err := os.MkdirAll(env.SpillDir, 0777); err != nil {
		return nil, err
	}
	fetcher := &shuffle.SimpleFetcher{Tracker: s.mapOutputs, Local: store, LocalURI: env.ServerURI}
	env.Fetcher = fetcher
	if s.parallelFetch > 0 {
		pf := shuffle.NewParallelFetcher(fetcher, s.parallelFetch)
		s.fetchers = append(s.fetchers, pf)
		env.Fetcher = pf
	}
	var cstore *cache.Store
	if cacheStore {
		if cstore, err = cache.NewStore(filepath.Join(dir, "cache"), s.cacheEntries); err != nil {
			return nil, err
		}
	}
	env.Cache = cache.NewTracker(s.registry, host, cstore)
	return env, nil
}

func (s *Session) startLocal() error {
	if s.p == 0 {
		s.p = runtime.GOMAXPROCS(0)
	}
	env, err := s.newEnv(LocalHost, true)
	if err != nil {
		return err
	}
	s.localEnv = env
	s.cache = env.Cache
	s.sched = NewLocalScheduler(env, s.p)
	return nil
}

func (s *Session) startLocalCluster() error {
	config := *s.localCluster
	config.Dir = filepath.Join(s.dir, "cluster")
	config.MapOutputs = s.mapOutputs
	config.Registry = s.registry
	config.CacheEntries = s.cacheEntries
	config.ParallelFetch = s.parallelFetch
	config.MergeMemory = s.mergeMemory
	config.MaxMerge = s.maxMerge
	if config.Mem <= 0 && s.jobConfig.MaxMem > 0 {
		config.Mem = s.jobConfig.MaxMem
	}
	cluster, err := NewLocalCluster(config)
	if err != nil {
		return err
	}
	s.local = cluster
	if s.p == 0 {
		s.p = cluster.Parallelism()
	}
	return s.startCluster(cluster)
}

func (s *Session) startCluster(cluster Cluster) error {
	if s.p == 0 {
		s.p = runtime.GOMAXPROCS(0)
	}
	// The driver computes eligible jobs itself. It writes no map
	// outputs, and it reads cached partitions without storing them.
	env, err := s.newEnv("driver", false)
	if err != nil {
		return err
	}
	s.localEnv = env
	s.cache = env.Cache
	sched := NewClusterScheduler(cluster, s.p)
	sched.Config = s.jobConfig
	sched.CheckInterval = s.checkInterval
	s.sched = sched
	return nil
}

// Parallelism returns the session's default parallelism.
func (s *Session) Parallelism() int { return s.p }

// ID returns the session's unique ID.
func (s *Session) ID() string { return s.id }

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status { return s.status }

// DAG returns the session's DAG scheduler.
func (s *Session) DAG() *DAGScheduler { return s.dag }

// Cluster returns the session's local cluster, if it runs on one.
func (s *Session) Cluster() *LocalCluster { return s.local }

// Registry returns the client of the session's location registry.
func (s *Session) Registry() tracker.Client { return s.registry }

// Run runs a job computing fn over every partition of ds. Results are
// produced in partition order.
func (s *Session) Run(ctx context.Context, ds bigdag.Dataset, fn ResultFunc) *Results {
	partitions := make([]int, ds.NumPartitions())
	for i := range partitions {
		partitions[i] = i
	}
	return s.dag.RunJob(ctx, ds, fn, partitions, false)
}

// RunPartitions runs a job computing fn over the provided partitions
// of ds. If allowLocal is true, a job of a single partition whose
// inputs are available is computed by the driver itself.
func (s *Session) RunPartitions(ctx context.Context, ds bigdag.Dataset, fn ResultFunc, partitions []int, allowLocal bool) *Results {
	return s.dag.RunJob(ctx, ds, fn, partitions, allowLocal)
}

func collect(ctx context.Context, r dataio.Reader) (interface{}, error) {
	return dataio.ReadAll(ctx, r)
}

func count(ctx context.Context, r dataio.Reader) (interface{}, error) {
	var n int64
	err := dataio.ForEach(ctx, r, func(interface{}) error {
		n++
		return nil
	})
	return n, err
}

// Collect returns the records of ds, in partition order.
func (s *Session) Collect(ctx context.Context, ds bigdag.Dataset) ([]interface{}, error) {
	results := s.Run(ctx, ds, collect)
	defer results.Close()
	var records []interface{}
	for results.Next(ctx) {
		records = append(records, results.Value().([]interface{})...)
	}
	return records, results.Err()
}

// Count returns the number of records in ds.
func (s *Session) Count(ctx context.Context, ds bigdag.Dataset) (int64, error) {
	results := s.Run(ctx, ds, count)
	defer results.Close()
	var n int64
	for results.Next(ctx) {
		n += results.Value().(int64)
	}
	return n, results.Err()
}

// First returns the records of the first partition of ds. The
// partition is computed by the driver if its inputs are available.
func (s *Session) First(ctx context.Context, ds bigdag.Dataset) ([]interface{}, error) {
	if ds.NumPartitions() == 0 {
		return nil, nil
	}
	results := s.RunPartitions(ctx, ds, collect, []int{0}, true)
	defer results.Close()
	if !results.Next(ctx) {
		return nil, results.Err()
	}
	return results.Value().([]interface{}), nil
}

// Uncache forgets the materialized partitions of a cached dataset.
// They are recomputed when they are next needed.
func (s *Session) Uncache(ctx context.Context, ds bigdag.Dataset) error {
	if !bigdag.IsCached(ds) {
		return errors.E(errors.Invalid, fmt.Sprintf("%v is not cached", ds))
	}
	if s.local != nil {
		for _, env := range s.local.Hosts() {
			if env.Cache == nil {
				continue
			}
			env.Cache.RegisterDataset(ds.ID(), ds.NumPartitions())
			if err := env.Cache.Clear(ctx, ds.ID()); err != nil {
				return err
			}
		}
	}
	s.cache.RegisterDataset(ds.ID(), ds.NumPartitions())
	return s.cache.Clear(ctx, ds.ID())
}

// StopHost simulates the loss of a host of the session's local
// cluster.
func (s *Session) StopHost(ctx context.Context, host string) error {
	if s.local == nil {
		return errors.E(errors.Invalid, "session does not run on a local cluster")
	}
	return s.local.StopHost(ctx, host)
}

// Shutdown tears down the session's services and removes its files.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.sched != nil {
		s.sched.Stop()
	}
	for _, f := range s.fetchers {
		f.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.registry != nil {
		if err := s.registry.Stop(ctx); err != nil {
			log.Error.Printf("session %s: stop registry: %v", s.id, err)
		}
	}
	if s.b != nil {
		s.b.Shutdown()
	}
	if s.dir != "" {
		dir := s.dir
		if s.ownDir {
			dir = filepath.Dir(dir)
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Error.Printf("session %s: remove %s: %v", s.id, dir, err)
		}
	}
}
