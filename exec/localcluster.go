// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag/cache"
	"github.com/grailbio/bigdag/shuffle"
	"github.com/grailbio/bigdag/tracker"
)

// DefaultOfferInterval is the default interval at which LocalCluster
// offers its free resources when nothing else prompts it.
const DefaultOfferInterval = 100 * time.Millisecond

// LocalClusterConfig configures a LocalCluster.
type LocalClusterConfig struct {
	// Hosts is the number of virtual hosts.
	Hosts int
	// CPUs and Mem are the resources of each host.
	CPUs float64
	Mem  int64
	// Dir is the directory under which each host keeps its shuffle
	// outputs and cached partitions.
	Dir string
	// MapOutputs resolves shuffles for the hosts' fetchers.
	MapOutputs *tracker.MapOutputTracker
	// Registry, if set, records the locations of cached partitions.
	Registry tracker.Client
	// CacheEntries is the number of cached partitions each host keeps
	// in memory.
	CacheEntries int
	// ParallelFetch, if positive, is the number of concurrent fetches
	// of each host's shuffle reads.
	ParallelFetch int
	// MergeMemory and MaxMerge configure the hosts' reduce-side
	// merges; see Env.
	MergeMemory int64
	MaxMerge    int
}

// LocalCluster is a Cluster of virtual hosts running in the current
// process. Each host has its own shuffle store, served over HTTP by
// its own shuffle server, and its own cache store; tasks on one host
// read the shuffle outputs of another through its server. Hosts may be
// stopped to simulate their loss.
type LocalCluster struct {
	// OfferInterval is the interval at which free resources are
	// offered in the absence of revives.
	OfferInterval time.Duration

	config LocalClusterConfig
	hosts  []*localHost

	driver  Driver
	revivec chan struct{}
	ctx     context.Context
	cancel  func()
	wg      sync.WaitGroup

	mu       sync.Mutex
	nextID   int
	attempts map[AttemptID]*localAttempt
}

type localHost struct {
	env     *Env
	server  *shuffle.Server
	fetcher *shuffle.ParallelFetcher
	cache   *cache.Store

	// The following are guarded by the cluster's mutex.
	down    bool
	freeCPU float64
	freeMem int64
}

type localAttempt struct {
	host   *localHost
	launch TaskLaunch
	cancel func()
	lost   bool
}

// NewLocalCluster creates the hosts of a new local cluster and starts
// their shuffle servers.
func NewLocalCluster(config LocalClusterConfig) (*LocalCluster, error) {
	if config.Hosts <= 0 {
		return nil, errors.E(errors.Invalid, "local cluster: no hosts")
	}
	if config.CPUs <= 0 {
		config.CPUs = 1
	}
	if config.Mem <= 0 {
		config.Mem = DefaultMaxTaskMem
	}
	if config.Dir == "" {
		var err error
		if config.Dir, err = ioutil.TempDir("", "localcluster"); err != nil {
			return nil, err
		}
	}
	c := &LocalCluster{
		OfferInterval: DefaultOfferInterval,
		config:        config,
		revivec:       make(chan struct{}, 1),
		attempts:      make(map[AttemptID]*localAttempt),
	}
	for i := 0; i < config.Hosts; i++ {
		h, err := c.newHost(fmt.Sprintf("host%d", i))
		if err != nil {
			c.closeHosts()
			return nil, err
		}
		c.hosts = append(c.hosts, h)
	}
	return c, nil
}

func (c *LocalCluster) newHost(name string) (*localHost, error) {
	dir := filepath.Join(c.config.Dir, name)
	store, err := shuffle.NewStore(filepath.Join(dir, "shuffle"), name)
	if err != nil {
		return nil, err
	}
	server, err := shuffle.Serve(store, "")
	if err != nil {
		return nil, err
	}
	h := &localHost{
		server:  server,
		freeCPU: c.config.CPUs,
		freeMem: c.config.Mem,
	}
	var fetcher shuffle.Fetcher = &shuffle.SimpleFetcher{
		Tracker:  c.config.MapOutputs,
		Local:    store,
		LocalURI: server.URI,
	}
	if c.config.ParallelFetch > 0 {
		h.fetcher = shuffle.NewParallelFetcher(fetcher.(*shuffle.SimpleFetcher), c.config.ParallelFetch)
		fetcher = h.fetcher
	}
	h.env = &Env{
		Host:        name,
		ServerURI:   server.URI,
		Store:       store,
		Fetcher:     fetcher,
		SpillDir:    filepath.Join(dir, "spill"),
		MergeMemory: c.config.MergeMemory,
		MaxMerge:    c.config.MaxMerge,
	}
	if c.config.Registry != nil {
		if h.cache, err = cache.NewStore(filepath.Join(dir, "cache"), c.config.CacheEntries); err != nil {
			server.Close(context.Background())
			return nil, err
		}
		h.env.Cache = cache.NewTracker(c.config.Registry, name, h.cache)
	}
	if err := os.MkdirAll(h.env.SpillDir, 0777); err != nil {
		server.Close(context.Background())
		return nil, err
	}
	return h, nil
}

// Hosts returns the environments of the cluster's hosts.
func (c *LocalCluster) Hosts() []*Env {
	envs := make([]*Env, len(c.hosts))
	for i, h := range c.hosts {
		envs[i] = h.env
	}
	return envs
}

// Parallelism returns the number of single-CPU tasks the cluster can
// run at once.
func (c *LocalCluster) Parallelism() int {
	return int(float64(len(c.hosts)) * c.config.CPUs)
}

// Start implements Cluster.
func (c *LocalCluster) Start(ctx context.Context, driver Driver) error {
	c.driver = driver
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop()
	log.Printf("local cluster: started %d hosts (%g cpus, %s each)",
		len(c.hosts), c.config.CPUs, data.Size(c.config.Mem))
	return nil
}

func (c *LocalCluster) loop() {
	defer c.wg.Done()
	tick := time.NewTicker(c.OfferInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.revivec:
		case <-tick.C:
		}
		c.offer()
	}
}

// offer offers the free resources of every live host to the driver
// and launches the attempts it returns. The driver is called without
// holding the cluster's lock.
func (c *LocalCluster) offer() {
	c.mu.Lock()
	var offers []Offer
	for _, h := range c.hosts {
		if h.down || h.freeCPU <= 0 {
			continue
		}
		c.nextID++
		offers = append(offers, Offer{
			ID:   fmt.Sprintf("offer-%d", c.nextID),
			Host: h.env.Host,
			CPUs: h.freeCPU,
			Mem:  h.freeMem,
		})
	}
	c.mu.Unlock()
	if len(offers) == 0 {
		return
	}
	launches := c.driver.ResourceOffers(offers)
	if len(launches) == 0 {
		return
	}
	var lost []TaskLaunch
	c.mu.Lock()
	for _, l := range launches {
		h := c.host(l.Host)
		if h == nil || h.down || c.ctx.Err() != nil {
			lost = append(lost, l)
			continue
		}
		h.freeCPU -= l.CPUs
		h.freeMem -= l.Mem
		ctx, cancel := context.WithCancel(c.ctx)
		a := &localAttempt{host: h, launch: l, cancel: cancel}
		c.attempts[l.ID] = a
		c.wg.Add(1)
		go c.run(ctx, a)
	}
	c.mu.Unlock()
	for _, l := range lost {
		c.driver.StatusUpdate(TaskStatus{ID: l.ID, Host: l.Host, State: TaskLost, Message: "host is down"})
	}
}

func (c *LocalCluster) host(name string) *localHost {
	for _, h := range c.hosts {
		if h.env.Host == name {
			return h
		}
	}
	return nil
}

func (c *LocalCluster) run(ctx context.Context, a *localAttempt) {
	defer c.wg.Done()
	l := a.launch
	c.driver.StatusUpdate(TaskStatus{ID: l.ID, Host: l.Host, State: TaskRunning})
	result, err := l.Task.Run(ctx, a.host.env, l.ID.Attempt)
	killed := ctx.Err() != nil
	a.cancel()

	c.mu.Lock()
	delete(c.attempts, l.ID)
	a.host.freeCPU += l.CPUs
	a.host.freeMem += l.Mem
	lost := a.lost
	c.mu.Unlock()

	status := TaskStatus{ID: l.ID, Host: l.Host}
	switch {
	case lost:
		// Reported by StopHost.
		return
	case killed:
		status.State = TaskKilled
		status.Message = "killed"
	case err != nil:
		status.State = TaskFailed
		status.Err = err
		status.Message = err.Error()
	default:
		status.State = TaskFinished
		status.Result = result
	}
	c.driver.StatusUpdate(status)
	c.Revive()
}

// Revive implements Cluster.
func (c *LocalCluster) Revive() {
	select {
	case c.revivec <- struct{}{}:
	default:
	}
}

// Kill implements Cluster. It cancels the attempt's context; the
// attempt is reported as killed once it returns.
func (c *LocalCluster) Kill(id AttemptID) {
	c.mu.Lock()
	a := c.attempts[id]
	c.mu.Unlock()
	if a != nil {
		a.cancel()
	}
}

// StopHost simulates the loss of the named host: its shuffle server
// is stopped, its shuffle outputs and cached partitions are
// discarded, and its running attempts are reported lost.
func (c *LocalCluster) StopHost(ctx context.Context, name string) error {
	c.mu.Lock()
	h := c.host(name)
	if h == nil || h.down {
		c.mu.Unlock()
		return errors.E(errors.NotExist, fmt.Sprintf("host %s", name))
	}
	h.down = true
	var lost []TaskLaunch
	for _, a := range c.attempts {
		if a.host == h {
			a.lost = true
			a.cancel()
			lost = append(lost, a.launch)
		}
	}
	c.mu.Unlock()
	sort.Slice(lost, func(i, j int) bool { return lost[i].ID.Task < lost[j].ID.Task })

	log.Error.Printf("local cluster: stopping host %s (%d attempts lost)", name, len(lost))
	err := h.close(ctx)
	if err := h.env.Store.Clear(); err != nil {
		log.Error.Printf("local cluster: clear shuffle store of %s: %v", name, err)
	}
	for _, l := range lost {
		c.driver.StatusUpdate(TaskStatus{ID: l.ID, Host: name, State: TaskLost, Message: "host lost"})
	}
	c.driver.HostLost(name)
	return err
}

func (h *localHost) close(ctx context.Context) error {
	if h.fetcher != nil {
		h.fetcher.Stop()
	}
	return h.server.Close(ctx)
}

func (c *LocalCluster) closeHosts() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range c.hosts {
		if h.down {
			continue
		}
		if err := h.close(ctx); err != nil {
			log.Error.Printf("local cluster: close %s: %v", h.env.Host, err)
		}
	}
}

// Stop implements Cluster. Running attempts are canceled, and the
// hosts' shuffle servers are stopped.
func (c *LocalCluster) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.closeHosts()
}
