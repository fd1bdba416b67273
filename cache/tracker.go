// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cache implements the cache tracker, which materializes the
// partitions of cached datasets on the hosts that compute them and
// advertises their locations through the tracker registry.
package cache

import (
	"context"
	"expvar"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigdag"
	"github.com/grailbio/bigdag/dataio"
	"github.com/grailbio/bigdag/tracker"
)

var (
	cacheHits   = expvar.NewInt("cachehits")
	cacheMisses = expvar.NewInt("cachemisses")
)

// ComputeFunc computes a partition.
type ComputeFunc func(ctx context.Context) (dataio.Reader, error)

// Tracker tracks the locations of cached partitions. A driver-side
// tracker (with no store) answers location queries; a host-side
// tracker additionally holds a Store and materializes partitions
// computed on its host.
type Tracker struct {
	client tracker.Client
	host   string
	store  *Store

	mu        sync.Mutex
	cond      *ctxsync.Cond
	computing map[string]bool
	datasets  map[int]int
}

// NewTracker returns a new tracker using the provided registry
// client. If store is non-nil, partitions computed through
// GetOrCompute are materialized in it and advertised under host.
func NewTracker(client tracker.Client, host string, store *Store) *Tracker {
	t := &Tracker{
		client:    client,
		host:      host,
		store:     store,
		computing: make(map[string]bool),
		datasets:  make(map[int]int),
	}
	t.cond = ctxsync.NewCond(&t.mu)
	return t
}

// Host returns the host name under which this tracker advertises
// partitions.
func (t *Tracker) Host() string { return t.host }

// RegisterDataset registers a cached dataset with n partitions.
// Registering a dataset more than once has no effect.
func (t *Tracker) RegisterDataset(id, n int) {
	t.mu.Lock()
	if _, ok := t.datasets[id]; !ok {
		t.datasets[id] = n
	}
	t.mu.Unlock()
}

// Registered returns the number of partitions of a registered
// dataset.
func (t *Tracker) Registered(id int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.datasets[id]
	return n, ok
}

// Locations returns, for each partition of the provided dataset, the
// hosts that hold a materialized copy.
func (t *Tracker) Locations(ctx context.Context, ds bigdag.Dataset) ([][]string, error) {
	locs := make([][]string, ds.NumPartitions())
	for p := range locs {
		hosts, err := t.client.Get(ctx, tracker.CacheKey(ds.ID(), p))
		if err != nil {
			return nil, err
		}
		locs[p] = hosts
	}
	return locs, nil
}

// GetOrCompute returns a reader of the provided partition. If the
// partition is held locally, its stored records are returned.
// Otherwise it is computed with compute; the returned reader passes
// records through as they are produced and, when it reaches the end
// of the partition, stores them and advertises this host as a
// location. Concurrent calls for the same partition wait for the
// first to finish.
//
// Readers returned by GetOrCompute implement Close; a reader closed
// before reaching the end of the partition stores nothing.
func (t *Tracker) GetOrCompute(ctx context.Context, ds bigdag.Dataset, split int, compute ComputeFunc) (dataio.Reader, error) {
	if t.store == nil {
		return compute(ctx)
	}
	key := tracker.CacheKey(ds.ID(), split)
	t.mu.Lock()
	if _, ok := t.datasets[ds.ID()]; !ok {
		t.datasets[ds.ID()] = ds.NumPartitions()
	}
	for t.computing[key] {
		if err := t.cond.Wait(ctx); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	if records, ok := t.store.Get(ctx, key); ok {
		t.mu.Unlock()
		cacheHits.Add(1)
		return &closingSlice{dataio.SliceReader(records)}, nil
	}
	t.computing[key] = true
	t.mu.Unlock()
	cacheMisses.Add(1)

	r, err := compute(ctx)
	if err != nil {
		t.done(key)
		return nil, err
	}
	return &teeReader{Reader: r, tracker: t, key: key}, nil
}

func (t *Tracker) done(key string) {
	t.mu.Lock()
	delete(t.computing, key)
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Tracker) commit(ctx context.Context, key string, records []interface{}) error {
	t.store.Put(key, records)
	defer t.done(key)
	if err := t.client.Add(ctx, key, t.host); err != nil {
		// The records are still usable locally; the registry merely
		// won't point other tasks here.
		log.Error.Printf("cache tracker %s: advertise %s: %v", t.host, key, err)
		return err
	}
	log.Debug.Printf("cache tracker %s: stored %s (%d records)", t.host, key, len(records))
	return nil
}

// Clear drops every partition of the provided dataset from the local
// store and from the registry.
func (t *Tracker) Clear(ctx context.Context, id int) error {
	t.mu.Lock()
	n, ok := t.datasets[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	for p := 0; p < n; p++ {
		key := tracker.CacheKey(id, p)
		if t.store != nil {
			t.store.Remove(ctx, key)
		}
		if err := t.client.Remove(ctx, key, ""); err != nil {
			return err
		}
	}
	t.mu.Lock()
	delete(t.datasets, id)
	t.mu.Unlock()
	return nil
}

// RemoveHost removes host from the locations of every partition of
// every registered dataset.
func (t *Tracker) RemoveHost(ctx context.Context, host string) error {
	t.mu.Lock()
	datasets := make(map[int]int, len(t.datasets))
	for id, n := range t.datasets {
		datasets[id] = n
	}
	t.mu.Unlock()
	for id, n := range datasets {
		for p := 0; p < n; p++ {
			if err := t.client.Remove(ctx, tracker.CacheKey(id, p), host); err != nil {
				return err
			}
		}
	}
	return nil
}

// teeReader passes through the records of a partition being
// computed, retaining them for the cache.
type teeReader struct {
	dataio.Reader
	tracker *Tracker
	key     string
	records []interface{}
	closed  bool
}

func (r *teeReader) Read(ctx context.Context, out []interface{}) (int, error) {
	if r.closed {
		return 0, dataio.EOF
	}
	n, err := r.Reader.Read(ctx, out)
	r.records = append(r.records, out[:n]...)
	switch {
	case err == dataio.EOF:
		r.closed = true
		// A failure to advertise does not affect this reader.
		_ = r.tracker.commit(ctx, r.key, r.records)
		r.records = nil
	case err != nil:
		r.closed = true
		r.records = nil
		r.tracker.done(r.key)
	}
	return n, err
}

// Close releases the partition without storing it, unless it was
// read to completion.
func (r *teeReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.records = nil
	r.tracker.done(r.key)
	return nil
}

type closingSlice struct{ dataio.Reader }

func (closingSlice) Close() error { return nil }
