// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigdag/dataio"
	"github.com/grailbio/bigdag/tracker"
	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/sync/errgroup"
)

// FetchFailedError reports that a bucket could not be retrieved from
// the server that advertised it. It identifies the server and map
// output so that the scheduler can recompute exactly the lost
// output.
type FetchFailedError struct {
	ServerURI                  string
	ShuffleID, MapID, ReduceID int
	Err                        error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch failed: shuffle %d map %d reduce %d from %s: %v",
		e.ShuffleID, e.MapID, e.ReduceID, e.ServerURI, e.Err)
}

// IsFetchFailed returns the FetchFailedError carried by err, if any.
// It looks through errors.Error wrappers.
func IsFetchFailed(err error) (*FetchFailedError, bool) {
	for err != nil {
		switch e := err.(type) {
		case *FetchFailedError:
			return e, true
		case *errors.Error:
			err = e.Err
		default:
			return nil, false
		}
	}
	return nil, false
}

func fetchFailed(uri string, shuffleID, mapID, reduceID int, err error) error {
	fetchErrors.Add(1)
	return errors.E(errors.Unavailable, &FetchFailedError{
		ServerURI: uri,
		ShuffleID: shuffleID,
		MapID:     mapID,
		ReduceID:  reduceID,
		Err:       err,
	})
}

// fetchPolicy governs per-source retries.
var fetchPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 2*time.Second, 2), 3)

// A Fetcher retrieves the buckets of one reduce partition from every
// map output of a shuffle. Fetch calls fn for each map output's
// decoded bucket; fn is never called concurrently. If any bucket
// cannot be retrieved, Fetch returns an error carrying a
// FetchFailedError.
type Fetcher interface {
	Fetch(ctx context.Context, shuffleID, reduceID int, fn func(mapID int, records []interface{}) error) error
}

// SimpleFetcher fetches buckets one at a time, in random order.
type SimpleFetcher struct {
	// Tracker resolves shuffles to their map output server URIs.
	Tracker *tracker.MapOutputTracker
	// Local and LocalURI, if set, allow buckets served from LocalURI
	// to be read directly from the local store.
	Local    *Store
	LocalURI string
	// Client is used for remote fetches. If nil, http.DefaultClient is
	// used.
	Client *http.Client
}

// Fetch implements Fetcher.
func (f *SimpleFetcher) Fetch(ctx context.Context, shuffleID, reduceID int, fn func(int, []interface{}) error) error {
	uris, err := f.Tracker.ServerURIs(ctx, shuffleID)
	if err != nil {
		return err
	}
	for _, mapID := range rand.Perm(len(uris)) {
		records, err := f.fetch(ctx, uris[mapID], shuffleID, mapID, reduceID)
		if err != nil {
			return err
		}
		if err := fn(mapID, records); err != nil {
			return err
		}
	}
	return nil
}

// fetch retrieves and decodes a single bucket, retrying transient
// failures.
func (f *SimpleFetcher) fetch(ctx context.Context, uri string, shuffleID, mapID, reduceID int) ([]interface{}, error) {
	for retries := 0; ; retries++ {
		records, err := f.fetchOnce(ctx, uri, shuffleID, mapID, reduceID)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(errors.NotExist, err) {
			return nil, fetchFailed(uri, shuffleID, mapID, reduceID, err)
		}
		log.Debug.Printf("fetch %s/%d/%d/%d: %v (try %d)", uri, shuffleID, mapID, reduceID, err, retries+1)
		if werr := retry.Wait(ctx, fetchPolicy, retries); werr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fetchFailed(uri, shuffleID, mapID, reduceID, err)
		}
	}
}

func (f *SimpleFetcher) fetchOnce(ctx context.Context, uri string, shuffleID, mapID, reduceID int) ([]interface{}, error) {
	var (
		p   []byte
		err error
	)
	if f.Local != nil && uri == f.LocalURI {
		p, err = f.Local.Get(shuffleID, mapID, reduceID)
	} else {
		p, err = f.get(ctx, fmt.Sprintf("%s/%d/%d/%d", uri, shuffleID, mapID, reduceID))
	}
	if err != nil {
		return nil, err
	}
	fetchBytes.Add(int64(len(p)))
	return dataio.DecodeFrame(p)
}

func (f *SimpleFetcher) get(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := ctxhttp.Get(ctx, client, url)
	if err != nil {
		return nil, errors.E(errors.Net, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errors.E(errors.NotExist, url)
	default:
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("GET %s: %s", url, resp.Status))
	}
	p, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E(errors.Net, err)
	}
	return p, nil
}

type fetchRequest struct {
	ctx                        context.Context
	uri                        string
	shuffleID, mapID, reduceID int
	resultc                    chan<- fetchResult
}

type fetchResult struct {
	mapID   int
	records []interface{}
	err     error
}

// fetchPool is a set of workers serving fetch requests. A pool is
// torn down once any of its workers fails.
type fetchPool struct {
	reqc   chan fetchRequest
	ctx    context.Context
	cancel func()
	g      *errgroup.Group
}

func startPool(f *SimpleFetcher, n int) *fetchPool {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p := &fetchPool{
		reqc:   make(chan fetchRequest),
		ctx:    gctx,
		cancel: cancel,
		g:      g,
	}
	for i := 0; i < n; i++ {
		g.Go(func() error { return p.work(f) })
	}
	return p
}

func (p *fetchPool) work(f *SimpleFetcher) error {
	for {
		var req fetchRequest
		select {
		case req = <-p.reqc:
		case <-p.ctx.Done():
			return nil
		}
		records, err := f.fetch(req.ctx, req.uri, req.shuffleID, req.mapID, req.reduceID)
		select {
		case req.resultc <- fetchResult{req.mapID, records, err}:
		case <-req.ctx.Done():
		case <-p.ctx.Done():
			return nil
		}
		// Failures on behalf of a canceled request do not reflect on
		// the pool.
		if err != nil && req.ctx.Err() == nil {
			return err
		}
	}
}

func (p *fetchPool) stop() {
	p.cancel()
	_ = p.g.Wait()
}

// ParallelFetcher fetches buckets concurrently using a persistent
// pool of workers. When any worker fails, the whole pool is stopped
// and replaced by a fresh one before the failure is returned.
type ParallelFetcher struct {
	*SimpleFetcher
	// Workers is the number of concurrent fetches.
	Workers int

	mu   sync.Mutex
	pool *fetchPool
}

// NewParallelFetcher returns a parallel fetcher with the provided
// number of workers.
func NewParallelFetcher(f *SimpleFetcher, workers int) *ParallelFetcher {
	if workers < 1 {
		workers = 1
	}
	return &ParallelFetcher{SimpleFetcher: f, Workers: workers}
}

func (f *ParallelFetcher) getPool() *fetchPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pool == nil {
		f.pool = startPool(f.SimpleFetcher, f.Workers)
	}
	return f.pool
}

// restart replaces pool, if it is still the current pool.
func (f *ParallelFetcher) restart(pool *fetchPool) {
	f.mu.Lock()
	if f.pool == pool {
		f.pool = nil
	}
	f.mu.Unlock()
	pool.stop()
	log.Debug.Printf("parallel fetcher: restarted worker pool")
}

// Fetch implements Fetcher.
func (f *ParallelFetcher) Fetch(ctx context.Context, shuffleID, reduceID int, fn func(int, []interface{}) error) error {
	uris, err := f.Tracker.ServerURIs(ctx, shuffleID)
	if err != nil {
		return err
	}
	pool := f.getPool()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resultc := make(chan fetchResult, f.Workers)
	go func() {
		for _, mapID := range rand.Perm(len(uris)) {
			req := fetchRequest{ctx, uris[mapID], shuffleID, mapID, reduceID, resultc}
			select {
			case pool.reqc <- req:
			case <-ctx.Done():
				return
			case <-pool.ctx.Done():
				return
			}
		}
	}()
	for range uris {
		select {
		case r := <-resultc:
			if r.err != nil {
				f.restart(pool)
				return r.err
			}
			if err := fn(r.mapID, r.records); err != nil {
				return err
			}
		case <-pool.ctx.Done():
			f.restart(pool)
			// The failure may have been our own.
			if err := drainErr(resultc); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.E(errors.Unavailable, "fetch pool restarted")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// drainErr returns the first error among the buffered results.
func drainErr(resultc chan fetchResult) error {
	for {
		select {
		case r := <-resultc:
			if r.err != nil {
				return r.err
			}
		default:
			return nil
		}
	}
}

// Stop stops the fetcher's worker pool.
func (f *ParallelFetcher) Stop() {
	f.mu.Lock()
	pool := f.pool
	f.pool = nil
	f.mu.Unlock()
	if pool != nil {
		pool.stop()
	}
}
