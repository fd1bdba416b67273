// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cache

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigdag/dataio"
	lru "github.com/hashicorp/golang-lru"
	"github.com/willf/bloom"
)

// DefaultMemoryEntries is the default number of partitions kept in
// memory by a Store.
const DefaultMemoryEntries = 128

// Store holds materialized partitions on a single host. Recently used
// partitions are kept in memory; partitions evicted from memory are
// written to a directory on disk. A bloom filter indexes the disk
// tier so that misses rarely touch the file system.
type Store struct {
	dir string

	mu       sync.Mutex
	mem      *lru.Cache
	index    *bloom.BloomFilter
	removing bool
}

// NewStore returns a new store that keeps up to memEntries partitions
// in memory and spills the rest to dir.
func NewStore(dir string, memEntries int) (*Store, error) {
	if memEntries <= 0 {
		memEntries = DefaultMemoryEntries
	}
	s := &Store{
		dir:   dir,
		index: bloom.NewWithEstimates(100000, 0.001),
	}
	var err error
	s.mem, err = lru.NewWithEvict(memEntries, s.evicted)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, strings.Replace(key, ":", "_", -1))
}

// evicted writes an entry evicted from memory to disk. It is called
// by the LRU cache with s.mu held.
func (s *Store) evicted(k, v interface{}) {
	if s.removing {
		return
	}
	key := k.(string)
	if err := s.writeDisk(backgroundcontext.Get(), key, v.([]interface{})); err != nil {
		log.Error.Printf("cache store: evict %s to disk: %v", key, err)
		return
	}
	s.index.AddString(key)
}

func (s *Store) writeDisk(ctx context.Context, key string, records []interface{}) (err error) {
	f, err := file.Create(ctx, s.path(key))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f.Writer(ctx))
	for len(records) > 0 {
		n := dataio.SpillBatchSize
		if len(records) < n {
			n = len(records)
		}
		p, err := dataio.EncodeFrame(records[:n])
		if err != nil {
			return err
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
		records = records[n:]
	}
	return w.Flush()
}

func (s *Store) readDisk(ctx context.Context, key string) (records []interface{}, err error) {
	f, err := file.Open(ctx, s.path(key))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return dataio.ReadAll(ctx, dataio.NewFrameReader(bufio.NewReader(f.Reader(ctx))))
}

// Put stores the records of the provided key.
func (s *Store) Put(key string, records []interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if records == nil {
		records = []interface{}{}
	}
	s.mem.Add(key, records)
}

// Get returns the records of the provided key, and whether the key
// was present.
func (s *Store) Get(ctx context.Context, key string) ([]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.mem.Get(key); ok {
		return v.([]interface{}), true
	}
	if !s.index.TestString(key) {
		return nil, false
	}
	records, err := s.readDisk(ctx, key)
	if err != nil {
		if !errors.Is(errors.NotExist, err) {
			log.Error.Printf("cache store: read %s: %v", key, err)
		}
		return nil, false
	}
	// Promote the entry back into memory.
	s.mem.Add(key, records)
	return records, true
}

// Contains tells whether the store holds the provided key.
func (s *Store) Contains(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem.Contains(key) {
		return true
	}
	if !s.index.TestString(key) {
		return false
	}
	_, err := file.Stat(ctx, s.path(key))
	return err == nil
}

// Remove removes the provided key from the store.
func (s *Store) Remove(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removing = true
	s.mem.Remove(key)
	s.removing = false
	if s.index.TestString(key) {
		if err := file.Remove(ctx, s.path(key)); err != nil && !errors.Is(errors.NotExist, err) {
			log.Debug.Printf("cache store: remove %s: %v", key, err)
		}
	}
}

// Len returns the number of entries held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Len()
}

func (s *Store) String() string {
	return fmt.Sprintf("cache store %s", s.dir)
}
