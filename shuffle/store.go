// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle implements the data path of a shuffle: map tasks
// partition, combine, and persist their output as one bucket per
// reduce partition; bucket files are served over HTTP; and reduce
// tasks fetch the buckets of every map output and merge them,
// spilling to disk when memory is short.
package shuffle

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// persistPolicy governs retries of transient errors while persisting
// bucket files.
var persistPolicy = retry.MaxTries(retry.Backoff(50*time.Millisecond, time.Second, 2), 4)

// Store stores shuffle buckets in a local directory. Bucket reduceID
// of map output mapID of shuffle shuffleID is stored at
// Root/shuffleID/mapID/reduceID. Buckets are written atomically:
// readers observe either a complete bucket or none at all, and a
// rewritten bucket replaces its predecessor.
type Store struct {
	// Root is the directory under which buckets are stored.
	Root string
	// Host names the host owning the store. It distinguishes
	// temporary files written by different hosts sharing a
	// directory.
	Host string
}

// NewStore returns a store rooted at the provided directory, creating
// it if necessary.
func NewStore(root, host string) (*Store, error) {
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, err
	}
	return &Store{Root: root, Host: host}, nil
}

// Path returns the path of the provided bucket.
func (s *Store) Path(shuffleID, mapID, reduceID int) string {
	return filepath.Join(s.Root, strconv.Itoa(shuffleID), strconv.Itoa(mapID), strconv.Itoa(reduceID))
}

// Put atomically persists the provided bucket frame. Transient
// errors are retried with backoff.
func (s *Store) Put(ctx context.Context, shuffleID, mapID, reduceID int, frame []byte) error {
	path := s.Path(shuffleID, mapID, reduceID)
	for retries := 0; ; retries++ {
		err := s.put(path, frame)
		if err == nil {
			return nil
		}
		log.Error.Printf("shuffle store: persist %s: %v (try %d)", path, err, retries+1)
		if werr := retry.Wait(ctx, persistPolicy, retries); werr != nil {
			return errors.E(fmt.Sprintf("persist %s", path), err)
		}
	}
}

func (s *Store) put(path string, frame []byte) error {
	dir, name := filepath.Split(path)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.%d.%s", name, s.Host, os.Getpid(), uuid.New()))
	if err := ioutil.WriteFile(tmp, frame, 0666); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Get returns the provided bucket's frame. An error with kind
// errors.NotExist is returned if the bucket is not stored.
func (s *Store) Get(shuffleID, mapID, reduceID int) ([]byte, error) {
	path := s.Path(shuffleID, mapID, reduceID)
	p, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("bucket %d/%d/%d", shuffleID, mapID, reduceID), err)
	}
	return p, err
}

// RemoveMap removes all buckets of the provided map output.
func (s *Store) RemoveMap(shuffleID, mapID int) error {
	return os.RemoveAll(filepath.Join(s.Root, strconv.Itoa(shuffleID), strconv.Itoa(mapID)))
}

// RemoveShuffle removes all buckets of the provided shuffle.
func (s *Store) RemoveShuffle(shuffleID int) error {
	return os.RemoveAll(filepath.Join(s.Root, strconv.Itoa(shuffleID)))
}

// Clear removes the store and all of its contents.
func (s *Store) Clear() error {
	return os.RemoveAll(s.Root)
}
