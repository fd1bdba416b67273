// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tracker implements a small key-to-list registry that is
// shared between a driver and its workers. The registry records the
// locations of shuffle map outputs and cached partitions. Clients
// never cache registry contents: every query is a request to the
// registry's owner, so readers always observe the latest published
// locations.
package tracker

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// ErrStopped is returned by calls to a registry that has been
// stopped.
var ErrStopped = errors.E(errors.Precondition, "tracker stopped")

// A Client accesses a registry. Implementations are safe for
// concurrent use.
type Client interface {
	// Set replaces the values of key.
	Set(ctx context.Context, key string, values []string) error
	// Get returns the values of key. A missing key has no values.
	Get(ctx context.Context, key string) ([]string, error)
	// Add appends value to the values of key, unless it is already
	// present.
	Add(ctx context.Context, key, value string) error
	// Remove removes value from the values of key. If value is empty,
	// the key is removed altogether.
	Remove(ctx context.Context, key, value string) error
	// Stop stops the registry. Subsequent calls fail with ErrStopped.
	Stop(ctx context.Context) error
}

// Op enumerates registry operations.
type Op int

const (
	OpSet Op = iota
	OpGet
	OpAdd
	OpRemove
	OpStop
)

var opNames = [...]string{
	OpSet:    "set",
	OpGet:    "get",
	OpAdd:    "add",
	OpRemove: "remove",
	OpStop:   "stop",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// A Request is a single registry operation.
type Request struct {
	Op     Op
	Key    string
	Values []string
}

// A Reply is the registry's response to a Request. Values is set
// for OpGet.
type Reply struct {
	Values []string
}

// registry is the state shared by all registry implementations. It is
// not safe for concurrent use.
type registry map[string][]string

func (r registry) apply(req Request) (Reply, error) {
	switch req.Op {
	case OpSet:
		r[req.Key] = append([]string(nil), req.Values...)
	case OpGet:
		return Reply{Values: append([]string(nil), r[req.Key]...)}, nil
	case OpAdd:
		for _, v := range req.Values {
			if !contains(r[req.Key], v) {
				r[req.Key] = append(r[req.Key], v)
			}
		}
	case OpRemove:
		if len(req.Values) == 0 || req.Values[0] == "" {
			delete(r, req.Key)
			break
		}
		vals := r[req.Key][:0]
		for _, v := range r[req.Key] {
			if !contains(req.Values, v) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			delete(r, req.Key)
		} else {
			r[req.Key] = vals
		}
	case OpStop:
		for k := range r {
			delete(r, k)
		}
	default:
		return Reply{}, errors.E(errors.Invalid, fmt.Sprintf("invalid registry op %v", req.Op))
	}
	return Reply{}, nil
}

func contains(vals []string, v string) bool {
	for _, w := range vals {
		if w == v {
			return true
		}
	}
	return false
}

// ShuffleKey returns the registry key for the map outputs of the
// provided shuffle.
func ShuffleKey(shuffleID int) string {
	return fmt.Sprintf("shuffle:%d", shuffleID)
}

// CacheKey returns the registry key for the locations of a cached
// dataset partition.
func CacheKey(datasetID, partition int) string {
	return fmt.Sprintf("cache:%d-%d", datasetID, partition)
}
