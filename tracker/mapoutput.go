// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// MapOutputTracker records, for each shuffle, the server URI of each
// map partition's output. Entries are overwritten whenever a map
// stage completes or one of its partitions is recomputed; readers
// always see the latest published entry.
type MapOutputTracker struct {
	client Client
}

// NewMapOutputTracker returns a MapOutputTracker backed by the
// provided registry client.
func NewMapOutputTracker(client Client) *MapOutputTracker {
	return &MapOutputTracker{client}
}

// Client returns the tracker's underlying registry client.
func (t *MapOutputTracker) Client() Client { return t.client }

// Register publishes the server URIs of the provided shuffle, one per
// map partition.
func (t *MapOutputTracker) Register(ctx context.Context, shuffleID int, uris []string) error {
	for i, uri := range uris {
		if uri == "" {
			return errors.E(errors.Invalid, fmt.Sprintf("shuffle %d: map partition %d has no output", shuffleID, i))
		}
	}
	log.Debug.Printf("tracker: publishing shuffle %d: %v", shuffleID, uris)
	return t.client.Set(ctx, ShuffleKey(shuffleID), uris)
}

// ServerURIs returns the published server URIs of the provided
// shuffle. An error with kind errors.NotExist is returned if the
// shuffle has not been published.
func (t *MapOutputTracker) ServerURIs(ctx context.Context, shuffleID int) ([]string, error) {
	uris, err := t.client.Get(ctx, ShuffleKey(shuffleID))
	if err != nil {
		return nil, err
	}
	if len(uris) == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("shuffle %d not published", shuffleID))
	}
	return uris, nil
}

// Unregister removes the provided shuffle's entry.
func (t *MapOutputTracker) Unregister(ctx context.Context, shuffleID int) error {
	return t.client.Remove(ctx, ShuffleKey(shuffleID), "")
}
