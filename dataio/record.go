// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"encoding/gob"
	"fmt"
)

func init() {
	gob.Register(Pair{})
	gob.Register([]interface{}{})
}

// A Pair is a keyed record. Shuffles route Pairs by their keys; any
// dataset that participates in a shuffle must produce Pairs.
type Pair struct {
	Key, Value interface{}
}

// String returns a "(key, value)" representation of the pair.
func (p Pair) String() string {
	return fmt.Sprintf("(%v, %v)", p.Key, p.Value)
}
