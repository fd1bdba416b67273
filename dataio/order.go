// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Type ranks used to order keys of different dynamic types. Keys of
// different types never compare equal, so an int 1 and an int64 1
// remain distinct keys, as they are in a Go map.
const (
	rankNil = iota
	rankBool
	rankInt
	rankInt32
	rankInt64
	rankUint64
	rankFloat64
	rankString
	rankBytes
	rankPair
	rankList
	rankOther
)

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return rankNil
	case bool:
		return rankBool
	case int:
		return rankInt
	case int32:
		return rankInt32
	case int64:
		return rankInt64
	case uint64:
		return rankUint64
	case float64:
		return rankFloat64
	case string:
		return rankString
	case []byte:
		return rankBytes
	case Pair:
		return rankPair
	case []interface{}:
		return rankList
	default:
		return rankOther
	}
}

// Compare imposes a total order over keys. It returns -1, 0, or 1
// when a is less than, equal to, or greater than b. Keys are first
// ordered by dynamic type and then by value. Values of types other
// than the builtin scalars, Pair, and []interface{} are ordered by
// their type name and then their formatted representation; such keys
// must format identically iff they are equal.
func Compare(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch a := a.(type) {
	case nil:
		return 0
	case bool:
		b := b.(bool)
		switch {
		case a == b:
			return 0
		case !a:
			return -1
		default:
			return 1
		}
	case int:
		return cmpInt64(int64(a), int64(b.(int)))
	case int32:
		return cmpInt64(int64(a), int64(b.(int32)))
	case int64:
		return cmpInt64(a, b.(int64))
	case uint64:
		b := b.(uint64)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case float64:
		b := b.(float64)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		case a == b:
			return 0
		}
		// NaNs sort first.
		an, bn := a != a, b != b
		switch {
		case an && bn:
			return 0
		case an:
			return -1
		default:
			return 1
		}
	case string:
		b := b.(string)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case []byte:
		return bytes.Compare(a, b.([]byte))
	case Pair:
		b := b.(Pair)
		if c := Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return Compare(a.Value, b.Value)
	case []interface{}:
		b := b.([]interface{})
		for i := 0; i < len(a) && i < len(b); i++ {
			if c := Compare(a[i], b[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(a), len(b))
	default:
		ta, tb := fmt.Sprintf("%T", a), fmt.Sprintf("%T", b)
		if ta != tb {
			if ta < tb {
				return -1
			}
			return 1
		}
		sa, sb := fmt.Sprintf("%#v", a), fmt.Sprintf("%#v", b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	}
}

func cmpInt(a, b int) int {
	return cmpInt64(int64(a), int64(b))
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SortPairs sorts the provided pairs by key. The sort is stable so
// that values with equal keys retain their relative order.
func SortPairs(pairs []Pair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		return Compare(pairs[i].Key, pairs[j].Key) < 0
	})
}

type bytesKey string

type compositeKey string

// MapKey returns a value usable as a Go map key that is equal for
// two keys iff Compare reports them equal. Keys of type []byte, and
// Pairs and []interface{} values built from builtin scalars, are
// converted to a canonical comparable form; other keys are returned
// as is and must be comparable.
func MapKey(key interface{}) interface{} {
	switch k := key.(type) {
	case []byte:
		return bytesKey(k)
	case Pair, []interface{}:
		if fastValue(k) {
			var (
				b       bytes.Buffer
				scratch [binary.MaxVarintLen64]byte
			)
			appendFast(&b, k, &scratch)
			return compositeKey(b.String())
		}
		return compositeKey(fmt.Sprintf("%#v", k))
	default:
		return key
	}
}
