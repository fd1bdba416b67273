// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"bytes"
	"encoding/gob"
	"io"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

type testStruct struct{ A, B, C int }

func init() {
	gob.Register(testStruct{})
}

func fuzzPairs(fz *fuzz.Fuzzer) []interface{} {
	var (
		keys   []string
		values []int64
	)
	fz.Fuzz(&keys)
	fz.Fuzz(&values)
	records := make([]interface{}, len(keys))
	for i := range keys {
		records[i] = Pair{keys[i], values[i%len(values)]}
	}
	return records
}

func TestCodecFast(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	fz.NilChance(0)
	fz.NumElements(100, 100)
	records := fuzzPairs(fz)
	records = append(records,
		nil, true, false, 1, int32(-2), int64(3), uint64(4), 1.5,
		[]byte("bytes"), []interface{}{"a", 1, Pair{"b", []interface{}{}}})
	if !CanEncodeFast(records) {
		t.Fatal("expected fast encoding")
	}
	p, err := EncodeFrame(records)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := Encoding(p[0]), FastBinary; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	out, err := DecodeFrame(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(records, out) {
		t.Errorf("got %v, want %v", out, records)
	}
}

func TestCodecGeneral(t *testing.T) {
	records := []interface{}{
		Pair{"x", testStruct{1, 2, 3}},
		Pair{"y", 1},
	}
	if CanEncodeFast(records) {
		t.Fatal("expected general encoding")
	}
	p, err := EncodeFrame(records)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := Encoding(p[0]), GeneralObject; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	out, err := DecodeFrame(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(records, out) {
		t.Errorf("got %v, want %v", out, records)
	}
}

func TestCodecEmpty(t *testing.T) {
	p, err := EncodeFrame(nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeFrame(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(out), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCodecCorrupt(t *testing.T) {
	p, err := EncodeFrame([]interface{}{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	for _, bad := range [][]byte{
		p[:3],
		p[:len(p)-1],
		append(append([]byte{}, p...), 0),
		append([]byte{9}, p[1:]...),
	} {
		_, err := DecodeFrame(bad)
		if err == nil {
			t.Errorf("expected error for %d-byte frame", len(bad))
			continue
		}
		if !errors.Is(errors.Integrity, err) {
			t.Errorf("expected integrity error, got %v", err)
		}
	}
}

func TestReadFrame(t *testing.T) {
	var b bytes.Buffer
	for i := 0; i < 3; i++ {
		p, err := EncodeFrame([]interface{}{i, Pair{i, "x"}})
		if err != nil {
			t.Fatal(err)
		}
		b.Write(p)
	}
	for i := 0; i < 3; i++ {
		records, err := ReadFrame(&b)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := records, []interface{}{i, Pair{i, "x"}}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := ReadFrame(&b); err != io.EOF {
		t.Errorf("got %v, want EOF", err)
	}
}
