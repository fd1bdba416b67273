// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
)

func init() {
	log.AddFlags()
}

func testClient(t *testing.T, c Client) {
	t.Helper()
	ctx := context.Background()
	vals, err := c.Get(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(vals), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := c.Set(ctx, "k", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(ctx, "k", "c"); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(ctx, "k", "a"); err != nil {
		t.Fatal(err)
	}
	vals, err = c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := vals, []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := c.Remove(ctx, "k", "b"); err != nil {
		t.Fatal(err)
	}
	vals, err = c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := vals, []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := c.Remove(ctx, "k", ""); err != nil {
		t.Fatal(err)
	}
	vals, err = c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(vals), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Add(ctx, "cache:1-0", fmt.Sprint("host", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	vals, err = c.Get(ctx, "cache:1-0")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(vals), 20; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want %v", err, ErrStopped)
	}
}

func TestServer(t *testing.T) {
	testClient(t, NewServer())
}

func TestMachineClient(t *testing.T) {
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	c, err := StartMachine(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	testClient(t, c)
}

func TestMapOutputTracker(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	defer s.Stop(ctx)
	m := NewMapOutputTracker(s)
	if _, err := m.ServerURIs(ctx, 1); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	if err := m.Register(ctx, 1, []string{"h0", ""}); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected Invalid, got %v", err)
	}
	uris := []string{"http://a", "http://b", "http://a"}
	if err := m.Register(ctx, 1, uris); err != nil {
		t.Fatal(err)
	}
	got, err := m.ServerURIs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, uris) {
		t.Errorf("got %v, want %v", got, uris)
	}
	// Republishing overwrites only the changed partition.
	uris[1] = "http://c"
	if err := m.Register(ctx, 1, uris); err != nil {
		t.Fatal(err)
	}
	got, err = m.ServerURIs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"http://a", "http://c", "http://a"}) {
		t.Errorf("got %v", got)
	}
	if err := m.Unregister(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ServerURIs(ctx, 1); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	keys := []string{ShuffleKey(3), CacheKey(4, 5)}
	sort.Strings(keys)
	if got, want := keys, []string{"cache:4-5", "shuffle:3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
