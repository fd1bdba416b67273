// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grailbio/bigdag"
)

func TestDebugStages(t *testing.T) {
	ctx := context.Background()
	sess := startSession(t, Local)
	defer sess.Shutdown()
	if _, err := sess.Collect(ctx, bigdag.ReduceByKey(bigdag.Parallelize(pairs(100, 10), 4), add, 2)); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	sess.HandleDebug(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/debug/bigdag/stages", nil))
	if got, want := w.Code, http.StatusOK; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var stages []StageInfo
	if err := json.NewDecoder(w.Body).Decode(&stages); err != nil {
		t.Fatal(err)
	}
	if got, want := len(stages), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	ms, rs := stages[0], stages[1]
	if ms.Shuffle < 0 || len(ms.Missing) != 0 || len(ms.Epochs) != 4 {
		t.Errorf("unexpected map stage %+v", ms)
	}
	if got, want := rs.Shuffle, -1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := rs.Parents, []int{ms.ID}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("got %v, want %v", got, want)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/debug/bigdag/graph", nil))
	var graph struct {
		Nodes []struct{ Name string }
		Links []struct{ Source, Target int }
	}
	if err := json.NewDecoder(w.Body).Decode(&graph); err != nil {
		t.Fatal(err)
	}
	if got, want := len(graph.Nodes), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(graph.Links), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := graph.Links[0].Target, ms.ID; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
