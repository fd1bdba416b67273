// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/grailbio/base/log"
)

// StageInfo is a snapshot of the state of a stage.
type StageInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	// Shuffle is the ID of the shuffle produced by the stage, or -1
	// for result stages.
	Shuffle       int   `json:"shuffle"`
	Parents       []int `json:"parents"`
	NumPartitions int   `json:"partitions"`
	// Missing lists the partitions without map outputs.
	Missing []int `json:"missing,omitempty"`
	Epochs  []int `json:"epochs,omitempty"`
}

// Stages returns a snapshot of the scheduler's stage graph, in order
// of stage creation.
func (d *DAGScheduler) Stages() []StageInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	infos := make([]StageInfo, len(d.graph.stages))
	for i, s := range d.graph.stages {
		info := StageInfo{
			ID:            s.ID,
			Name:          s.String(),
			Shuffle:       -1,
			Parents:       append([]int(nil), s.Parents...),
			NumPartitions: s.NumPartitions,
		}
		if s.Shuffle != nil {
			info.Shuffle = s.Shuffle.ShuffleID
			info.Missing = s.missingPartitions()
			info.Epochs = append([]int(nil), s.epochs...)
		}
		infos[i] = info
	}
	return infos
}

// HandleDebug registers the session's debug handlers on mux.
func (s *Session) HandleDebug(mux *http.ServeMux) {
	mux.HandleFunc("/debug/bigdag", s.handleDebug)
	mux.HandleFunc("/debug/bigdag/stages", s.handleStages)
	mux.HandleFunc("/debug/bigdag/graph", s.handleStageGraph)
}

func (s *Session) handleDebug(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, debugIndexHtml)
}

var debugIndexHtml = `<!DOCTYPE html>
<meta charset="utf-8">
<head>
<title>
/debug/bigdag
</title>
</head>
<body>

<dl>
<dt><a href="/debug/bigdag/stages">/debug/bigdag/stages</a></dt>
<dd>stages with their missing map outputs and epochs</dd>
<dt><a href="/debug/bigdag/graph">/debug/bigdag/graph</a></dt>
<dd>stage graph as nodes and links</dd>
</dl>
</body>
</html>
`

func (s *Session) handleStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dag.Stages())
}

func (s *Session) handleStageGraph(w http.ResponseWriter, r *http.Request) {
	type node struct {
		Name   string `json:"name"`
		Group  int    `json:"group"`
		Radius int    `json:"radius"`
	}
	type link struct {
		Source int `json:"source"`
		Target int `json:"target"`
	}
	var graph struct {
		Nodes []node `json:"nodes"`
		Links []link `json:"links"`
	}
	stages := s.dag.Stages()
	graph.Nodes = make([]node, len(stages))
	for i, info := range stages {
		n := node{Name: info.Name, Radius: 5}
		switch {
		case info.Shuffle < 0:
			n.Radius = 10
		case len(info.Missing) > 0:
			n.Group = 1
		}
		graph.Nodes[i] = n
		for _, parent := range info.Parents {
			graph.Links = append(graph.Links, link{i, parent})
		}
	}
	writeJSON(w, graph)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Add("content-type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error.Printf("debug: json.Encode: %v", err)
		http.Error(w, err.Error(), 500)
	}
}
