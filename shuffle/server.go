// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Server serves the buckets of a Store over HTTP. A bucket is
// retrieved with GET <URI>/<shuffleID>/<mapID>/<reduceID>; the
// response body is the bucket's frame.
type Server struct {
	// URI is the server's base URI, as advertised to reducers.
	URI string

	store *Store
	srv   *http.Server
	ln    net.Listener
}

// Serve starts a server for store listening on addr. If addr is
// empty, the server listens on an ephemeral loopback port.
func Serve(store *Store, addr string) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.E(errors.Net, "shuffle server listen", err)
	}
	s := &Server{
		URI:   "http://" + ln.Addr().String(),
		store: store,
		ln:    ln,
	}
	s.srv = &http.Server{Handler: s}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error.Printf("shuffle server %s: %v", s.URI, err)
		}
	}()
	log.Debug.Printf("shuffle server for %s serving at %s", store.Root, s.URI)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		http.Error(w, "bad bucket path", http.StatusBadRequest)
		return
	}
	var ids [3]int
	for i, part := range parts {
		var err error
		if ids[i], err = strconv.Atoi(part); err != nil || ids[i] < 0 {
			http.Error(w, "bad bucket path", http.StatusBadRequest)
			return
		}
	}
	p, err := s.store.Get(ids[0], ids[1], ids[2])
	switch {
	case errors.Is(errors.NotExist, err):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		log.Error.Printf("shuffle server %s: %v", s.URI, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(p)))
	if _, err := w.Write(p); err != nil {
		log.Debug.Printf("shuffle server %s: write %s: %v", s.URI, r.URL.Path, err)
	}
}

// Close stops the server.
func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
