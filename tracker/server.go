// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"context"

	"github.com/grailbio/base/log"
)

type call struct {
	Request
	replyc chan result
}

type result struct {
	reply Reply
	err   error
}

// Server is an in-process registry. The registry's state is owned by
// a single goroutine which serves requests in arrival order; each
// request carries its own reply channel.
type Server struct {
	callc chan call
	done  chan struct{}
}

// NewServer starts and returns a new registry server.
func NewServer() *Server {
	s := &Server{
		callc: make(chan call),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Server) loop() {
	reg := make(registry)
	for c := range s.callc {
		reply, err := reg.apply(c.Request)
		c.replyc <- result{reply, err}
		if c.Op == OpStop {
			log.Debug.Printf("tracker: server stopped")
			close(s.done)
			return
		}
	}
}

func (s *Server) call(ctx context.Context, req Request) (Reply, error) {
	c := call{req, make(chan result, 1)}
	select {
	case s.callc <- c:
	case <-s.done:
		return Reply{}, ErrStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	select {
	case r := <-c.replyc:
		return r.reply, r.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Set implements Client.
func (s *Server) Set(ctx context.Context, key string, values []string) error {
	_, err := s.call(ctx, Request{Op: OpSet, Key: key, Values: values})
	return err
}

// Get implements Client.
func (s *Server) Get(ctx context.Context, key string) ([]string, error) {
	reply, err := s.call(ctx, Request{Op: OpGet, Key: key})
	return reply.Values, err
}

// Add implements Client.
func (s *Server) Add(ctx context.Context, key, value string) error {
	_, err := s.call(ctx, Request{Op: OpAdd, Key: key, Values: []string{value}})
	return err
}

// Remove implements Client.
func (s *Server) Remove(ctx context.Context, key, value string) error {
	_, err := s.call(ctx, Request{Op: OpRemove, Key: key, Values: []string{value}})
	return err
}

// Stop implements Client. Stop is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	_, err := s.call(ctx, Request{Op: OpStop})
	if err == ErrStopped {
		err = nil
	}
	return err
}
