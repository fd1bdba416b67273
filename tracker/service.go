// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"context"
	"encoding/gob"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(&Service{})
}

// ServiceName is the name under which the registry service is
// installed on a bigmachine machine.
const ServiceName = "Tracker"

// Service hosts a registry on a bigmachine machine. Its methods are
// invoked through MachineClient.
type Service struct {
	// Exported satisfies gob, which requires at least one exported
	// field.
	Exported struct{}

	mu      sync.Mutex
	reg     registry
	stopped bool
}

// Init implements bigmachine's service initialization.
func (s *Service) Init(b *bigmachine.B) error {
	s.reg = make(registry)
	return nil
}

// Do applies a registry request.
func (s *Service) Do(ctx context.Context, req Request, reply *Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.reg == nil {
		s.reg = make(registry)
	}
	r, err := s.reg.apply(req)
	if err != nil {
		return err
	}
	if req.Op == OpStop {
		s.stopped = true
	}
	*reply = r
	return nil
}

// MachineClient is a Client of a registry Service running on a
// bigmachine machine. Calls are retried on transient network errors.
type MachineClient struct {
	Machine *bigmachine.Machine
	// Owned indicates that the client owns the machine, and should
	// cancel it when the registry is stopped.
	Owned bool

	mu      sync.Mutex
	stopped bool
}

// StartMachine starts a new machine on b hosting a registry Service,
// and returns a client that owns it.
func StartMachine(ctx context.Context, b *bigmachine.B) (*MachineClient, error) {
	machines, err := b.Start(ctx, 1, bigmachine.Services{ServiceName: &Service{}})
	if err != nil {
		return nil, err
	}
	m := machines[0]
	<-m.Wait(bigmachine.Running)
	if err := m.Err(); err != nil {
		return nil, errors.E(errors.Unavailable, "tracker machine failed to start", err)
	}
	log.Printf("tracker: serving on machine %s", m.Addr)
	return &MachineClient{Machine: m, Owned: true}, nil
}

func (c *MachineClient) do(ctx context.Context, req Request) (Reply, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return Reply{}, ErrStopped
	}
	var reply Reply
	err := c.Machine.RetryCall(ctx, ServiceName+".Do", req, &reply)
	if err != nil && errors.Is(errors.Precondition, err) {
		err = ErrStopped
	}
	return reply, err
}

// Set implements Client.
func (c *MachineClient) Set(ctx context.Context, key string, values []string) error {
	_, err := c.do(ctx, Request{Op: OpSet, Key: key, Values: values})
	return err
}

// Get implements Client.
func (c *MachineClient) Get(ctx context.Context, key string) ([]string, error) {
	reply, err := c.do(ctx, Request{Op: OpGet, Key: key})
	return reply.Values, err
}

// Add implements Client.
func (c *MachineClient) Add(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, Request{Op: OpAdd, Key: key, Values: []string{value}})
	return err
}

// Remove implements Client.
func (c *MachineClient) Remove(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, Request{Op: OpRemove, Key: key, Values: []string{value}})
	return err
}

// Stop implements Client. If the client owns its machine, the
// machine is canceled.
func (c *MachineClient) Stop(ctx context.Context) error {
	_, err := c.do(ctx, Request{Op: OpStop})
	if err == ErrStopped {
		return nil
	}
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	if c.Owned {
		c.Machine.Cancel()
	}
	return err
}
