package client

import (
	"context"
	"fmt"
	"sync"

	"pipe-rpc/transport"
)

// State of the client's session.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateReady
	StateFailed // last dial failed; the next call dials again
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// sessionCell holds at most one session. Creation is guarded by a one-slot
// semaphore so concurrent callers never dial twice; waiting for the slot
// honors the caller's context.
type sessionCell struct {
	dial func(ctx context.Context) (*transport.Session, error)
	sem  chan struct{}

	mu      sync.Mutex
	session *transport.Session
	state   State
	closed  bool
}

func newSessionCell(dial func(ctx context.Context) (*transport.Session, error)) *sessionCell {
	return &sessionCell{dial: dial, sem: make(chan struct{}, 1)}
}

func (c *sessionCell) current() (*transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.session != nil && c.session.Err() == nil {
		return c.session, nil
	}
	return nil, nil
}

// get returns the live session, dialing a new one if needed.
func (c *sessionCell) get(ctx context.Context) (*transport.Session, error) {
	if s, err := c.current(); s != nil || err != nil {
		return s, err
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	// Another caller may have connected while we waited.
	if s, err := c.current(); s != nil || err != nil {
		return s, err
	}

	c.mu.Lock()
	stale := c.session
	c.session = nil
	c.state = StateConnecting
	c.mu.Unlock()
	if stale != nil {
		stale.Close()
	}

	s, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateFailed
		return nil, err
	}
	if c.closed {
		s.Close()
		return nil, ErrClosed
	}
	c.session = s
	c.state = StateReady
	return s, nil
}

// discard drops s if it is still the current session, so the next call
// dials afresh.
func (c *sessionCell) discard(s *transport.Session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
		c.state = StateUnconnected
	}
	c.mu.Unlock()
	s.Close()
}

func (c *sessionCell) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady && c.session != nil && c.session.Err() != nil {
		return StateUnconnected
	}
	return c.state
}

func (c *sessionCell) close() {
	c.mu.Lock()
	c.closed = true
	s := c.session
	c.session = nil
	c.state = StateUnconnected
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
