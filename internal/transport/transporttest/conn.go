// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

var ErrClosed = errors.New("transporttest: connection closed")

// Conn records every envelope sent to it.
type Conn struct {
	id string

	mu          sync.Mutex
	sent        []wire.Envelope
	closed      bool
	closeCode   transport.StatusCode
	closeReason string
	sendErr     error
}

func NewConn(id string) *Conn {
	if id == "" {
		id = uuid.NewString()
	}
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(_ context.Context, env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *Conn) Close(code transport.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// FailSends makes subsequent Send calls return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conn) Sent() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// OfType returns the sent envelopes whose type matches typ.
func (c *Conn) OfType(typ string) []wire.Envelope {
	var out []wire.Envelope
	for _, env := range c.Sent() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// Last returns the most recent envelope of type typ.
func (c *Conn) Last(typ string) (wire.Envelope, bool) {
	envs := c.OfType(typ)
	if len(envs) == 0 {
		return wire.Envelope{}, false
	}
	return envs[len(envs)-1], true
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func (c *Conn) Closed() (bool, transport.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}
