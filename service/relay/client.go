package relay

import (
	"sync"

	"ConnectSphere/tools/errs"
	"ConnectSphere/tools/security"
)

// Client is one live transport session. The identity is attached exactly
// once, after the trust gate passes, and never mutated afterwards. The
// transport (websocket pump or SSE stream) drains Send; everything else only
// writes into it through Deliver.
type Client struct {
	ID       string
	Identity *security.Identity

	Send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, identity *security.Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:       id,
		Identity: identity,
		Send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Deliver enqueues a payload without ever blocking the fanout path. A full
// buffer means the client cannot keep up; the caller treats that as a
// delivery failure and disconnects this client only.
func (c *Client) Deliver(payload []byte) error {
	select {
	case <-c.done:
		return errs.ErrDelivery.WithDetail("client closed")
	default:
	}
	select {
	case c.Send <- payload:
		return nil
	case <-c.done:
		return errs.ErrDelivery.WithDetail("client closed")
	default:
		return errs.ErrDelivery.WithDetail("send buffer full")
	}
}

// Close marks the client dead and wakes its transport pump. Safe to call
// multiple times and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the client has been shut down.
func (c *Client) Done() <-chan struct{} { return c.done }
