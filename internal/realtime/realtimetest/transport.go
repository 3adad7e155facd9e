// Package realtimetest provides an in-memory push transport for tests.
package realtimetest

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/wadesk/syncd/internal/realtime"
	"github.com/wadesk/syncd/internal/session"
)

// ErrDropped is the default error reported by Conn.Drop.
var ErrDropped = errors.New("realtimetest: connection dropped")

// Transport records dials and hands out in-memory connections.
type Transport struct {
	mu         sync.Mutex
	failures   []error
	identities []session.Identity
	conns      []*Conn
	dialed     chan *Conn
}

// NewTransport returns a transport whose dials succeed unless failures are queued.
func NewTransport() *Transport {
	return &Transport{dialed: make(chan *Conn, 64)}
}

// FailNext queues errors returned by the next dials, in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// Dial implements realtime.Transport.
func (t *Transport) Dial(ctx context.Context, identity session.Identity) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.identities = append(t.identities, identity)
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		t.mu.Unlock()
		return nil, err
	}
	conn := newConn()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()

	select {
	case t.dialed <- conn:
	default:
	}
	return conn, nil
}

// Dials reports how many dials were attempted.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.identities)
}

// Identities returns the identities dialed with, in order.
func (t *Transport) Identities() []session.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]session.Identity(nil), t.identities...)
}

// NextConn waits for the next successfully dialed connection.
func (t *Transport) NextConn(timeout time.Duration) (*Conn, error) {
	select {
	case conn := <-t.dialed:
		return conn, nil
	case <-time.After(timeout):
		return nil, errors.New("realtimetest: no connection dialed")
	}
}

// Conn is an in-memory realtime.Conn.
type Conn struct {
	inbound chan realtime.Envelope

	mu        sync.Mutex
	cond      *sync.Cond
	receives  int
	sent      []realtime.Envelope
	closed    bool
	closeErr  error
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newConn() *Conn {
	conn := &Conn{
		inbound:  make(chan realtime.Envelope),
		closedCh: make(chan struct{}),
	}
	conn.cond = sync.NewCond(&conn.mu)
	return conn
}

// Send implements realtime.Conn.
func (c *Conn) Send(envelope realtime.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.sent = append(c.sent, envelope)
	return nil
}

// Receive implements realtime.Conn.
func (c *Conn) Receive() (realtime.Envelope, error) {
	c.mu.Lock()
	c.receives++
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case envelope := <-c.inbound:
		return envelope, nil
	case <-c.closedCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return realtime.Envelope{}, c.closeErr
	}
}

// Close implements realtime.Conn.
func (c *Conn) Close() error {
	c.shutdown(net.ErrClosed)
	return nil
}

// Drop simulates the server side going away.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = ErrDropped
	}
	c.shutdown(err)
}

// Closed reports whether the connection was closed or dropped.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Push delivers a frame and returns once every handler for it has run.
func (c *Conn) Push(event string, payload any) error {
	envelope, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.PushEnvelope(envelope)
}

// PushEnvelope delivers a raw frame and returns once it was dispatched.
func (c *Conn) PushEnvelope(envelope realtime.Envelope) error {
	select {
	case c.inbound <- envelope:
	case <-c.closedCh:
		return net.ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delivered := c.receives
	for c.receives == delivered && !c.closed {
		c.cond.Wait()
	}
	return nil
}

// Sent returns the frames written by the client.
func (c *Conn) Sent() []realtime.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Envelope(nil), c.sent...)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		c.cond.Broadcast()
		c.mu.Unlock()
		close(c.closedCh)
	})
}
