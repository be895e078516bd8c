// Package client maintains the persistent link from one node to the next hop
// of the chain.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/protocol"
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         logger.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// Client sends one request at a time over a single TCP connection and reads
// exactly one reply per request.
type Client struct {
	addr string
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	conn    net.Conn
	hello   *protocol.Hello
	broken  error
	latency time.Duration
}

// Dial connects to addr. Failures are ErrConnection.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{addr: addr, opts: opts, log: opts.Logger.With("component", "client", "peer", addr)}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Addr() string { return c.addr }

// Latency is the duration of the last successful round trip.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Handshake sends hello and waits for the acknowledgement. The hello is
// remembered and replayed on every reconnect so the peer resumes the same
// session.
func (c *Client) Handshake(ctx context.Context, hello *protocol.Hello) (*protocol.HelloAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hello = hello
	resp, err := c.retry(ctx, hello, true)
	if err != nil {
		return nil, err
	}
	return expect[*protocol.HelloAck](resp)
}

// SendAndWait writes req and returns the peer's reply. An Error reply is
// returned as a *protocol.RemoteError. A dropped connection is retried once
// on a fresh connection; protocol errors and timeouts are not.
func (c *Client) SendAndWait(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry(ctx, req, true)
}

// Send writes a one-way message such as Terminate.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.retry(ctx, msg, false)
	return err
}

// Broken reports whether the client was closed or saw a protocol error.
// A broken client refuses every request; callers dial a new one.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken != nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = fmt.Errorf("%w: client for %s closed", protocol.ErrConnection, c.addr)
	}
	return c.drop()
}

func (c *Client) retry(ctx context.Context, req protocol.Message, wait bool) (protocol.Message, error) {
	resp, err := c.exchange(ctx, req, wait)
	if !retryable(err) || ctx.Err() != nil || c.broken != nil {
		return resp, err
	}
	c.log.Warn("connection lost, reconnecting", "kind", req.Kind(), "error", err)
	_, isHello := req.(*protocol.Hello)
	if err := c.reconnect(ctx, !isHello); err != nil {
		return nil, err
	}
	return c.exchange(ctx, req, wait)
}

// reconnect dials a fresh connection and, when replay is set, re-sends the
// remembered hello.
func (c *Client) reconnect(ctx context.Context, replay bool) error {
	_ = c.drop()
	if err := c.dial(ctx); err != nil {
		return err
	}
	if !replay || c.hello == nil {
		return nil
	}
	resp, err := c.exchange(ctx, c.hello, true)
	if err != nil {
		return err
	}
	_, err = expect[*protocol.HelloAck](resp)
	return err
}

func (c *Client) dial(ctx context.Context) error {
	if c.broken != nil {
		return c.broken
	}
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", protocol.ErrConnection, c.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	c.conn = conn
	return nil
}

func (c *Client) drop() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// exchange performs one write and, when wait is set, one read on the current
// connection. Any failure leaves the connection closed.
func (c *Client) exchange(ctx context.Context, req protocol.Message, wait bool) (protocol.Message, error) {
	if c.broken != nil {
		return nil, c.broken
	}
	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			return nil, err
		}
	}
	conn := c.conn

	deadline := time.Now().Add(c.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer func() {
		stop()
		if c.conn != nil {
			_ = c.conn.SetDeadline(time.Time{})
		}
	}()

	start := time.Now()
	if err := protocol.WriteMessage(conn, req); err != nil {
		return nil, c.fail(ctx, "write", err)
	}
	if !wait {
		return nil, nil
	}
	resp, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, c.fail(ctx, "read", err)
	}
	c.latency = time.Since(start)

	if em, ok := resp.(*protocol.ErrorMsg); ok {
		// The peer closes after reporting an error.
		_ = c.drop()
		return nil, em.Err()
	}
	return resp, nil
}

// fail closes the connection and classifies err.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	_ = c.drop()
	switch {
	case errors.Is(err, protocol.ErrProtocol):
		c.broken = fmt.Errorf("%s %s: %w", op, c.addr, err)
		return c.broken
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s %s: %w", protocol.ErrTimeout, op, c.addr, ctx.Err())
	case ctx.Err() != nil:
		return fmt.Errorf("%s %s: %w", op, c.addr, ctx.Err())
	case isTimeout(err):
		return fmt.Errorf("%w: %s %s: no reply within %s", protocol.ErrTimeout, op, c.addr, c.opts.RequestTimeout)
	default:
		return fmt.Errorf("%w: %s %s: %w", protocol.ErrConnection, op, c.addr, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryable is true for local socket failures. A RemoteError reporting a
// connection problem further down the chain is not retried here.
func retryable(err error) bool {
	if err == nil || !errors.Is(err, protocol.ErrConnection) {
		return false
	}
	var re *protocol.RemoteError
	return !errors.As(err, &re)
}

func expect[T protocol.Message](msg protocol.Message) (T, error) {
	var zero T
	m, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %s reply", protocol.ErrProtocol, kindOf(msg))
	}
	return m, nil
}

func kindOf(msg protocol.Message) string {
	if msg == nil {
		return "empty"
	}
	return msg.Kind().String()
}
