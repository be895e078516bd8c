package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/tensor"
)

// peer runs handle for every accepted connection; n counts from zero.
func peer(t *testing.T, handle func(conn net.Conn, n int)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for n := 0; ; n++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				handle(conn, n)
			}()
		}
	}()
	return ln.Addr().String()
}

func opts() Options {
	return Options{DialTimeout: time.Second, RequestTimeout: 2 * time.Second, Logger: logger.Discard()}
}

func forward(t *testing.T) *protocol.Forward {
	t.Helper()
	x, err := tensor.FromFloat32(tensor.F16, []int{1, 4}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	return &protocol.Forward{Tensor: x}
}

func echo(conn net.Conn) {
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		var reply protocol.Message
		switch m := msg.(type) {
		case *protocol.Hello:
			reply = &protocol.HelloAck{Hops: []protocol.Hop{{Name: "peer"}}}
		case *protocol.Forward:
			reply = &protocol.ForwardResult{Tensor: m.Tensor}
		default:
			continue
		}
		if err := protocol.WriteMessage(conn, reply); err != nil {
			return
		}
	}
}

func TestSendAndWait(t *testing.T) {
	t.Parallel()
	addr := peer(t, func(conn net.Conn, _ int) { echo(conn) })
	c, err := Dial(context.Background(), addr, opts())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ack, err := c.Handshake(context.Background(), &protocol.Hello{Version: protocol.Version, SessionID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.Hops) != 1 || ack.Hops[0].Name != "peer" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	req := forward(t)
	resp, err := c.SendAndWait(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	res, ok := resp.(*protocol.ForwardResult)
	if !ok || !res.Tensor.Equal(req.Tensor) {
		t.Fatalf("unexpected reply %#v", resp)
	}
	if c.Latency() <= 0 {
		t.Fatal("latency not recorded")
	}
}

func TestReconnectReplaysHello(t *testing.T) {
	t.Parallel()
	session := uuid.New()
	var (
		mu   sync.Mutex
		seen [][]protocol.Kind
	)
	record := func(n int, k protocol.Kind) {
		mu.Lock()
		defer mu.Unlock()
		for len(seen) <= n {
			seen = append(seen, nil)
		}
		seen[n] = append(seen[n], k)
	}
	addr := peer(t, func(conn net.Conn, n int) {
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			record(n, msg.Kind())
			switch m := msg.(type) {
			case *protocol.Hello:
				if m.SessionID != session {
					return
				}
				_ = protocol.WriteMessage(conn, &protocol.HelloAck{})
				if n == 0 {
					// Drop the first connection right after the handshake.
					return
				}
			case *protocol.Forward:
				_ = protocol.WriteMessage(conn, &protocol.ForwardResult{Tensor: m.Tensor})
			}
		}
	})

	c, err := Dial(context.Background(), addr, opts())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	if _, err := c.Handshake(context.Background(), &protocol.Hello{SessionID: session}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendAndWait(context.Background(), forward(t)); err != nil {
		t.Fatalf("expected transparent reconnect, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected exactly two connections, got %v", seen)
	}
	last := seen[1]
	if len(last) != 2 || last[0] != protocol.KindHello || last[1] != protocol.KindForward {
		t.Fatalf("second connection saw %v, want HELLO then FORWARD", last)
	}
}

func TestTimeoutIsNotRetried(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		accepts int
	)
	addr := peer(t, func(conn net.Conn, _ int) {
		mu.Lock()
		accepts++
		mu.Unlock()
		_, _ = protocol.ReadMessage(conn)
		time.Sleep(time.Second)
	})
	o := opts()
	o.RequestTimeout = 50 * time.Millisecond
	c, err := Dial(context.Background(), addr, o)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	_, err = c.SendAndWait(context.Background(), forward(t))
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if accepts != 1 {
		t.Fatalf("timeout triggered %d connections", accepts)
	}
}

func TestContextDeadline(t *testing.T) {
	t.Parallel()
	addr := peer(t, func(conn net.Conn, _ int) {
		_, _ = protocol.ReadMessage(conn)
		time.Sleep(time.Second)
	})
	c, err := Dial(context.Background(), addr, opts())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.SendAndWait(ctx, forward(t))
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("context deadline did not interrupt the read")
	}
}

func TestRemoteError(t *testing.T) {
	t.Parallel()
	addr := peer(t, func(conn net.Conn, _ int) {
		_, _ = protocol.ReadMessage(conn)
		_ = protocol.WriteMessage(conn, &protocol.ErrorMsg{Code: protocol.CodeCompute, Message: "nan", Node: "w2"})
	})
	c, err := Dial(context.Background(), addr, opts())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	_, err = c.SendAndWait(context.Background(), forward(t))
	var re *protocol.RemoteError
	if !errors.Is(err, protocol.ErrCompute) || !errors.As(err, &re) || re.Node != "w2" {
		t.Fatalf("expected remote compute error from w2, got %v", err)
	}
}

func TestProtocolErrorBreaksClient(t *testing.T) {
	t.Parallel()
	addr := peer(t, func(conn net.Conn, _ int) {
		_, _ = protocol.ReadMessage(conn)
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
	})
	c, err := Dial(context.Background(), addr, opts())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	if _, err := c.SendAndWait(context.Background(), forward(t)); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if _, err := c.SendAndWait(context.Background(), forward(t)); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("client must stay unusable after a protocol error, got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if _, err := Dial(context.Background(), addr, opts()); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}
