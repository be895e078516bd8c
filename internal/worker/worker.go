// Package worker serves a contiguous range of blocks to the previous node in
// the chain and relays activations to the next one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/chain"
	"github.com/samcharles93/strata/internal/client"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/node"
	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/topology"
	"github.com/samcharles93/strata/internal/version"
)

// DefaultFrameTimeout bounds how long a frame's payload may trail its header.
const DefaultFrameTimeout = 30 * time.Second

type Options struct {
	// ListenAddr overrides the address from the topology entry, e.g. to bind
	// 0.0.0.0 while peers dial a public address.
	ListenAddr   string
	FrameTimeout time.Duration
	Client       client.Options
	Logger       logger.Logger
}

// Worker handles one upstream connection at a time.
type Worker struct {
	nctx   *node.Context
	opts   Options
	log    logger.Logger
	local  *chain.Local
	digest topology.Digest

	next    topology.Node
	hasNext bool
	remote  *chain.Remote

	session    uuid.UUID
	hasSession bool

	state atomic.Int32
	stats counters
}

// Load builds the worker's blocks from nctx and wraps them in a Worker.
func Load(ctx context.Context, nctx *node.Context, opts Options) (*Worker, error) {
	local, err := chain.LoadLocal(ctx, nctx)
	if err != nil {
		return nil, err
	}
	return New(nctx, local, opts)
}

func New(nctx *node.Context, local *chain.Local, opts Options) (*Worker, error) {
	if nctx.Mode != node.ModeWorker {
		return nil, fmt.Errorf("worker: context is in %s mode", nctx.Mode)
	}
	self, ok := nctx.Topology.Node(nctx.Name)
	if !ok {
		return nil, fmt.Errorf("worker: %q is not in the topology", nctx.Name)
	}
	if local.Range() != self.Blocks {
		return nil, fmt.Errorf("worker: loaded blocks %s, topology assigns %s", local.Range(), self.Blocks)
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = self.Address
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	log := opts.Logger.With(logger.NodeKey, nctx.Name, "component", "worker")
	if opts.Client.Logger == nil {
		opts.Client.Logger = log
	}
	w := &Worker{
		nctx:   nctx,
		opts:   opts,
		log:    log,
		local:  local,
		digest: nctx.Topology.Digest(),
	}
	w.next, w.hasNext = nctx.Topology.Next(nctx.Name)
	return w, nil
}

func (w *Worker) State() State { return State(w.state.Load()) }
func (w *Worker) Stats() Stats { return w.stats.snapshot() }

func (w *Worker) setState(s State) {
	if prev := State(w.state.Swap(int32(s))); prev != s {
		w.log.Debug("state change", "from", prev, "to", s)
	}
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (w *Worker) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", w.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", protocol.ErrConnection, w.opts.ListenAddr, err)
	}
	return w.Serve(ctx, ln)
}

// Serve accepts connections sequentially. It returns nil once ctx is done.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() {
		if w.remote != nil {
			_ = w.remote.Close()
		}
	}()

	w.log.Info("listening",
		"addr", ln.Addr().String(),
		"blocks", w.local.Range().String(),
		"device", w.nctx.Device,
		"dtype", w.nctx.DType.String(),
		"topology", w.digest.Short(),
	)
	w.setState(StateListening)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		w.stats.connections.Add(1)
		w.handle(ctx, conn)
		if ctx.Err() == nil {
			w.setState(StateListening)
		}
	}
}

func (w *Worker) handle(ctx context.Context, conn net.Conn) {
	log := w.log.With("upstream", conn.RemoteAddr().String())
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			w.fault(log, conn, fmt.Errorf("%w: panic: %v", protocol.ErrCompute, r))
		}
	}()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	log.Info("upstream connected")
	w.setState(StateHandshaking)

	for {
		kind, payload, err := protocol.ReadFrameWithin(conn, w.opts.FrameTimeout)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Info("upstream disconnected")
				return
			}
			if !errors.Is(err, protocol.ErrProtocol) {
				err = fmt.Errorf("%w: read: %w", protocol.ErrConnection, err)
			}
			w.fault(log, conn, err)
			return
		}
		msg, err := protocol.Decode(kind, payload)
		if err != nil {
			w.fault(log, conn, err)
			return
		}
		reply, err := w.dispatch(ctx, log, msg)
		if err != nil {
			w.fault(log, conn, err)
			return
		}
		if reply == nil {
			continue
		}
		if err := protocol.WriteMessage(conn, reply); err != nil {
			w.fault(log, nil, fmt.Errorf("%w: write %s: %w", protocol.ErrConnection, reply.Kind(), err))
			return
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, log logger.Logger, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case *protocol.Hello:
		return w.hello(ctx, log, m)
	case *protocol.Forward:
		return w.forward(ctx, m)
	case *protocol.Terminate:
		w.terminate(ctx, log, m)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %s from upstream", protocol.ErrProtocol, msg.Kind())
	}
}

func (w *Worker) hello(ctx context.Context, log logger.Logger, h *protocol.Hello) (protocol.Message, error) {
	w.setState(StateHandshaking)
	if h.Version != protocol.Version {
		return nil, fmt.Errorf("%w: protocol version %d, want %d", protocol.ErrProtocol, h.Version, protocol.Version)
	}
	if h.Digest != w.digest {
		return nil, fmt.Errorf("%w: %s sent topology %s, local is %s", protocol.ErrTopologyMismatch, h.From, h.Digest.Short(), w.digest.Short())
	}

	if !w.hasSession || h.SessionID != w.session {
		w.local.Reset()
		w.session, w.hasSession = h.SessionID, true
		w.stats.sessions.Add(1)
		log.Info("session started", "session", h.SessionID, "from", h.From, "peer_build", h.Build)
	} else {
		log.Info("session resumed", "session", h.SessionID, "pos", w.local.Position())
	}

	self := protocol.Hop{
		Name:   w.nctx.Name,
		Build:  version.String(),
		Device: w.nctx.Device,
		OS:     runtime.GOOS,
		Arch:   runtime.GOARCH,
		Blocks: w.local.Range(),
	}
	ack := &protocol.HelloAck{Hops: []protocol.Hop{self}}
	if w.hasNext {
		start := time.Now()
		down, err := w.downstream(ctx)
		if err != nil {
			return nil, err
		}
		relay := *h
		relay.From = w.nctx.Name
		next, err := down.Hello(ctx, &relay)
		if err != nil {
			return nil, fmt.Errorf("relay hello to %s: %w", w.next.Name, err)
		}
		ack.Hops[0].Latency = time.Since(start)
		ack.Hops = append(ack.Hops, next.Hops...)
	}
	w.setState(StateServing)
	return ack, nil
}

func (w *Worker) downstream(ctx context.Context) (*chain.Remote, error) {
	if w.remote != nil {
		return w.remote, nil
	}
	r, err := chain.DialRemote(ctx, w.next, w.opts.Client)
	if err != nil {
		return nil, fmt.Errorf("dial successor %s: %w", w.next.Name, err)
	}
	w.remote = r
	return r, nil
}

func (w *Worker) forward(ctx context.Context, f *protocol.Forward) (protocol.Message, error) {
	if w.State() != StateServing || !w.hasSession {
		return nil, fmt.Errorf("%w: FORWARD outside a session", protocol.ErrProtocol)
	}
	if f.SessionID != w.session {
		return nil, fmt.Errorf("%w: FORWARD for session %s, serving %s", protocol.ErrProtocol, f.SessionID, w.session)
	}
	if f.Blocks != w.local.Range() {
		return nil, fmt.Errorf("%w: FORWARD addressed to blocks %s, local blocks are %s", protocol.ErrTopologyMismatch, f.Blocks, w.local.Range())
	}

	start := time.Now()
	out, err := w.local.Forward(ctx, f.Tensor, f.Pos, f.Step)
	if err != nil {
		return nil, err
	}
	w.stats.forwards.Add(1)
	w.log.Debug("forward", "pos", f.Pos, "step", f.Step, "rows", f.Tensor.Shape[0], "took", time.Since(start))

	if w.hasNext {
		if out, err = w.remote.Forward(ctx, out, f.Pos, f.Step); err != nil {
			return nil, err
		}
	}
	return &protocol.ForwardResult{Tensor: out}, nil
}

// terminate passes the message on before releasing local state so the whole
// chain is told even if this node is slow to clean up.
func (w *Worker) terminate(ctx context.Context, log logger.Logger, t *protocol.Terminate) {
	if w.hasSession && t.SessionID != w.session {
		log.Warn("terminate for unknown session ignored", "session", t.SessionID)
		return
	}
	if w.remote != nil {
		if err := w.remote.Terminate(ctx); err != nil {
			log.Warn("terminate not delivered downstream", "next", w.next.Name, "error", err)
		}
	}
	w.local.Reset()
	w.hasSession = false
	w.setState(StateTerminated)
	w.stats.terminates.Add(1)
	log.Info("session terminated", "session", t.SessionID)
}

// fault reports err upstream when conn is usable, then drops the session
// and the downstream link.
func (w *Worker) fault(log logger.Logger, conn net.Conn, err error) {
	w.stats.faults.Add(1)
	w.setState(StateFaulted)
	log.Error("session faulted", "error", err, "code", protocol.CodeOf(err))

	if conn != nil {
		msg := protocol.NewErrorMsg(w.nctx.Name, err)
		var re *protocol.RemoteError
		if errors.As(err, &re) {
			msg = &protocol.ErrorMsg{Code: re.Code, Message: re.Message, Node: re.Node}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if werr := protocol.WriteMessage(conn, msg); werr != nil {
			log.Debug("error report not delivered", "error", werr)
		}
	}
	w.local.Reset()
	w.hasSession = false
	if w.remote != nil {
		_ = w.remote.Close()
		w.remote = nil
	}
}
