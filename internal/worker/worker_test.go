package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/cache"
	"github.com/samcharles93/strata/internal/chain"
	"github.com/samcharles93/strata/internal/client"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/modeltest"
	"github.com/samcharles93/strata/internal/node"
	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

const seed = 7

type cluster struct {
	cfg     *model.Config
	src     *modeltest.Source
	topo    *topology.Topology
	workers []*Worker
}

// startCluster splits an 8-block model across two loopback workers.
func startCluster(t *testing.T) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	var lns [2]net.Listener
	for i := range lns {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		lns[i] = ln
	}
	doc := fmt.Sprintf(`
total_blocks: 8
nodes:
  - name: w1
    address: %q
    layers: "0-3"
  - name: w2
    address: %q
    layers: "4-7"
`, lns[0].Addr(), lns[1].Addr())
	topo, err := topology.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	c := &cluster{cfg: modeltest.Config(8), topo: topo}
	c.src = modeltest.New(c.cfg, seed)
	done := make(chan struct{}, len(lns))
	for i, name := range []string{"w1", "w2"} {
		nctx, err := node.New(node.Options{Mode: node.ModeWorker, Name: name, DType: "f32"}, topo, c.cfg, c.src)
		if err != nil {
			t.Fatal(err)
		}
		w, err := Load(ctx, nctx, Options{
			FrameTimeout: 200 * time.Millisecond,
			Client:       clientOptions(),
			Logger:       logger.Discard(),
		})
		if err != nil {
			t.Fatal(err)
		}
		c.workers = append(c.workers, w)
		go func() {
			_ = w.Serve(ctx, lns[i])
			done <- struct{}{}
		}()
	}
	t.Cleanup(func() {
		cancel()
		for range lns {
			<-done
		}
	})
	return c
}

func clientOptions() client.Options {
	return client.Options{DialTimeout: time.Second, RequestTimeout: 5 * time.Second, Logger: logger.Discard()}
}

func (c *cluster) dial(t *testing.T) *chain.Remote {
	t.Helper()
	r, err := chain.DialRemote(context.Background(), c.topo.First(), clientOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func (c *cluster) hello(session uuid.UUID) *protocol.Hello {
	return &protocol.Hello{
		Version:   protocol.Version,
		Digest:    c.topo.Digest(),
		SessionID: session,
		From:      topology.MasterName,
	}
}

func (c *cluster) embed(t *testing.T, tokens ...int) *tensor.Tensor {
	t.Helper()
	emb, err := model.LoadEmbedding(c.cfg, c.src)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := emb.Embed(tokens)
	if err != nil {
		t.Fatal(err)
	}
	x, err := tensor.FromRows(tensor.F32, rows)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

// reference runs every block in one process.
func (c *cluster) reference(t *testing.T) *chain.Local {
	t.Helper()
	all := topology.Range{Start: 0, End: c.cfg.NumHiddenLayers}
	blocks, err := model.LoadBlocks(context.Background(), c.cfg, c.src, all)
	if err != nil {
		t.Fatal(err)
	}
	return chain.NewLocal("reference", c.cfg.HiddenSize, blocks, cache.New(all, c.cfg.KVDim(), 64), tensor.F32)
}

func assertClose(t *testing.T, got, want *tensor.Tensor) {
	t.Helper()
	g, w := got.Float32(), want.Float32()
	if len(g) != len(w) {
		t.Fatalf("len = %d, want %d", len(g), len(w))
	}
	for i := range g {
		if math.Abs(float64(g[i]-w[i])) > 1e-4 {
			t.Fatalf("element %d = %v, want %v", i, g[i], w[i])
		}
	}
}

func TestChainMatchesSingleProcess(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	r := c.dial(t)
	ctx := context.Background()

	ack, err := r.Hello(ctx, c.hello(uuid.New()))
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.Hops) != 2 || ack.Hops[0].Name != "w1" || ack.Hops[1].Name != "w2" {
		t.Fatalf("hops = %+v", ack.Hops)
	}
	if ack.Hops[1].Blocks != (topology.Range{Start: 4, End: 8}) {
		t.Fatalf("w2 blocks = %s", ack.Hops[1].Blocks)
	}

	ref := c.reference(t)
	for step, tok := range []int{5, 9} {
		x := c.embed(t, tok)
		got, err := r.Forward(ctx, x, step, step)
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		want, err := ref.Forward(ctx, x, step, step)
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, got, want)

		if step == 0 {
			for i, w := range c.workers {
				if s := w.Stats(); s.Forwards != 1 {
					t.Fatalf("worker %d forwards after first step = %d, want 1", i, s.Forwards)
				}
				if pos := w.local.Position(); pos != 1 {
					t.Fatalf("worker %d position after first step = %d, want 1", i, pos)
				}
			}
		}
	}

	for i, w := range c.workers {
		if s := w.Stats(); s.Forwards != 2 || s.Sessions != 1 || s.Faults != 0 {
			t.Fatalf("worker %d stats = %+v", i, s)
		}
		if pos := w.local.Position(); pos != 2 {
			t.Fatalf("worker %d position = %d, want 2", i, pos)
		}
		if w.State() != StateServing {
			t.Fatalf("worker %d state = %s", i, w.State())
		}
	}
}

func TestPrefillThenDecode(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	r := c.dial(t)
	ctx := context.Background()
	if _, err := r.Hello(ctx, c.hello(uuid.New())); err != nil {
		t.Fatal(err)
	}

	ref := c.reference(t)
	prompt := c.embed(t, 1, 7, 3)
	got, err := r.Forward(ctx, prompt, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := ref.Forward(ctx, prompt, 0, 0)
	assertClose(t, got, want)

	next := c.embed(t, 11)
	got, err = r.Forward(ctx, next, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	want, _ = ref.Forward(ctx, next, 3, 1)
	assertClose(t, got, want)
	if pos := c.workers[1].local.Position(); pos != 4 {
		t.Fatalf("position = %d, want 4", pos)
	}
}

func TestDigestMismatch(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	r := c.dial(t)

	h := c.hello(uuid.New())
	h.Digest[0] ^= 0xff
	_, err := r.Hello(context.Background(), h)
	if !errors.Is(err, protocol.ErrTopologyMismatch) {
		t.Fatalf("err = %v, want topology mismatch", err)
	}
	var re *protocol.RemoteError
	if !errors.As(err, &re) || re.Node != "w1" {
		t.Fatalf("err = %#v, want a report from w1", err)
	}
	if s := c.workers[0].Stats(); s.Faults != 1 || s.Sessions != 0 {
		t.Fatalf("w1 stats = %+v", s)
	}
	if s := c.workers[1].Stats(); s.Connections != 0 {
		t.Fatalf("w2 was contacted: %+v", s)
	}
}

func TestForwardWrongPosition(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	r := c.dial(t)
	ctx := context.Background()
	if _, err := r.Hello(ctx, c.hello(uuid.New())); err != nil {
		t.Fatal(err)
	}
	_, err := r.Forward(ctx, c.embed(t, 4), 3, 0)
	if !errors.Is(err, protocol.ErrPosition) {
		t.Fatalf("err = %v, want position error", err)
	}
	if c.workers[1].Stats().Forwards != 0 {
		t.Fatal("w2 computed despite the upstream failure")
	}
}

func TestForwardBeforeHello(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	conn, err := net.Dial("tcp", c.topo.First().Address)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	fw := &protocol.Forward{SessionID: uuid.New(), Blocks: c.topo.First().Blocks, Tensor: c.embed(t, 1)}
	if err := protocol.WriteMessage(conn, fw); err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	em, ok := msg.(*protocol.ErrorMsg)
	if !ok || em.Code != protocol.CodeProtocol {
		t.Fatalf("reply = %#v, want protocol error", msg)
	}
}

func TestTruncatedFrameThenNewSession(t *testing.T) {
	t.Parallel()
	c := startCluster(t)

	conn, err := net.Dial("tcp", c.topo.First().Address)
	if err != nil {
		t.Fatal(err)
	}
	var hdr [protocol.HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], protocol.Magic)
	hdr[4] = byte(protocol.KindForward)
	binary.BigEndian.PutUint32(hdr[5:9], 1024)
	if _, err := conn.Write(append(hdr[:], 1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	// The payload never arrives; the worker gives up after its frame timeout.
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if em, ok := msg.(*protocol.ErrorMsg); !ok || em.Code != protocol.CodeProtocol {
		t.Fatalf("reply = %#v, want protocol error", msg)
	}
	_ = conn.Close()

	r := c.dial(t)
	ctx := context.Background()
	if _, err := r.Hello(ctx, c.hello(uuid.New())); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Forward(ctx, c.embed(t, 2), 0, 0); err != nil {
		t.Fatal(err)
	}
	if s := c.workers[0].Stats(); s.Faults != 1 || s.Forwards != 1 {
		t.Fatalf("w1 stats = %+v", s)
	}
}

func TestPartialHeaderFaults(t *testing.T) {
	t.Parallel()
	c := startCluster(t)

	conn, err := net.Dial("tcp", c.topo.First().Address)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], protocol.Magic)
	if _, err := conn.Write(magic[:]); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("worker did not answer a stalled header: %v", err)
	}
	if em, ok := msg.(*protocol.ErrorMsg); !ok || em.Code != protocol.CodeProtocol {
		t.Fatalf("reply = %#v, want protocol error", msg)
	}
	if s := c.workers[0].Stats(); s.Faults != 1 {
		t.Fatalf("faults = %d, want 1", s.Faults)
	}

	// The worker is free for the next upstream.
	r := c.dial(t)
	if _, err := r.Hello(context.Background(), c.hello(uuid.New())); err != nil {
		t.Fatal(err)
	}
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	r := c.dial(t)
	ctx := context.Background()
	if _, err := r.Hello(ctx, c.hello(uuid.New())); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Forward(ctx, c.embed(t, 3), 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Terminate(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for _, w := range c.workers {
		for w.Stats().Terminates == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("%s never saw TERMINATE", w.nctx.Name)
			}
			time.Sleep(5 * time.Millisecond)
		}
		if w.State() != StateTerminated {
			t.Fatalf("%s state = %s", w.nctx.Name, w.State())
		}
		if pos := w.local.Position(); pos != 0 {
			t.Fatalf("%s kept cache at %d", w.nctx.Name, pos)
		}
	}

	// A new session reuses the warm connection.
	if _, err := r.Hello(ctx, c.hello(uuid.New())); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Forward(ctx, c.embed(t, 3), 0, 0); err != nil {
		t.Fatal(err)
	}
	if got := c.workers[0].Stats().Connections; got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}
}

func TestTerminateBeforeHello(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	r := c.dial(t)
	ctx := context.Background()
	if err := r.Terminate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Hello(ctx, c.hello(uuid.New())); err != nil {
		t.Fatal(err)
	}
	if s := c.workers[0].Stats(); s.Faults != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestResumeAfterReconnect(t *testing.T) {
	t.Parallel()
	c := startCluster(t)
	ctx := context.Background()
	session := uuid.New()

	r := c.dial(t)
	if _, err := r.Hello(ctx, c.hello(session)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Forward(ctx, c.embed(t, 1, 2), 0, 0); err != nil {
		t.Fatal(err)
	}
	_ = r.Close()

	r2 := c.dial(t)
	if _, err := r2.Hello(ctx, c.hello(session)); err != nil {
		t.Fatal(err)
	}
	if _, err := r2.Forward(ctx, c.embed(t, 3), 2, 1); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s := c.workers[0].Stats(); s.Sessions != 1 || s.Connections != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestNewRejectsMaster(t *testing.T) {
	t.Parallel()
	cfg := modeltest.Config(2)
	topo, err := topology.Parse([]byte("nodes:\n  - name: w1\n    address: \"127.0.0.1:1\"\n    layers: \"0-1\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	nctx, err := node.New(node.Options{Mode: node.ModeMaster}, topo, cfg, modeltest.New(cfg, 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(nctx, nil, Options{}); err == nil {
		t.Fatal("expected an error for a master context")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if StateFaulted.String() != "faulted" || State(42).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
