// Package master drives generation: it tokenizes the prompt, pushes
// activations through the chain one step at a time and samples from the
// returned hidden state.
package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/chain"
	"github.com/samcharles93/strata/internal/client"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/node"
	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/tokenizer"
	"github.com/samcharles93/strata/internal/version"
)

// DefaultMaxTokens applies when a request does not set MaxTokens.
const DefaultMaxTokens = 256

// terminateTimeout bounds the best-effort Terminate sent after a failure.
const terminateTimeout = 2 * time.Second

var (
	ErrEmptyPrompt   = errors.New("prompt is empty")
	ErrContextLength = errors.New("prompt exceeds context length")
)

// StreamFunc receives decoded text as tokens are produced. An empty string
// marks the end of the stream.
type StreamFunc func(text string)

type Request struct {
	Prompt     string
	System     string
	MaxTokens  int
	Sampler    logits.Config
	NoTemplate bool
}

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Prefill         time.Duration
	Duration        time.Duration
	TPS             float64
}

// Stop reasons reported in Result.
const (
	StopEOS    = "stop"
	StopLength = "length"
)

type Result struct {
	SessionID  uuid.UUID
	Text       string
	Tokens     []int
	StopReason string
	Stats      Stats
}

type Options struct {
	// Tokenizer overrides the one loaded into the node context.
	Tokenizer tokenizer.Tokenizer
	Client    client.Options
	Logger    logger.Logger
}

// Master runs one generation session at a time.
type Master struct {
	nctx   *node.Context
	log    logger.Logger
	tok    tokenizer.Tokenizer
	embed  *model.Embedding
	head   *model.Head
	local  *chain.Local
	remote *chain.Remote
	copts  client.Options
	stops  map[int]bool

	mu     sync.Mutex
	closed bool
	state  atomic.Int32
	hops   atomic.Pointer[[]protocol.Hop]
}

// New loads the embedding, head and any leading blocks the topology gives
// the master, then dials the first worker.
func New(ctx context.Context, nctx *node.Context, opts Options) (*Master, error) {
	if nctx.Mode != node.ModeMaster {
		return nil, fmt.Errorf("master: context is in %s mode", nctx.Mode)
	}
	tok := opts.Tokenizer
	if tok == nil {
		tok = nctx.Tokenizer
	}
	if tok == nil {
		return nil, errors.New("master: no tokenizer")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	log := opts.Logger.With(logger.NodeKey, nctx.Name, "component", "master")
	if opts.Client.Logger == nil {
		opts.Client.Logger = log
	}

	embed, err := model.LoadEmbedding(nctx.Config, nctx.Weights)
	if err != nil {
		return nil, fmt.Errorf("load embedding: %w", err)
	}
	head, err := model.LoadHead(nctx.Config, nctx.Weights)
	if err != nil {
		return nil, fmt.Errorf("load head: %w", err)
	}
	m := &Master{
		nctx:  nctx,
		log:   log,
		tok:   tok,
		embed: embed,
		head:  head,
		copts: opts.Client,
		stops: stopTokens(nctx.Config.EOSTokenID, tok),
	}
	if !nctx.Blocks.Empty() {
		if m.local, err = chain.LoadLocal(ctx, nctx); err != nil {
			return nil, err
		}
	}
	first := nctx.Topology.First()
	if m.remote, err = chain.DialRemote(ctx, first, opts.Client); err != nil {
		return nil, fmt.Errorf("dial %s: %w", first.Name, err)
	}
	log.Info("chain ready",
		"local_blocks", nctx.Blocks.String(),
		"hops", len(nctx.Topology.Chain()),
		"first", first.Address,
		"topology", nctx.Topology.Digest().Short(),
	)
	return m, nil
}

func (m *Master) State() State { return State(m.state.Load()) }

// Chain returns the worker addresses in traversal order.
func (m *Master) Chain() []string { return m.nctx.Topology.Addresses() }

// Hops returns the hops reported by the most recent handshake.
func (m *Master) Hops() []protocol.Hop {
	if p := m.hops.Load(); p != nil {
		return append([]protocol.Hop(nil), (*p)...)
	}
	return nil
}

func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.remote.Close()
}

// redial replaces a link that a protocol error left unusable. The caller
// holds m.mu.
func (m *Master) redial(ctx context.Context) error {
	if m.closed {
		return fmt.Errorf("%w: master closed", protocol.ErrConnection)
	}
	if !m.remote.Broken() {
		return nil
	}
	first := m.nctx.Topology.First()
	m.log.Info("redialling chain", "first", first.Address)
	_ = m.remote.Close()
	r, err := chain.DialRemote(ctx, first, m.copts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", first.Name, err)
	}
	m.remote = r
	return nil
}

func (m *Master) setState(s State) {
	if prev := State(m.state.Swap(int32(s))); prev != s {
		m.log.Debug("state change", "from", prev, "to", s)
	}
}

// Generate runs one session. On failure no text is streamed for the failed
// step and the chain is told to drop the session.
func (m *Master) Generate(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	if stream == nil {
		stream = func(string) {}
	}
	prompt, err := m.tok.Encode(FormatPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	if len(prompt) >= m.nctx.MaxContext {
		return nil, fmt.Errorf("%w: %d tokens, limit %d", ErrContextLength, len(prompt), m.nctx.MaxContext)
	}
	if room := m.nctx.MaxContext - len(prompt); req.MaxTokens > room {
		req.MaxTokens = room
	}

	id := uuid.New()
	s := &session{
		m:      m,
		id:     id,
		log:    m.log.With("session", id.String()),
		prompt: prompt,
		req:    req,
	}
	res, err := s.run(ctx, stream)
	if err != nil {
		m.setState(StateFaulted)
		s.log.Error("generation failed", "step", s.step, "error", err)
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
		defer cancel()
		s.terminate(tctx)
		return nil, err
	}
	return res, nil
}

type session struct {
	m      *Master
	id     uuid.UUID
	log    logger.Logger
	prompt []int
	req    Request

	pos        int
	step       int
	terminated bool
}

func (s *session) run(ctx context.Context, stream StreamFunc) (*Result, error) {
	m := s.m
	m.setState(StateInit)
	if err := s.init(ctx); err != nil {
		return nil, err
	}

	m.setState(StateGenerating)
	sampler := logits.New(s.req.Sampler)
	text := &textStream{decode: m.tok.Decode}
	history := append([]int(nil), s.prompt...)
	res := &Result{SessionID: s.id, StopReason: StopLength}
	res.Stats.PromptTokens = len(s.prompt)

	start := time.Now()
	scores, err := s.forward(ctx, s.prompt)
	if err != nil {
		return nil, err
	}
	res.Stats.Prefill = time.Since(start)

	for {
		next := sampler.Sample(scores, history)
		if m.stops[next] {
			res.StopReason = StopEOS
			break
		}
		history = append(history, next)
		res.Tokens = append(res.Tokens, next)
		delta, err := text.push(next)
		if err != nil {
			return nil, fmt.Errorf("decode token %d: %w", next, err)
		}
		if delta != "" {
			stream(delta)
		}
		if len(res.Tokens) >= s.req.MaxTokens {
			break
		}
		if scores, err = s.forward(ctx, []int{next}); err != nil {
			return nil, err
		}
	}
	if rest := text.flush(); rest != "" {
		stream(rest)
	}

	res.Text = text.text
	res.Stats.TokensGenerated = len(res.Tokens)
	res.Stats.Duration = time.Since(start)
	if secs := res.Stats.Duration.Seconds(); secs > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / secs
	}
	s.terminate(ctx)
	m.setState(StateDone)
	stream("")
	s.log.Info("generation done",
		"prompt_tokens", res.Stats.PromptTokens,
		"tokens", res.Stats.TokensGenerated,
		"stop", res.StopReason,
		"prefill", res.Stats.Prefill,
		"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
	)
	return res, nil
}

// init opens the session on every hop and checks that the chain answering
// is the chain the topology describes.
func (s *session) init(ctx context.Context) error {
	m := s.m
	if err := m.redial(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	ack, err := m.remote.Hello(ctx, &protocol.Hello{
		Version:   protocol.Version,
		Digest:    m.nctx.Topology.Digest(),
		SessionID: s.id,
		From:      m.nctx.Name,
		Build:     version.String(),
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := m.checkChain(ack.Hops); err != nil {
		return err
	}
	hops := ack.Hops
	m.hops.Store(&hops)
	if m.local != nil {
		m.local.Reset()
	}
	for _, h := range ack.Hops {
		s.log.Debug("hop", "name", h.Name, "blocks", h.Blocks.String(), "device", h.Device, "build", h.Build, "latency", h.Latency)
	}
	return nil
}

func (m *Master) checkChain(hops []protocol.Hop) error {
	want := m.nctx.Topology.Chain()
	if len(hops) != len(want) {
		return fmt.Errorf("%w: chain answered with %d hops, topology has %d", protocol.ErrTopologyMismatch, len(hops), len(want))
	}
	for i, h := range hops {
		if h.Name != want[i].Name || h.Blocks != want[i].Blocks {
			return fmt.Errorf("%w: hop %d is %s (%s), topology expects %s (%s)",
				protocol.ErrTopologyMismatch, i, h.Name, h.Blocks, want[i].Name, want[i].Blocks)
		}
	}
	return nil
}

// forward runs tokens through every block starting at the session position
// and returns the scores for the token after the last one.
func (s *session) forward(ctx context.Context, tokens []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := s.m
	rows, err := m.embed.Embed(tokens)
	if err != nil {
		return nil, err
	}
	x, err := tensor.FromRows(m.nctx.DType, rows)
	if err != nil {
		return nil, err
	}
	if m.local != nil {
		if x, err = m.local.Forward(ctx, x, s.pos, s.step); err != nil {
			return nil, err
		}
	}
	if x, err = m.remote.Forward(ctx, x, s.pos, s.step); err != nil {
		return nil, fmt.Errorf("step %d: %w", s.step, err)
	}
	if len(x.Shape) != 2 || x.Shape[0] != len(tokens) || x.Shape[1] != m.nctx.Config.HiddenSize {
		return nil, fmt.Errorf("%w: step %d returned shape %v for %d tokens", protocol.ErrProtocol, s.step, x.Shape, len(tokens))
	}
	out, err := x.Rows()
	if err != nil {
		return nil, err
	}
	s.pos += len(tokens)
	s.step++
	return m.head.Logits(out[len(out)-1]), nil
}

// terminate tells the chain to release the session. It runs at most once.
func (s *session) terminate(ctx context.Context) {
	if s.terminated {
		return
	}
	s.terminated = true
	if s.m.local != nil {
		s.m.local.Reset()
	}
	if err := s.m.remote.Terminate(ctx); err != nil {
		s.log.Warn("terminate not delivered", "error", err)
	}
}
