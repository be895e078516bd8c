// Package api exposes the master over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/master"
	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/topology"
	"github.com/samcharles93/strata/internal/version"
)

// Generator is the part of *master.Master the server drives.
type Generator interface {
	Generate(ctx context.Context, req master.Request, stream master.StreamFunc) (*master.Result, error)
	Hops() []protocol.Hop
	State() master.State
}

type Options struct {
	// Defaults supplies sampling and length settings a request leaves unset.
	Defaults master.Request
	Logger   logger.Logger
}

type Server struct {
	gen      Generator
	topo     *topology.Topology
	defaults master.Request
	log      logger.Logger
	// The chain holds one session at a time.
	sem   *semaphore.Weighted
	clock func() time.Time
}

func NewServer(gen Generator, topo *topology.Topology, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Server{
		gen:      gen,
		topo:     topo,
		defaults: opts.Defaults,
		log:      opts.Logger.With("component", "api"),
		sem:      semaphore.NewWeighted(1),
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.GET("/v1/topology", s.handleTopology)
	e.POST("/v1/completions", s.handleCompletions)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		State:   s.gen.State().String(),
		Version: version.String(),
	})
}

func (s *Server) handleTopology(c *echo.Context) error {
	resp := TopologyResponse{
		Digest:      s.topo.Digest().String(),
		TotalBlocks: s.topo.TotalBlocks(),
		Nodes:       []NodeInfo{},
	}
	if m, ok := s.topo.Master(); ok {
		resp.Master = &NodeInfo{Name: m.Name, Device: m.Device, Blocks: m.Blocks.String()}
	}
	for _, n := range s.topo.Chain() {
		resp.Nodes = append(resp.Nodes, NodeInfo{Name: n.Name, Address: n.Address, Device: n.Device, Blocks: n.Blocks.String()})
	}
	for _, h := range s.gen.Hops() {
		resp.Hops = append(resp.Hops, HopInfo{
			Name:    h.Name,
			Build:   h.Build,
			Device:  h.Device,
			OS:      h.OS,
			Arch:    h.Arch,
			Blocks:  h.Blocks.String(),
			Latency: h.Latency,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCompletions(c *echo.Context) error {
	body, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	req, err := toMasterRequest(body, s.defaults)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if !s.sem.TryAcquire(1) {
		return writeError(c, http.StatusConflict, "conflict_error", "a generation session is already running", ErrBusy.Error())
	}
	defer s.sem.Release(1)

	id := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()
	if body.Stream {
		return s.stream(c, req, id, created)
	}

	res, err := s.gen.Generate(c.Request().Context(), req, nil)
	if err != nil {
		status, errType := statusFor(err)
		s.log.Warn("completion failed", "id", id, "status", status, "error", err)
		return writeError(c, status, errType, err.Error(), protocol.CodeOf(err).String())
	}
	finish := res.StopReason
	return c.JSON(http.StatusOK, CompletionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: created,
		Session: res.SessionID.String(),
		Choices: []CompletionChoice{{Text: res.Text, FinishReason: &finish}},
		Usage:   usage(res),
	})
}

func (s *Server) stream(c *echo.Context, req master.Request, id string, created int64) error {
	w, err := newSSEWriter(c, id, created)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	defer w.done()

	res, err := s.gen.Generate(c.Request().Context(), req, func(text string) {
		if text == "" {
			return
		}
		_ = w.chunk(text, nil, nil)
	})
	if err != nil {
		_, errType := statusFor(err)
		s.log.Warn("streamed completion failed", "id", id, "error", err)
		return w.fail(errType, err)
	}
	finish := res.StopReason
	return w.chunk("", &finish, usage(res))
}

func usage(res *master.Result) *Usage {
	return &Usage{
		PromptTokens:     res.Stats.PromptTokens,
		CompletionTokens: res.Stats.TokensGenerated,
		TotalTokens:      res.Stats.PromptTokens + res.Stats.TokensGenerated,
		PrefillMillis:    res.Stats.Prefill.Milliseconds(),
		TokensPerSecond:  res.Stats.TPS,
	}
}
