package api

import (
	"time"

	"github.com/samcharles93/strata/internal/master"
)

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Prompt        string   `json:"prompt"`
	System        string   `json:"system,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	MinP          *float32 `json:"min_p,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
	Raw           bool     `json:"raw,omitempty"`
}

type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Session string             `json:"session,omitempty"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	PrefillMillis    int64   `json:"prefill_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type TopologyResponse struct {
	Digest      string     `json:"digest"`
	TotalBlocks int        `json:"total_blocks"`
	Master      *NodeInfo  `json:"master,omitempty"`
	Nodes       []NodeInfo `json:"nodes"`
	// Hops is what the chain reported at the last handshake.
	Hops []HopInfo `json:"hops,omitempty"`
}

type NodeInfo struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Device  string `json:"device"`
	Blocks  string `json:"blocks"`
}

type HopInfo struct {
	Name    string        `json:"name"`
	Build   string        `json:"build,omitempty"`
	Device  string        `json:"device,omitempty"`
	OS      string        `json:"os,omitempty"`
	Arch    string        `json:"arch,omitempty"`
	Blocks  string        `json:"blocks"`
	Latency time.Duration `json:"latency_ns,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Version string `json:"version"`
}

// toMasterRequest fills unset sampling fields from defaults.
func toMasterRequest(req CompletionRequest, defaults master.Request) (master.Request, error) {
	if req.Prompt == "" {
		return master.Request{}, newInvalidRequest("prompt is required")
	}
	out := defaults
	out.Prompt = req.Prompt
	out.NoTemplate = req.Raw || defaults.NoTemplate
	if req.System != "" {
		out.System = req.System
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return master.Request{}, newInvalidRequest("max_tokens must be positive")
		}
		out.MaxTokens = *req.MaxTokens
	}
	s := &out.Sampler
	if req.Temperature != nil {
		if *req.Temperature < 0 {
			return master.Request{}, newInvalidRequest("temperature must not be negative")
		}
		s.Temperature = *req.Temperature
	}
	if req.TopK != nil {
		s.TopK = *req.TopK
	}
	if req.TopP != nil {
		if *req.TopP <= 0 || *req.TopP > 1 {
			return master.Request{}, newInvalidRequest("top_p must be in (0, 1]")
		}
		s.TopP = *req.TopP
	}
	if req.MinP != nil {
		s.MinP = *req.MinP
	}
	if req.RepeatPenalty != nil {
		s.RepeatPenalty = *req.RepeatPenalty
	}
	if req.Seed != nil {
		s.Seed = *req.Seed
	}
	return out, nil
}
