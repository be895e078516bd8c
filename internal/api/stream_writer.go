package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// sseWriter emits completion chunks as server-sent events.
type sseWriter struct {
	w       io.Writer
	flusher func()
	id      string
	created int64
}

func newSSEWriter(c *echo.Context, id string, created int64) (*sseWriter, error) {
	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	return &sseWriter{w: res, flusher: flusher.Flush, id: id, created: created}, nil
}

func (s *sseWriter) chunk(text string, finish *string, usage *Usage) error {
	return s.send(CompletionResponse{
		ID:      s.id,
		Object:  "text_completion.chunk",
		Created: s.created,
		Choices: []CompletionChoice{{Text: text, FinishReason: finish}},
		Usage:   usage,
	})
}

func (s *sseWriter) fail(errType string, err error) error {
	return s.send(map[string]any{"error": ErrorBody{Message: err.Error(), Type: errType}})
}

func (s *sseWriter) done() {
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher()
}

func (s *sseWriter) send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher()
	return nil
}
