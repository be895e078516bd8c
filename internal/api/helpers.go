package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/master"
	"github.com/samcharles93/strata/internal/protocol"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// statusFor maps a generation failure onto an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, master.ErrEmptyPrompt),
		errors.Is(err, master.ErrContextLength):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrBusy):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "chain_error"
	case errors.Is(err, protocol.ErrTopologyMismatch),
		errors.Is(err, protocol.ErrConnection),
		errors.Is(err, protocol.ErrProtocol),
		errors.Is(err, protocol.ErrPosition),
		errors.Is(err, protocol.ErrCompute):
		return http.StatusBadGateway, "chain_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
