package api

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrBusy is returned while another session holds the chain.
	ErrBusy = errors.New("session_in_progress")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}
