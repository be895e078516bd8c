package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every node. Errors crossing a hop are carried as
// an Error message whose Code maps back onto one of these sentinels.
var (
	ErrProtocol         = errors.New("protocol error")
	ErrTopologyMismatch = errors.New("topology mismatch")
	ErrConnection       = errors.New("connection error")
	ErrTimeout          = errors.New("timeout")
	ErrCompute          = errors.New("compute error")
	ErrPosition         = errors.New("cache position mismatch")
)

// Code is the wire representation of an error class.
type Code uint16

const (
	CodeUnknown Code = iota
	CodeProtocol
	CodeTopologyMismatch
	CodeConnection
	CodeTimeout
	CodeCompute
	CodePosition
)

var codeNames = map[Code]string{
	CodeUnknown:          "unknown",
	CodeProtocol:         "protocol",
	CodeTopologyMismatch: "topology_mismatch",
	CodeConnection:       "connection",
	CodeTimeout:          "timeout",
	CodeCompute:          "compute",
	CodePosition:         "position",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Sentinel returns the error class for c, or nil for CodeUnknown.
func (c Code) Sentinel() error {
	switch c {
	case CodeProtocol:
		return ErrProtocol
	case CodeTopologyMismatch:
		return ErrTopologyMismatch
	case CodeConnection:
		return ErrConnection
	case CodeTimeout:
		return ErrTimeout
	case CodeCompute:
		return ErrCompute
	case CodePosition:
		return ErrPosition
	default:
		return nil
	}
}

// CodeOf classifies err. Topology and position checks win over transport
// classes because they are the more specific diagnosis.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, ErrTopologyMismatch):
		return CodeTopologyMismatch
	case errors.Is(err, ErrPosition):
		return CodePosition
	case errors.Is(err, ErrCompute):
		return CodeCompute
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeUnknown
	}
}

// RemoteError is a failure reported by a peer through an Error message.
type RemoteError struct {
	Node    string
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	node := e.Node
	if node == "" {
		node = "peer"
	}
	return fmt.Sprintf("%s reported %s error: %s", node, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Code.Sentinel() }

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
