package protocol

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

// Version is bumped whenever the payload layout changes incompatibly.
const Version = 1

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
	appendTo(b []byte) ([]byte, error)
	decode(b []byte) error
}

// Hello opens a session on a connection. Digest must match the receiver's
// own topology digest.
type Hello struct {
	Version   uint32
	Digest    topology.Digest
	SessionID uuid.UUID
	From      string
	Build     string
}

// Hop describes one node that acknowledged a Hello.
type Hop struct {
	Name    string
	Build   string
	Device  string
	OS      string
	Arch    string
	Blocks  topology.Range
	Latency time.Duration
}

// HelloAck lists the hops from the responder to the end of the chain.
type HelloAck struct {
	Hops []Hop
}

// Forward asks the receiver to run its blocks on Tensor, whose rows are the
// tokens at positions Pos, Pos+1, ...
type Forward struct {
	SessionID uuid.UUID
	Pos       int
	Step      int
	Blocks    topology.Range
	Tensor    *tensor.Tensor
}

// ForwardResult carries the activation leaving the last hop.
type ForwardResult struct {
	Tensor *tensor.Tensor
}

// Terminate ends the session and releases cache state on every hop.
type Terminate struct {
	SessionID uuid.UUID
}

// ErrorMsg reports a failure to the upstream peer.
type ErrorMsg struct {
	Code    Code
	Message string
	Node    string
}

// NewErrorMsg classifies err for the wire.
func NewErrorMsg(node string, err error) *ErrorMsg {
	return &ErrorMsg{Code: CodeOf(err), Message: err.Error(), Node: node}
}

// Err converts the message back into a typed error.
func (m *ErrorMsg) Err() error {
	return &RemoteError{Node: m.Node, Code: m.Code, Message: m.Message}
}

func (*Hello) Kind() Kind         { return KindHello }
func (*HelloAck) Kind() Kind      { return KindHelloAck }
func (*Forward) Kind() Kind       { return KindForward }
func (*ForwardResult) Kind() Kind { return KindForwardResult }
func (*Terminate) Kind() Kind     { return KindTerminate }
func (*ErrorMsg) Kind() Kind      { return KindError }

// Encode serialises msg into a payload (without frame header).
func Encode(msg Message) ([]byte, error) {
	return msg.appendTo(nil)
}

// Decode parses a payload of the given kind.
func Decode(kind Kind, payload []byte) (Message, error) {
	var msg Message
	switch kind {
	case KindHello:
		msg = &Hello{}
	case KindHelloAck:
		msg = &HelloAck{}
	case KindForward:
		msg = &Forward{}
	case KindForwardResult:
		msg = &ForwardResult{}
	case KindTerminate:
		msg = &Terminate{}
	case KindError:
		msg = &ErrorMsg{}
	default:
		return nil, protocolErrorf("unknown message kind %d", uint8(kind))
	}
	if err := msg.decode(payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return msg, nil
}

// WriteMessage frames and writes msg.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, msg.Kind(), payload)
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	kind, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(kind, payload)
}

func (m *Hello) appendTo(b []byte) ([]byte, error) {
	b = appendVarint(b, 1, uint64(m.Version))
	b = appendBytes(b, 2, m.Digest[:])
	b = appendBytes(b, 3, m.SessionID[:])
	b = appendString(b, 4, m.From)
	b = appendString(b, 5, m.Build)
	return b, nil
}

func (m *Hello) decode(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			m.Version = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(num, typ, b)
			if err == nil && len(v) != len(m.Digest) {
				err = protocolErrorf("digest is %d bytes, want %d", len(v), len(m.Digest))
			}
			copy(m.Digest[:], v)
			return n, err
		case 3:
			return consumeUUID(&m.SessionID, num, typ, b)
		case 4:
			v, n, err := consumeBytes(num, typ, b)
			m.From = string(v)
			return n, err
		case 5:
			v, n, err := consumeBytes(num, typ, b)
			m.Build = string(v)
			return n, err
		}
		return 0, nil
	})
}

func (h *Hop) appendTo(b []byte) []byte {
	b = appendString(b, 1, h.Name)
	b = appendString(b, 2, h.Build)
	b = appendString(b, 3, h.Device)
	b = appendString(b, 4, h.OS)
	b = appendString(b, 5, h.Arch)
	b = appendVarint(b, 6, uint64(h.Blocks.Start))
	b = appendVarint(b, 7, uint64(h.Blocks.End))
	return appendVarint(b, 8, uint64(h.Latency))
}

func (h *Hop) decode(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3, 4, 5:
			v, n, err := consumeBytes(num, typ, b)
			s := string(v)
			switch num {
			case 1:
				h.Name = s
			case 2:
				h.Build = s
			case 3:
				h.Device = s
			case 4:
				h.OS = s
			case 5:
				h.Arch = s
			}
			return n, err
		case 6, 7, 8:
			v, n, err := consumeVarint(num, typ, b)
			if err == nil && v > 1<<62 {
				err = protocolErrorf("field %d value %d out of range", num, v)
			}
			switch num {
			case 6:
				h.Blocks.Start = int(v)
			case 7:
				h.Blocks.End = int(v)
			case 8:
				h.Latency = time.Duration(v)
			}
			return n, err
		}
		return 0, nil
	})
}

func (m *HelloAck) appendTo(b []byte) ([]byte, error) {
	for i := range m.Hops {
		b = appendBytes(b, 1, m.Hops[i].appendTo(nil))
	}
	return b, nil
}

func (m *HelloAck) decode(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		var hop Hop
		if err := hop.decode(v); err != nil {
			return 0, err
		}
		m.Hops = append(m.Hops, hop)
		return n, nil
	})
}

func (m *Forward) appendTo(b []byte) ([]byte, error) {
	if m.Pos < 0 || m.Step < 0 {
		return nil, protocolErrorf("negative position %d or step %d", m.Pos, m.Step)
	}
	b = appendBytes(b, 1, m.SessionID[:])
	b = appendVarint(b, 2, uint64(m.Pos))
	b = appendVarint(b, 3, uint64(m.Step))
	b = appendVarint(b, 4, uint64(m.Blocks.Start))
	b = appendVarint(b, 5, uint64(m.Blocks.End))
	t, err := AppendTensor(nil, m.Tensor)
	if err != nil {
		return nil, err
	}
	return appendBytes(b, 6, t), nil
}

func (m *Forward) decode(b []byte) error {
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUUID(&m.SessionID, num, typ, b)
		case 2, 3, 4, 5:
			v, n, err := consumeVarint(num, typ, b)
			if err == nil && v > 1<<31 {
				err = protocolErrorf("field %d value %d out of range", num, v)
			}
			switch num {
			case 2:
				m.Pos = int(v)
			case 3:
				m.Step = int(v)
			case 4:
				m.Blocks.Start = int(v)
			case 5:
				m.Blocks.End = int(v)
			}
			return n, err
		case 6:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m.Tensor, err = DecodeTensor(v)
			return n, err
		}
		return 0, nil
	})
	if err == nil && m.Tensor == nil {
		err = protocolErrorf("forward without tensor")
	}
	return err
}

func (m *ForwardResult) appendTo(b []byte) ([]byte, error) {
	t, err := AppendTensor(nil, m.Tensor)
	if err != nil {
		return nil, err
	}
	return appendBytes(b, 1, t), nil
}

func (m *ForwardResult) decode(b []byte) error {
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeBytes(num, typ, b)
		if err != nil {
			return 0, err
		}
		m.Tensor, err = DecodeTensor(v)
		return n, err
	})
	if err == nil && m.Tensor == nil {
		err = protocolErrorf("forward result without tensor")
	}
	return err
}

func (m *Terminate) appendTo(b []byte) ([]byte, error) {
	return appendBytes(b, 1, m.SessionID[:]), nil
}

func (m *Terminate) decode(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		return consumeUUID(&m.SessionID, num, typ, b)
	})
}

func (m *ErrorMsg) appendTo(b []byte) ([]byte, error) {
	b = appendVarint(b, 1, uint64(m.Code))
	b = appendString(b, 2, m.Message)
	return appendString(b, 3, m.Node), nil
}

func (m *ErrorMsg) decode(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(num, typ, b)
			m.Code = Code(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(num, typ, b)
			m.Message = string(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(num, typ, b)
			m.Node = string(v)
			return n, err
		}
		return 0, nil
	})
}

func consumeUUID(dst *uuid.UUID, num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	v, n, err := consumeBytes(num, typ, b)
	if err != nil {
		return 0, err
	}
	id, err := uuid.FromBytes(v)
	if err != nil {
		return 0, protocolErrorf("session id: %v", err)
	}
	*dst = id
	return n, nil
}
