package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// Magic opens every frame; a mismatch means the peer is not speaking
	// this protocol or the stream lost alignment.
	Magic uint32 = 0x0104F4C7

	// HeaderSize is magic(4) + kind(1) + payload length(4).
	HeaderSize = 9

	// MaxPayload bounds a single frame. Large enough for a full prompt
	// prefill of a 70B-class hidden state in f32.
	MaxPayload = 512 << 20
)

// Kind tags the message carried by a frame.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindHelloAck
	KindForward
	KindForwardResult
	KindTerminate
	KindError
)

var kindNames = map[Kind]string{
	KindHello:         "HELLO",
	KindHelloAck:      "HELLO_ACK",
	KindForward:       "FORWARD",
	KindForwardResult: "FORWARD_RESULT",
	KindTerminate:     "TERMINATE",
	KindError:         "ERROR",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// WriteFrame writes header and payload in a single Write call.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	if len(payload) > MaxPayload {
		return protocolErrorf("payload of %d bytes exceeds limit %d", len(payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(kind)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame. A clean EOF before the first header
// byte is returned as io.EOF; any other short read is a protocol error,
// never a partially filled payload.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	kind, n, err := readHeader(r)
	if err != nil {
		return 0, nil, err
	}
	payload, err := readPayload(r, kind, n)
	return kind, payload, err
}

// ReadFrameWithin behaves like ReadFrame but, once the first header byte has
// arrived, requires the rest of the frame to follow within d. Waiting for a
// frame to start is unbounded, so idle links between sessions stay open.
func ReadFrameWithin(conn interface {
	io.Reader
	SetReadDeadline(time.Time) error
}, d time.Duration) (Kind, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(conn, hdr[:1]); err != nil {
		return 0, nil, err
	}
	if d > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	if _, err := io.ReadFull(conn, hdr[1:]); err != nil {
		if isTimeout(err) {
			return 0, nil, protocolErrorf("truncated frame header: stalled")
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, protocolErrorf("truncated frame header")
		}
		return 0, nil, err
	}
	kind, n, err := parseHeader(hdr)
	if err != nil {
		return 0, nil, err
	}
	payload, err := readPayload(conn, kind, n)
	if isTimeout(err) {
		return 0, nil, protocolErrorf("truncated %s frame: declared %d bytes, payload stalled", kind, n)
	}
	return kind, payload, err
}

func readHeader(r io.Reader) (Kind, uint32, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, 0, protocolErrorf("truncated frame header")
		}
		return 0, 0, err
	}
	return parseHeader(hdr)
}

func parseHeader(hdr [HeaderSize]byte) (Kind, uint32, error) {
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != Magic {
		return 0, 0, protocolErrorf("bad magic 0x%08x", magic)
	}
	kind := Kind(hdr[4])
	if !kind.Valid() {
		return 0, 0, protocolErrorf("unknown message kind %d", hdr[4])
	}
	n := binary.BigEndian.Uint32(hdr[5:9])
	if n > MaxPayload {
		return 0, 0, protocolErrorf("declared payload of %d bytes exceeds limit %d", n, MaxPayload)
	}
	return kind, n, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func readPayload(r io.Reader, kind Kind, n uint32) ([]byte, error) {
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErrorf("truncated %s frame: declared %d bytes", kind, n)
		}
		return nil, err
	}
	return payload, nil
}
