package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/samcharles93/strata/internal/tensor"
)

// Tensor payload layout, in order: dtype, shape (packed varints), raw
// little-endian element bytes. The data length is never transmitted
// separately from the shape: the decoder recomputes it and rejects any
// buffer that disagrees.
const (
	tensorFieldDType protowire.Number = 1
	tensorFieldShape protowire.Number = 2
	tensorFieldData  protowire.Number = 3
)

// AppendTensor appends the wire encoding of t to b.
func AppendTensor(b []byte, t *tensor.Tensor) ([]byte, error) {
	if t == nil {
		return nil, protocolErrorf("nil tensor")
	}
	if _, err := tensor.New(t.DType, t.Shape, t.Data); err != nil {
		return nil, protocolErrorf("encode tensor: %v", err)
	}
	b = appendVarint(b, tensorFieldDType, uint64(t.DType))
	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = appendBytes(b, tensorFieldShape, shape)
	return appendBytes(b, tensorFieldData, t.Data), nil
}

// DecodeTensor parses a tensor payload. The returned tensor's Data aliases b.
func DecodeTensor(b []byte) (*tensor.Tensor, error) {
	var (
		dtype   tensor.DType
		shape   []int
		data    []byte
		hasData bool
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorFieldDType:
			v, n, err := consumeVarint(num, typ, b)
			if v > 0xff {
				return 0, protocolErrorf("dtype %d out of range", v)
			}
			dtype = tensor.DType(v)
			return n, err
		case tensorFieldShape:
			packed, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protocolErrorf("shape: %v", protowire.ParseError(m))
				}
				if d == 0 || d > 1<<31 {
					return 0, protocolErrorf("shape dimension %d out of range", d)
				}
				if len(shape) == tensor.MaxRank {
					return 0, protocolErrorf("tensor rank exceeds %d", tensor.MaxRank)
				}
				shape = append(shape, int(d))
				packed = packed[m:]
			}
			return n, nil
		case tensorFieldData:
			v, n, err := consumeBytes(num, typ, b)
			data, hasData = v, true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !hasData {
		data = []byte{}
	}
	t, err := tensor.New(dtype, shape, data)
	if err != nil {
		return nil, protocolErrorf("decode tensor: %v", err)
	}
	return t, nil
}
