package tensor

import (
	"encoding/binary"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// decodeInto converts len(dst) elements of raw into dst.
func decodeInto(dst []float32, dtype DType, raw []byte) {
	switch dtype {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case BF16:
		copy(dst, bfloat16.DecodeFloat32(raw[:len(dst)*2]))
	default:
		panic("tensor: unsupported dtype " + dtype.String())
	}
}

// encode converts vals into the raw little-endian layout of dtype.
func encode(dtype DType, vals []float32) []byte {
	switch dtype {
	case F32:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	case F16:
		out := make([]byte, len(vals)*2)
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	case BF16:
		return bfloat16.EncodeFloat32(vals)
	default:
		panic("tensor: unsupported dtype " + dtype.String())
	}
}
