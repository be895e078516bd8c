package tensor

import (
	"fmt"
	"strings"
)

// DType identifies the element encoding of a tensor buffer.
type DType uint8

const (
	F32 DType = iota + 1
	F16
	BF16
)

// ParseDType maps a user or file supplied dtype name onto a DType.
// An empty name selects F16, which is what activations travel as by default.
func ParseDType(name string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "f16", "fp16", "float16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f32", "fp32", "float32":
		return F32, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q (expected f16, bf16 or f32)", name)
	}
}

// ElemSize returns the byte width of one element, or 0 for unknown dtypes.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

func (d DType) Valid() bool { return d.ElemSize() != 0 }

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}
