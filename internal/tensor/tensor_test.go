package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromFloat32RoundTrip(t *testing.T) {
	t.Parallel()
	vals := []float32{1.5, -2, 0.25, 3, 0.5, -1, 2, 0.125}
	for _, dt := range []DType{F32, F16, BF16} {
		for _, shape := range [][]int{{8}, {2, 4}, {2, 2, 2}, {1, 2, 2, 2}} {
			tt, err := FromFloat32(dt, shape, vals)
			if err != nil {
				t.Fatalf("%s %v: %v", dt, shape, err)
			}
			if len(tt.Data) != len(vals)*dt.ElemSize() {
				t.Fatalf("%s %v: %d bytes", dt, shape, len(tt.Data))
			}
			if diff := cmp.Diff(vals, tt.Float32()); diff != "" {
				t.Fatalf("%s %v: values differ (-want +got):\n%s", dt, shape, diff)
			}
		}
	}
}

func TestNewRejectsMismatchedBuffer(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		dtype DType
		shape []int
		n     int
	}{
		{"short", F32, []int{2, 3}, 23},
		{"long", F16, []int{4}, 9},
		{"zero dim", F32, []int{0, 3}, 0},
		{"rank five", F32, []int{1, 1, 1, 1, 1}, 4},
		{"no shape", BF16, nil, 0},
		{"bad dtype", DType(42), []int{1}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.dtype, tc.shape, make([]byte, tc.n))
			if !errors.Is(err, ErrShape) {
				t.Fatalf("expected ErrShape, got %v", err)
			}
		})
	}
}

func TestConvertPreservesValues(t *testing.T) {
	t.Parallel()
	src, err := FromFloat32(F32, []int{1, 3}, []float32{0.5, -0.75, 4})
	if err != nil {
		t.Fatal(err)
	}
	half, err := src.Convert(F16)
	if err != nil {
		t.Fatal(err)
	}
	if half.DType != F16 || len(half.Data) != 6 {
		t.Fatalf("unexpected converted tensor %v (%d bytes)", half, len(half.Data))
	}
	back, err := half.Convert(F32)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(src) {
		t.Fatalf("round trip mismatch: %v vs %v", back.Float32(), src.Float32())
	}
	same, _ := src.Convert(F32)
	if same != src {
		t.Fatal("Convert to the same dtype should return the receiver")
	}
}

func TestRows(t *testing.T) {
	t.Parallel()
	tt, err := FromRows(F32, [][]float32{{1, 2}, {3, 4}, {5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := tt.Rows()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float32{{1, 2}, {3, 4}, {5, 6}}, rows); diff != "" {
		t.Fatalf("rows differ:\n%s", diff)
	}
	if _, err := FromRows(F32, [][]float32{{1}, {2, 3}}); err == nil {
		t.Fatal("expected ragged rows to be rejected")
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DType{"": F16, "f16": F16, "BF16": BF16, "float32": F32} {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Fatalf("ParseDType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Fatal("expected error for int8")
	}
}

func TestApplyRoPEPreservesNorm(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 4, -1, 0.5, 2, -3}
	orig := append([]float32(nil), x...)
	inv := RopeInvFreq(4, 10000)

	ApplyRoPE(x, 2, 4, 0, inv)
	if diff := cmp.Diff(orig, x); diff != "" {
		t.Fatalf("position 0 must be identity:\n%s", diff)
	}

	ApplyRoPE(x, 2, 4, 7, inv)
	norm := func(v []float32) float64 {
		var s float64
		for _, f := range v {
			s += float64(f * f)
		}
		return math.Sqrt(s)
	}
	if math.Abs(norm(x)-norm(orig)) > 1e-4 {
		t.Fatalf("rotation changed norm: %v vs %v", norm(x), norm(orig))
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, -4}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("sum = %v", sum)
	}
	if Argmax(x) != 2 {
		t.Fatalf("argmax = %d", Argmax(x))
	}
}
