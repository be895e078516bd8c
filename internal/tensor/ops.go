package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	j := 0
	for ; j+3 < len(a); j += 4 {
		sum += a[j]*b[j] + a[j+1]*b[j+1] + a[j+2]*b[j+2] + a[j+3]*b[j+3]
	}
	for ; j < len(a); j++ {
		sum += a[j] * b[j]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Silu computes the Sigmoid Linear Unit activation.
func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SiluMul computes gate[i] = Silu(gate[i]) * up[i].
func SiluMul(gate, up []float32) {
	for i := range gate {
		gate[i] = Silu(gate[i]) * up[i]
	}
}

// RopeInvFreq returns the inverse frequencies 1/theta^(2i/headDim).
func RopeInvFreq(headDim int, theta float64) []float64 {
	out := make([]float64, headDim/2)
	for i := range out {
		out[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	return out
}

// ApplyRoPE rotates x in place using the rotate-half layout of HF llama
// checkpoints: element i pairs with element i+headDim/2 within each head.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	half := headDim / 2
	for i := 0; i < half; i++ {
		angle := float64(pos) * invFreq[i]
		c := float32(math.Cos(angle))
		s := float32(math.Sin(angle))
		for h := 0; h < nHead; h++ {
			i0 := h*headDim + i
			i1 := i0 + half
			x0, x1 := x[i0], x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x1*c + x0*s
		}
	}
}

// Argmax returns the index of the largest value. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
