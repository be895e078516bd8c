package model

import (
	"math"
	"strings"

	"github.com/samcharles93/strata/internal/tensor"
)

// RopeScaling mirrors the rope_scaling object of HF configs. Only the
// linear and llama3 variants are applied; anything else leaves the
// frequencies untouched.
type RopeScaling struct {
	Type           string  `json:"type"`
	RopeType       string  `json:"rope_type"`
	Factor         float64 `json:"factor"`
	LowFreqFactor  float64 `json:"low_freq_factor"`
	HighFreqFactor float64 `json:"high_freq_factor"`
	OrigMaxCtx     int     `json:"original_max_position_embeddings"`
}

func (rs *RopeScaling) kind() string {
	t := strings.TrimSpace(rs.RopeType)
	if t == "" {
		t = strings.TrimSpace(rs.Type)
	}
	t = strings.ToLower(t)
	if (t == "" || t == "default") && rs.Factor > 0 {
		return "linear"
	}
	return t
}

// InvFreq returns the per-pair rotary frequencies with any configured
// scaling applied.
func (c *Config) InvFreq() []float64 {
	inv := tensor.RopeInvFreq(c.HeadDim, c.RopeTheta)
	rs := c.RopeScaling
	if rs == nil || rs.Factor <= 0 || rs.Factor == 1 {
		return inv
	}
	switch rs.kind() {
	case "linear":
		for i := range inv {
			inv[i] /= rs.Factor
		}
	case "llama3":
		orig := rs.OrigMaxCtx
		if orig <= 0 {
			orig = c.MaxPosition
		}
		applyLlama3Scaling(inv, rs.Factor, float64(orig), rs.LowFreqFactor, rs.HighFreqFactor)
	}
	return inv
}

// applyLlama3Scaling divides long wavelengths by factor, keeps short ones and
// interpolates the band in between.
func applyLlama3Scaling(invFreq []float64, factor, origCtx, lowFactor, highFactor float64) {
	if origCtx <= 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= lowFactor {
		for i := range invFreq {
			invFreq[i] /= factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor
	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := 2 * math.Pi / f
		switch {
		case waveLen > lowFreqWavelen:
			invFreq[i] = f / factor
		case waveLen < highFreqWavelen:
		default:
			smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}
