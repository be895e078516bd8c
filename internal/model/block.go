package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/strata/internal/cache"
	"github.com/samcharles93/strata/internal/tensor"
)

// Block is one llama transformer layer: pre-norm grouped-query attention
// followed by a SwiGLU feed-forward, each with a residual connection.
type Block struct {
	Index int

	AttnNorm []float32
	FFNNorm  []float32

	Wq, Wk, Wv, Wo    *tensor.Mat
	Wgate, Wup, Wdown *tensor.Mat

	cfg     *Config
	invFreq []float64
}

// Forward updates x in place. Row t of x is the hidden state of the token at
// position pos+t; its key and value are appended to entry, which must hold
// exactly pos rows on entry.
func (b *Block) Forward(x [][]float32, pos int, entry *cache.Entry) error {
	cfg := b.cfg
	if entry.Len() != pos {
		return fmt.Errorf("block %d: cache holds %d positions, forward at %d", b.Index, entry.Len(), pos)
	}
	if entry.Dim() != cfg.KVDim() {
		return fmt.Errorf("block %d: cache row width %d, want %d", b.Index, entry.Dim(), cfg.KVDim())
	}

	nHead, nKV, headDim := cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDim
	group := nHead / nKV
	eps := float32(cfg.RMSNormEps)
	scale := float32(1 / math.Sqrt(float64(headDim)))

	h := make([]float32, cfg.HiddenSize)
	q := make([]float32, nHead*headDim)
	k := make([]float32, cfg.KVDim())
	v := make([]float32, cfg.KVDim())
	attn := make([]float32, nHead*headDim)
	proj := make([]float32, cfg.HiddenSize)
	gate := make([]float32, cfg.IntermediateSize)
	up := make([]float32, cfg.IntermediateSize)

	for t, row := range x {
		if len(row) != cfg.HiddenSize {
			return fmt.Errorf("block %d: row %d has width %d, want %d", b.Index, t, len(row), cfg.HiddenSize)
		}
		p := pos + t

		tensor.RMSNorm(h, row, b.AttnNorm, eps)
		tensor.MatVec(q, b.Wq, h)
		tensor.MatVec(k, b.Wk, h)
		tensor.MatVec(v, b.Wv, h)
		tensor.ApplyRoPE(q, nHead, headDim, p, b.invFreq)
		tensor.ApplyRoPE(k, nKV, headDim, p, b.invFreq)
		if err := entry.Append(k, v); err != nil {
			return fmt.Errorf("block %d: %w", b.Index, err)
		}

		keys, vals := entry.Keys(), entry.Values()
		n := entry.Len()
		scores := make([]float32, n)
		kvDim := cfg.KVDim()
		for hd := 0; hd < nHead; hd++ {
			qh := q[hd*headDim : (hd+1)*headDim]
			off := (hd / group) * headDim
			for s := 0; s < n; s++ {
				scores[s] = tensor.Dot(qh, keys[s*kvDim+off:s*kvDim+off+headDim]) * scale
			}
			tensor.Softmax(scores)
			out := attn[hd*headDim : (hd+1)*headDim]
			clear(out)
			for s := 0; s < n; s++ {
				w := scores[s]
				vs := vals[s*kvDim+off : s*kvDim+off+headDim]
				for j := range out {
					out[j] += w * vs[j]
				}
			}
		}
		tensor.MatVec(proj, b.Wo, attn)
		tensor.Add(row, proj)

		tensor.RMSNorm(h, row, b.FFNNorm, eps)
		tensor.MatVec(gate, b.Wgate, h)
		tensor.MatVec(up, b.Wup, h)
		tensor.SiluMul(gate, up)
		tensor.MatVec(proj, b.Wdown, gate)
		tensor.Add(row, proj)
	}
	return nil
}
