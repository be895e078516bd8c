package model

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

// Source supplies named weights. safetensors.Dir satisfies it for model
// directories; modeltest.Source for in-memory tests.
type Source interface {
	Load(name string) (*tensor.Mat, error)
	LoadVec(name string) ([]float32, error)
	Has(name string) bool
}

const (
	embedName   = "model.embed_tokens.weight"
	normName    = "model.norm.weight"
	lmHeadName  = "lm_head.weight"
	blockPrefix = "model.layers.%d."
)

// BlockTensor is the checkpoint name of a per-block weight.
func BlockTensor(i int, suffix string) string {
	return fmt.Sprintf(blockPrefix, i) + suffix
}

// LoadBlocks loads every block in r concurrently.
func LoadBlocks(ctx context.Context, cfg *Config, src Source, r topology.Range) ([]*Block, error) {
	if r.Start < 0 || r.End > cfg.NumHiddenLayers || r.Empty() {
		return nil, fmt.Errorf("block range %s outside model of %d layers", r, cfg.NumHiddenLayers)
	}
	blocks := make([]*Block, r.Len())
	invFreq := cfg.InvFreq()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := r.Start; i < r.End; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := loadBlock(cfg, src, i, invFreq)
			if err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			blocks[i-r.Start] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func loadBlock(cfg *Config, src Source, i int, invFreq []float64) (*Block, error) {
	b := &Block{Index: i, cfg: cfg, invFreq: invFreq}
	vecs := []struct {
		dst  *[]float32
		name string
		n    int
	}{
		{&b.AttnNorm, "input_layernorm.weight", cfg.HiddenSize},
		{&b.FFNNorm, "post_attention_layernorm.weight", cfg.HiddenSize},
	}
	for _, v := range vecs {
		w, err := src.LoadVec(BlockTensor(i, v.name))
		if err != nil {
			return nil, err
		}
		if len(w) != v.n {
			return nil, fmt.Errorf("%s has %d elements, want %d", v.name, len(w), v.n)
		}
		*v.dst = w
	}

	q := cfg.NumAttentionHeads * cfg.HeadDim
	kv := cfg.KVDim()
	mats := []struct {
		dst  **tensor.Mat
		name string
		r, c int
	}{
		{&b.Wq, "self_attn.q_proj.weight", q, cfg.HiddenSize},
		{&b.Wk, "self_attn.k_proj.weight", kv, cfg.HiddenSize},
		{&b.Wv, "self_attn.v_proj.weight", kv, cfg.HiddenSize},
		{&b.Wo, "self_attn.o_proj.weight", cfg.HiddenSize, q},
		{&b.Wgate, "mlp.gate_proj.weight", cfg.IntermediateSize, cfg.HiddenSize},
		{&b.Wup, "mlp.up_proj.weight", cfg.IntermediateSize, cfg.HiddenSize},
		{&b.Wdown, "mlp.down_proj.weight", cfg.HiddenSize, cfg.IntermediateSize},
	}
	for _, m := range mats {
		w, err := src.Load(BlockTensor(i, m.name))
		if err != nil {
			return nil, err
		}
		if w.R != m.r || w.C != m.c {
			return nil, fmt.Errorf("%s is %dx%d, want %dx%d", m.name, w.R, w.C, m.r, m.c)
		}
		*m.dst = w
	}
	return b, nil
}
