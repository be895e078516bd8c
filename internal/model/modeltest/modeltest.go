// Package modeltest builds small deterministic llama checkpoints in memory.
package modeltest

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/tensor"
)

// Config returns a tiny grouped-query llama config with the given depth.
func Config(layers int) *model.Config {
	return &model.Config{
		ModelType:         "llama",
		HiddenSize:        16,
		IntermediateSize:  32,
		NumHiddenLayers:   layers,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  2,
		HeadDim:           4,
		VocabSize:         40,
		RMSNormEps:        1e-5,
		RopeTheta:         10_000,
		MaxPosition:       256,
		BOSTokenID:        model.TokenIDs{1},
		EOSTokenID:        model.TokenIDs{2},
	}
}

// Source is an in-memory weight source. Every tensor is derived from the
// seed, so two Sources built from the same arguments hold identical weights.
type Source struct {
	mats map[string]*tensor.Mat
	vecs map[string][]float32
}

// New fills every tensor a llama checkpoint of cfg carries.
func New(cfg *model.Config, seed int64) *Source {
	s := &Source{mats: map[string]*tensor.Mat{}, vecs: map[string][]float32{}}
	rng := rand.New(rand.NewSource(seed))
	mat := func(name string, r, c int) {
		m := tensor.NewMat(r, c)
		for i := range m.Data {
			m.Data[i] = (rng.Float32() - 0.5) * 0.4
		}
		s.mats[name] = &m
	}
	vec := func(name string, n int) {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1 + (rng.Float32()-0.5)*0.1
		}
		s.vecs[name] = v
	}

	q := cfg.NumAttentionHeads * cfg.HeadDim
	kv := cfg.KVDim()
	mat("model.embed_tokens.weight", cfg.VocabSize, cfg.HiddenSize)
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		vec(model.BlockTensor(i, "input_layernorm.weight"), cfg.HiddenSize)
		vec(model.BlockTensor(i, "post_attention_layernorm.weight"), cfg.HiddenSize)
		mat(model.BlockTensor(i, "self_attn.q_proj.weight"), q, cfg.HiddenSize)
		mat(model.BlockTensor(i, "self_attn.k_proj.weight"), kv, cfg.HiddenSize)
		mat(model.BlockTensor(i, "self_attn.v_proj.weight"), kv, cfg.HiddenSize)
		mat(model.BlockTensor(i, "self_attn.o_proj.weight"), cfg.HiddenSize, q)
		mat(model.BlockTensor(i, "mlp.gate_proj.weight"), cfg.IntermediateSize, cfg.HiddenSize)
		mat(model.BlockTensor(i, "mlp.up_proj.weight"), cfg.IntermediateSize, cfg.HiddenSize)
		mat(model.BlockTensor(i, "mlp.down_proj.weight"), cfg.HiddenSize, cfg.IntermediateSize)
	}
	vec("model.norm.weight", cfg.HiddenSize)
	if !cfg.TieWordEmbeddings {
		mat("lm_head.weight", cfg.VocabSize, cfg.HiddenSize)
	}
	return s
}

func (s *Source) Load(name string) (*tensor.Mat, error) {
	m, ok := s.mats[name]
	if !ok {
		return nil, fmt.Errorf("modeltest: no matrix %s", name)
	}
	return m, nil
}

func (s *Source) LoadVec(name string) ([]float32, error) {
	v, ok := s.vecs[name]
	if !ok {
		return nil, fmt.Errorf("modeltest: no vector %s", name)
	}
	return v, nil
}

func (s *Source) Has(name string) bool {
	_, ok := s.mats[name]
	if !ok {
		_, ok = s.vecs[name]
	}
	return ok
}

// Delete removes a tensor, for tests that exercise missing weights.
func (s *Source) Delete(name string) {
	delete(s.mats, name)
	delete(s.vecs, name)
}
