package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/tensor"
)

// Embedding maps token ids to hidden states.
type Embedding struct {
	W *tensor.Mat
}

func LoadEmbedding(cfg *Config, src Source) (*Embedding, error) {
	w, err := src.Load(embedName)
	if err != nil {
		return nil, err
	}
	if w.R != cfg.VocabSize || w.C != cfg.HiddenSize {
		return nil, fmt.Errorf("%s is %dx%d, want %dx%d", embedName, w.R, w.C, cfg.VocabSize, cfg.HiddenSize)
	}
	return &Embedding{W: w}, nil
}

// Embed returns one hidden-state row per token.
func (e *Embedding) Embed(tokens []int) ([][]float32, error) {
	out := make([][]float32, len(tokens))
	for i, id := range tokens {
		if id < 0 || id >= e.W.R {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, e.W.R)
		}
		row := make([]float32, e.W.C)
		e.W.RowTo(row, id)
		out[i] = row
	}
	return out, nil
}

// Head applies the final norm and projects a hidden state onto the
// vocabulary.
type Head struct {
	Norm []float32
	W    *tensor.Mat
	eps  float32
}

// LoadHead falls back to the embedding matrix when lm_head is absent or
// tie_word_embeddings is set.
func LoadHead(cfg *Config, src Source) (*Head, error) {
	norm, err := src.LoadVec(normName)
	if err != nil {
		return nil, err
	}
	if len(norm) != cfg.HiddenSize {
		return nil, fmt.Errorf("%s has %d elements, want %d", normName, len(norm), cfg.HiddenSize)
	}
	name := lmHeadName
	if cfg.TieWordEmbeddings || !src.Has(lmHeadName) {
		name = embedName
	}
	w, err := src.Load(name)
	if err != nil {
		return nil, err
	}
	if w.R != cfg.VocabSize || w.C != cfg.HiddenSize {
		return nil, fmt.Errorf("%s is %dx%d, want %dx%d", name, w.R, w.C, cfg.VocabSize, cfg.HiddenSize)
	}
	return &Head{Norm: norm, W: w, eps: float32(cfg.RMSNormEps)}, nil
}

// Logits returns unnormalised scores for the next token after x.
func (h *Head) Logits(x []float32) []float32 {
	normed := make([]float32, len(x))
	tensor.RMSNorm(normed, x, h.Norm, h.eps)
	out := make([]float32, h.W.R)
	tensor.MatVec(out, h.W, normed)
	return out
}
