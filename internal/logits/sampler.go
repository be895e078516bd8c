// Package logits turns next-token scores into a token id.
package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
)

// Config controls sampling. A zero Temperature selects greedy decoding.
type Config struct {
	Seed          int64   `yaml:"seed" json:"seed"`
	Temperature   float32 `yaml:"temperature" json:"temperature"`
	TopK          int     `yaml:"top_k" json:"top_k"`
	TopP          float32 `yaml:"top_p" json:"top_p"`
	MinP          float32 `yaml:"min_p" json:"min_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty" json:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n" json:"repeat_last_n"`
}

// Sampler is not safe for concurrent use; each session owns one.
type Sampler struct {
	rng  *rand.Rand
	cfg  Config
	cand []candidate
	seen map[int]struct{}
}

type candidate struct {
	id int
	v  float64
}

func New(cfg Config) *Sampler {
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		cfg:  cfg,
		seen: map[int]struct{}{},
	}
}

func (s *Sampler) Config() Config { return s.cfg }

// Sample picks the next token. history holds the ids generated or consumed
// so far and feeds the repeat penalty; logits may be modified in place.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if len(logits) == 0 {
		return 0
	}
	s.penalize(logits, history)
	if s.cfg.Temperature <= 0 || s.cfg.TopK == 1 {
		return argmax(logits)
	}

	// Shortlist by score, scaled by 1/temperature.
	inv := 1 / float64(s.cfg.Temperature)
	s.cand = s.cand[:0]
	for i, l := range logits {
		s.cand = append(s.cand, candidate{id: i, v: float64(l) * inv})
	}
	slices.SortFunc(s.cand, func(a, b candidate) int { return cmp.Compare(b.v, a.v) })
	cand := s.cand
	if k := s.cfg.TopK; k > 0 && k < len(cand) {
		cand = cand[:k]
	}

	maxv := cand[0].v
	var sum float64
	for i := range cand {
		cand[i].v = math.Exp(cand[i].v - maxv)
		sum += cand[i].v
	}
	for i := range cand {
		cand[i].v /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := cand[0].v * float64(s.cfg.MinP)
		n := 1
		for n < len(cand) && cand[n].v >= threshold {
			n++
		}
		cand = renormalize(cand[:n])
	}
	if s.cfg.TopP < 1 {
		var c float64
		for i := range cand {
			c += cand[i].v
			if c >= float64(s.cfg.TopP) {
				cand = renormalize(cand[:i+1])
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for _, cd := range cand {
		c += cd.v
		if r < c {
			return cd.id
		}
	}
	return cand[len(cand)-1].id
}

func (s *Sampler) penalize(logits []float32, history []int) {
	p := s.cfg.RepeatPenalty
	if p == 1 || len(history) == 0 {
		return
	}
	clear(s.seen)
	for _, id := range history[max(len(history)-s.cfg.RepeatLastN, 0):] {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= p
		} else {
			logits[id] *= p
		}
	}
}

func renormalize(c []candidate) []candidate {
	var sum float64
	for _, x := range c {
		sum += x.v
	}
	if sum > 0 {
		for i := range c {
			c[i].v /= sum
		}
	}
	return c
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
