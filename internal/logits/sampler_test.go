package logits

import "testing"

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	cfg := Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95}
	s1, s2 := New(cfg), New(cfg)
	for range 20 {
		a := s1.Sample([]float32{0, 1, 2, 3, 4, 5}, nil)
		b := s2.Sample([]float32{0, 1, 2, 3, 4, 5}, nil)
		if a != b {
			t.Fatalf("expected deterministic sample, got %d vs %d", a, b)
		}
		if a < 2 {
			t.Fatalf("top-k 4 returned index %d", a)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{{}, {Temperature: 1, TopK: 1}} {
		if idx := New(cfg).Sample([]float32{-1, 5, 3, 7, 2}, nil); idx != 3 {
			t.Fatalf("%+v: expected greedy index 3, got %d", cfg, idx)
		}
	}
}

func TestSamplerTopP(t *testing.T) {
	t.Parallel()
	s := New(Config{Seed: 7, Temperature: 1, TopP: 0.5})
	for range 10 {
		if idx := s.Sample([]float32{10, 0, 0, 0, 0}, nil); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerMinP(t *testing.T) {
	t.Parallel()
	s := New(Config{Seed: 3, Temperature: 1, MinP: 0.5})
	for range 50 {
		if idx := s.Sample([]float32{5, 5, 0, 0}, nil); idx > 1 {
			t.Fatalf("min-p kept low probability index %d", idx)
		}
	}
}

func TestRepeatPenaltyChangesGreedyChoice(t *testing.T) {
	t.Parallel()
	s := New(Config{RepeatPenalty: 2})
	if idx := s.Sample([]float32{4, 3, -1}, []int{0, 0}); idx != 1 {
		t.Fatalf("expected penalty to demote token 0, got %d", idx)
	}
	logits := []float32{1, -1}
	s.Sample(logits, []int{1})
	if logits[1] != -2 {
		t.Fatalf("negative logit should be multiplied by the penalty, got %g", logits[1])
	}
}
