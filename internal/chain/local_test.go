package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/strata/internal/cache"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/modeltest"
	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

func newLocal(t *testing.T, r topology.Range, dtype tensor.DType) (*Local, *model.Config) {
	t.Helper()
	cfg := modeltest.Config(4)
	blocks, err := model.LoadBlocks(context.Background(), cfg, modeltest.New(cfg, 11), r)
	if err != nil {
		t.Fatal(err)
	}
	return NewLocal("test", cfg.HiddenSize, blocks, cache.New(r, cfg.KVDim(), 32), dtype), cfg
}

func activation(t *testing.T, cfg *model.Config, seq int) *tensor.Tensor {
	t.Helper()
	vals := make([]float32, seq*cfg.HiddenSize)
	for i := range vals {
		vals[i] = float32(i%5) * 0.1
	}
	x, err := tensor.FromFloat32(tensor.F32, []int{seq, cfg.HiddenSize}, vals)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestLocalForwardAdvances(t *testing.T) {
	t.Parallel()
	l, cfg := newLocal(t, topology.Range{Start: 1, End: 3}, tensor.BF16)
	out, err := l.Forward(context.Background(), activation(t, cfg, 3), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.DType != tensor.BF16 || out.Shape[0] != 3 || out.Shape[1] != cfg.HiddenSize {
		t.Fatalf("unexpected output %s", out)
	}
	if l.Position() != 3 {
		t.Fatalf("position = %d, want 3", l.Position())
	}
	if _, err := l.Forward(context.Background(), activation(t, cfg, 1), 3, 1); err != nil {
		t.Fatal(err)
	}
	if l.Position() != 4 {
		t.Fatalf("position = %d, want 4", l.Position())
	}
	l.Reset()
	if l.Position() != 0 {
		t.Fatal("reset did not rewind")
	}
}

func TestLocalRejectsWrongPosition(t *testing.T) {
	t.Parallel()
	l, cfg := newLocal(t, topology.Range{Start: 0, End: 2}, tensor.F16)
	if _, err := l.Forward(context.Background(), activation(t, cfg, 1), 2, 0); !errors.Is(err, protocol.ErrPosition) {
		t.Fatalf("expected ErrPosition, got %v", err)
	}
	if l.Position() != 0 {
		t.Fatalf("rejected forward moved the cache to %d", l.Position())
	}
}

func TestLocalComputeErrors(t *testing.T) {
	t.Parallel()
	l, cfg := newLocal(t, topology.Range{Start: 0, End: 1}, tensor.F16)

	bad, err := tensor.FromFloat32(tensor.F32, []int{1, 3}, []float32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Forward(context.Background(), bad, 0, 7)
	var ce *ComputeError
	if !errors.Is(err, protocol.ErrCompute) || !errors.As(err, &ce) || ce.Step != 7 {
		t.Fatalf("expected compute error at step 7, got %v", err)
	}
	if !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("compute error must keep its cause: %v", err)
	}

	// A block without weights panics inside the engine; the panic must come
	// back as an error and leave the cache untouched.
	c := cache.New(topology.Range{Start: 0, End: 1}, cfg.KVDim(), 0)
	broken := NewLocal("broken", cfg.HiddenSize, []*model.Block{{Index: 0}}, c, tensor.F16)
	_, err = broken.Forward(context.Background(), activation(t, cfg, 1), 0, 0)
	if !errors.Is(err, protocol.ErrCompute) {
		t.Fatalf("expected compute error from panic, got %v", err)
	}
	if broken.Position() != 0 {
		t.Fatal("failed forward advanced the cache")
	}
	e, _ := c.Block(0)
	if e.Len() != 0 {
		t.Fatalf("failed forward left %d cache rows", e.Len())
	}
}

func TestLocalCanceled(t *testing.T) {
	t.Parallel()
	l, cfg := newLocal(t, topology.Range{Start: 0, End: 2}, tensor.F16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Forward(ctx, activation(t, cfg, 1), 0, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if l.Position() != 0 {
		t.Fatal("canceled forward advanced the cache")
	}
}
