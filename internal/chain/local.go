package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/strata/internal/cache"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/node"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

// Local owns a range of blocks and the cache that goes with them.
type Local struct {
	name   string
	r      topology.Range
	dtype  tensor.DType
	hidden int
	blocks []*model.Block
	cache  *cache.Cache

	mu sync.Mutex
}

// LoadLocal loads the blocks assigned to the process described by nctx.
func LoadLocal(ctx context.Context, nctx *node.Context) (*Local, error) {
	blocks, err := model.LoadBlocks(ctx, nctx.Config, nctx.Weights, nctx.Blocks)
	if err != nil {
		return nil, fmt.Errorf("load blocks %s: %w", nctx.Blocks, err)
	}
	c := cache.New(nctx.Blocks, nctx.Config.KVDim(), nctx.MaxContext)
	return NewLocal(nctx.Name, nctx.Config.HiddenSize, blocks, c, nctx.DType), nil
}

// NewLocal wraps already loaded blocks. Output activations are encoded as
// dtype.
func NewLocal(name string, hidden int, blocks []*model.Block, c *cache.Cache, dtype tensor.DType) *Local {
	return &Local{name: name, r: c.Range(), dtype: dtype, hidden: hidden, blocks: blocks, cache: c}
}

func (l *Local) Range() topology.Range { return l.r }
func (l *Local) Ident() string         { return l.name }

// Position is the next position the cache expects.
func (l *Local) Position() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Position()
}

// Reset discards all cached state.
func (l *Local) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Reset()
}

// Forward requires pos to equal the cache position. On success the cache
// advances by the number of rows in x; on failure it is left where it was.
func (l *Local) Forward(ctx context.Context, x *tensor.Tensor, pos, step int) (out *tensor.Tensor, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(x.Shape) != 2 || x.Shape[1] != l.hidden {
		return nil, l.computeErr(step, fmt.Errorf("%w: activation shape %v, want [seq %d]", tensor.ErrShape, x.Shape, l.hidden))
	}
	rows, err := x.Rows()
	if err != nil {
		return nil, l.computeErr(step, err)
	}
	if err := l.cache.Check(pos, len(rows)); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, l.computeErr(step, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			l.cache.Rollback()
		}
	}()

	for _, b := range l.blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := l.cache.Block(b.Index)
		if err != nil {
			return nil, l.computeErr(step, err)
		}
		if err := b.Forward(rows, pos, e); err != nil {
			return nil, l.computeErr(step, err)
		}
	}
	if err := l.cache.Advance(len(rows)); err != nil {
		return nil, err
	}
	out, err = tensor.FromRows(l.dtype, rows)
	if err != nil {
		return nil, l.computeErr(step, err)
	}
	return out, nil
}

func (l *Local) computeErr(step int, err error) error {
	return &ComputeError{Node: l.name, Range: l.r, Step: step, Err: err}
}
