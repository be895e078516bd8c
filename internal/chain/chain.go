// Package chain runs activations through a contiguous range of blocks,
// either in-process or on the next node of the chain.
package chain

import (
	"context"
	"fmt"

	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

// Forwarder advances an activation through the blocks it is responsible for.
// x holds one row per token at positions pos, pos+1, ...; step counts
// generation steps within the session and is carried for diagnostics.
type Forwarder interface {
	Forward(ctx context.Context, x *tensor.Tensor, pos, step int) (*tensor.Tensor, error)
	Range() topology.Range
	Ident() string
}

// ComputeError is a failure inside the tensor engine.
type ComputeError struct {
	Node  string
	Range topology.Range
	Step  int
	Err   error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute on %s (blocks %s, step %d): %v", e.Node, e.Range, e.Step, e.Err)
}

func (e *ComputeError) Unwrap() []error { return []error{protocol.ErrCompute, e.Err} }
