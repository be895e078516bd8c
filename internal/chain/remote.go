package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/client"
	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/topology"
)

// Remote forwards to the next node over a persistent client. The remote node
// relays to its own successor, so one Remote covers every block from its
// node to the end of the chain.
type Remote struct {
	node    topology.Node
	client  *client.Client
	session uuid.UUID
}

func DialRemote(ctx context.Context, n topology.Node, opts client.Options) (*Remote, error) {
	c, err := client.Dial(ctx, n.Address, opts)
	if err != nil {
		return nil, err
	}
	return &Remote{node: n, client: c}, nil
}

func (r *Remote) Range() topology.Range  { return r.node.Blocks }
func (r *Remote) Ident() string          { return r.node.Name }
func (r *Remote) Node() topology.Node    { return r.node }
func (r *Remote) Latency() time.Duration { return r.client.Latency() }

// Hello opens (or resumes) a session on the remote node and returns the hops
// it reports for the rest of the chain.
func (r *Remote) Hello(ctx context.Context, hello *protocol.Hello) (*protocol.HelloAck, error) {
	ack, err := r.client.Handshake(ctx, hello)
	if err != nil {
		return nil, err
	}
	r.session = hello.SessionID
	return ack, nil
}

func (r *Remote) Forward(ctx context.Context, x *tensor.Tensor, pos, step int) (*tensor.Tensor, error) {
	resp, err := r.client.SendAndWait(ctx, &protocol.Forward{
		SessionID: r.session,
		Pos:       pos,
		Step:      step,
		Blocks:    r.node.Blocks,
		Tensor:    x,
	})
	if err != nil {
		return nil, err
	}
	res, ok := resp.(*protocol.ForwardResult)
	if !ok {
		return nil, fmt.Errorf("%w: %s answered FORWARD with %s", protocol.ErrProtocol, r.node.Name, resp.Kind())
	}
	return res.Tensor, nil
}

// Terminate ends the session on the remote node and everything after it.
func (r *Remote) Terminate(ctx context.Context) error {
	return r.client.Send(ctx, &protocol.Terminate{SessionID: r.session})
}

// Broken reports whether the link must be redialled before the next session.
func (r *Remote) Broken() bool { return r.client.Broken() }

func (r *Remote) Close() error { return r.client.Close() }
