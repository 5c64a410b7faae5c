package vkclient

import (
	"context"
	"time"
)

// standaloneRouter routes every request to the single configured node.
// RouteBroadcast has nothing to fan out over, so it forwards to that same
// node and reports it as the only result.
type standaloneRouter struct {
	conn *Connection
}

func newStandaloneRouter(cfg *Config, subs *subscriptionState, ps *pubsubDispatcher) (*standaloneRouter, error) {
	c := newConnection(cfg.addresses[0], cfg, subs, ps)
	if err := c.Dial(cfg.ctx); err != nil {
		return nil, err
	}
	return &standaloneRouter{conn: c}, nil
}

func (r *standaloneRouter) Route(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder, hint routeHint) (Reply, error) {
	entry, err := r.conn.Submit(args, timeout, dec, postTransformFor(args), hint)
	if err != nil {
		return Reply{}, err
	}
	select {
	case res := <-entry.done:
		return res.reply, res.err
	case <-ctx.Done():
		r.conn.inflight.Cancel(entry)
		return Reply{}, ctx.Err()
	}
}

func (r *standaloneRouter) RouteBroadcast(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder) ([]BroadcastResult, error) {
	reply, err := r.Route(ctx, args, timeout, dec, routeHint{})
	return []BroadcastResult{{Node: r.conn.addr, Reply: reply, Err: err}}, nil
}

func (r *standaloneRouter) SubmitBatch(ctx context.Context, cmds [][][]byte, timeout time.Duration, decs []Decoder, posts []bool, hint routeHint) ([]Reply, error) {
	entries, err := r.conn.SubmitRaw(cmds, timeout, decs, posts)
	if err != nil {
		return nil, err
	}
	out := make([]Reply, len(entries))
	for i, e := range entries {
		select {
		case res := <-e.done:
			if res.err != nil {
				return nil, res.err
			}
			out[i] = res.reply
		case <-ctx.Done():
			r.conn.inflight.Cancel(e)
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (r *standaloneRouter) Close() error { return r.conn.Close() }
