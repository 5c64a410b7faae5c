package vkclient

import (
	"context"
	"time"
)

// BatchCommand is one command queued into a Batch along with the decoder
// and post-transform it should receive.
type BatchCommand struct {
	Args          [][]byte
	Decoder       Decoder
	SetConversion bool
}

// Batch accumulates command frames for atomic (MULTI/EXEC) or non-atomic
// (pipeline) execution.
type Batch struct {
	atomic  bool
	watch   [][]byte
	cmds    []BatchCommand
	cluster bool
}

func newBatch(atomic bool, clusterMode bool) *Batch {
	return &Batch{atomic: atomic, cluster: clusterMode}
}

// Watch adds keys to an optimistic-lock WATCH preceding MULTI. Valid only
// for atomic batches.
func (b *Batch) Watch(keys ...string) *Batch {
	for _, k := range keys {
		b.watch = append(b.watch, []byte(k))
	}
	return b
}

// Add queues one command with its decoder and set-conversion flag.
func (b *Batch) Add(args [][]byte, dec Decoder, setConversion bool) *Batch {
	b.cmds = append(b.cmds, BatchCommand{Args: args, Decoder: dec, SetConversion: setConversion})
	return b
}

// BatchResult is the outcome of executing a Batch.
type BatchResult struct {
	// Aborted is true only for an atomic batch whose EXEC returned nil,
	// meaning a watched key changed and the transaction did not run.
	Aborted bool
	Replies []Reply
}

// execute runs a Batch against router: same-slot validation for atomic
// batches, MULTI/WATCH/EXEC framing, and independent (optionally parallel)
// submission for pipelines.
func execute(ctx context.Context, router Router, b *Batch, timeout time.Duration) (BatchResult, error) {
	if len(b.cmds) == 0 {
		return BatchResult{}, nil
	}
	if b.atomic {
		return executeAtomic(ctx, router, b, timeout)
	}
	return executePipeline(ctx, router, b, timeout)
}

// routingHintFor resolves the single routing hint an atomic batch must
// share across every one of its commands. Atomic batches must route to
// exactly one node; if any two commands disagree on target slot, the batch
// fails with a routing error before any byte is sent.
func routingHintFor(b *Batch) (routeHint, error) {
	if !b.cluster {
		return routeHint{}, nil
	}
	var slot = -1
	hasSlot := false
	check := func(args [][]byte) error {
		key, ok := firstKeyOf(args)
		if !ok {
			return nil
		}
		s := slotForKey(key)
		if !hasSlot {
			slot = s
			hasSlot = true
			return nil
		}
		if s != slot {
			return newError(KindRouting, "atomic batch spans more than one slot")
		}
		return nil
	}
	for _, k := range b.watch {
		if err := check([][]byte{[]byte("WATCH"), k}); err != nil {
			return routeHint{}, err
		}
	}
	for _, c := range b.cmds {
		if err := check(c.Args); err != nil {
			return routeHint{}, err
		}
	}
	if !hasSlot {
		return routeHint{}, nil
	}
	return routeHint{mode: routeExplicitSlot, slot: slot}, nil
}

func executeAtomic(ctx context.Context, router Router, b *Batch, timeout time.Duration) (BatchResult, error) {
	hint, err := routingHintFor(b)
	if err != nil {
		return BatchResult{}, err
	}

	var cmds [][][]byte
	var decs []Decoder
	var posts []bool
	if len(b.watch) > 0 {
		cmds = append(cmds, append([][]byte{[]byte("WATCH")}, b.watch...))
		decs = append(decs, DecodeBytes)
		posts = append(posts, false)
	}
	cmds = append(cmds, [][]byte{[]byte("MULTI")})
	decs = append(decs, DecodeBytes)
	posts = append(posts, false)
	for _, c := range b.cmds {
		cmds = append(cmds, c.Args)
		decs = append(decs, c.Decoder)
		posts = append(posts, c.SetConversion)
	}
	cmds = append(cmds, [][]byte{[]byte("EXEC")})
	decs = append(decs, DecodeBytes)
	posts = append(posts, false)

	replies, err := router.SubmitBatch(ctx, cmds, timeout, decs, posts, hint)
	if err != nil {
		return BatchResult{}, err
	}

	exec := replies[len(replies)-1]
	if exec.Type == TypeError {
		return BatchResult{}, newError(exec.ErrKind, string(exec.Str))
	}
	if exec.IsNil {
		return BatchResult{Aborted: true}, nil
	}

	result := make([]Reply, len(exec.Elems))
	for i, r := range exec.Elems {
		if i < len(b.cmds) && b.cmds[i].SetConversion && r.Type == TypeArray {
			result[i] = toSetReply(r)
		} else {
			result[i] = r
		}
	}
	return BatchResult{Replies: result}, nil
}

// executePipeline submits each command independently. In standalone mode
// (or when every command shares one slot) this is one contiguous write; in
// cluster mode with mixed targets, commands are issued in parallel and
// stitched back into submission order.
func executePipeline(ctx context.Context, router Router, b *Batch, timeout time.Duration) (BatchResult, error) {
	out := make([]Reply, len(b.cmds))
	errs := make([]error, len(b.cmds))

	type unit struct {
		idx int
		cmd BatchCommand
	}
	work := make(chan unit, len(b.cmds))
	for i, c := range b.cmds {
		work <- unit{i, c}
	}
	close(work)

	done := make(chan struct{}, len(b.cmds))
	for u := range work {
		go func(u unit) {
			reply, err := router.Route(ctx, u.cmd.Args, timeout, u.cmd.Decoder, routeHint{})
			if err == nil && u.cmd.SetConversion && reply.Type == TypeArray {
				reply = toSetReply(reply)
			}
			out[u.idx] = reply
			errs[u.idx] = err
			done <- struct{}{}
		}(u)
	}
	for range b.cmds {
		<-done
	}

	for _, err := range errs {
		if err != nil {
			return BatchResult{}, err
		}
	}
	return BatchResult{Replies: out}, nil
}

// toSetReply converts a decoded Array into the Set variant, preserving
// position in the results vector.
func toSetReply(r Reply) Reply {
	r.Type = TypeSet
	return r
}
