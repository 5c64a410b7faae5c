package vkclient

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// clusterRouter implements slot-hashed routing, MOVED/ASK redirection, and
// read-replica dispatch for a sharded deployment.
type clusterRouter struct {
	cfg      *Config
	topology *Topology
	rrCursor atomic.Uint32
	pubsub   *pubsubDispatcher
}

func newClusterRouter(cfg *Config, ps *pubsubDispatcher) (*clusterRouter, error) {
	topo := newTopology(cfg)
	if err := topo.Bootstrap(cfg.ctx); err != nil {
		return nil, err
	}
	r := &clusterRouter{cfg: cfg, topology: topo, pubsub: ps}
	if cfg.pubsub != nil {
		if err := r.wirePubSub(cfg.ctx, cfg.pubsub, ps); err != nil {
			return nil, err
		}
	}
	go topo.RunPeriodicRefresh(cfg.ctx)
	return r, nil
}

// wirePubSub partitions the configured subscriptions across nodes: shard
// channels go to the connection owning their slot, exact/pattern channels
// go to one designated node (non-shard pub/sub messages are broadcast
// cluster-wide by the server, so any node will do). Shard-channel
// subscriptions must stay on the owning shard's connection.
func (r *clusterRouter) wirePubSub(ctx context.Context, subs *PubSubSubscriptions, ps *pubsubDispatcher) error {
	snap := r.topology.Snapshot()
	byNode := make(map[*clusterNode]*subscriptionState)

	for _, ch := range subs.ShardChannels {
		node, err := r.nodeForSlot(snap, slotForKey([]byte(ch)), false)
		if err != nil {
			return err
		}
		st, ok := byNode[node]
		if !ok {
			st = newSubscriptionState(nil)
			byNode[node] = st
		}
		st.add(subShard, ch)
	}

	if len(subs.ExactChannels) > 0 || len(subs.PatternChannels) > 0 {
		home, err := r.randomPrimary(snap)
		if err != nil {
			return err
		}
		st, ok := byNode[home]
		if !ok {
			st = newSubscriptionState(nil)
			byNode[home] = st
		}
		st.add(subExact, subs.ExactChannels...)
		st.add(subPattern, subs.PatternChannels...)
	}

	for node, st := range byNode {
		node.attachPubSub(st, ps)
		if _, err := r.connectionFor(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// parseRedirect parses a MOVED/ASK error message's "<slot> <host>:<port>"
// body.
func parseRedirect(msg []byte) (Address, int, error) {
	fields := strings.Fields(string(msg))
	if len(fields) != 2 {
		return Address{}, 0, protoErr("malformed redirection message")
	}
	slot, err := strconv.Atoi(fields[0])
	if err != nil {
		return Address{}, 0, protoErr("malformed redirection slot")
	}
	addr, err := splitHostPort(fields[1])
	if err != nil {
		return Address{}, 0, err
	}
	return addr, slot, nil
}

// resolve picks the target node for one command frame given its routing
// hint, the catalog's read/write classification, and the configured read
// policy.
func (r *clusterRouter) resolve(args [][]byte, hint routeHint) (*clusterNode, error) {
	snap := r.topology.Snapshot()

	switch hint.mode {
	case routeSpecificAddress:
		return r.topology.NodeForAddress(hint.addr), nil
	case routeExplicitSlot:
		return r.nodeForSlot(snap, hint.slot, isWriteCommand(args))
	case routeRandomNode:
		return r.randomPrimary(snap)
	default:
		key, ok := firstKeyOf(args)
		if !ok {
			return r.randomPrimary(snap)
		}
		slot := slotForKey(key)
		return r.nodeForSlot(snap, slot, isWriteCommand(args))
	}
}

func (r *clusterRouter) nodeForSlot(snap *slotMap, slot int, write bool) (*clusterNode, error) {
	if slot < 0 || slot >= numSlots {
		return nil, newError(KindRouting, "slot out of range")
	}
	entry := snap.slots[slot]
	if entry.primary == nil {
		return nil, ErrClusterDown
	}
	if write || r.cfg.readFrom == ReadFromPrimary || len(entry.replicas) == 0 {
		return entry.primary, nil
	}
	idx := r.rrCursor.Add(1)
	return entry.replicas[int(idx)%len(entry.replicas)], nil
}

// randomPrimary returns the primary of the lowest-numbered assigned slot.
// The choice is deterministic for a given slot map, not random.
func (r *clusterRouter) randomPrimary(snap *slotMap) (*clusterNode, error) {
	for _, entry := range snap.slots {
		if entry.primary != nil {
			return entry.primary, nil
		}
	}
	return nil, ErrClusterDown
}

func (r *clusterRouter) connectionFor(ctx context.Context, node *clusterNode) (*Connection, error) {
	return node.ensureConnection(ctx, r.cfg)
}

// Route implements the redirection retry loop: MOVED updates Topology and
// retries; ASK sends a one-shot ASKING preamble to the indicated node
// without a topology update; CLUSTERDOWN blocks for a refresh and retries.
// Bounded by cfg.maxRedirections.
func (r *clusterRouter) Route(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder, hint routeHint) (Reply, error) {
	askPreamble := false
	for attempt := 0; attempt <= r.cfg.maxRedirections; attempt++ {
		node, err := r.resolve(args, hint)
		if err != nil {
			return Reply{}, err
		}
		conn, err := r.connectionFor(ctx, node)
		if err != nil {
			return Reply{}, err
		}

		if askPreamble {
			if askEntry, err := conn.Submit([][]byte{[]byte("ASKING")}, timeout, DecodeBytes, false, routeHint{}); err == nil {
				<-askEntry.done
			}
			askPreamble = false
		}

		entry, err := conn.Submit(args, timeout, dec, postTransformFor(args), hint)
		if err != nil {
			return Reply{}, err
		}
		var res inflightResult
		select {
		case res = <-entry.done:
		case <-ctx.Done():
			conn.inflight.Cancel(entry)
			return Reply{}, ctx.Err()
		}
		if res.err != nil {
			return Reply{}, res.err
		}
		if res.reply.Type != TypeError {
			return res.reply, nil
		}

		switch res.reply.ErrKind {
		case KindMoved:
			addr, slot, perr := parseRedirect(res.reply.Str)
			if perr != nil {
				return res.reply, nil
			}
			r.topology.ApplyMoved(ctx, slot, addr)
			hint = routeHint{}
			continue
		case KindAsk:
			addr, _, perr := parseRedirect(res.reply.Str)
			if perr != nil {
				return res.reply, nil
			}
			if r.cfg.metrics != nil {
				r.cfg.metrics.IncrementRedirections()
			}
			hint = routeHint{mode: routeSpecificAddress, addr: addr}
			askPreamble = true
			continue
		case KindClusterDown:
			r.topology.BlockUntilRefreshed(ctx)
			continue
		default:
			return res.reply, nil
		}
	}
	return Reply{}, newError(KindRouting, "max redirections exceeded")
}

// RouteBroadcast fans args out to every distinct primary in the current
// slot map and collects replies concurrently. It returns an ordered
// array-of-(node, reply); aggregation beyond that (sum, concatenation,
// merge, first-non-error) is command-specific and left to the caller.
func (r *clusterRouter) RouteBroadcast(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder) ([]BroadcastResult, error) {
	snap := r.topology.Snapshot()
	seen := make(map[string]*clusterNode)
	for _, entry := range snap.slots {
		if entry.primary != nil {
			seen[entry.primary.id] = entry.primary
		}
	}

	type indexed struct {
		idx int
		res BroadcastResult
	}
	resultsCh := make(chan indexed, len(seen))
	i := 0
	for _, node := range seen {
		go func(idx int, node *clusterNode) {
			conn, err := r.connectionFor(ctx, node)
			if err != nil {
				resultsCh <- indexed{idx, BroadcastResult{Node: node.addr, Err: err}}
				return
			}
			entry, err := conn.Submit(args, timeout, dec, postTransformFor(args), routeHint{})
			if err != nil {
				resultsCh <- indexed{idx, BroadcastResult{Node: node.addr, Err: err}}
				return
			}
			res := <-entry.done
			resultsCh <- indexed{idx, BroadcastResult{Node: node.addr, Reply: res.reply, Err: res.err}}
		}(i, node)
		i++
	}

	out := make([]BroadcastResult, len(seen))
	for range out {
		ix := <-resultsCh
		out[ix.idx] = ix.res
	}
	return out, nil
}

// SubmitBatch resolves one target connection for the whole command
// sequence and writes it as a single contiguous block, used for atomic
// transactions (single-slot by construction).
func (r *clusterRouter) SubmitBatch(ctx context.Context, cmds [][][]byte, timeout time.Duration, decs []Decoder, posts []bool, hint routeHint) ([]Reply, error) {
	node, err := r.resolve(cmds[0], hint)
	if err != nil {
		return nil, err
	}
	conn, err := r.connectionFor(ctx, node)
	if err != nil {
		return nil, err
	}
	entries, err := conn.SubmitRaw(cmds, timeout, decs, posts)
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
			conn.inflight.Cancel(e)
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (r *clusterRouter) Close() error {
	snap := r.topology.Snapshot()
	var firstErr error
	for _, n := range snap.nodes {
		n.mu.Lock()
		c := n.conn
		n.mu.Unlock()
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
