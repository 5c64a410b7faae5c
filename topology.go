package vkclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// nodeHealth is a clusterNode's last-observed reachability.
type nodeHealth int32

const (
	healthUp nodeHealth = iota
	healthDown
	healthProbing
)

// clusterNode is one cluster member: an address plus a lazily-dialed
// Connection shared by reference across every request that targets it.
type clusterNode struct {
	id   string
	addr Address

	health atomic.Int32

	mu     sync.Mutex
	conn   *Connection
	subs   *subscriptionState
	pubsub *pubsubDispatcher
}

func newClusterNode(addr Address) *clusterNode {
	n := &clusterNode{
		id:   fmt.Sprintf("%s:%d", addr.Host, addr.Port),
		addr: addr,
		subs: newSubscriptionState(nil),
	}
	n.health.Store(int32(healthDown))
	return n
}

// attachPubSub assigns the subscription state and dispatcher this node's
// Connection should carry. Must be called before the first ensureConnection
// dial; cluster pub/sub channels are partitioned across nodes ahead of
// time (see cluster.go's wirePubSub), not reassigned mid-connection.
func (n *clusterNode) attachPubSub(subs *subscriptionState, ps *pubsubDispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = subs
	n.pubsub = ps
}

// ensureConnection lazily dials the node's Connection on first use.
// Concurrent callers for a
// never-before-seen node may each dial once; each caller gets the
// Connection it dialed, the last successful one is stored on the node, and
// the others are neither stored nor closed.
func (n *clusterNode) ensureConnection(ctx context.Context, cfg *Config) (*Connection, error) {
	n.mu.Lock()
	if n.conn != nil && n.conn.Ready() {
		c := n.conn
		n.mu.Unlock()
		return c, nil
	}
	subs, ps := n.subs, n.pubsub
	n.mu.Unlock()

	c := newConnection(n.addr, cfg, subs, ps)
	err := c.Dial(ctx)

	n.mu.Lock()
	if err == nil {
		n.conn = c
		n.health.Store(int32(healthUp))
	} else {
		n.health.Store(int32(healthDown))
	}
	n.mu.Unlock()
	return c, err
}

// slotEntry is one of the 16384 slot map entries.
type slotEntry struct {
	primary  *clusterNode
	replicas []*clusterNode
}

// slotMap is an immutable snapshot; Topology swaps the pointer under
// copy-on-write semantics so readers never observe a partially updated map.
type slotMap struct {
	epoch uint64
	slots [numSlots]slotEntry
	nodes map[string]*clusterNode // "host:port" -> node
}

func emptySlotMap() *slotMap {
	return &slotMap{nodes: make(map[string]*clusterNode)}
}

// Topology owns the slot map, node directory, and epoch counter for
// cluster mode. Readers take a lock-free snapshot via an atomic pointer;
// all mutations are serialized by mu.
type Topology struct {
	mu      sync.Mutex
	current atomic.Pointer[slotMap]

	cfg *Config

	movedMu          sync.Mutex
	movedCount       int
	movedWindowStart time.Time

	refreshMu     sync.Mutex
	refreshing    bool
	refreshDoneCh chan struct{}

	logger  Logger
	metrics Metrics
}

func newTopology(cfg *Config) *Topology {
	t := &Topology{cfg: cfg, logger: cfg.logger, metrics: cfg.metrics}
	t.current.Store(emptySlotMap())
	return t
}

// Snapshot returns the current slot map without blocking.
func (t *Topology) Snapshot() *slotMap { return t.current.Load() }

// NodeForAddress returns the directory entry for addr, lazily registering
// it via a copy-on-write swap if this is the first time the topology has
// seen it. Used for ASK targets, which may be a node the slot map does not
// yet list as anyone's primary or replica.
func (t *Topology) NodeForAddress(addr Address) *clusterNode {
	key := fmt.Sprintf("%s:%d", addr.Host, addr.Port)

	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.current.Load()
	if n, ok := cur.nodes[key]; ok {
		return n
	}
	next := &slotMap{epoch: cur.epoch, slots: cur.slots, nodes: make(map[string]*clusterNode, len(cur.nodes)+1)}
	for k, v := range cur.nodes {
		next.nodes[k] = v
	}
	n := newClusterNode(addr)
	next.nodes[key] = n
	t.current.Store(next)
	return n
}

// nodeFor returns the directory entry for addr, creating one if this is
// the first time the topology has seen it.
func (t *Topology) nodeFor(m *slotMap, addr Address) *clusterNode {
	key := fmt.Sprintf("%s:%d", addr.Host, addr.Port)
	if n, ok := m.nodes[key]; ok {
		return n
	}
	n := newClusterNode(addr)
	m.nodes[key] = n
	return n
}

// Bootstrap issues CLUSTER SLOTS (falling back to CLUSTER SHARDS) against
// each seed address in turn until one answers.
func (t *Topology) Bootstrap(ctx context.Context) error {
	var lastErr error
	for _, addr := range t.cfg.addresses {
		m, err := t.queryOne(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		t.swap(m)
		return nil
	}
	if lastErr == nil {
		lastErr = newError(KindConnection, "no seed addresses configured")
	}
	return wrapError(KindConnection, "cluster bootstrap failed", lastErr)
}

func (t *Topology) queryOne(ctx context.Context, addr Address) (*slotMap, error) {
	probe := newConnection(addr, t.cfg, newSubscriptionState(nil), nil)
	if err := probe.Dial(ctx); err != nil {
		return nil, err
	}
	defer probe.Close()

	entry, err := probe.Submit([][]byte{[]byte("CLUSTER"), []byte("SLOTS")}, t.cfg.connectTimeout, DecodeBytes, false, routeHint{})
	if err != nil {
		return nil, err
	}
	res := <-entry.done
	if res.err == nil && res.reply.Type != TypeError && len(res.reply.Elems) > 0 {
		return t.parseClusterSlots(res.reply)
	}

	entry, err = probe.Submit([][]byte{[]byte("CLUSTER"), []byte("SHARDS")}, t.cfg.connectTimeout, DecodeBytes, false, routeHint{})
	if err != nil {
		return nil, err
	}
	res = <-entry.done
	if res.err != nil {
		return nil, res.err
	}
	if res.reply.Type == TypeError {
		return nil, newError(res.reply.ErrKind, string(res.reply.Str))
	}
	return t.parseClusterShards(res.reply)
}

// parseClusterSlots parses the pre-7.0 shape: array of
// [startSlot, endSlot, [masterHost, masterPort, ...], [replica...], ...].
func (t *Topology) parseClusterSlots(reply Reply) (*slotMap, error) {
	m := emptySlotMap()
	for _, row := range reply.Elems {
		if len(row.Elems) < 3 {
			continue
		}
		start := int(row.Elems[0].Int)
		end := int(row.Elems[1].Int)
		primaryAddr, err := addrFromSlotsRow(row.Elems[2])
		if err != nil {
			return nil, err
		}
		primary := t.nodeFor(m, primaryAddr)
		var replicas []*clusterNode
		for _, r := range row.Elems[3:] {
			a, err := addrFromSlotsRow(r)
			if err != nil {
				continue
			}
			replicas = append(replicas, t.nodeFor(m, a))
		}
		for s := start; s <= end && s < numSlots; s++ {
			m.slots[s] = slotEntry{primary: primary, replicas: replicas}
		}
	}
	return m, nil
}

func addrFromSlotsRow(r Reply) (Address, error) {
	if len(r.Elems) < 2 {
		return Address{}, protoErr("malformed CLUSTER SLOTS node entry")
	}
	return Address{Host: string(r.Elems[0].Str), Port: int(r.Elems[1].Int)}, nil
}

// parseClusterShards parses the >=7.0 shape: array of maps/arrays with
// "slots" (flat pairs of start/end) and "nodes" (array of node maps with
// "ip"/"port"/"role"/"health").
func (t *Topology) parseClusterShards(reply Reply) (*slotMap, error) {
	m := emptySlotMap()
	for _, shard := range reply.Elems {
		fields := shardFields(shard)
		slotsField, ok := fields["slots"]
		if !ok {
			continue
		}
		nodesField, ok := fields["nodes"]
		if !ok {
			continue
		}

		var primary *clusterNode
		var replicas []*clusterNode
		for _, nodeRow := range nodesField.Elems {
			nf := shardFields(nodeRow)
			host := ""
			if h, ok := nf["ip"]; ok {
				host = string(h.Str)
			} else if h, ok := nf["endpoint"]; ok {
				host = string(h.Str)
			}
			port := 0
			if p, ok := nf["port"]; ok {
				port = int(p.Int)
			}
			role := ""
			if r, ok := nf["role"]; ok {
				role = string(r.Str)
			}
			node := t.nodeFor(m, Address{Host: host, Port: port})
			if role == "master" || role == "primary" {
				primary = node
			} else {
				replicas = append(replicas, node)
			}
		}
		if primary == nil {
			continue
		}
		for i := 0; i+1 < len(slotsField.Elems); i += 2 {
			start := int(slotsField.Elems[i].Int)
			end := int(slotsField.Elems[i+1].Int)
			for s := start; s <= end && s < numSlots; s++ {
				m.slots[s] = slotEntry{primary: primary, replicas: replicas}
			}
		}
	}
	return m, nil
}

// shardFields tolerates both a RESP3 Map reply and a RESP2 flat
// key/value-pair Array reply for CLUSTER SHARDS rows.
func shardFields(r Reply) map[string]Reply {
	out := make(map[string]Reply)
	if r.Type == TypeMap {
		for _, p := range r.Pairs {
			out[string(p.Key.Str)] = p.Value
		}
		return out
	}
	for i := 0; i+1 < len(r.Elems); i += 2 {
		out[string(r.Elems[i].Str)] = r.Elems[i+1]
	}
	return out
}

// swap installs a new slot map and bumps the epoch, under mu.
func (t *Topology) swap(m *slotMap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.current.Load()
	m.epoch = prev.epoch + 1
	// Carry forward existing node identities so live Connections are not
	// re-dialed on every refresh when an address is unchanged.
	for k, n := range prev.nodes {
		if _, ok := m.nodes[k]; !ok {
			continue
		}
		m.nodes[k] = n
	}
	for s := range m.slots {
		e := &m.slots[s]
		if e.primary != nil {
			e.primary = m.nodes[e.primary.id]
		}
		for i, r := range e.replicas {
			e.replicas[i] = m.nodes[r.id]
		}
	}
	t.current.Store(m)
}

// ApplyMoved installs a redirection target for one slot without a full
// refresh, and counts toward the accumulated-MOVED refresh trigger: enough
// MOVED replies within a window imply the cached topology is stale and a
// full refresh is due.
func (t *Topology) ApplyMoved(ctx context.Context, slot int, addr Address) *clusterNode {
	t.mu.Lock()
	prev := t.current.Load()
	next := &slotMap{nodes: make(map[string]*clusterNode, len(prev.nodes))}
	for k, v := range prev.nodes {
		next.nodes[k] = v
	}
	next.slots = prev.slots
	node := t.nodeFor(next, addr)
	next.slots[slot] = slotEntry{primary: node, replicas: next.slots[slot].replicas}
	next.epoch = prev.epoch + 1
	t.current.Store(next)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.IncrementRedirections()
	}
	t.recordMoved(ctx)
	return node
}

func (t *Topology) recordMoved(ctx context.Context) {
	t.movedMu.Lock()
	now := time.Now()
	if t.movedWindowStart.IsZero() || now.Sub(t.movedWindowStart) > t.cfg.movedRefreshWindow {
		t.movedWindowStart = now
		t.movedCount = 0
	}
	t.movedCount++
	trigger := t.movedCount >= t.cfg.movedRefreshThreshold
	if trigger {
		t.movedCount = 0
	}
	t.movedMu.Unlock()

	if trigger {
		go t.Refresh(ctx)
	}
}

// Refresh runs CLUSTER SLOTS/SHARDS against the current node directory (or
// the seed addresses if empty) and installs the result. Concurrent callers
// coalesce onto one in-flight refresh.
func (t *Topology) Refresh(ctx context.Context) error {
	t.refreshMu.Lock()
	if t.refreshing {
		done := t.refreshDoneCh
		t.refreshMu.Unlock()
		<-done
		return nil
	}
	t.refreshing = true
	t.refreshDoneCh = make(chan struct{})
	t.refreshMu.Unlock()

	defer func() {
		t.refreshMu.Lock()
		t.refreshing = false
		close(t.refreshDoneCh)
		t.refreshMu.Unlock()
	}()

	addrs := t.cfg.addresses
	if cur := t.current.Load(); len(cur.nodes) > 0 {
		addrs = nil
		for _, n := range cur.nodes {
			addrs = append(addrs, n.addr)
		}
	}
	var lastErr error
	for _, addr := range addrs {
		m, err := t.queryOne(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		t.swap(m)
		return nil
	}
	if lastErr != nil {
		t.logger.Warnf("topology refresh failed: %v", lastErr)
		return lastErr
	}
	return nil
}

// BlockUntilRefreshed waits for an in-flight refresh to complete, or
// triggers one and waits, bounded by ctx. Used on CLUSTERDOWN to hold new
// requests until the slot map recovers or the caller's deadline fires.
func (t *Topology) BlockUntilRefreshed(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- t.Refresh(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPeriodicRefresh blocks until ctx is done, refreshing on the
// configured interval.
func (t *Topology) RunPeriodicRefresh(ctx context.Context) {
	if t.cfg.topologyRefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.topologyRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Refresh(ctx)
		}
	}
}
