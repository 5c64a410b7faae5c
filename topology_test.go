package vkclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTopology(t *testing.T) *Topology {
	t.Helper()
	cfg := defaultConfig()
	cfg.addresses = []Address{{Host: "127.0.0.1", Port: 1}} // nothing listening; dials fail fast
	return newTopology(cfg)
}

func clusterSlotsReply(start, end int, primary Address, replicas ...Address) Reply {
	row := []Reply{
		{Type: TypeInteger, Int: int64(start)},
		{Type: TypeInteger, Int: int64(end)},
		{Type: TypeArray, Elems: []Reply{{Str: []byte(primary.Host)}, {Int: int64(primary.Port)}}},
	}
	for _, r := range replicas {
		row = append(row, Reply{Type: TypeArray, Elems: []Reply{{Str: []byte(r.Host)}, {Int: int64(r.Port)}}})
	}
	return Reply{Type: TypeArray, Elems: []Reply{{Type: TypeArray, Elems: row}}}
}

func TestParseClusterSlotsAssignsRange(t *testing.T) {
	topo := newTestTopology(t)
	primary := Address{Host: "10.0.0.1", Port: 7000}
	replica := Address{Host: "10.0.0.2", Port: 7001}
	reply := clusterSlotsReply(0, 5, primary, replica)

	m, err := topo.parseClusterSlots(reply)
	require.NoError(t, err)
	for s := 0; s <= 5; s++ {
		require.NotNil(t, m.slots[s].primary)
		assert.Equal(t, primary, m.slots[s].primary.addr)
		require.Len(t, m.slots[s].replicas, 1)
		assert.Equal(t, replica, m.slots[s].replicas[0].addr)
	}
	assert.Nil(t, m.slots[6].primary)
}

func mapReply(pairs map[string]Reply) Reply {
	var ps []Pair
	for k, v := range pairs {
		ps = append(ps, Pair{Key: Reply{Str: []byte(k)}, Value: v})
	}
	return Reply{Type: TypeMap, Pairs: ps}
}

func TestParseClusterShardsFromMapShape(t *testing.T) {
	topo := newTestTopology(t)
	nodeRow := mapReply(map[string]Reply{
		"ip":   {Str: []byte("10.0.0.5")},
		"port": {Int: 7005},
		"role": {Str: []byte("master")},
	})
	shard := mapReply(map[string]Reply{
		"slots": {Type: TypeArray, Elems: []Reply{{Int: 0}, {Int: 100}}},
		"nodes": {Type: TypeArray, Elems: []Reply{nodeRow}},
	})
	reply := Reply{Type: TypeArray, Elems: []Reply{shard}}

	m, err := topo.parseClusterShards(reply)
	require.NoError(t, err)
	require.NotNil(t, m.slots[50].primary)
	assert.Equal(t, "10.0.0.5", m.slots[50].primary.addr.Host)
}

func TestParseClusterShardsFromFlatArrayShape(t *testing.T) {
	topo := newTestTopology(t)
	nodeRow := Reply{Type: TypeArray, Elems: []Reply{
		{Str: []byte("ip")}, {Str: []byte("10.0.0.9")},
		{Str: []byte("port")}, {Int: 7009},
		{Str: []byte("role")}, {Str: []byte("master")},
	}}
	shard := Reply{Type: TypeArray, Elems: []Reply{
		{Str: []byte("slots")}, {Type: TypeArray, Elems: []Reply{{Int: 200}, {Int: 300}}},
		{Str: []byte("nodes")}, {Type: TypeArray, Elems: []Reply{nodeRow}},
	}}
	reply := Reply{Type: TypeArray, Elems: []Reply{shard}}

	m, err := topo.parseClusterShards(reply)
	require.NoError(t, err)
	require.NotNil(t, m.slots[250].primary)
	assert.Equal(t, "10.0.0.9", m.slots[250].primary.addr.Host)
}

func TestNodeForAddressCreatesOnce(t *testing.T) {
	topo := newTestTopology(t)
	addr := Address{Host: "10.1.1.1", Port: 6380}
	n1 := topo.NodeForAddress(addr)
	n2 := topo.NodeForAddress(addr)
	assert.Same(t, n1, n2, "repeat lookups of the same address must return the same node")
}

func TestApplyMovedInstallsNewPrimaryForSlot(t *testing.T) {
	topo := newTestTopology(t)
	before := topo.Snapshot().epoch

	addr := Address{Host: "10.2.2.2", Port: 7100}
	node := topo.ApplyMoved(context.Background(), 42, addr)

	snap := topo.Snapshot()
	assert.Equal(t, node, snap.slots[42].primary)
	assert.Equal(t, addr, snap.slots[42].primary.addr)
	assert.Greater(t, snap.epoch, before)
}

func TestApplyMovedDoesNotDisturbOtherSlots(t *testing.T) {
	topo := newTestTopology(t)
	untouchedBefore := topo.Snapshot().slots[1000]
	topo.ApplyMoved(context.Background(), 42, Address{Host: "x", Port: 1})
	untouchedAfter := topo.Snapshot().slots[1000]
	assert.Equal(t, untouchedBefore, untouchedAfter)
}

func TestRecordMovedTriggersRefreshAtThreshold(t *testing.T) {
	cfg := defaultConfig()
	cfg.addresses = []Address{{Host: "127.0.0.1", Port: 1}}
	cfg.movedRefreshThreshold = 2
	cfg.movedRefreshWindow = time.Minute
	cfg.connectTimeout = 200 * time.Millisecond
	topo := newTopology(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	topo.recordMoved(ctx)
	topo.recordMoved(ctx)

	// The triggered refresh runs in its own goroutine and will fail fast
	// (nothing listens on the seed address); just make sure recordMoved
	// itself returns promptly and the counter reset.
	topo.movedMu.Lock()
	count := topo.movedCount
	topo.movedMu.Unlock()
	assert.Equal(t, 0, count)
}
