package vkclient

import (
	"context"
	"strconv"
)

// Client is the public operation surface: it encodes typed calls into
// command frames, attaches routing hints from the catalog, and submits
// through the Router. Construction selects between standaloneRouter and
// clusterRouter based on Config.clusterMode.
type Client struct {
	cfg    *Config
	router Router
	subs   *subscriptionState
	pubsub *pubsubDispatcher
}

// NewClient validates opts, dials (or bootstraps a cluster topology from)
// the configured addresses, and returns a ready-to-use Client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	subs := newSubscriptionState(cfg.pubsub)
	ps := newPubSubDispatcher(cfg)

	var router Router
	var err error
	if cfg.clusterMode {
		router, err = newClusterRouter(cfg, ps)
	} else {
		router, err = newStandaloneRouter(cfg, subs, ps)
	}
	if err != nil {
		cfg.cancel()
		return nil, err
	}

	return &Client{cfg: cfg, router: router, subs: subs, pubsub: ps}, nil
}

// Close tears down every connection the client holds and stops the
// pub/sub dispatcher. In-flight submissions are rejected with a closing
// error. A submission made after Close fails with a connection error, not a
// closing error.
func (c *Client) Close() error {
	c.pubsub.Close()
	c.cfg.cancel()
	return c.router.Close()
}

// do is the shared submission path every typed operation funnels through:
// Facade -> Router -> Connection -> Inflight Table -> Codec.
func (c *Client) do(ctx context.Context, args [][]byte) (Reply, error) {
	reply, err := c.router.Route(ctx, args, c.cfg.requestTimeout, c.cfg.decoder, routeHint{})
	if err != nil {
		return Reply{}, err
	}
	if reply.Type == TypeError {
		return reply, &Error{Kind: reply.ErrKind, Message: string(reply.Str)}
	}
	return reply, nil
}

func bstr(s string) []byte { return []byte(s) }

func itoa(n int64) []byte { return []byte(strconv.FormatInt(n, 10)) }

// Get returns the value of key, or (nil, false) if it does not exist. A
// missing key is reported as a typed null, not an empty string.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := c.do(ctx, [][]byte{bstr("GET"), bstr(key)})
	if err != nil {
		return nil, false, err
	}
	if reply.IsNil {
		return nil, false, nil
	}
	return reply.Str, true, nil
}

// Set sets key to value, returning the server's status reply ("OK").
func (c *Client) Set(ctx context.Context, key string, value []byte) (string, error) {
	reply, err := c.do(ctx, [][]byte{bstr("SET"), bstr(key), value})
	if err != nil {
		return "", err
	}
	return string(reply.Str), nil
}

// Del deletes one or more keys, returning the count removed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	args := [][]byte{bstr("DEL")}
	for _, k := range keys {
		args = append(args, bstr(k))
	}
	reply, err := c.do(ctx, args)
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// Incr increments key by one, returning the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	reply, err := c.do(ctx, [][]byte{bstr("INCR"), bstr(key)})
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// HSet sets a single hash field.
func (c *Client) HSet(ctx context.Context, key, field string, value []byte) (int64, error) {
	reply, err := c.do(ctx, [][]byte{bstr("HSET"), bstr(key), bstr(field), value})
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// HGet returns a single hash field.
func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	reply, err := c.do(ctx, [][]byte{bstr("HGET"), bstr(key), bstr(field)})
	if err != nil {
		return nil, false, err
	}
	if reply.IsNil {
		return nil, false, nil
	}
	return reply.Str, true, nil
}

// HDel removes a hash field.
func (c *Client) HDel(ctx context.Context, key, field string) (int64, error) {
	reply, err := c.do(ctx, [][]byte{bstr("HDEL"), bstr(key), bstr(field)})
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// HExists reports whether a hash field exists.
func (c *Client) HExists(ctx context.Context, key, field string) (bool, error) {
	reply, err := c.do(ctx, [][]byte{bstr("HEXISTS"), bstr(key), bstr(field)})
	if err != nil {
		return false, err
	}
	return reply.Int == 1, nil
}

// ZAdd adds one member/score pair to a sorted set. NX/XX/GT/LT/CH flags
// are passed through verbatim in flags (e.g. "NX", "CH").
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string, flags ...string) (int64, error) {
	args := [][]byte{bstr("ZADD"), bstr(key)}
	for _, f := range flags {
		args = append(args, bstr(f))
	}
	args = append(args, bstr(strconv.FormatFloat(score, 'g', -1, 64)), bstr(member))
	reply, err := c.do(ctx, args)
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// ZScore returns a sorted-set member's score.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	reply, err := c.do(ctx, [][]byte{bstr("ZSCORE"), bstr(key), bstr(member)})
	if err != nil {
		return 0, false, err
	}
	if reply.IsNil {
		return 0, false, nil
	}
	f, perr := strconv.ParseFloat(string(reply.Str), 64)
	if perr != nil {
		return 0, false, wrapError(KindRequest, "malformed score reply", perr)
	}
	return f, true, nil
}

// ZRange returns a range of a sorted set's members.
func (c *Client) ZRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	reply, err := c.do(ctx, [][]byte{bstr("ZRANGE"), bstr(key), itoa(start), itoa(stop)})
	if err != nil {
		return nil, err
	}
	return elemsToBytes(reply), nil
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := [][]byte{bstr("SADD"), bstr(key)}
	for _, m := range members {
		args = append(args, bstr(m))
	}
	reply, err := c.do(ctx, args)
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// SMembers returns the members of a set. The reply is canonicalized to
// TypeSet per the catalog's set-conversion flag.
func (c *Client) SMembers(ctx context.Context, key string) ([][]byte, error) {
	reply, err := c.do(ctx, [][]byte{bstr("SMEMBERS"), bstr(key)})
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeArray {
		reply = toSetReply(reply)
	}
	return elemsToBytes(reply), nil
}

// LRange returns a range of a list. Start > end yields an empty list, not
// nil.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	reply, err := c.do(ctx, [][]byte{bstr("LRANGE"), bstr(key), itoa(start), itoa(stop)})
	if err != nil {
		return nil, err
	}
	return elemsToBytes(reply), nil
}

// Dump returns the serialized representation of key, or nil if it does
// not exist.
func (c *Client) Dump(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := c.do(ctx, [][]byte{bstr("DUMP"), bstr(key)})
	if err != nil {
		return nil, false, err
	}
	if reply.IsNil {
		return nil, false, nil
	}
	return reply.Str, true, nil
}

// Restore creates key from a DUMP payload with the given TTL in
// milliseconds (0 = no expiry).
func (c *Client) Restore(ctx context.Context, key string, ttlMillis int64, payload []byte) error {
	_, err := c.do(ctx, [][]byte{bstr("RESTORE"), bstr(key), itoa(ttlMillis), payload})
	return err
}

func elemsToBytes(r Reply) [][]byte {
	out := make([][]byte, 0, len(r.Elems))
	for _, e := range r.Elems {
		out = append(out, e.Str)
	}
	return out
}

// Ping sends a PING and returns the server's reply text. The Connection's
// heartbeat (conn.go) submits its own PING and does not go through Ping.
func (c *Client) Ping(ctx context.Context) (string, error) {
	reply, err := c.do(ctx, [][]byte{bstr("PING")})
	if err != nil {
		return "", err
	}
	return string(reply.Str), nil
}

// NewPipeline starts a non-atomic batch builder.
func (c *Client) NewPipeline() *Batch { return newBatch(false, c.cfg.clusterMode) }

// NewAtomic starts an atomic MULTI/EXEC batch builder.
func (c *Client) NewAtomic() *Batch { return newBatch(true, c.cfg.clusterMode) }

// Execute runs a Batch built from NewPipeline or NewAtomic.
func (c *Client) Execute(ctx context.Context, b *Batch) (BatchResult, error) {
	return execute(ctx, c.router, b, c.cfg.requestTimeout)
}

// Pull blocks for the next pub/sub message.
func (c *Client) Pull(ctx context.Context) (PubSubMessage, error) {
	if c.cfg.pubsub == nil && !c.subs.hasAny() {
		return PubSubMessage{}, ErrNoPubSub
	}
	return c.pubsub.Pull(ctx)
}

// Poll returns the next queued pub/sub message without blocking.
func (c *Client) Poll() (PubSubMessage, bool) { return c.pubsub.Poll() }

// Subscribe adds exact-match channel subscriptions, applied immediately
// and replayed on every future reconnect. Updates between calls require an
// explicit subscribe call; there is no implicit resubscribe from reading a
// message.
func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	return c.subscribe(ctx, subExact, "SUBSCRIBE", channels)
}

// PSubscribe adds pattern subscriptions.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) error {
	return c.subscribe(ctx, subPattern, "PSUBSCRIBE", patterns)
}

// SSubscribe adds shard-channel subscriptions (cluster mode only).
func (c *Client) SSubscribe(ctx context.Context, channels ...string) error {
	return c.subscribe(ctx, subShard, "SSUBSCRIBE", channels)
}

// Unsubscribe removes exact-match channel subscriptions.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	return c.unsubscribe(ctx, subExact, "UNSUBSCRIBE", channels)
}

// PUnsubscribe removes pattern subscriptions.
func (c *Client) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return c.unsubscribe(ctx, subPattern, "PUNSUBSCRIBE", patterns)
}

// SUnsubscribe removes shard-channel subscriptions.
func (c *Client) SUnsubscribe(ctx context.Context, channels ...string) error {
	return c.unsubscribe(ctx, subShard, "SUNSUBSCRIBE", channels)
}

func (c *Client) subscribe(ctx context.Context, kind subKind, verb string, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	conn, st, err := c.pubsubTarget(ctx, kind, channels)
	if err != nil {
		return err
	}
	st.add(kind, channels...)
	return conn.SendCommand(subscribeArgs(verb, channels))
}

func (c *Client) unsubscribe(ctx context.Context, kind subKind, verb string, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	conn, st, err := c.pubsubTarget(ctx, kind, channels)
	if err != nil {
		return err
	}
	st.remove(kind, channels...)
	return conn.SendCommand(subscribeArgs(verb, channels))
}

func subscribeArgs(verb string, channels []string) [][]byte {
	args := make([][]byte, 0, len(channels)+1)
	args = append(args, bstr(verb))
	for _, ch := range channels {
		args = append(args, bstr(ch))
	}
	return args
}

// pubsubTarget resolves which Connection and subscriptionState own a
// subscribe/unsubscribe call: the sole connection in standalone mode, or
// the shard-owning node (shard channels) / a designated primary
// (exact/pattern channels) in cluster mode, mirroring cluster.go's
// wirePubSub partitioning.
func (c *Client) pubsubTarget(ctx context.Context, kind subKind, channels []string) (*Connection, *subscriptionState, error) {
	switch r := c.router.(type) {
	case *standaloneRouter:
		return r.conn, c.subs, nil
	case *clusterRouter:
		snap := r.topology.Snapshot()
		var node *clusterNode
		var err error
		if kind == subShard {
			node, err = r.nodeForSlot(snap, slotForKey(bstr(channels[0])), false)
		} else {
			node, err = r.randomPrimary(snap)
		}
		if err != nil {
			return nil, nil, err
		}
		conn, err := r.connectionFor(ctx, node)
		if err != nil {
			return nil, nil, err
		}
		return conn, node.subs, nil
	default:
		return nil, nil, newConfigError("unknown router implementation")
	}
}
