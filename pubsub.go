package vkclient

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// PubSubMessage is one delivered message, unified across the three
// publish shapes a Push frame can carry.
type PubSubMessage struct {
	Kind    string // "message", "pmessage", or "smessage"
	Channel string
	Pattern string // set only for Kind == "pmessage"
	Payload []byte
}

type subKind int

const (
	subExact subKind = iota
	subPattern
	subShard
)

// subscribeBatch is one SUBSCRIBE/PSUBSCRIBE/SSUBSCRIBE command together
// with the number of per-channel acknowledgement frames the server will
// push back, so the handshake can drain exactly that many before moving on.
type subscribeBatch struct {
	args [][]byte
	acks int
}

// subscriptionState is the desired subscription set: the source of truth
// reapplied verbatim on every reconnect, and mutated by runtime
// Subscribe/Unsubscribe calls.
type subscriptionState struct {
	mu      sync.Mutex
	exact   map[string]struct{}
	pattern map[string]struct{}
	shard   map[string]struct{}
}

func newSubscriptionState(s *PubSubSubscriptions) *subscriptionState {
	st := &subscriptionState{
		exact:   make(map[string]struct{}),
		pattern: make(map[string]struct{}),
		shard:   make(map[string]struct{}),
	}
	if s != nil {
		for _, c := range s.ExactChannels {
			st.exact[c] = struct{}{}
		}
		for _, c := range s.PatternChannels {
			st.pattern[c] = struct{}{}
		}
		for _, c := range s.ShardChannels {
			st.shard[c] = struct{}{}
		}
	}
	return st
}

func (s *subscriptionState) hasAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exact) > 0 || len(s.pattern) > 0 || len(s.shard) > 0
}

func (s *subscriptionState) setFor(kind subKind) map[string]struct{} {
	switch kind {
	case subPattern:
		return s.pattern
	case subShard:
		return s.shard
	default:
		return s.exact
	}
}

func (s *subscriptionState) add(kind subKind, channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.setFor(kind)
	for _, c := range channels {
		m[c] = struct{}{}
	}
}

func (s *subscriptionState) remove(kind subKind, channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.setFor(kind)
	for _, c := range channels {
		delete(m, c)
	}
}

// resubscribeCommands builds the batch of SUBSCRIBE/PSUBSCRIBE/SSUBSCRIBE
// commands needed to bring a fresh connection to the current desired
// state, in a stable order (exact, pattern, shard).
func (s *subscriptionState) resubscribeCommands() []subscribeBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []subscribeBatch
	if n := len(s.exact); n > 0 {
		args := [][]byte{[]byte("SUBSCRIBE")}
		for c := range s.exact {
			args = append(args, []byte(c))
		}
		out = append(out, subscribeBatch{args: args, acks: n})
	}
	if n := len(s.pattern); n > 0 {
		args := [][]byte{[]byte("PSUBSCRIBE")}
		for c := range s.pattern {
			args = append(args, []byte(c))
		}
		out = append(out, subscribeBatch{args: args, acks: n})
	}
	if n := len(s.shard); n > 0 {
		args := [][]byte{[]byte("SSUBSCRIBE")}
		for c := range s.shard {
			args = append(args, []byte(c))
		}
		out = append(out, subscribeBatch{args: args, acks: n})
	}
	return out
}

// pubsubDispatcher delivers Push-typed replies either synchronously to a
// user callback (from the connection's read loop) or into a bounded pull
// queue. There is no replay across reconnects: a gap in delivery during a
// reconnect is silent, matching the server's own at-most-once pub/sub
// semantics.
type pubsubDispatcher struct {
	mu       sync.Mutex
	q        *queue.Queue
	maxDepth int
	notify   chan struct{}

	callback func(ctx context.Context, msg PubSubMessage)
	cbCtx    context.Context

	closed  bool
	closeCh chan struct{}

	logger  Logger
	metrics Metrics
}

func newPubSubDispatcher(cfg *Config) *pubsubDispatcher {
	d := &pubsubDispatcher{
		q:        queue.New(),
		maxDepth: cfg.pubsubQueueDepth,
		notify:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		logger:   cfg.logger,
		metrics:  cfg.metrics,
	}
	if cfg.pubsub != nil && cfg.pubsub.Callback != nil {
		d.callback = cfg.pubsub.Callback
		d.cbCtx = cfg.pubsub.Context
		if d.cbCtx == nil {
			d.cbCtx = cfg.ctx
		}
	}
	return d
}

// handlePush is called from a Connection's read loop for every Push-typed
// reply. Subscribe/unsubscribe acknowledgements are not messages and are
// dropped here; the handshake drains them directly off the wire instead.
func (d *pubsubDispatcher) handlePush(reply Reply) {
	msg, ok := parsePushMessage(reply)
	if !ok {
		return
	}
	if d.callback != nil {
		d.callback(d.cbCtx, msg)
		if d.metrics != nil {
			d.metrics.IncrementPubSubDelivered()
		}
		return
	}

	d.mu.Lock()
	if d.q.Length() >= d.maxDepth {
		d.q.Remove()
		if d.metrics != nil {
			d.metrics.IncrementPubSubDropped()
		}
		d.logger.Warnf("pubsub pull queue at capacity (%d), dropping oldest message", d.maxDepth)
	}
	d.q.Add(msg)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.IncrementPubSubDelivered()
	}
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func parsePushMessage(reply Reply) (PubSubMessage, bool) {
	switch reply.PushKind {
	case "message":
		if len(reply.Elems) < 3 {
			return PubSubMessage{}, false
		}
		return PubSubMessage{Kind: "message", Channel: string(reply.Elems[1].Str), Payload: reply.Elems[2].Str}, true
	case "pmessage":
		if len(reply.Elems) < 4 {
			return PubSubMessage{}, false
		}
		return PubSubMessage{
			Kind:    "pmessage",
			Pattern: string(reply.Elems[1].Str),
			Channel: string(reply.Elems[2].Str),
			Payload: reply.Elems[3].Str,
		}, true
	case "smessage":
		if len(reply.Elems) < 3 {
			return PubSubMessage{}, false
		}
		return PubSubMessage{Kind: "smessage", Channel: string(reply.Elems[1].Str), Payload: reply.Elems[2].Str}, true
	default:
		return PubSubMessage{}, false
	}
}

// Poll returns the oldest queued message without blocking. It always
// returns false in callback mode: there is no queue to poll.
func (d *pubsubDispatcher) Poll() (PubSubMessage, bool) {
	if d.callback != nil {
		return PubSubMessage{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.q.Length() == 0 {
		return PubSubMessage{}, false
	}
	return d.q.Remove().(PubSubMessage), true
}

// Pull blocks until a message is available, the dispatcher is closed, or
// ctx is done.
func (d *pubsubDispatcher) Pull(ctx context.Context) (PubSubMessage, error) {
	if d.callback != nil {
		return PubSubMessage{}, ErrPullNotUsable
	}
	for {
		d.mu.Lock()
		if d.q.Length() > 0 {
			msg := d.q.Remove().(PubSubMessage)
			d.mu.Unlock()
			return msg, nil
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-d.closeCh:
			return PubSubMessage{}, ErrClosing
		case <-ctx.Done():
			return PubSubMessage{}, ctx.Err()
		}
	}
}

func (d *pubsubDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.closeCh)
	}
}
