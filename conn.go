package vkclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// connState tracks a Connection's lifecycle: dialing, ready to serve
// requests, probing after a failure, or permanently closed.
type connState int32

const (
	stateDialing connState = iota
	stateReady
	stateProbing
	stateClosed
)

// connEventKind is the unidirectional notification a Connection raises to
// whatever owns it (Router/Topology) over an event channel, avoiding a
// direct back-reference from Connection to its owner.
type connEventKind int

const (
	eventQuarantine connEventKind = iota
	eventRecovered
)

type connEvent struct {
	kind connEventKind
	addr Address
	err  error
}

// connBufs groups the scratch buffers a Connection needs, recycled through
// a sync.Pool.
type connBufs struct {
	write bytes.Buffer
	read  [32 * 1024]byte
}

var connBufPool = sync.Pool{
	New: func() any { return &connBufs{} },
}

// Connection owns one duplex socket to one server node: handshake, read
// loop, write buffer, heartbeat. Lock
// discipline: fmu guards flush serialization and is acquired before wmu,
// never the reverse. The closed channel signals shutdown; lastActive feeds
// keepAlive, while peerLastSeen is recorded but not read. Close is
// sync.Once-guarded and the scratch buffer comes from a sync.Pool.
type Connection struct {
	addr Address
	cfg  *Config

	state atomic.Int32

	netConnMu sync.RWMutex
	netConn   net.Conn

	bufs *connBufs
	// wmu guards bufs.write. Acquired briefly inside flush() to drain the
	// buffer, then released before the socket Write call.
	wmu sync.Mutex
	// fmu serializes flush() calls so only one goroutine drains the write
	// buffer to the socket at a time. Lock order: fmu -> wmu, never reverse.
	fmu sync.Mutex

	inflight *inflightTable
	pubsub   *pubsubDispatcher

	subs *subscriptionState

	lastActive   atomic.Int64
	peerLastSeen atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	events chan connEvent

	bo *backoff

	logger  Logger
	metrics Metrics

	id string // suffix of the default CLIENT SETNAME name
}

func newConnection(addr Address, cfg *Config, subs *subscriptionState, ps *pubsubDispatcher) *Connection {
	c := &Connection{
		addr:    addr,
		cfg:     cfg,
		inflight: newInflightTable(cfg.metrics),
		pubsub:  ps,
		subs:    subs,
		closed:  make(chan struct{}),
		events:  make(chan connEvent, 8),
		bo:      newBackoff(cfg.reconnectFast, cfg.reconnectSteady),
		logger:  withFields(cfg.logger, map[string]any{"node": net.JoinHostPort(addr.Host, fmt.Sprint(addr.Port))}),
		metrics: cfg.metrics,
		id:      uuid.NewString()[:8],
	}
	c.state.Store(int32(stateDialing))
	return c
}

// Dial performs the initial blocking connect + handshake. A never-connected
// Connection does not accept submissions; callers that dial it should treat
// a failure here as fatal for construction, while later reconnects run in
// the background and retry/fail fast per policy.
func (c *Connection) Dial(ctx context.Context) error {
	nc, err := c.dialAndHandshake(ctx)
	if err != nil {
		c.state.Store(int32(stateProbing))
		return err
	}
	c.adopt(nc)
	go c.readLoop(nc)
	go c.keepAliveLoop()
	return nil
}

func (c *Connection) adopt(nc net.Conn) {
	c.netConnMu.Lock()
	c.netConn = nc
	c.netConnMu.Unlock()
	c.wmu.Lock()
	c.bufs = connBufPool.Get().(*connBufs)
	c.wmu.Unlock()
	now := time.Now().UnixNano()
	c.lastActive.Store(now)
	c.peerLastSeen.Store(now)
	c.state.Store(int32(stateReady))
	c.bo.Reset()
}

func (c *Connection) dialAndHandshake(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	target, err := parseAddress(c.addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, wrapError(KindConnection, "dial "+target, err)
	}
	setNoDelay(nc)

	if c.cfg.useTLS {
		tc := tls.Client(nc, &tls.Config{ServerName: c.addr.Host})
		if err := tc.HandshakeContext(dialCtx); err != nil {
			nc.Close()
			return nil, wrapError(KindConnection, "tls handshake", err)
		}
		nc = tc
	}

	if err := c.handshake(dialCtx, nc); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

// handshake runs the connection setup sequence: protocol negotiation
// (HELLO 3, falling back to RESP2 + AUTH), CLIENT SETNAME, and replaying
// any pub/sub subscriptions. It uses a private synchronous request/response
// helper because the inflight table and read loop are not running yet.
func (c *Connection) handshake(ctx context.Context, nc net.Conn) error {
	hs := &handshaker{conn: nc, dec: newDecoder()}

	resp3 := c.cfg.protocol == RESP3
	if resp3 {
		args := [][]byte{[]byte("HELLO"), []byte("3")}
		if c.cfg.credentials != nil {
			args = append(args, []byte("AUTH"), []byte(c.cfg.credentials.Username), []byte(c.cfg.credentials.Password))
		}
		reply, err := hs.roundTrip(ctx, args)
		if err != nil || reply.Type == TypeError {
			// Pre-RESP3 server (or any HELLO failure): fall back to RESP2.
			if c.subs != nil && c.subs.hasAny() {
				return newError(KindConfiguration, "pubsub-subscriptions require a RESP3-capable server")
			}
			resp3 = false
			if c.cfg.credentials != nil {
				authArgs := [][]byte{[]byte("AUTH"), []byte(c.cfg.credentials.Username), []byte(c.cfg.credentials.Password)}
				if _, err := hs.roundTrip(ctx, authArgs); err != nil {
					return wrapError(KindConnection, "auth", err)
				}
			}
		}
	} else if c.cfg.credentials != nil {
		authArgs := [][]byte{[]byte("AUTH"), []byte(c.cfg.credentials.Username), []byte(c.cfg.credentials.Password)}
		if _, err := hs.roundTrip(ctx, authArgs); err != nil {
			return wrapError(KindConnection, "auth", err)
		}
	}

	name := c.cfg.clientName
	if name == "" {
		name = "vkclient-" + c.id
	}
	if _, err := hs.roundTrip(ctx, [][]byte{[]byte("CLIENT"), []byte("SETNAME"), []byte(name)}); err != nil {
		c.logger.Warnf("CLIENT SETNAME failed: %v", err)
	}

	if c.subs != nil {
		for _, b := range c.subs.resubscribeCommands() {
			if err := hs.sendAndDrain(ctx, b.args, b.acks); err != nil {
				return wrapError(KindConnection, "resubscribe", err)
			}
		}
	}
	return nil
}

// handshaker performs request/response round trips directly against a raw
// net.Conn before the Connection's own read loop and inflight table exist.
type handshaker struct {
	conn net.Conn
	dec  *decoder
}

func (h *handshaker) roundTrip(ctx context.Context, args [][]byte) (Reply, error) {
	var buf bytes.Buffer
	buildCommand(&buf, args)
	if dl, ok := ctx.Deadline(); ok {
		h.conn.SetDeadline(dl)
		defer h.conn.SetDeadline(time.Time{})
	}
	if _, err := h.conn.Write(buf.Bytes()); err != nil {
		return Reply{}, err
	}
	tmp := make([]byte, 4096)
	for {
		if reply, ok, err := h.dec.Next(); err != nil {
			return Reply{}, err
		} else if ok {
			return reply, nil
		}
		n, err := h.conn.Read(tmp)
		if n > 0 {
			h.dec.Feed(tmp[:n])
		}
		if err != nil {
			return Reply{}, err
		}
	}
}

// sendAndDrain writes one command and discards exactly acks subsequent
// frames, used for SUBSCRIBE-family commands during handshake whose
// per-channel acknowledgements arrive as Push frames in RESP3 rather than
// as a single reply.
func (h *handshaker) sendAndDrain(ctx context.Context, args [][]byte, acks int) error {
	var buf bytes.Buffer
	buildCommand(&buf, args)
	if dl, ok := ctx.Deadline(); ok {
		h.conn.SetDeadline(dl)
		defer h.conn.SetDeadline(time.Time{})
	}
	if _, err := h.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	tmp := make([]byte, 4096)
	remaining := acks
	if remaining == 0 {
		remaining = 1
	}
	for remaining > 0 {
		reply, ok, err := h.dec.Next()
		if err != nil {
			return err
		}
		if !ok {
			n, err := h.conn.Read(tmp)
			if n > 0 {
				h.dec.Feed(tmp[:n])
			}
			if err != nil {
				return err
			}
			continue
		}
		if reply.Type == TypeError {
			return newError(serverErrorKind(string(reply.Str)), string(reply.Str))
		}
		remaining--
	}
	return nil
}

// SendCommand writes one command without allocating an inflight entry,
// used for SUBSCRIBE-family commands issued after the handshake: their
// acknowledgement arrives as a Push frame routed to the pub/sub
// dispatcher, not as a correlated reply, so queuing an inflight entry for
// them would desync the FIFO pipelining invariant.
func (c *Connection) SendCommand(args [][]byte) error {
	if connState(c.state.Load()) != stateReady {
		return ErrConnection
	}
	c.wmu.Lock()
	buildCommand(&c.bufs.write, args)
	c.wmu.Unlock()
	return c.flush()
}

// Submit encodes and writes one command, returning the inflight entry the
// caller awaits on entry.done. It fails fast with a connection error if the
// connection is not ready.
func (c *Connection) Submit(args [][]byte, timeout time.Duration, dec Decoder, postTransform bool, route routeHint) (*inflightEntry, error) {
	if connState(c.state.Load()) != stateReady {
		return nil, ErrConnection
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	// The inflight queue position must match write order exactly (the
	// FIFO pipelining invariant), so the entry is allocated and its bytes
	// written to the buffer under the same wmu critical section — never
	// allocate the entry, release the lock, and write later, or two
	// concurrent Submits can interleave out of order.
	c.wmu.Lock()
	entry := c.inflight.Submit(deadline, dec, postTransform, route)
	buildCommand(&c.bufs.write, args)
	c.wmu.Unlock()

	if err := c.flush(); err != nil {
		c.inflight.Cancel(entry)
		return nil, err
	}
	return entry, nil
}

// SubmitRaw writes a preformatted sequence of commands as one contiguous
// write (used by the batch engine for MULTI/EXEC) and
// returns one inflight entry per command, in order.
func (c *Connection) SubmitRaw(cmds [][][]byte, timeout time.Duration, decs []Decoder, postTransforms []bool) ([]*inflightEntry, error) {
	if connState(c.state.Load()) != stateReady {
		return nil, ErrConnection
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	entries := make([]*inflightEntry, len(cmds))

	c.wmu.Lock()
	for i, args := range cmds {
		dec := DecodeBytes
		if decs != nil {
			dec = decs[i]
		}
		post := false
		if postTransforms != nil {
			post = postTransforms[i]
		}
		entries[i] = c.inflight.Submit(deadline, dec, post, routeHint{})
		buildCommand(&c.bufs.write, args)
	}
	c.wmu.Unlock()

	if err := c.flush(); err != nil {
		for _, e := range entries {
			c.inflight.Cancel(e)
		}
		return nil, err
	}
	return entries, nil
}

// flush drains the write buffer to the socket in one shot when possible —
// no per-frame flush, coalescing whatever frames accumulated while a
// previous flush was in flight. fmu serializes flush calls; wmu only guards
// the brief buffer swap.
func (c *Connection) flush() error {
	c.fmu.Lock()
	defer c.fmu.Unlock()

	c.wmu.Lock()
	if c.bufs == nil || c.bufs.write.Len() == 0 {
		c.wmu.Unlock()
		return nil
	}
	pending := make([]byte, c.bufs.write.Len())
	copy(pending, c.bufs.write.Bytes())
	c.bufs.write.Reset()
	c.wmu.Unlock()

	c.netConnMu.RLock()
	nc := c.netConn
	c.netConnMu.RUnlock()
	if nc == nil {
		return ErrConnection
	}

	n, err := nc.Write(pending)
	if err != nil {
		c.fail(wrapError(KindConnection, "write", err))
		return ErrConnection
	}
	c.lastActive.Store(time.Now().UnixNano())
	if c.metrics != nil {
		c.metrics.IncrementBytesSent(int64(n))
	}
	return nil
}

// readLoop continuously drains the socket, feeding bytes to the codec
// until a frame is produced, then routes it to the pub/sub dispatcher
// (Push) or pops the oldest inflight entry.
func (c *Connection) readLoop(nc net.Conn) {
	dec := newDecoder()
	buf := make([]byte, 64*1024)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			c.peerLastSeen.Store(time.Now().UnixNano())
			if c.metrics != nil {
				c.metrics.IncrementBytesReceived(int64(n))
			}
			for {
				reply, ok, derr := dec.Next()
				if derr != nil {
					c.fail(derr)
					return
				}
				if !ok {
					break
				}
				c.dispatch(reply)
			}
		}
		if err != nil {
			if err == io.EOF {
				c.fail(wrapError(KindConnection, "connection closed by peer", err))
			} else {
				c.fail(wrapError(KindConnection, "read", err))
			}
			return
		}
	}
}

func (c *Connection) dispatch(reply Reply) {
	if reply.Type == TypePush {
		if c.pubsub != nil {
			c.pubsub.handlePush(reply)
		}
		return
	}
	if reply.Type == TypeAttribute {
		// The decoder has no case for the '|' attribute prefix: an
		// attribute frame fails decoding as an unknown type, so no reply
		// of this type reaches here and no special handling is applied.
	}
	if c.metrics != nil {
		c.metrics.IncrementRepliesReceived()
	}
	if !c.inflight.DeliverNext(reply) {
		c.fail(protoErr("reply received with no matching inflight request"))
	}
}

// keepAliveLoop sends PING when the connection has been idle beyond the
// configured interval.
func (c *Connection) keepAliveLoop() {
	if c.cfg.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if connState(c.state.Load()) != stateReady {
				continue
			}
			idle := time.Since(time.Unix(0, c.lastActive.Load()))
			if idle < c.cfg.pingInterval {
				continue
			}
			entry, err := c.Submit([][]byte{[]byte("PING")}, c.cfg.requestTimeout, DecodeBytes, false, routeHint{})
			if err != nil {
				continue
			}
			go func() {
				select {
				case res := <-entry.done:
					if res.err != nil {
						c.fail(wrapError(KindConnection, "heartbeat failed", res.err))
					}
				case <-c.closed:
				}
			}()
		}
	}
}

// fail handles read error, write error, unexpected EOF, or a fatal codec
// error: it fails all pending inflight entries, marks the connection
// Probing, and notifies the owner to quarantine the node while a
// background reconnect loop retries with exponential backoff.
func (c *Connection) fail(err error) {
	old := connState(c.state.Load())
	if old == stateClosed || old == stateProbing {
		return
	}
	c.state.Store(int32(stateProbing))
	c.logger.Warnf("connection failed: %v", err)

	c.netConnMu.Lock()
	if c.netConn != nil {
		c.netConn.Close()
		c.netConn = nil
	}
	c.netConnMu.Unlock()

	c.inflight.FailAll(wrapError(KindConnection, "connection lost", err))

	c.wmu.Lock()
	if c.bufs != nil {
		connBufPool.Put(c.bufs)
		c.bufs = nil
	}
	c.wmu.Unlock()

	select {
	case c.events <- connEvent{kind: eventQuarantine, addr: c.addr, err: err}:
	default:
	}

	select {
	case <-c.closed:
		return
	default:
	}
	go c.reconnectLoop()
}

// reconnectLoop retries dial+handshake with exponential backoff until it
// succeeds or the connection is closed.
func (c *Connection) reconnectLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(c.bo.Next()):
		}
		if c.metrics != nil {
			c.metrics.IncrementReconnects()
		}
		nc, err := c.dialAndHandshake(c.cfg.ctx)
		if err != nil {
			c.logger.Debugf("reconnect attempt failed: %v", err)
			continue
		}
		c.adopt(nc)
		select {
		case c.events <- connEvent{kind: eventRecovered, addr: c.addr}:
		default:
		}
		go c.readLoop(nc)
		go c.keepAliveLoop()
		return
	}
}

// Close tears down the connection: all in-flight submissions are rejected
// with a closing error. Submit and SubmitRaw after Close return a
// connection error, not a closing error.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.closed)
		c.netConnMu.Lock()
		if c.netConn != nil {
			err = c.netConn.Close()
			c.netConn = nil
		}
		c.netConnMu.Unlock()
		c.inflight.FailAll(ErrClosing)
		c.wmu.Lock()
		if c.bufs != nil {
			connBufPool.Put(c.bufs)
			c.bufs = nil
		}
		c.wmu.Unlock()
	})
	return err
}

// Ready reports whether the connection currently accepts submissions.
func (c *Connection) Ready() bool { return connState(c.state.Load()) == stateReady }

// Events exposes the unidirectional quarantine/recovery notification
// channel consumed by the Router/Topology.
func (c *Connection) Events() <-chan connEvent { return c.events }
