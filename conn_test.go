package vkclient

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal RESP responder good enough to drive Connection's
// handshake and Submit path end-to-end over a real TCP socket.
type fakeServer struct {
	ln      net.Listener
	handler func(args [][]byte) []byte // returns raw RESP bytes to write back
}

func startFakeServer(t *testing.T, handler func(args [][]byte) []byte) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, handler: handler}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr(t *testing.T) Address {
	t.Helper()
	tcpAddr := s.ln.Addr().(*net.TCPAddr)
	return Address{Host: "127.0.0.1", Port: tcpAddr.Port}
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *fakeServer) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := newDecoder()
	r := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				reply, ok, derr := dec.Next()
				if derr != nil || !ok {
					break
				}
				args := make([][]byte, len(reply.Elems))
				for i, e := range reply.Elems {
					args[i] = e.Str
				}
				out := s.handler(args)
				if out == nil {
					continue
				}
				if _, werr := conn.Write(out); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// defaultHandshakeHandler answers HELLO/CLIENT SETNAME with a minimal but
// valid reply and echoes PING/GET deterministically for test assertions.
func defaultHandshakeHandler(t *testing.T) func(args [][]byte) []byte {
	return func(args [][]byte) []byte {
		if len(args) == 0 {
			return nil
		}
		switch string(args[0]) {
		case "HELLO":
			return []byte("%1\r\n+proto\r\n:3\r\n")
		case "CLIENT":
			return []byte("+OK\r\n")
		case "PING":
			return []byte("+PONG\r\n")
		case "GET":
			return []byte("$5\r\nhello\r\n")
		case "SET":
			return []byte("+OK\r\n")
		default:
			return []byte("+OK\r\n")
		}
	}
}

func testConnConfig(addr Address) *Config {
	cfg := defaultConfig()
	cfg.addresses = []Address{addr}
	cfg.requestTimeout = 2 * time.Second
	cfg.connectTimeout = 2 * time.Second
	cfg.pingInterval = 0 // disable heartbeats for deterministic tests
	return cfg
}

func TestConnectionDialAndSubmitRoundTrip(t *testing.T) {
	srv := startFakeServer(t, defaultHandshakeHandler(t))
	cfg := testConnConfig(srv.addr(t))
	conn := newConnection(srv.addr(t), cfg, newSubscriptionState(nil), nil)
	require.NoError(t, conn.Dial(context.Background()))
	defer conn.Close()

	entry, err := conn.Submit([][]byte{[]byte("GET"), []byte("key")}, time.Second, DecodeBytes, false, routeHint{})
	require.NoError(t, err)
	res := <-entry.done
	require.NoError(t, res.err)
	require.Equal(t, "hello", string(res.reply.Str))
}

func TestConnectionFIFOUnderConcurrentSubmit(t *testing.T) {
	srv := startFakeServer(t, defaultHandshakeHandler(t))
	cfg := testConnConfig(srv.addr(t))
	conn := newConnection(srv.addr(t), cfg, newSubscriptionState(nil), nil)
	require.NoError(t, conn.Dial(context.Background()))
	defer conn.Close()

	const n = 50
	entries := make([]*inflightEntry, n)
	for i := 0; i < n; i++ {
		e, err := conn.Submit([][]byte{[]byte("PING")}, time.Second, DecodeBytes, false, routeHint{})
		require.NoError(t, err)
		entries[i] = e
	}
	for i := 0; i < n; i++ {
		res := <-entries[i].done
		require.NoError(t, res.err)
		require.Equal(t, "PONG", string(res.reply.Str))
	}
}

func TestConnectionSubmitRejectedWhenNotReady(t *testing.T) {
	srv := startFakeServer(t, defaultHandshakeHandler(t))
	cfg := testConnConfig(srv.addr(t))
	conn := newConnection(srv.addr(t), cfg, newSubscriptionState(nil), nil)
	require.NoError(t, conn.Dial(context.Background()))
	require.NoError(t, conn.Close())

	_, err := conn.Submit([][]byte{[]byte("PING")}, time.Second, DecodeBytes, false, routeHint{})
	require.ErrorIs(t, err, ErrConnection)
}

func TestConnectionCloseFailsPendingSubmissions(t *testing.T) {
	blockCh := make(chan struct{})
	srv := startFakeServer(t, func(args [][]byte) []byte {
		if len(args) > 0 && string(args[0]) == "HELLO" {
			return []byte("%1\r\n+proto\r\n:3\r\n")
		}
		if len(args) > 0 && string(args[0]) == "CLIENT" {
			return []byte("+OK\r\n")
		}
		<-blockCh // never reply to GET, simulating a stuck request
		return nil
	})
	cfg := testConnConfig(srv.addr(t))
	conn := newConnection(srv.addr(t), cfg, newSubscriptionState(nil), nil)
	require.NoError(t, conn.Dial(context.Background()))

	entry, err := conn.Submit([][]byte{[]byte("GET"), []byte("k")}, time.Second, DecodeBytes, false, routeHint{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	close(blockCh)

	res := <-entry.done
	require.ErrorIs(t, res.err, ErrClosing)
}

func TestConnectionDialFailsAgainstClosedPort(t *testing.T) {
	cfg := testConnConfig(Address{Host: "127.0.0.1", Port: 1})
	cfg.connectTimeout = 500 * time.Millisecond
	conn := newConnection(Address{Host: "127.0.0.1", Port: 1}, cfg, newSubscriptionState(nil), nil)
	err := conn.Dial(context.Background())
	require.Error(t, err)
}
