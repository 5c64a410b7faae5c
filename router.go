package vkclient

import (
	"context"
	"time"
)

// BroadcastResult is one node's outcome from a broadcast request.
type BroadcastResult struct {
	Node  Address
	Reply Reply
	Err   error
}

// Router resolves each command to a target connection and drives
// submission, including MOVED/ASK redirection where applicable.
// standaloneRouter targets a single node; clusterRouter targets a sharded
// deployment.
type Router interface {
	// Route submits one command frame and returns its reply. A non-nil
	// error is a client-side failure (timeout, connection, routing); a
	// server-returned error comes back as a Reply with Type == TypeError
	// and a nil error — the codec decodes error replies, it never turns
	// them into Go errors on its own.
	Route(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder, hint routeHint) (Reply, error)

	// RouteBroadcast fans a command out to every primary (cluster mode) or
	// the sole node (standalone).
	RouteBroadcast(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder) ([]BroadcastResult, error)

	// SubmitBatch writes a sequence of command frames as one contiguous
	// block to a single resolved connection, used by the batch engine for
	// atomic transactions and single-node pipelines.
	SubmitBatch(ctx context.Context, cmds [][][]byte, timeout time.Duration, decs []Decoder, posts []bool, hint routeHint) ([]Reply, error)

	Close() error
}

func postTransformFor(args [][]byte) bool { return wantsSetConversion(args) }
