package vkclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter is an in-memory Router stand-in for exercising batch.go
// without a real Connection. Route/SubmitBatch answer scripted replies
// keyed by the command name (first argument).
type fakeRouter struct {
	routeReplies map[string]Reply
	submitReply  []Reply
	submitErr    error
	gotCmds      [][][]byte
}

func (f *fakeRouter) Route(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder, hint routeHint) (Reply, error) {
	if r, ok := f.routeReplies[string(args[0])]; ok {
		return r, nil
	}
	return Reply{Type: TypeSimple, Str: []byte("OK")}, nil
}

func (f *fakeRouter) RouteBroadcast(ctx context.Context, args [][]byte, timeout time.Duration, dec Decoder) ([]BroadcastResult, error) {
	return nil, nil
}

func (f *fakeRouter) SubmitBatch(ctx context.Context, cmds [][][]byte, timeout time.Duration, decs []Decoder, posts []bool, hint routeHint) ([]Reply, error) {
	f.gotCmds = cmds
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitReply, nil
}

func (f *fakeRouter) Close() error { return nil }

func TestBatchPipelinePreservesSubmissionOrder(t *testing.T) {
	r := &fakeRouter{
		routeReplies: map[string]Reply{
			"GET": {Type: TypeBulk, Str: []byte("value")},
			"INCR": {Type: TypeInteger, Int: 7},
		},
	}
	b := newBatch(false, false)
	b.Add([][]byte{[]byte("SET"), []byte("k"), []byte("v")}, DecodeBytes, false)
	b.Add([][]byte{[]byte("INCR"), []byte("counter")}, DecodeBytes, false)
	b.Add([][]byte{[]byte("GET"), []byte("k")}, DecodeBytes, false)

	res, err := execute(context.Background(), r, b, time.Second)
	require.NoError(t, err)
	require.Len(t, res.Replies, 3)
	assert.Equal(t, "OK", string(res.Replies[0].Str))
	assert.Equal(t, int64(7), res.Replies[1].Int)
	assert.Equal(t, "value", string(res.Replies[2].Str))
}

func TestBatchAtomicWrapsWithMultiExec(t *testing.T) {
	r := &fakeRouter{
		submitReply: []Reply{
			{Type: TypeSimple, Str: []byte("OK")}, // MULTI
			{Type: TypeArray, Elems: []Reply{       // EXEC
				{Type: TypeSimple, Str: []byte("OK")},
				{Type: TypeInteger, Int: 1},
			}},
		},
	}
	b := newBatch(true, false)
	b.Add([][]byte{[]byte("SET"), []byte("k"), []byte("v")}, DecodeBytes, false)
	b.Add([][]byte{[]byte("INCR"), []byte("counter")}, DecodeBytes, false)

	res, err := execute(context.Background(), r, b, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Aborted)
	require.Len(t, res.Replies, 2)
	assert.Equal(t, "MULTI", string(r.gotCmds[0][0]))
	assert.Equal(t, "EXEC", string(r.gotCmds[len(r.gotCmds)-1][0]))
}

func TestBatchAtomicWithWatchPrependsWatchCommand(t *testing.T) {
	r := &fakeRouter{
		submitReply: []Reply{
			{Type: TypeSimple}, // WATCH
			{Type: TypeSimple}, // MULTI
			{Type: TypeArray, Elems: []Reply{{Type: TypeSimple, Str: []byte("OK")}}}, // EXEC
		},
	}
	b := newBatch(true, false).Watch("counter")
	b.Add([][]byte{[]byte("SET"), []byte("k"), []byte("v")}, DecodeBytes, false)

	_, err := execute(context.Background(), r, b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "WATCH", string(r.gotCmds[0][0]))
	assert.Equal(t, "MULTI", string(r.gotCmds[1][0]))
}

func TestBatchAtomicAbortedOnNilExec(t *testing.T) {
	r := &fakeRouter{
		submitReply: []Reply{
			{Type: TypeSimple},
			{Type: TypeArray, IsNil: true},
		},
	}
	b := newBatch(true, false)
	b.Add([][]byte{[]byte("INCR"), []byte("counter")}, DecodeBytes, false)

	res, err := execute(context.Background(), r, b, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Nil(t, res.Replies)
}

func TestBatchAtomicAppliesSetConversion(t *testing.T) {
	r := &fakeRouter{
		submitReply: []Reply{
			{Type: TypeSimple},
			{Type: TypeArray, Elems: []Reply{
				{Type: TypeArray, Elems: []Reply{{Str: []byte("a")}, {Str: []byte("b")}}},
			}},
		},
	}
	b := newBatch(true, false)
	b.Add([][]byte{[]byte("SMEMBERS"), []byte("s")}, DecodeBytes, true)

	res, err := execute(context.Background(), r, b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeSet, res.Replies[0].Type)
}

func TestRoutingHintForAtomicBatchRejectsCrossSlotKeys(t *testing.T) {
	b := newBatch(true, true)
	b.Add([][]byte{[]byte("SET"), []byte("key1"), []byte("v")}, DecodeBytes, false)
	b.Add([][]byte{[]byte("SET"), []byte("key2-that-hashes-elsewhere"), []byte("v")}, DecodeBytes, false)

	_, err := routingHintFor(b)
	if err == nil {
		t.Skip("keys happened to hash to the same slot; not a reliable cross-slot fixture")
	}
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindRouting, verr.Kind)
}

func TestRoutingHintForAtomicBatchAcceptsSharedHashTag(t *testing.T) {
	b := newBatch(true, true)
	b.Add([][]byte{[]byte("SET"), []byte("{user1}.a"), []byte("v")}, DecodeBytes, false)
	b.Add([][]byte{[]byte("SET"), []byte("{user1}.b"), []byte("v")}, DecodeBytes, false)

	hint, err := routingHintFor(b)
	require.NoError(t, err)
	assert.Equal(t, routeExplicitSlot, hint.mode)
}

func TestExecuteEmptyBatchIsNoop(t *testing.T) {
	r := &fakeRouter{}
	res, err := execute(context.Background(), r, newBatch(false, false), time.Second)
	require.NoError(t, err)
	assert.Nil(t, res.Replies)
}
