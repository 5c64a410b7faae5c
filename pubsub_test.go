package vkclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagePush(channel, payload string) Reply {
	return Reply{
		Type:     TypePush,
		PushKind: "message",
		Elems: []Reply{
			{Type: TypeBulk, Str: []byte("message")},
			{Type: TypeBulk, Str: []byte(channel)},
			{Type: TypeBulk, Str: []byte(payload)},
		},
	}
}

func TestParsePushMessageVariants(t *testing.T) {
	msg, ok := parsePushMessage(messagePush("news", "hello"))
	require.True(t, ok)
	assert.Equal(t, PubSubMessage{Kind: "message", Channel: "news", Payload: []byte("hello")}, msg)

	pmsg, ok := parsePushMessage(Reply{
		Type:     TypePush,
		PushKind: "pmessage",
		Elems: []Reply{
			{Str: []byte("pmessage")},
			{Str: []byte("news.*")},
			{Str: []byte("news.tech")},
			{Str: []byte("payload")},
		},
	})
	require.True(t, ok)
	assert.Equal(t, "news.*", pmsg.Pattern)
	assert.Equal(t, "news.tech", pmsg.Channel)

	smsg, ok := parsePushMessage(Reply{
		Type:     TypePush,
		PushKind: "smessage",
		Elems: []Reply{
			{Str: []byte("smessage")},
			{Str: []byte("shard1")},
			{Str: []byte("payload")},
		},
	})
	require.True(t, ok)
	assert.Equal(t, "smessage", smsg.Kind)
}

func TestParsePushMessageDropsSubscribeAcks(t *testing.T) {
	ack := Reply{
		Type:     TypePush,
		PushKind: "subscribe",
		Elems: []Reply{
			{Str: []byte("subscribe")},
			{Str: []byte("news")},
			{Type: TypeInteger, Int: 1},
		},
	}
	_, ok := parsePushMessage(ack)
	assert.False(t, ok, "subscribe acknowledgements must not be treated as messages")
}

func newTestDispatcher(t *testing.T, depth int) *pubsubDispatcher {
	t.Helper()
	cfg := defaultConfig()
	cfg.pubsubQueueDepth = depth
	return newPubSubDispatcher(cfg)
}

func TestDispatcherHandlePushEnqueuesForPull(t *testing.T) {
	d := newTestDispatcher(t, 10)
	d.handlePush(messagePush("news", "one"))

	msg, err := d.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "news", msg.Channel)
}

func TestDispatcherPollNonBlocking(t *testing.T) {
	d := newTestDispatcher(t, 10)
	_, ok := d.Poll()
	assert.False(t, ok)

	d.handlePush(messagePush("a", "1"))
	msg, ok := d.Poll()
	require.True(t, ok)
	assert.Equal(t, "a", msg.Channel)
}

func TestDispatcherDropsOldestWhenAtCapacity(t *testing.T) {
	d := newTestDispatcher(t, 2)
	d.handlePush(messagePush("a", "1"))
	d.handlePush(messagePush("b", "2"))
	d.handlePush(messagePush("c", "3"))

	first, ok := d.Poll()
	require.True(t, ok)
	assert.Equal(t, "b", first.Channel, "oldest message should have been dropped")
	second, ok := d.Poll()
	require.True(t, ok)
	assert.Equal(t, "c", second.Channel)
}

func TestDispatcherPullBlocksUntilMessage(t *testing.T) {
	d := newTestDispatcher(t, 10)
	done := make(chan PubSubMessage, 1)
	go func() {
		msg, err := d.Pull(context.Background())
		if err == nil {
			done <- msg
		}
	}()

	select {
	case <-done:
		t.Fatal("pull returned before any message was published")
	case <-time.After(50 * time.Millisecond):
	}

	d.handlePush(messagePush("x", "late"))
	select {
	case msg := <-done:
		assert.Equal(t, "x", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("pull never woke up")
	}
}

func TestDispatcherPullUnblocksOnClose(t *testing.T) {
	d := newTestDispatcher(t, 10)
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Pull(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	d.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosing)
	case <-time.After(time.Second):
		t.Fatal("pull never unblocked on close")
	}
}

func TestDispatcherPullRespectsContextCancellation(t *testing.T) {
	d := newTestDispatcher(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Pull(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pull never respected cancellation")
	}
}

func TestSubscriptionStateAddRemoveAndResubscribe(t *testing.T) {
	st := newSubscriptionState(nil)
	assert.False(t, st.hasAny())

	st.add(subExact, "a", "b")
	st.add(subPattern, "p.*")
	assert.True(t, st.hasAny())

	batches := st.resubscribeCommands()
	require.Len(t, batches, 2)
	assert.Equal(t, "SUBSCRIBE", string(batches[0].args[0]))
	assert.Equal(t, 2, batches[0].acks)
	assert.Equal(t, "PSUBSCRIBE", string(batches[1].args[0]))
	assert.Equal(t, 1, batches[1].acks)

	st.remove(subExact, "a", "b")
	assert.False(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.exact) > 0
	}())
}

func TestSubscriptionStateSeedsFromConfig(t *testing.T) {
	st := newSubscriptionState(&PubSubSubscriptions{
		ExactChannels:   []string{"a"},
		PatternChannels: []string{"b.*"},
		ShardChannels:   []string{"shard1"},
	})
	assert.True(t, st.hasAny())
	batches := st.resubscribeCommands()
	require.Len(t, batches, 3)
}
