package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T) (*RedisBroadcaster, *Hub, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger, _ := test.NewNullLogger()
	hub := NewHub(8, logger)
	return NewRedisBroadcasterWithClient(client, "test:", hub, logger), hub, client
}

func runBroadcaster(t *testing.T, b *RedisBroadcaster) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-b.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ready")
	}
}

func TestRedisBroadcasterDeliversToOtherSessions(t *testing.T) {
	b, hub, _ := newTestBroadcaster(t)
	runBroadcaster(t, b)

	origin := hub.Subscribe("board_1", "s1")
	viewer := hub.Subscribe("board_1", "s2")
	defer origin.Close()
	defer viewer.Close()

	ev, err := Event{Type: TaskMoved, BoardID: "board_1", Origin: "s1", ItemID: "task_1", ParentID: "card_2", OldParentID: "card_1", PrecedingID: "task_0", Index: 1}.
		WithPayload(map[string]string{"name": "ship it"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), ev))

	select {
	case got := <-viewer.Events():
		assert.Equal(t, ev.Type, got.Type)
		assert.Equal(t, "card_1", got.OldParentID)
		assert.Equal(t, "task_0", got.PrecedingID)
		assert.JSONEq(t, `{"name":"ship it"}`, string(got.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("viewer did not receive the event")
	}

	select {
	case got := <-origin.Events():
		t.Fatalf("origin session received its own event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBroadcasterUsesBoardChannels(t *testing.T) {
	b, _, client := newTestBroadcaster(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "test:board:board_9")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Event{Type: CardCreated, BoardID: "board_9", ItemID: "card_1"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	ev, err := Decode([]byte(msg.Payload))
	require.NoError(t, err)
	assert.Equal(t, "card_1", ev.ItemID)
}

func TestRedisBroadcasterSkipsMalformedMessages(t *testing.T) {
	b, hub, client := newTestBroadcaster(t)
	runBroadcaster(t, b)

	viewer := hub.Subscribe("board_1", "s2")
	defer viewer.Close()

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, "test:board:board_1", "not json").Err())
	require.NoError(t, b.Publish(ctx, Event{Type: CardDeleted, BoardID: "board_1", ItemID: "card_1"}))

	select {
	case got := <-viewer.Events():
		assert.Equal(t, CardDeleted, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer did not receive the event")
	}
}

func TestDecodeRejectsEventsWithoutBoard(t *testing.T) {
	_, err := Decode([]byte(`{"type":"move card","itemId":"x"}`))
	assert.Error(t, err)
}

func TestRedisBroadcasterPingFollowsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	logger, _ := test.NewNullLogger()
	b := NewRedisBroadcasterWithClient(client, "test:", NewHub(8, logger), logger)

	require.NoError(t, b.Ping(context.Background()))
	mr.Close()
	assert.Error(t, b.Ping(context.Background()))
}
