package dchat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Send / acknowledgement
// ============================================================================

func TestChannelSend(t *testing.T) {
	ctx := context.Background()

	t.Run("acknowledged send replaces temporary id", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.out.reply = ackWithID("srv-1")
		f.channel.SetActiveRoom("r1")

		sent, err := f.channel.Send(ctx, "hi")
		require.NoError(t, err)
		assert.True(t, IsLocalID(sent.ID))
		assert.True(t, sent.Pending)

		msgs := f.channel.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "srv-1", msgs[0].ID)
		assert.Equal(t, sent.LocalID, msgs[0].LocalID)
		assert.False(t, msgs[0].Pending)
		_, stillLocal := f.channel.Message(sent.ID)
		assert.False(t, stillLocal)

		room, ok := f.rooms.Room("r1")
		require.True(t, ok)
		require.NotNil(t, room.LastMessage)
		assert.Equal(t, "srv-1", room.LastMessage.ID)
		assert.Equal(t, 0, room.UnreadCount)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesAcked))
	})

	t.Run("no active room", func(t *testing.T) {
		f := newChannelFixture(nil)
		_, err := f.channel.Send(ctx, "hi")
		assert.ErrorIs(t, err, ErrNoActiveRoom)
		assert.Empty(t, f.out.sent(EventSendMessage))
	})

	t.Run("payload carries room content and local id", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.channel.SetActiveRoom("r1")
		sent, err := f.channel.Send(ctx, "hello")
		require.NoError(t, err)

		payloads := f.out.sent(EventSendMessage)
		require.Len(t, payloads, 1)
		assert.Equal(t, sendMessagePayload{RoomID: "r1", Content: "hello", LocalID: sent.LocalID}, payloads[0])
	})

	t.Run("offline send stays pending and reports failure", func(t *testing.T) {
		f := newChannelFixture(nil)
		rec := record(f.emitter, ObserveMessageFailed)
		f.out.setConnected(false)
		f.channel.SetActiveRoom("r1")

		sent, err := f.channel.Send(ctx, "hi")
		require.NoError(t, err)

		m, ok := f.channel.Message(sent.ID)
		require.True(t, ok)
		assert.True(t, m.Pending)

		failures := rec.get(ObserveMessageFailed)
		require.Len(t, failures, 1)
		failure := failures[0].(MessageFailure)
		assert.Equal(t, sent.LocalID, failure.LocalID)
		assert.ErrorIs(t, failure.Err, ErrNotConnected)
	})

	t.Run("negative acknowledgement keeps message pending", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.out.reply = func(string, any) (json.RawMessage, error) {
			return nil, errors.Join(ErrRejected, errors.New("room closed"))
		}
		f.channel.SetActiveRoom("r1")

		sent, err := f.channel.Send(ctx, "hi")
		require.NoError(t, err)
		m, ok := f.channel.Message(sent.ID)
		require.True(t, ok)
		assert.True(t, m.Pending)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesFailed))
	})

	t.Run("acknowledgement without id is a failure", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.out.reply = func(string, any) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
		f.channel.SetActiveRoom("r1")

		sent, err := f.channel.Send(ctx, "hi")
		require.NoError(t, err)
		m, _ := f.channel.Message(sent.ID)
		assert.True(t, m.Pending)
	})
}

func TestChannelRetry(t *testing.T) {
	ctx := context.Background()
	f := newChannelFixture(nil)
	f.channel.SetActiveRoom("r1")
	f.out.setConnected(false)

	sent, err := f.channel.Send(ctx, "hi")
	require.NoError(t, err)
	assert.ErrorIs(t, f.channel.Retry(ctx, sent.LocalID), ErrNotConnected)

	f.out.setConnected(true)
	f.out.reply = ackWithID("srv-9")
	require.NoError(t, f.channel.Retry(ctx, sent.LocalID))

	msgs := f.channel.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-9", msgs[0].ID)
	assert.False(t, msgs[0].Pending)

	t.Run("unknown or delivered message", func(t *testing.T) {
		assert.ErrorIs(t, f.channel.Retry(ctx, sent.LocalID), ErrUnknownMessage)
		assert.ErrorIs(t, f.channel.Retry(ctx, "srv-9"), ErrUnknownMessage)
	})
}

func TestChannelEchoBeforeAck(t *testing.T) {
	ctx := context.Background()
	f := newChannelFixture(nil)
	f.channel.SetActiveRoom("r1")

	sent, err := f.channel.Send(ctx, "hi")
	require.NoError(t, err)

	echo := ChatMessage{ID: "srv-1", LocalID: sent.LocalID, RoomID: "r1", SenderID: "me", Content: "hi", CreatedAt: sent.CreatedAt}
	assert.True(t, f.channel.OnInboundMessage(echo))

	msgs := f.channel.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.False(t, msgs[0].Pending)

	f.out.popAck(t)(mustJSON(echo), nil)
	msgs = f.channel.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)

	room, _ := f.rooms.Room("r1")
	assert.Equal(t, 0, room.UnreadCount, "own echo never counts unread")
}

func TestChannelAckAfterRoomSwitch(t *testing.T) {
	ctx := context.Background()
	f := newChannelFixture(nil)
	f.channel.SetActiveRoom("r1")
	sent, err := f.channel.Send(ctx, "hi")
	require.NoError(t, err)

	f.channel.SetActiveRoom("r2")
	f.out.popAck(t)(mustJSON(ChatMessage{ID: "srv-1", RoomID: "r1", SenderID: "me", Content: "hi"}), nil)

	assert.Empty(t, f.channel.Messages())
	room, ok := f.rooms.Room("r1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", room.LastMessage.ID)
	assert.False(t, room.LastMessage.Pending)
	assert.Equal(t, sent.LocalID, room.LastMessage.LocalID)
}

// ============================================================================
// Inbound
// ============================================================================

func TestChannelInbound(t *testing.T) {
	t.Run("active room appends without unread", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.channel.SetActiveRoom("r1")
		f.rooms.SetActiveRoom("r1")

		assert.True(t, f.channel.OnInboundMessage(msg("m1", "r1", "alice", 1)))
		assert.Len(t, f.channel.Messages(), 1)
		room, _ := f.rooms.Room("r1")
		assert.Equal(t, 0, room.UnreadCount)
	})

	t.Run("other room bumps and counts unread", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.channel.SetActiveRoom("r1")
		f.rooms.SetActiveRoom("r1")
		f.rooms.BumpToTop(RoomUpdate{RoomID: "r2"})
		f.rooms.BumpToTop(RoomUpdate{RoomID: "r1"})

		f.channel.OnInboundMessage(msg("m1", "r2", "alice", 1))
		assert.Empty(t, f.channel.Messages())

		rooms := f.rooms.Rooms()
		require.Len(t, rooms, 2)
		assert.Equal(t, "r2", rooms[0].RoomID)
		assert.Equal(t, 1, rooms[0].UnreadCount)
		assert.Equal(t, "m1", rooms[0].LastMessage.ID)
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.channel.SetActiveRoom("r1")

		m := msg("m1", "r2", "alice", 1)
		assert.True(t, f.channel.OnInboundMessage(m))
		assert.False(t, f.channel.OnInboundMessage(m))

		room, _ := f.rooms.Room("r2")
		assert.Equal(t, 1, room.UnreadCount)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DuplicateInbound))
	})

	t.Run("messages are kept in time order", func(t *testing.T) {
		f := newChannelFixture(nil)
		f.channel.SetActiveRoom("r1")
		f.channel.OnInboundMessage(msg("late", "r1", "alice", 5))
		f.channel.OnInboundMessage(msg("early", "r1", "alice", 2))

		msgs := f.channel.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "early", msgs[0].ID)
		assert.Equal(t, "late", msgs[1].ID)
	})

	t.Run("invalid message is dropped", func(t *testing.T) {
		f := newChannelFixture(nil)
		assert.False(t, f.channel.OnInboundMessage(ChatMessage{ID: "m1"}))
		assert.Empty(t, f.rooms.Rooms())
	})
}

// ============================================================================
// History
// ============================================================================

func TestChannelFetchPage(t *testing.T) {
	ctx := context.Background()

	t.Run("merges without duplicates", func(t *testing.T) {
		store := staticStore(map[string][][]ChatMessage{
			"r1": {
				{msg("m3", "r1", "alice", 3), msg("m2", "r1", "me", 2)},
				{msg("m2", "r1", "me", 2), msg("m1", "r1", "alice", 1)},
			},
		})
		f := newChannelFixture(store)
		f.channel.SetActiveRoom("r1")

		require.NoError(t, f.channel.FetchPage(ctx, "r1", 1, 2))
		assert.True(t, f.channel.HasMore())
		require.NoError(t, f.channel.LoadMore(ctx, 2))

		ids := []string{}
		for _, m := range f.channel.Messages() {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids)

		require.NoError(t, f.channel.LoadMore(ctx, 2))
		assert.False(t, f.channel.HasMore(), "short page ends pagination")

		require.NoError(t, f.channel.Resync(ctx, 2))
		assert.False(t, f.channel.HasMore(), "refetching page 1 keeps the cursor")
		assert.Len(t, f.channel.Messages(), 3)
	})

	t.Run("stale response is discarded", func(t *testing.T) {
		var f *channelFixture
		store := storeFunc(func(_ context.Context, roomID string, _, _ int) ([]ChatMessage, error) {
			// The user moves on while the request is in flight.
			f.channel.SetActiveRoom("r2")
			return []ChatMessage{msg("m1", roomID, "alice", 1)}, nil
		})
		f = newChannelFixture(store)
		f.channel.SetActiveRoom("r1")

		require.NoError(t, f.channel.FetchPage(ctx, "r1", 1, 20))
		assert.Empty(t, f.channel.Messages())
		assert.Equal(t, "r2", f.channel.ActiveRoom())
	})

	t.Run("error leaves history untouched", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		store := storeFunc(func(_ context.Context, roomID string, _, _ int) ([]ChatMessage, error) {
			calls++
			if calls > 1 {
				return nil, boom
			}
			return []ChatMessage{msg("m1", roomID, "alice", 1)}, nil
		})
		f := newChannelFixture(store)
		f.channel.SetActiveRoom("r1")
		require.NoError(t, f.channel.FetchPage(ctx, "r1", 1, 20))

		err := f.channel.FetchPage(ctx, "r1", 2, 20)
		assert.ErrorIs(t, err, boom)
		assert.Len(t, f.channel.Messages(), 1)
	})

	t.Run("switching rooms clears history", func(t *testing.T) {
		f := newChannelFixture(staticStore(map[string][][]ChatMessage{
			"r1": {{msg("m1", "r1", "alice", 1)}},
		}))
		f.channel.SetActiveRoom("r1")
		require.NoError(t, f.channel.FetchPage(ctx, "r1", 1, 20))
		f.channel.SetActiveRoom("r2")
		assert.Empty(t, f.channel.Messages())
		assert.True(t, f.channel.HasMore())
	})

	t.Run("load more without room", func(t *testing.T) {
		f := newChannelFixture(staticStore(nil))
		assert.ErrorIs(t, f.channel.LoadMore(ctx, 20), ErrNoActiveRoom)
	})
}

// ============================================================================
// Receipts
// ============================================================================

func TestChannelMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newChannelFixture(nil)
	f.out.reply = func(string, any) (json.RawMessage, error) { return nil, nil }
	f.channel.SetActiveRoom("r1")
	f.channel.OnInboundMessage(msg("m1", "r1", "alice", 1))
	f.rooms.IncrementUnread("r1")
	f.rooms.IncrementUnread("r1")

	require.NoError(t, f.channel.MarkRead(ctx, "m1"))
	m, _ := f.channel.Message("m1")
	assert.True(t, m.Read)
	assert.True(t, m.Received)

	room, _ := f.rooms.Room("r1")
	assert.Equal(t, 2, room.UnreadCount, "one decrement from three")

	require.NoError(t, f.channel.MarkRead(ctx, "m1"))
	assert.Len(t, f.out.sent(EventMessageRead), 1, "already read is not sent again")
	room, _ = f.rooms.Room("r1")
	assert.Equal(t, 2, room.UnreadCount)

	t.Run("unknown message", func(t *testing.T) {
		assert.ErrorIs(t, f.channel.MarkRead(ctx, "nope"), ErrUnknownMessage)
	})

	t.Run("offline leaves message unread", func(t *testing.T) {
		f.channel.OnInboundMessage(msg("m2", "r1", "alice", 2))
		f.out.setConnected(false)
		assert.ErrorIs(t, f.channel.MarkRead(ctx, "m2"), ErrNotConnected)
		m, _ := f.channel.Message("m2")
		assert.False(t, m.Read)
	})
}

func TestChannelMarkReadConcurrentCallsShareRequest(t *testing.T) {
	f := newChannelFixture(nil)
	f.channel.SetActiveRoom("r1")
	f.channel.OnInboundMessage(msg("m1", "r1", "alice", 1))
	f.rooms.IncrementUnread("r1")
	f.rooms.IncrementUnread("r1")

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error { return f.channel.MarkRead(context.Background(), "m1") })
	}

	require.Eventually(t, func() bool { return len(f.out.sent(EventMessageRead)) == 1 },
		time.Second, 5*time.Millisecond)
	f.out.popAck(t)(nil, nil)
	require.NoError(t, g.Wait())

	assert.Len(t, f.out.sent(EventMessageRead), 1)
	room, _ := f.rooms.Room("r1")
	assert.Equal(t, 2, room.UnreadCount, "a single decrement")
	m, _ := f.channel.Message("m1")
	assert.True(t, m.Read)
}

func TestChannelStatus(t *testing.T) {
	f := newChannelFixture(staticStore(map[string][][]ChatMessage{
		"r1": {{msg("m1", "r1", "me", 1), msg("m2", "r1", "me", 2), msg("m3", "r1", "alice", 3)}},
	}))
	f.channel.SetActiveRoom("r1")
	f.rooms.BumpToTop(RoomUpdate{RoomID: "r1"})
	require.NoError(t, f.channel.FetchPage(context.Background(), "r1", 1, 20))

	t.Run("read implies received", func(t *testing.T) {
		f.channel.ApplyStatus(MessageStatus{MessageID: "m1", RoomID: "r1", Status: StatusRead})
		m, _ := f.channel.Message("m1")
		assert.True(t, m.Read)
		assert.True(t, m.Received)
	})

	t.Run("flags never move backward", func(t *testing.T) {
		f.channel.ApplyStatus(MessageStatus{MessageID: "m1", RoomID: "r1", Status: StatusReceived})
		m, _ := f.channel.Message("m1")
		assert.True(t, m.Read)
	})

	t.Run("bulk received covers own messages only", func(t *testing.T) {
		f.channel.MarkAllReceived(BulkStatus{RoomID: "r1"})
		m2, _ := f.channel.Message("m2")
		m3, _ := f.channel.Message("m3")
		assert.True(t, m2.Received)
		assert.False(t, m2.Read)
		assert.False(t, m3.Received)
	})

	t.Run("bulk for another room is ignored", func(t *testing.T) {
		f.channel.MarkAllReceived(BulkStatus{RoomID: "r9", Status: StatusRead})
		m2, _ := f.channel.Message("m2")
		assert.False(t, m2.Read)
	})

	t.Run("unread inbound lists other senders", func(t *testing.T) {
		assert.Equal(t, []string{"m3"}, f.channel.UnreadInbound())
	})
}
