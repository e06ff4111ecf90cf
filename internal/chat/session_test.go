package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chat-realtime/internal/stats"
	"github.com/npezzotti/go-chat-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func msg(id, user string) types.ChatMessage {
	return types.ChatMessage{ID: id, UserID: user, UserName: user, Message: "hello from " + user}
}

func TestConnect(t *testing.T) {
	t.Run("connects to the default room", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()

		state := h.s.Snapshot()
		assert.Equal(t, types.StatusConnected, state.Status)
		assert.Equal(t, DefaultRoom, state.Room)
		assert.Equal(t, "ws://chat.test/chat/ws", h.dialer.lastURL())
	})

	t.Run("room is passed as query parameter", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.room = "off topic"
		h.s.Connect()

		assert.Equal(t, "ws://chat.test/chat/ws?room=off+topic", h.dialer.lastURL())
	})

	t.Run("no-op while a socket is open", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()
		h.s.Connect()

		assert.Equal(t, 1, h.dialer.dialCount())
	})

	t.Run("dial failure schedules a reconnect", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.dialer.setErr(errors.New("connection refused"))
		h.s.Connect()

		assert.Equal(t, types.StatusDisconnected, h.s.Snapshot().Status)
		assert.Equal(t, []time.Duration{time.Second}, h.clock.Pending())
	})

	t.Run("successful open resets attempts", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()
		h.closeWith(websocket.CloseAbnormalClosure, "")
		h.clock.Advance(time.Second)
		require.Equal(t, types.StatusConnected, h.s.Snapshot().Status)

		h.closeWith(websocket.CloseAbnormalClosure, "")
		assert.Equal(t, []time.Duration{time.Second}, h.clock.Pending(), "expected backoff to restart from the base delay")
	})
}

func TestReconnectBackoff(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()
	require.Equal(t, types.StatusConnected, h.s.Snapshot().Status)

	h.dialer.setErr(errors.New("connection refused"))
	h.closeWith(websocket.CloseGoingAway, "server restart")

	for _, want := range []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	} {
		require.Equal(t, []time.Duration{want}, h.clock.Pending())
		assert.Equal(t, types.StatusDisconnected, h.s.Snapshot().Status)
		h.clock.Advance(want)
	}

	state := h.s.Snapshot()
	assert.Equal(t, types.StatusError, state.Status)
	assert.Equal(t, errReconnectFailed, state.Error)
	assert.Empty(t, h.clock.Pending(), "expected no further reconnects")
	assert.Equal(t, 6, h.dialer.dialCount())
	assert.Equal(t, 5, h.stats.Count(stats.Reconnects))

	h.clock.Advance(time.Minute)
	assert.Equal(t, errReconnectFailed, h.s.Snapshot().Error, "expected the failure to persist")
}

func TestBackoffDelay(t *testing.T) {
	tcases := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{70, 30 * time.Second},
	}

	for _, tc := range tcases {
		t.Run(fmt.Sprintf("attempt %d", tc.attempt), func(t *testing.T) {
			assert.Equal(t, tc.expected, backoffDelay(tc.attempt))
		})
	}
}

func TestBanLatch(t *testing.T) {
	t.Run("policy violation close code", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()
		h.closeWith(websocket.ClosePolicyViolation, "")

		state := h.s.Snapshot()
		assert.True(t, state.IsBanned)
		assert.Equal(t, types.StatusError, state.Status)
		assert.Empty(t, h.clock.Pending(), "expected no reconnect after a ban")

		h.s.Connect()
		h.s.Connect()
		assert.Equal(t, 1, h.dialer.dialCount(), "expected connect to be a no-op once banned")
	})

	t.Run("close reason mentions ban", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()
		h.closeWith(websocket.CloseNormalClosure, "User BANNED by moderator")

		assert.True(t, h.s.Snapshot().IsBanned)
		assert.Empty(t, h.clock.Pending())
	})

	t.Run("error frame mentions ban", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()
		conn := h.dialer.lastConn()
		h.frame(&ErrorNotice{Error: "You are Banned from this room"})

		state := h.s.Snapshot()
		assert.True(t, state.IsBanned)
		assert.Equal(t, types.StatusError, state.Status)
		assert.Equal(t, "You are Banned from this room", state.Error)
		assert.True(t, conn.isClosed(), "expected the socket to be closed")

		h.clock.Advance(time.Minute)
		assert.Equal(t, "You are Banned from this room", h.s.Snapshot().Error, "expected ban error to persist")

		h.s.Connect()
		assert.Equal(t, 1, h.dialer.dialCount())
	})

	t.Run("ban survives room change", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()
		h.closeWith(websocket.ClosePolicyViolation, "")

		h.s.SetRoom("lounge")
		assert.True(t, h.s.Snapshot().IsBanned)
		assert.Equal(t, 1, h.dialer.dialCount())
	})

	t.Run("read pump reports close frames", func(t *testing.T) {
		h := newHarness(t, DefaultRule)
		h.s.Connect()
		h.dialer.lastConn().closeErr <- &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "banned"}

		assert.Eventually(t, func() bool {
			return h.s.Snapshot().IsBanned
		}, time.Second, 5*time.Millisecond)
	})
}

func TestErrorNotice(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()

	h.frame(&ErrorNotice{Error: "message too long"})
	assert.Equal(t, "message too long", h.s.Snapshot().Error)
	assert.Equal(t, types.StatusConnected, h.s.Snapshot().Status)

	h.clock.Advance(4999 * time.Millisecond)
	assert.Equal(t, "message too long", h.s.Snapshot().Error)

	h.frame(&ErrorNotice{Error: "profanity filtered"})
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, "profanity filtered", h.s.Snapshot().Error, "expected the newer error to overwrite the older timer")

	h.clock.Advance(5 * time.Second)
	assert.Empty(t, h.s.Snapshot().Error)
}

func TestInboundFrames(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()

	h.frame(&Connected{UserID: strPtr("u1"), ProfileIncomplete: true})
	state := h.s.Snapshot()
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, "u1", state.UserID)
	assert.True(t, state.ProfileIncomplete)

	h.frame(&MessageHistory{Data: []types.ChatMessage{msg("1", "u1"), msg("2", "u2"), msg("3", "u1")}})
	assert.Len(t, h.s.Snapshot().Messages, 3)

	h.frame(&NewMessage{Data: msg("4", "u3")})
	assert.Equal(t, "4", h.s.Snapshot().Messages[3].ID)

	edited := msg("2", "u2")
	edited.Message = "edited"
	edited.EditedAt = "2026-01-01T00:00:00Z"
	h.frame(&MessageUpdated{Data: edited})
	assert.Equal(t, "edited", h.s.Snapshot().Messages[1].Message)

	h.frame(&MessageUpdated{Data: msg("99", "u9")})
	assert.Len(t, h.s.Snapshot().Messages, 4, "expected update of unknown message to be dropped")

	h.frame(&MessageDeleted{MessageID: "4"})
	assert.Len(t, h.s.Snapshot().Messages, 3)

	h.frame(&BulkDelete{UserID: "u1", DeletedCount: 2})
	messages := h.s.Snapshot().Messages
	require.Len(t, messages, 1)
	assert.Equal(t, "2", messages[0].ID)

	h.frame(&PresenceUpdate{Data: types.Presence{Guests: 2, Members: 5, Admins: 1}})
	assert.Equal(t, types.Presence{Guests: 2, Members: 5, Admins: 1}, h.s.Snapshot().Presence)

	h.frame(&TypingUpdate{Data: types.TypingUser{UserID: "u2", UserName: "bob", IsTyping: true}})
	assert.Contains(t, h.s.Snapshot().Typing, "u2")
	h.frame(&TypingUpdate{Data: types.TypingUser{UserID: "u2", IsTyping: false}})
	assert.NotContains(t, h.s.Snapshot().Typing, "u2")

	h.frame(&Connected{UserID: nil})
	assert.False(t, h.s.Snapshot().IsAuthenticated)
}

func TestMalformedFramesDropped(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()
	h.frame(&MessageHistory{Data: []types.ChatMessage{msg("1", "u1")}})
	before := h.s.Snapshot()

	h.raw([]byte(`{not json`))
	h.raw([]byte(`{"type":"mystery","data":{}}`))
	h.raw([]byte(`{"type":"new_message","data":"oops"}`))

	after := h.s.Snapshot()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, types.StatusConnected, after.Status)
	assert.Empty(t, after.Error)
	assert.Equal(t, 3, h.stats.Count(stats.FramesDropped))
}

func TestStaleSocketEventsIgnored(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()

	h.s.mu.Lock()
	oldGen, oldLink := h.s.gen, h.s.link
	h.s.mu.Unlock()

	h.s.Disconnect()
	h.s.Connect()

	raw, err := EncodeServerFrame(&NewMessage{Data: msg("1", "u1")})
	require.NoError(t, err)
	h.s.onFrame(oldGen, raw)
	h.s.onClose(oldGen, oldLink, websocket.CloseAbnormalClosure, "")

	state := h.s.Snapshot()
	assert.Empty(t, state.Messages)
	assert.Equal(t, types.StatusConnected, state.Status)
	assert.Empty(t, h.clock.Pending())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()
	conn := h.dialer.lastConn()

	h.dialer.setErr(errors.New("refused"))
	h.closeWith(websocket.CloseAbnormalClosure, "")
	require.Len(t, h.clock.Pending(), 1)

	h.s.Disconnect()
	h.s.Disconnect()

	assert.Empty(t, h.clock.Pending(), "expected pending reconnect to be cancelled")
	assert.Equal(t, types.StatusDisconnected, h.s.Snapshot().Status)
	assert.True(t, conn.isClosed())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestSetRoom(t *testing.T) {
	h := newHarness(t, Rule{MaxMessages: 1, Window: time.Minute})
	h.s.Connect()
	first := h.dialer.lastConn()

	h.frame(&MessageHistory{Data: []types.ChatMessage{msg("1", "u1")}})
	require.True(t, h.s.SendMessage("hi"))
	require.False(t, h.s.SendMessage("again"))
	require.False(t, h.s.Snapshot().Throttle.Until.IsZero())

	h.s.SetRoom("lounge")

	state := h.s.Snapshot()
	assert.True(t, first.isClosed())
	assert.Equal(t, "ws://chat.test/chat/ws?room=lounge", h.dialer.lastURL())
	assert.Equal(t, "lounge", state.Room)
	assert.Equal(t, types.StatusConnected, state.Status)
	assert.Empty(t, state.Messages)
	assert.True(t, state.Throttle.Until.IsZero(), "expected throttle window to be reset")
	assert.True(t, h.s.SendMessage("fresh room"), "expected send history to be reset")
}

func TestSetRoomSameRoom(t *testing.T) {
	for _, room := range []string{"", DefaultRoom} {
		t.Run(fmt.Sprintf("room %q", room), func(t *testing.T) {
			h := newHarness(t, Rule{MaxMessages: 1, Window: time.Minute})
			h.s.Connect()
			conn := h.dialer.lastConn()

			h.frame(&MessageHistory{Data: []types.ChatMessage{msg("1", "u1")}})
			require.True(t, h.s.SendMessage("hi"))
			require.False(t, h.s.SendMessage("again"))

			h.s.SetRoom(room)

			state := h.s.Snapshot()
			assert.Equal(t, 1, h.dialer.dialCount(), "expected the socket to be kept")
			assert.False(t, conn.isClosed())
			assert.Equal(t, DefaultRoom, state.Room)
			assert.Len(t, state.Messages, 1)
			assert.False(t, state.Throttle.Until.IsZero(), "expected the throttle window to survive")
		})
	}
}

func TestSetRoomResetsAttempts(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()
	h.dialer.setErr(errors.New("refused"))
	h.closeWith(websocket.CloseAbnormalClosure, "")
	h.clock.Advance(time.Second)
	h.clock.Advance(2 * time.Second)
	require.Equal(t, []time.Duration{4 * time.Second}, h.clock.Pending())

	h.s.SetRoom("lounge")
	assert.Equal(t, []time.Duration{time.Second}, h.clock.Pending(), "expected backoff to restart for the new room")
}

func TestCloseReleasesTimers(t *testing.T) {
	h := newHarness(t, Rule{MaxMessages: 1, Window: time.Minute})
	h.s.Connect()
	conn := h.dialer.lastConn()

	require.True(t, h.s.SendMessage("one"))
	require.False(t, h.s.SendMessage("two"))
	h.frame(&ErrorNotice{Error: "transient"})
	require.NotEmpty(t, h.clock.Pending())

	h.s.Close()

	assert.Empty(t, h.clock.Pending())
	assert.True(t, conn.isClosed())

	h.s.Connect()
	assert.Equal(t, 1, h.dialer.dialCount(), "expected a closed session to stay closed")
}

func TestChangesSignal(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.Connect()

	select {
	case <-h.s.Changes():
	default:
		t.Fatal("expected a change signal after connecting")
	}

	h.frame(&NewMessage{Data: msg("1", "u1")})
	h.frame(&NewMessage{Data: msg("2", "u1")})
	assert.Len(t, h.s.Changes(), 1, "expected change signals to coalesce")
}

func TestPingInterval(t *testing.T) {
	h := newHarness(t, DefaultRule)
	h.s.pingInterval = 30 * time.Second
	h.s.Connect()
	conn := h.dialer.lastConn()
	require.Equal(t, []time.Duration{30 * time.Second}, h.clock.Pending())

	h.clock.Advance(29 * time.Second)
	noWrite(t, conn)

	h.clock.Advance(time.Second)
	assert.Equal(t, string(TypePing), nextWrite(t, conn)["type"])
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Pending(), "expected the next ping to be armed")

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, string(TypePing), nextWrite(t, conn)["type"])

	h.closeWith(websocket.CloseAbnormalClosure, "")
	assert.Equal(t, []time.Duration{time.Second}, h.clock.Pending(), "expected only the reconnect to stay armed")
}
