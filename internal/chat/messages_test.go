package chat

import (
	"encoding/json"
	"testing"

	"github.com/npezzotti/go-chat-realtime/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerFrame(t *testing.T) {
	userID := "u1"

	tcases := []struct {
		name     string
		raw      string
		expected ServerFrame
	}{
		{
			name:     "connected",
			raw:      `{"type":"connected","userId":"u1","profileIncomplete":true}`,
			expected: &Connected{UserID: &userID, ProfileIncomplete: true},
		},
		{
			name:     "connected as guest",
			raw:      `{"type":"connected","userId":null}`,
			expected: &Connected{},
		},
		{
			name: "history",
			raw:  `{"type":"message_history","data":[{"id":"1","userId":"u1","userName":"alice","userAvatar":null,"message":"hi","timestamp":1700000000000,"createdAt":"2023-11-14T22:13:20Z"}]}`,
			expected: &MessageHistory{Data: []types.ChatMessage{{
				ID: "1", UserID: "u1", UserName: "alice", Message: "hi",
				Timestamp: 1700000000000, CreatedAt: "2023-11-14T22:13:20Z",
			}}},
		},
		{
			name:     "deleted",
			raw:      `{"type":"message_deleted","messageId":"7"}`,
			expected: &MessageDeleted{MessageID: "7"},
		},
		{
			name:     "bulk delete",
			raw:      `{"type":"bulk_delete","userId":"u2","deletedCount":4}`,
			expected: &BulkDelete{UserID: "u2", DeletedCount: 4},
		},
		{
			name:     "throttled",
			raw:      `{"type":"throttled","retryAfterMs":4500,"limit":5,"windowMs":10000,"roomId":"general"}`,
			expected: &Throttled{RetryAfterMs: 4500, Limit: 5, WindowMs: 10000, RoomID: "general"},
		},
		{
			name:     "error",
			raw:      `{"type":"error","error":"slow down"}`,
			expected: &ErrorNotice{Error: "slow down"},
		},
		{
			name:     "presence",
			raw:      `{"type":"presence","data":{"guests":1,"members":2,"admins":3}}`,
			expected: &PresenceUpdate{Data: types.Presence{Guests: 1, Members: 2, Admins: 3}},
		},
		{
			name:     "typing",
			raw:      `{"type":"typing_update","data":{"userId":"u2","userName":"bob","userAvatar":null,"isTyping":true}}`,
			expected: &TypingUpdate{Data: types.TypingUser{UserID: "u2", UserName: "bob", IsTyping: true}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := DecodeServerFrame([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, frame)
		})
	}
}

func TestDecodeServerFrameErrors(t *testing.T) {
	tcases := []struct {
		name     string
		raw      string
		expected error
	}{
		{"not json", `hello`, ErrMalformedFrame},
		{"wrong payload shape", `{"type":"new_message","data":[1,2]}`, ErrMalformedFrame},
		{"unknown type", `{"type":"reaction_added"}`, ErrUnknownFrame},
		{"missing type", `{"data":{}}`, ErrUnknownFrame},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := DecodeServerFrame([]byte(tc.raw))
			assert.Nil(t, frame)
			assert.ErrorIs(t, err, tc.expected)
		})
	}
}

func TestEncodeServerFrame(t *testing.T) {
	raw, err := EncodeServerFrame(&MessageDeleted{MessageID: "3"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_deleted","messageId":"3"}`, string(raw))

	frame, err := DecodeServerFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, &MessageDeleted{MessageID: "3"}, frame)
}

func TestClientFrames(t *testing.T) {
	data, err := serializeMessage(TypingStatus{Type: TypeTypingStatus, IsTyping: true, RoomID: "lounge"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, map[string]any{"type": "typing_status", "isTyping": true, "roomId": "lounge"}, out)
}
