package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chat-realtime/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseInfo(t *testing.T) {
	tcases := []struct {
		name   string
		err    error
		code   int
		reason string
	}{
		{"close frame", &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "banned"}, websocket.ClosePolicyViolation, "banned"},
		{"network error", errors.New("connection reset by peer"), websocket.CloseAbnormalClosure, "connection reset by peer"},
		{"nil", nil, websocket.CloseNormalClosure, ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			code, reason := CloseInfo(tc.err)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestWSDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "jwt=token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, data)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "banned"))
	}))
	defer ts.Close()

	t.Run("echo and close code", func(t *testing.T) {
		header := http.Header{"Cookie": []string{"jwt=token"}}
		conn, err := NewWSDialer().Dial(context.Background(), testutil.WSURL(ts), header)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage([]byte(`{"type":"ping"}`)))

		data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, `{"type":"ping"}`, string(data))

		_, err = conn.ReadMessage()
		code, reason := CloseInfo(err)
		assert.Equal(t, websocket.ClosePolicyViolation, code)
		assert.Equal(t, "banned", reason)
	})

	t.Run("handshake rejected", func(t *testing.T) {
		_, err := NewWSDialer().Dial(context.Background(), testutil.WSURL(ts), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 401")
	})
}
