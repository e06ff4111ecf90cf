package chat

import "github.com/npezzotti/go-chat-realtime/internal/types"

// MaxMessages is the number of messages retained in a session's buffer.
const MaxMessages = 100

// The functions below are the message buffer reducer. None of them mutate
// the slice they are given.

func ReplaceAll(list []types.ChatMessage) []types.ChatMessage {
	if len(list) > MaxMessages {
		list = list[len(list)-MaxMessages:]
	}
	return append([]types.ChatMessage(nil), list...)
}

// Append adds msg to the tail, evicting the oldest entries beyond MaxMessages.
func Append(buf []types.ChatMessage, msg types.ChatMessage) []types.ChatMessage {
	start := 0
	if len(buf)+1 > MaxMessages {
		start = len(buf) + 1 - MaxMessages
	}

	out := make([]types.ChatMessage, 0, len(buf)-start+1)
	out = append(out, buf[start:]...)
	return append(out, msg)
}

func RemoveByID(buf []types.ChatMessage, id string) []types.ChatMessage {
	return filter(buf, func(m types.ChatMessage) bool { return m.ID != id })
}

// ReplaceByID swaps in msg for the entry with the same id. A message that is
// not buffered is dropped rather than appended.
func ReplaceByID(buf []types.ChatMessage, msg types.ChatMessage) []types.ChatMessage {
	out := make([]types.ChatMessage, len(buf))
	for i, m := range buf {
		if m.ID == msg.ID {
			out[i] = msg
			continue
		}
		out[i] = m
	}
	return out
}

func RemoveByUser(buf []types.ChatMessage, userID string) []types.ChatMessage {
	return filter(buf, func(m types.ChatMessage) bool { return m.UserID != userID })
}

func filter(buf []types.ChatMessage, keep func(types.ChatMessage) bool) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(buf))
	for _, m := range buf {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
