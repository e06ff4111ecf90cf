package notify

import "github.com/npezzotti/go-chat-realtime/internal/types"

// MaxNotifications is the number of notifications kept in memory, newest
// first.
const MaxNotifications = 50

// Prepend puts n at the head of buf. A notification already buffered is
// ignored; overflow evicts from the tail.
func Prepend(buf []types.Notification, n types.Notification) []types.Notification {
	for _, existing := range buf {
		if existing.ID == n.ID {
			return buf
		}
	}

	end := len(buf)
	if end+1 > MaxNotifications {
		end = MaxNotifications - 1
	}

	out := make([]types.Notification, 0, end+1)
	out = append(out, n)
	return append(out, buf[:end]...)
}

// ReplaceByID swaps in n for the entry with the same id. Unknown ids leave
// the buffer unchanged.
func ReplaceByID(buf []types.Notification, n types.Notification) []types.Notification {
	out := make([]types.Notification, len(buf))
	for i, existing := range buf {
		if existing.ID == n.ID {
			out[i] = n
			continue
		}
		out[i] = existing
	}
	return out
}

func RemoveByID(buf []types.Notification, id string) []types.Notification {
	out := make([]types.Notification, 0, len(buf))
	for _, n := range buf {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// MarkAllRead returns a copy of buf with every notification read.
func MarkAllRead(buf []types.Notification) []types.Notification {
	out := make([]types.Notification, len(buf))
	for i, n := range buf {
		n.Read = true
		out[i] = n
	}
	return out
}

// Trim bounds a fetched page to MaxNotifications, keeping the head.
func Trim(list []types.Notification) []types.Notification {
	if len(list) > MaxNotifications {
		list = list[:MaxNotifications]
	}
	return append([]types.Notification(nil), list...)
}
