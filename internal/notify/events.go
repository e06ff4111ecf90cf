package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chat-realtime/internal/types"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
)

type EventName string

const (
	EventConnected            EventName = "connected"
	EventNewNotification      EventName = "new_notification"
	EventNotificationUpdated  EventName = "notification_updated"
	EventNotificationDeleted  EventName = "notification_deleted"
	EventNotificationsCleared EventName = "notifications_cleared"
	EventUnreadCountChanged   EventName = "unread_count_changed"
	EventKeepAlive            EventName = "keep_alive"
	EventError                EventName = "error"

	// eventMessage is the name the stream assigns to events without an
	// explicit event field.
	eventMessage EventName = "message"
)

// Event is implemented by every named event the notification stream
// delivers. Only types in this package satisfy it.
type Event interface {
	eventName() EventName
}

type Connected struct {
	UnreadCount int    `json:"unreadCount"`
	UserID      string `json:"userId,omitempty"`
}

type NewNotification struct {
	Notification types.Notification `json:"notification"`
}

type NotificationUpdated struct {
	Notification types.Notification `json:"notification"`
}

type NotificationDeleted struct {
	NotificationID string `json:"notificationId"`
}

type NotificationsCleared struct{}

type UnreadCountChanged struct {
	Count int `json:"count"`
}

type KeepAlive struct{}

type ErrorEvent struct {
	Message string `json:"message"`
}

func (Connected) eventName() EventName            { return EventConnected }
func (NewNotification) eventName() EventName      { return EventNewNotification }
func (NotificationUpdated) eventName() EventName  { return EventNotificationUpdated }
func (NotificationDeleted) eventName() EventName  { return EventNotificationDeleted }
func (NotificationsCleared) eventName() EventName { return EventNotificationsCleared }
func (UnreadCountChanged) eventName() EventName   { return EventUnreadCountChanged }
func (KeepAlive) eventName() EventName            { return EventKeepAlive }
func (ErrorEvent) eventName() EventName           { return EventError }

// DecodeEvent turns a named stream event into its concrete type. Unnamed
// events carry a bare notification and decode as NewNotification.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch EventName(name) {
	case EventConnected:
		ev := &Connected{}
		if err := decodePayload(name, data, ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventNewNotification, eventMessage, "":
		n, err := decodeNotification(name, data)
		if err != nil {
			return nil, err
		}
		return &NewNotification{Notification: n}, nil
	case EventNotificationUpdated:
		n, err := decodeNotification(name, data)
		if err != nil {
			return nil, err
		}
		return &NotificationUpdated{Notification: n}, nil
	case EventNotificationDeleted:
		ev := &NotificationDeleted{}
		if err := decodePayload(name, data, ev); err != nil {
			return nil, err
		}
		if ev.NotificationID == "" {
			return nil, fmt.Errorf("%w: %s: missing notificationId", ErrMalformedEvent, name)
		}
		return ev, nil
	case EventNotificationsCleared:
		return &NotificationsCleared{}, nil
	case EventUnreadCountChanged:
		ev := &UnreadCountChanged{}
		if err := decodePayload(name, data, ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventKeepAlive:
		return &KeepAlive{}, nil
	case EventError:
		ev := &ErrorEvent{}
		if err := decodePayload(name, data, ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

func decodePayload(name string, data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrMalformedEvent, name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	return nil
}

// decodeNotification accepts both {"notification": {...}} and a bare
// notification object.
func decodeNotification(name string, data []byte) (types.Notification, error) {
	var wrapped struct {
		Notification *types.Notification `json:"notification"`
	}
	if err := decodePayload(name, data, &wrapped); err != nil {
		return types.Notification{}, err
	}

	n := wrapped.Notification
	if n == nil {
		n = &types.Notification{}
		if err := json.Unmarshal(data, n); err != nil {
			return types.Notification{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
		}
	}
	if n.ID == "" {
		return types.Notification{}, fmt.Errorf("%w: %s: missing id", ErrMalformedEvent, name)
	}
	return *n, nil
}

// EncodeEvent returns the event name and JSON payload for ev, the inverse of
// DecodeEvent.
func EncodeEvent(ev Event) (string, []byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s: %w", ev.eventName(), err)
	}
	return string(ev.eventName()), data, nil
}
