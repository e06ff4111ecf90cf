package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chat-realtime/internal/types"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

type FrameType string

const (
	// client -> server
	TypeSendMessage  FrameType = "send_message"
	TypePing         FrameType = "ping"
	TypeTypingStatus FrameType = "typing_status"

	// server -> client
	TypeConnected      FrameType = "connected"
	TypeMessageHistory FrameType = "message_history"
	TypeNewMessage     FrameType = "new_message"
	TypeMessageDeleted FrameType = "message_deleted"
	TypeMessageUpdated FrameType = "message_updated"
	TypeBulkDelete     FrameType = "bulk_delete"
	TypeThrottled      FrameType = "throttled"
	TypeError          FrameType = "error"
	TypePresence       FrameType = "presence"
	TypeTypingUpdate   FrameType = "typing_update"
)

type envelope struct {
	Type FrameType `json:"type"`
}

// ServerFrame is implemented by every frame the server can push. The set is
// closed: only types in this package satisfy it.
type ServerFrame interface {
	frameType() FrameType
}

type Connected struct {
	UserID            *string `json:"userId"`
	ProfileIncomplete bool    `json:"profileIncomplete,omitempty"`
}

type MessageHistory struct {
	Data []types.ChatMessage `json:"data"`
}

type NewMessage struct {
	Data types.ChatMessage `json:"data"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

type MessageUpdated struct {
	Data types.ChatMessage `json:"data"`
}

type BulkDelete struct {
	UserID       string `json:"userId"`
	DeletedCount int    `json:"deletedCount"`
}

type Throttled struct {
	RetryAfterMs int64  `json:"retryAfterMs"`
	Limit        int    `json:"limit"`
	WindowMs     int64  `json:"windowMs"`
	RoomID       string `json:"roomId,omitempty"`
}

type ErrorNotice struct {
	Error string `json:"error"`
}

type PresenceUpdate struct {
	Data types.Presence `json:"data"`
}

type TypingUpdate struct {
	Data types.TypingUser `json:"data"`
}

func (Connected) frameType() FrameType      { return TypeConnected }
func (MessageHistory) frameType() FrameType { return TypeMessageHistory }
func (NewMessage) frameType() FrameType     { return TypeNewMessage }
func (MessageDeleted) frameType() FrameType { return TypeMessageDeleted }
func (MessageUpdated) frameType() FrameType { return TypeMessageUpdated }
func (BulkDelete) frameType() FrameType     { return TypeBulkDelete }
func (Throttled) frameType() FrameType      { return TypeThrottled }
func (ErrorNotice) frameType() FrameType    { return TypeError }
func (PresenceUpdate) frameType() FrameType { return TypePresence }
func (TypingUpdate) frameType() FrameType   { return TypeTypingUpdate }

// DecodeServerFrame parses a raw websocket payload into its concrete frame.
func DecodeServerFrame(raw []byte) (ServerFrame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var frame ServerFrame
	switch env.Type {
	case TypeConnected:
		frame = &Connected{}
	case TypeMessageHistory:
		frame = &MessageHistory{}
	case TypeNewMessage:
		frame = &NewMessage{}
	case TypeMessageDeleted:
		frame = &MessageDeleted{}
	case TypeMessageUpdated:
		frame = &MessageUpdated{}
	case TypeBulkDelete:
		frame = &BulkDelete{}
	case TypeThrottled:
		frame = &Throttled{}
	case TypeError:
		frame = &ErrorNotice{}
	case TypePresence:
		frame = &PresenceUpdate{}
	case TypeTypingUpdate:
		frame = &TypingUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}

	if err := json.Unmarshal(raw, frame); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
	}

	return frame, nil
}

type SendMessage struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

type Ping struct {
	Type FrameType `json:"type"`
}

type TypingStatus struct {
	Type     FrameType `json:"type"`
	IsTyping bool      `json:"isTyping"`
	RoomID   string    `json:"roomId,omitempty"`
}

func serializeMessage(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeServerFrame serializes a server frame with its type discriminator.
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal frame fields: %w", err)
	}

	t, err := json.Marshal(f.frameType())
	if err != nil {
		return nil, err
	}
	fields["type"] = t

	return json.Marshal(fields)
}
