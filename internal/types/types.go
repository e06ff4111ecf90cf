package types

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

type ChatMessage struct {
	ID         string  `json:"id"`
	UserID     string  `json:"userId"`
	UserName   string  `json:"userName"`
	UserAvatar *string `json:"userAvatar"`
	Message    string  `json:"message"`
	Timestamp  int64   `json:"timestamp"`
	CreatedAt  string  `json:"createdAt"`
	EditedAt   string  `json:"editedAt,omitempty"`
}

type Presence struct {
	Guests  int `json:"guests"`
	Members int `json:"members"`
	Admins  int `json:"admins"`
}

type TypingUser struct {
	UserID     string  `json:"userId"`
	UserName   string  `json:"userName"`
	UserAvatar *string `json:"userAvatar"`
	IsTyping   bool    `json:"isTyping"`
	RoomID     string  `json:"roomId,omitempty"`
}

type NotificationType string

const (
	NotificationSystem  NotificationType = "system"
	NotificationMessage NotificationType = "message"
	NotificationMention NotificationType = "mention"
	NotificationAlert   NotificationType = "alert"
)

type NotificationAction struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type NotificationMetadata struct {
	Actions   []NotificationAction `json:"actions,omitempty"`
	Priority  string               `json:"priority,omitempty"`
	ExpiresAt string               `json:"expiresAt,omitempty"`
	Data      map[string]any       `json:"data,omitempty"`
}

type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"userId"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Content   string               `json:"content"`
	Metadata  NotificationMetadata `json:"metadata"`
	Read      bool                 `json:"read"`
	CreatedAt string               `json:"createdAt"`
	UpdatedAt string               `json:"updatedAt"`
}
