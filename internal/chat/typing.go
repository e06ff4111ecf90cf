package chat

import "github.com/npezzotti/go-chat-realtime/internal/types"

// SetTyping tells the room whether the user is typing. Start notifications
// are rate limited to one per typingInterval; stop notifications always go
// out. It reports whether a frame was queued.
func (s *Session) SetTyping(isTyping bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil || s.status != types.StatusConnected {
		return false
	}
	if isTyping && !s.typingLimiter.AllowN(s.clock.Now(), 1) {
		return false
	}

	frame := TypingStatus{Type: TypeTypingStatus, IsTyping: isTyping}
	if s.room != "" {
		frame.RoomID = s.room
	}

	data, err := serializeMessage(frame)
	if err != nil {
		s.log.Printf("serialize typing status: %v", err)
		return false
	}
	return s.queueLocked(data)
}
