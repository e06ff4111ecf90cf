package chat

import (
	"strings"
	"time"

	"github.com/npezzotti/go-chat-realtime/internal/stats"
	"github.com/npezzotti/go-chat-realtime/internal/types"
)

// SendMessage queues text for delivery to the room. It returns false when
// the message was rejected locally: no open socket, an active throttle
// window, or a send that would exceed the room's rate limit. In the last
// case a throttle window is opened and text is kept as the restore draft.
func (s *Session) SendMessage(text string) bool {
	msg := strings.TrimSpace(text)
	if msg == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil || s.status != types.StatusConnected {
		s.setErrorLocked(errNotConnected, true)
		s.notify()
		return false
	}

	now := s.clock.Now()
	if s.throttle.Active(now) {
		return false
	}

	rule := s.rules.Rule(s.roomID())
	s.sent = pruneWindow(s.sent, now, rule.Window)
	if until, throttled := predictThrottle(s.sent, now, rule); throttled {
		s.stats.Incr(stats.SendsThrottled)
		s.openThrottleLocked(ThrottleState{
			Until:          until,
			Limit:          rule.MaxMessages,
			Window:         rule.Window,
			RestoreMessage: text,
		})
		return false
	}

	s.sent = append(s.sent, now)
	s.lastAttempt = text

	data, err := serializeMessage(SendMessage{Type: TypeSendMessage, Message: msg})
	if err != nil {
		s.log.Printf("serialize message: %v", err)
		return false
	}
	if !s.queueLocked(data) {
		s.setErrorLocked(errSendFailed, true)
		s.notify()
		return false
	}

	return true
}

// Ping sends an application level ping frame.
func (s *Session) Ping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pingLocked()
}

func (s *Session) pingLocked() bool {
	data, err := serializeMessage(Ping{Type: TypePing})
	if err != nil {
		return false
	}
	return s.queueLocked(data)
}

// applyServerThrottleLocked adopts the server's window. The server is
// authoritative and replaces any locally predicted window.
func (s *Session) applyServerThrottleLocked(f *Throttled) {
	if f.RoomID != "" && f.RoomID != s.roomID() {
		s.log.Printf("ignoring throttle notice for room %q", f.RoomID)
		return
	}

	s.stats.Incr(stats.SendsThrottled)
	s.openThrottleLocked(ThrottleState{
		Until:          s.clock.Now().Add(time.Duration(f.RetryAfterMs) * time.Millisecond),
		Limit:          f.Limit,
		Window:         time.Duration(f.WindowMs) * time.Millisecond,
		RestoreMessage: s.lastAttempt,
	})
}

func (s *Session) openThrottleLocked(t ThrottleState) {
	t.Remaining = t.Until.Sub(s.clock.Now())
	s.throttle = t
	s.scheduleThrottleTickLocked()
	s.notify()
}

func (s *Session) scheduleThrottleTickLocked() {
	stopTimer(&s.throttleTimer)
	s.throttleTimer = s.clock.AfterFunc(throttleTick, s.throttleTick)
}

// throttleTick refreshes the countdown and is the only place an expired
// window is cleared.
func (s *Session) throttleTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.throttle.Until.IsZero() {
		return
	}

	remaining := s.throttle.Until.Sub(s.clock.Now())
	if remaining <= 0 {
		s.clearThrottleLocked()
	} else {
		s.throttle.Remaining = remaining
		s.scheduleThrottleTickLocked()
	}
	s.notify()
}

func (s *Session) clearThrottleLocked() {
	stopTimer(&s.throttleTimer)
	s.throttle = ThrottleState{}
}
