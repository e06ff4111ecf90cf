package devserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/go-chat-realtime/internal/notify"
	"github.com/npezzotti/go-chat-realtime/internal/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// inbox holds one user's notifications, newest first.
type inbox struct {
	notifications []types.Notification
	streams       map[*eventStream]struct{}
}

func (b *inbox) unread() int {
	n := 0
	for _, item := range b.notifications {
		if !item.Read {
			n++
		}
	}
	return n
}

type streamEvent struct {
	name string
	data []byte
}

type eventStream struct {
	events chan streamEvent
	done   chan struct{}
	once   sync.Once
}

func newEventStream() *eventStream {
	return &eventStream{
		events: make(chan streamEvent, 64),
		done:   make(chan struct{}),
	}
}

func (es *eventStream) close() {
	es.once.Do(func() { close(es.done) })
}

// inboxLocked returns userID's inbox, creating it. s.mu must be held.
func (s *Server) inboxLocked(userID string) *inbox {
	b, ok := s.inboxes[userID]
	if !ok {
		b = &inbox{streams: make(map[*eventStream]struct{})}
		s.inboxes[userID] = b
	}
	return b
}

// publishLocked queues ev on every open stream of b. s.mu must be held.
func (s *Server) publishLocked(b *inbox, ev notify.Event) {
	name, data, err := notify.EncodeEvent(ev)
	if err != nil {
		s.log.Printf("encode event: %v", err)
		return
	}

	for es := range b.streams {
		select {
		case es.events <- streamEvent{name: name, data: data}:
		default:
			s.log.Printf("dropping %s event for slow stream", name)
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func (s *Server) streamNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errResp := NewInternalServerError(fmt.Errorf("streaming unsupported"))
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	u, _ := UserFrom(r.Context())

	es := newEventStream()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		errResp := newApiError(http.StatusServiceUnavailable)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	b := s.inboxLocked(u.Id)
	b.streams[es] = struct{}{}
	unread := b.unread()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(b.streams, es)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", s.cfg.StreamRetry.Milliseconds())
	_, data, _ := notify.EncodeEvent(&notify.Connected{UnreadCount: unread, UserID: u.Id})
	if err := writeEvent(w, string(notify.EventConnected), data); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev := <-es.events:
			if err := writeEvent(w, ev.name, ev.data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if err := writeEvent(w, string(notify.EventKeepAlive), []byte("{}")); err != nil {
				return
			}
			flusher.Flush()
		case <-es.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		errResp := NewBadRequestError("invalid page")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		errResp := NewBadRequestError("invalid limit")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	filter := q.Get("filter")
	switch filter {
	case "", "all", "unread", "read":
	default:
		errResp := NewBadRequestError("invalid filter")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	kind := types.NotificationType(q.Get("type"))
	search := strings.ToLower(q.Get("search"))

	s.mu.Lock()
	b := s.inboxLocked(u.Id)
	var matched []types.Notification
	for _, n := range b.notifications {
		if filter == "unread" && n.Read || filter == "read" && !n.Read {
			continue
		}
		if kind != "" && n.Type != kind {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(n.Title+" "+n.Content), search) {
			continue
		}
		matched = append(matched, n)
	}
	resp := notify.ListResponse{UnreadCount: b.unread(), Notifications: []types.Notification{}}
	s.mu.Unlock()

	if start := (page - 1) * limit; start < len(matched) {
		end := min(start+limit, len(matched))
		resp.Notifications = matched[start:end]
	}

	s.writeJson(w, http.StatusOK, resp)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())

	s.mu.Lock()
	s.heartbeats[u.Id]++
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// Heartbeats reports how many heartbeats userID has sent.
func (s *Server) Heartbeats(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats[userID]
}

// Notify stores a new unread notification for userID and pushes it to the
// user's open streams along with the new unread count.
func (s *Server) Notify(userID string, kind types.NotificationType, title, content string) types.Notification {
	now := time.Now().UTC().Format(time.RFC3339)
	n := types.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.inboxLocked(userID)
	b.notifications = append([]types.Notification{n}, b.notifications...)
	s.publishLocked(b, &notify.NewNotification{Notification: n})
	s.publishLocked(b, &notify.UnreadCountChanged{Count: b.unread()})

	return n
}

// MarkRead marks one notification read and publishes the update.
func (s *Server) MarkRead(userID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.inboxLocked(userID)
	for i, n := range b.notifications {
		if n.ID != id {
			continue
		}
		n.Read = true
		n.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		b.notifications[i] = n
		s.publishLocked(b, &notify.NotificationUpdated{Notification: n})
		s.publishLocked(b, &notify.UnreadCountChanged{Count: b.unread()})
		return true
	}
	return false
}

// MarkAllRead marks every notification read. Streams only receive the
// zero unread count.
func (s *Server) MarkAllRead(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.inboxLocked(userID)
	for i := range b.notifications {
		b.notifications[i].Read = true
	}
	s.publishLocked(b, &notify.UnreadCountChanged{Count: 0})
}

func (s *Server) DeleteNotification(userID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.inboxLocked(userID)
	before := len(b.notifications)
	b.notifications = notify.RemoveByID(b.notifications, id)
	if len(b.notifications) == before {
		return false
	}
	s.publishLocked(b, &notify.NotificationDeleted{NotificationID: id})
	s.publishLocked(b, &notify.UnreadCountChanged{Count: b.unread()})
	return true
}

func (s *Server) ClearNotifications(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.inboxLocked(userID)
	b.notifications = nil
	s.publishLocked(b, &notify.NotificationsCleared{})
	s.publishLocked(b, &notify.UnreadCountChanged{Count: 0})
}

// SendStreamError pushes an error event to userID's open streams.
func (s *Server) SendStreamError(userID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(s.inboxLocked(userID), &notify.ErrorEvent{Message: message})
}

// DropStreams ends every open notification stream. Clients see the
// connection close and reconnect on their own.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.inboxes {
		for es := range b.streams {
			es.close()
		}
	}
}

// StreamCount reports how many streams userID has open.
func (s *Server) StreamCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.inboxes[userID]; ok {
		return len(b.streams)
	}
	return 0
}
