package devserver

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"

	"github.com/npezzotti/go-chat-realtime/internal/chat"
	"github.com/npezzotti/go-chat-realtime/internal/config"
	"github.com/npezzotti/go-chat-realtime/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	maxContentLen  = 2000
)

// clientFrame is the union of every frame a chat client sends.
type clientFrame struct {
	Type     chat.FrameType `json:"type"`
	Message  string         `json:"message"`
	IsTyping bool           `json:"isTyping"`
	RoomID   string         `json:"roomId"`
}

type inbound struct {
	client *client
	frame  clientFrame
}

type client struct {
	conn    *websocket.Conn
	room    *room
	log     *log.Logger
	user    User
	authed  bool
	send    chan []byte
	kick    chan *websocket.CloseError
	stop    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func newClient(conn *websocket.Conn, r *room, u User, authed bool, l *log.Logger) *client {
	return &client{
		conn:    conn,
		room:    r,
		log:     l,
		user:    u,
		authed:  authed,
		send:    make(chan []byte, 256),
		kick:    make(chan *websocket.CloseError, 1),
		stop:    make(chan struct{}),
		limiter: r.newLimiter(),
	}
}

func (c *client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.sendMessage(websocket.TextMessage, msg) {
				return
			}
		case ce := <-c.kick:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(ce.Code, ce.Text),
				time.Now().Add(writeWait))
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *client) Read() {
	defer func() {
		c.conn.Close()
		c.room.unregister(c)
		c.stopClient()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueFrame(&chat.ErrorNotice{Error: "Invalid message format"})
			continue
		}

		switch frame.Type {
		case chat.TypePing:
		case chat.TypeSendMessage, chat.TypeTypingStatus:
			c.room.dispatch(inbound{client: c, frame: frame})
		default:
			c.queueFrame(&chat.ErrorNotice{Error: "Unknown message type"})
		}
	}
}

func (c *client) queueMessage(msg []byte) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *client) queueFrame(f chat.ServerFrame) bool {
	data, err := chat.EncodeServerFrame(f)
	if err != nil {
		c.log.Println("failed to serialize frame:", err)
		return false
	}
	return c.queueMessage(data)
}

func (c *client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// disconnect closes the socket with a close frame carrying code and reason.
func (c *client) disconnect(code int, reason string) {
	select {
	case c.kick <- &websocket.CloseError{Code: code, Text: reason}:
	default:
	}
}

func (c *client) stopClient() {
	c.once.Do(func() { close(c.stop) })
}

// room serializes everything that happens in one chat room through run.
type room struct {
	id    string
	log   *log.Logger
	limit config.RuleConfig

	joinChan    chan *client
	leaveChan   chan *client
	inboundChan chan inbound
	control     chan func()
	exit        chan struct{}
	exitOnce    sync.Once
	done        chan struct{}

	clients       map[*client]struct{}
	history       []types.ChatMessage
	forcedRetryMs int64
}

func newRoom(id string, l *log.Logger, limit config.RuleConfig) *room {
	return &room{
		id:          id,
		log:         l,
		limit:       limit,
		joinChan:    make(chan *client, 16),
		leaveChan:   make(chan *client, 16),
		inboundChan: make(chan inbound, 256),
		control:     make(chan func()),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
		clients:     make(map[*client]struct{}),
	}
}

func (r *room) newLimiter() *rate.Limiter {
	if r.limit.MaxMessages <= 0 || r.limit.Window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	every := r.limit.Window / time.Duration(r.limit.MaxMessages)
	return rate.NewLimiter(rate.Every(every), r.limit.MaxMessages)
}

func (r *room) run() {
	r.log.Printf("starting room %q", r.id)
	defer close(r.done)

	for {
		select {
		case c := <-r.joinChan:
			r.handleJoin(c)
		case c := <-r.leaveChan:
			r.handleLeave(c)
		case in := <-r.inboundChan:
			switch in.frame.Type {
			case chat.TypeSendMessage:
				r.handlePublish(in.client, in.frame.Message)
			case chat.TypeTypingStatus:
				r.handleTyping(in.client, in.frame.IsTyping)
			}
		case f := <-r.control:
			f()
		case <-r.exit:
			r.log.Printf("room %q is exiting", r.id)
			for c := range r.clients {
				c.disconnect(websocket.CloseGoingAway, "server shutting down")
			}
			return
		}
	}
}

func (r *room) register(c *client) {
	select {
	case r.joinChan <- c:
	case <-r.done:
		c.disconnect(websocket.CloseGoingAway, "server shutting down")
	}
}

func (r *room) unregister(c *client) {
	select {
	case r.leaveChan <- c:
	case <-r.done:
	}
}

func (r *room) dispatch(in inbound) {
	select {
	case r.inboundChan <- in:
	case <-r.done:
	default:
		in.client.queueFrame(&chat.ErrorNotice{Error: "Service unavailable"})
		r.log.Printf("inbound channel full for room %q", r.id)
	}
}

// do runs f on the room's goroutine and waits for it to finish.
func (r *room) do(f func()) {
	ack := make(chan struct{})
	select {
	case r.control <- func() { f(); close(ack) }:
		<-ack
	case <-r.done:
	}
}

func (r *room) stop() {
	r.exitOnce.Do(func() { close(r.exit) })
	<-r.done
}

func (r *room) handleJoin(c *client) {
	r.clients[c] = struct{}{}

	connected := &chat.Connected{ProfileIncomplete: c.authed && c.user.Name == ""}
	if c.authed {
		id := c.user.Id
		connected.UserID = &id
	}
	c.queueFrame(connected)
	c.queueFrame(&chat.MessageHistory{Data: r.history})

	r.broadcastPresence()
}

func (r *room) handleLeave(c *client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	c.stopClient()

	if c.authed {
		r.broadcast(&chat.TypingUpdate{Data: types.TypingUser{UserID: c.user.Id, UserName: c.user.Name, RoomID: r.id}}, c)
	}
	r.broadcastPresence()
}

func (r *room) handlePublish(c *client, text string) {
	if !c.authed {
		c.queueFrame(&chat.ErrorNotice{Error: "Authentication required to send messages"})
		return
	}

	if r.forcedRetryMs > 0 {
		c.queueFrame(r.throttled(r.forcedRetryMs))
		r.forcedRetryMs = 0
		return
	}

	now := time.Now()
	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
		res.CancelAt(now)
		c.queueFrame(r.throttled(delay.Milliseconds()))
		return
	}

	text = strings.TrimSpace(text)
	switch {
	case text == "":
		c.queueFrame(&chat.ErrorNotice{Error: "Message cannot be empty"})
		return
	case len(text) > maxContentLen:
		c.queueFrame(&chat.ErrorNotice{Error: "Message too long"})
		return
	}

	msg := types.ChatMessage{
		ID:        shortid.MustGenerate(),
		UserID:    c.user.Id,
		UserName:  c.user.Name,
		Message:   text,
		Timestamp: now.UnixMilli(),
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	r.history = chat.Append(r.history, msg)
	r.broadcast(&chat.NewMessage{Data: msg}, nil)
}

func (r *room) throttled(retryAfterMs int64) *chat.Throttled {
	return &chat.Throttled{
		RetryAfterMs: retryAfterMs,
		Limit:        r.limit.MaxMessages,
		WindowMs:     r.limit.Window.Milliseconds(),
		RoomID:       r.id,
	}
}

func (r *room) handleTyping(c *client, isTyping bool) {
	if !c.authed {
		return
	}

	r.broadcast(&chat.TypingUpdate{Data: types.TypingUser{
		UserID:   c.user.Id,
		UserName: c.user.Name,
		IsTyping: isTyping,
		RoomID:   r.id,
	}}, c)
}

func (r *room) deleteMessage(id string) {
	r.history = chat.RemoveByID(r.history, id)
	r.broadcast(&chat.MessageDeleted{MessageID: id}, nil)
}

func (r *room) purgeUser(userID string) {
	before := len(r.history)
	r.history = chat.RemoveByUser(r.history, userID)
	r.broadcast(&chat.BulkDelete{UserID: userID, DeletedCount: before - len(r.history)}, nil)
}

func (r *room) kickUser(userID string, code int, reason string) {
	for c := range r.clients {
		if c.authed && c.user.Id == userID {
			r.log.Printf("disconnecting %q from room %q: %s", userID, r.id, reason)
			c.disconnect(code, reason)
		}
	}
}

func (r *room) broadcastPresence() {
	var p types.Presence
	for c := range r.clients {
		if c.authed {
			p.Members++
		} else {
			p.Guests++
		}
	}
	r.broadcast(&chat.PresenceUpdate{Data: p}, nil)
}

func (r *room) broadcast(f chat.ServerFrame, skip *client) {
	data, err := chat.EncodeServerFrame(f)
	if err != nil {
		r.log.Printf("serialize frame: %v", err)
		return
	}

	for c := range r.clients {
		if c == skip {
			continue
		}
		c.queueMessage(data)
	}
}
