package chat

import (
	"context"
	"log"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/npezzotti/go-chat-realtime/internal/clock"
	"github.com/npezzotti/go-chat-realtime/internal/stats"
	"github.com/npezzotti/go-chat-realtime/internal/types"
)

const (
	DefaultRoom = "general"

	maxReconnectAttempts = 5
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	errorClearDelay      = 5 * time.Second
	dialTimeout          = 15 * time.Second
	sendBufferSize       = 32
	typingInterval       = 2 * time.Second
)

const (
	errNotConnected    = "Not connected"
	errBanned          = "You have been banned from this chat"
	errReconnectFailed = "Connection failed after multiple attempts"
	errSendFailed      = "Failed to send message"
)

type Options struct {
	Logger *log.Logger
	Dialer Dialer
	Clock  clock.Clock
	Rules  Rules
	Stats  stats.StatsProvider
	// URL is the websocket base, e.g. ws://localhost:8000.
	URL  string
	Room string
	// Header is sent with every handshake; it carries the session cookie.
	Header http.Header
	// PingInterval is how often an application ping frame is sent while
	// connected. Zero disables pings.
	PingInterval time.Duration
}

// State is a point-in-time copy of everything a UI renders.
type State struct {
	Room              string
	Messages          []types.ChatMessage
	Status            types.ConnectionStatus
	Error             string
	IsAuthenticated   bool
	UserID            string
	ProfileIncomplete bool
	IsBanned          bool
	Throttle          ThrottleState
	Presence          types.Presence
	Typing            map[string]types.TypingUser
}

// link is one open socket plus its write pump.
type link struct {
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Session owns the websocket for one chat room. All fields below mu are
// only touched with mu held; socket and timer callbacks funnel through it.
type Session struct {
	log          *log.Logger
	dialer       Dialer
	clock        clock.Clock
	rules        Rules
	stats        stats.StatsProvider
	baseURL      string
	header       http.Header
	pingInterval time.Duration
	changes      chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc

	mu   sync.Mutex
	room string
	link *link
	// gen identifies the current connection attempt. Events carrying an
	// older generation belong to a socket that was replaced or torn down.
	gen     int
	dialing bool
	closed  bool

	status            types.ConnectionStatus
	errMsg            string
	errSeq            int
	banned            bool
	authenticated     bool
	userID            string
	profileIncomplete bool
	attempts          int

	messages []types.ChatMessage
	presence types.Presence
	typing   map[string]types.TypingUser

	sent        []time.Time
	lastAttempt string
	throttle    ThrottleState

	reconnectTimer clock.Timer
	errorTimer     clock.Timer
	throttleTimer  clock.Timer
	pingTimer      clock.Timer

	typingLimiter *rate.Limiter
}

func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Rules == nil {
		opts.Rules = StaticRules{Default: DefaultRule}
	}
	if opts.Stats == nil {
		opts.Stats = stats.Nop()
	}
	for _, m := range stats.ChatMetrics {
		opts.Stats.RegisterMetric(m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:           opts.Logger,
		dialer:        opts.Dialer,
		clock:         opts.Clock,
		rules:         opts.Rules,
		stats:         opts.Stats,
		baseURL:       strings.TrimRight(opts.URL, "/"),
		header:        opts.Header,
		pingInterval:  opts.PingInterval,
		changes:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		room:          opts.Room,
		status:        types.StatusDisconnected,
		typing:        make(map[string]types.TypingUser),
		typingLimiter: rate.NewLimiter(rate.Every(typingInterval), 1),
	}
}

// Changes delivers a signal after every state change. Signals coalesce; a
// receiver should call Snapshot to read the current state.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Room:              s.roomID(),
		Messages:          slices.Clone(s.messages),
		Status:            s.status,
		Error:             s.errMsg,
		IsAuthenticated:   s.authenticated,
		UserID:            s.userID,
		ProfileIncomplete: s.profileIncomplete,
		IsBanned:          s.banned,
		Throttle:          s.throttle,
		Presence:          s.presence,
		Typing:            maps.Clone(s.typing),
	}
}

// Connect opens the room's socket. It does nothing while a socket is open
// or being dialed, after a ban, or once the session is closed.
func (s *Session) Connect() {
	s.connect(-1)
}

// connect dials only if the session is still on generation expect. A
// negative expect skips the check.
func (s *Session) connect(expect int) {
	s.mu.Lock()
	if expect >= 0 && expect != s.gen {
		s.mu.Unlock()
		return
	}
	if s.closed || s.banned || s.link != nil || s.dialing {
		s.mu.Unlock()
		return
	}

	stopTimer(&s.reconnectTimer)
	s.gen++
	gen := s.gen
	s.dialing = true
	s.status = types.StatusConnecting
	target := s.roomURL()
	s.notify()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	conn, err := s.dialer.Dial(ctx, target, s.header)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		// torn down while dialing
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.dialing = false

	if err != nil {
		s.log.Printf("connect %s: %v", target, err)
		s.handleCloseLocked(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	l := &link{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	s.link = l
	s.status = types.StatusConnected
	s.attempts = 0
	s.log.Printf("connected to %s", target)
	s.schedulePingLocked(gen)
	s.notify()

	go s.readPump(l, gen)
	go s.writePump(l)
}

// Disconnect closes the socket and cancels any pending reconnect. It is
// safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnectLocked()
	s.notify()
}

func (s *Session) disconnectLocked() {
	stopTimer(&s.reconnectTimer)
	stopTimer(&s.pingTimer)
	s.gen++
	s.dialing = false
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	if !s.banned {
		s.status = types.StatusDisconnected
	}
}

// SetRoom moves the session to another room. The switch starts a fresh
// session: reconnect attempts, send history, throttle window and buffered
// messages are reset. A ban carries over. Moving to the room the session
// is already in, including "" and DefaultRoom, does nothing.
func (s *Session) SetRoom(room string) {
	s.mu.Lock()
	if normalizeRoom(room) == s.roomID() {
		s.mu.Unlock()
		return
	}

	s.disconnectLocked()
	s.room = room
	s.attempts = 0
	s.sent = nil
	s.lastAttempt = ""
	s.clearThrottleLocked()
	s.messages = nil
	s.presence = types.Presence{}
	s.typing = make(map[string]types.TypingUser)
	s.notify()
	s.mu.Unlock()

	s.Connect()
}

// Close tears the session down for good: socket, reconnect timer, throttle
// countdown and error timer are all released.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.disconnectLocked()
	stopTimer(&s.errorTimer)
	stopTimer(&s.throttleTimer)
	s.cancel()
	s.notify()
}

func (s *Session) readPump(l *link, gen int) {
	for {
		raw, err := l.conn.ReadMessage()
		if err != nil {
			code, reason := CloseInfo(err)
			s.onClose(gen, l, code, reason)
			return
		}

		s.onFrame(gen, raw)
	}
}

func (s *Session) writePump(l *link) {
	for {
		select {
		case data := <-l.send:
			if err := l.conn.WriteMessage(data); err != nil {
				s.log.Printf("write message: %v", err)
				// the read pump observes the closed socket and reports it
				l.conn.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// schedulePingLocked arms the next application ping for the socket of
// generation gen.
func (s *Session) schedulePingLocked(gen int) {
	stopTimer(&s.pingTimer)
	if s.pingInterval <= 0 {
		return
	}
	s.pingTimer = s.clock.AfterFunc(s.pingInterval, func() { s.ping(gen) })
}

func (s *Session) ping(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.link == nil {
		return
	}
	s.pingLocked()
	s.schedulePingLocked(gen)
}

func (s *Session) onFrame(gen int, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	s.stats.Incr(stats.FramesReceived)

	frame, err := DecodeServerFrame(raw)
	if err != nil {
		s.stats.Incr(stats.FramesDropped)
		s.log.Printf("dropping frame: %v", err)
		return
	}

	s.applyFrameLocked(frame)
	s.notify()
}

func (s *Session) applyFrameLocked(frame ServerFrame) {
	switch f := frame.(type) {
	case *Connected:
		s.authenticated = f.UserID != nil
		s.userID = ""
		if f.UserID != nil {
			s.userID = *f.UserID
		}
		s.profileIncomplete = f.ProfileIncomplete
	case *MessageHistory:
		s.messages = ReplaceAll(f.Data)
	case *NewMessage:
		s.messages = Append(s.messages, f.Data)
	case *MessageDeleted:
		s.messages = RemoveByID(s.messages, f.MessageID)
	case *MessageUpdated:
		s.messages = ReplaceByID(s.messages, f.Data)
	case *BulkDelete:
		s.messages = RemoveByUser(s.messages, f.UserID)
	case *Throttled:
		s.applyServerThrottleLocked(f)
	case *ErrorNotice:
		s.handleErrorNoticeLocked(f.Error)
	case *PresenceUpdate:
		s.presence = f.Data
	case *TypingUpdate:
		if f.Data.IsTyping {
			s.typing[f.Data.UserID] = f.Data
		} else {
			delete(s.typing, f.Data.UserID)
		}
	default:
		s.log.Printf("unhandled frame %T", f)
	}
}

func (s *Session) handleErrorNoticeLocked(msg string) {
	if strings.Contains(strings.ToLower(msg), "banned") {
		s.latchBanLocked(msg)
		return
	}
	s.setErrorLocked(msg, true)
}

func (s *Session) onClose(gen int, l *link, code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.link != l {
		return
	}
	l.close()
	s.link = nil
	stopTimer(&s.pingTimer)
	s.log.Printf("connection closed: code=%d reason=%q", code, reason)
	s.handleCloseLocked(code, reason)
}

func (s *Session) handleCloseLocked(code int, reason string) {
	s.status = types.StatusDisconnected

	if s.banned || code == websocket.ClosePolicyViolation || strings.Contains(strings.ToLower(reason), "banned") {
		s.latchBanLocked(errBanned)
		return
	}

	if s.attempts < maxReconnectAttempts {
		delay := backoffDelay(s.attempts)
		s.attempts++
		s.stats.Incr(stats.Reconnects)
		s.log.Printf("reconnecting in %s (attempt %d/%d)", delay, s.attempts, maxReconnectAttempts)

		gen := s.gen
		stopTimer(&s.reconnectTimer)
		s.reconnectTimer = s.clock.AfterFunc(delay, func() { s.connect(gen) })
	} else {
		s.status = types.StatusError
		s.setErrorLocked(errReconnectFailed, false)
	}
	s.notify()
}

// latchBanLocked permanently disables reconnection for this session.
func (s *Session) latchBanLocked(msg string) {
	if !s.banned {
		s.log.Printf("banned: %s", msg)
	}
	s.banned = true
	stopTimer(&s.reconnectTimer)
	if s.link != nil {
		s.gen++
		s.link.close()
		s.link = nil
	}
	stopTimer(&s.pingTimer)
	s.dialing = false
	s.status = types.StatusError
	s.setErrorLocked(msg, false)
	s.notify()
}

// setErrorLocked replaces the surfaced error. Transient errors clear
// themselves after errorClearDelay unless overwritten first.
func (s *Session) setErrorLocked(msg string, transient bool) {
	stopTimer(&s.errorTimer)
	s.errSeq++
	s.errMsg = msg
	if !transient {
		return
	}

	seq := s.errSeq
	s.errorTimer = s.clock.AfterFunc(errorClearDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.errSeq != seq {
			return
		}
		s.errMsg = ""
		s.notify()
	})
}

func (s *Session) roomID() string {
	return normalizeRoom(s.room)
}

func normalizeRoom(room string) string {
	if room == "" {
		return DefaultRoom
	}
	return room
}

func (s *Session) roomURL() string {
	u := s.baseURL + "/chat/ws"
	if s.room != "" && s.room != DefaultRoom {
		u += "?room=" + url.QueryEscape(s.room)
	}
	return u
}

// queueLocked hands data to the write pump without blocking.
func (s *Session) queueLocked(data []byte) bool {
	if s.link == nil {
		return false
	}

	select {
	case s.link.send <- data:
		return true
	default:
		s.log.Println("send buffer full, dropping frame")
		return false
	}
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// backoffDelay returns the wait before reconnect attempt n (zero based).
func backoffDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay * time.Duration(1<<uint(attempt))
	if delay > reconnectMaxDelay || delay <= 0 {
		delay = reconnectMaxDelay
	}
	return delay
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
