// Package devserver is a small in-memory backend speaking the chat
// websocket and notification stream protocols. It backs the client's
// end-to-end tests and local development.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/npezzotti/go-chat-realtime/internal/chat"
	"github.com/npezzotti/go-chat-realtime/internal/config"
)

type Server struct {
	log        *log.Logger
	cfg        *config.ServerConfig
	signingKey []byte
	upgrader   websocket.Upgrader
	srv        *http.Server

	mu         sync.Mutex
	rooms      map[string]*room
	banned     map[string]bool
	inboxes    map[string]*inbox
	heartbeats map[string]int
	closed     bool
}

func New(logger *log.Logger, cfg *config.ServerConfig) *Server {
	s := &Server{
		log:        logger,
		cfg:        cfg,
		signingKey: cfg.SigningKey,
		rooms:      make(map[string]*room),
		banned:     make(map[string]bool),
		inboxes:    make(map[string]*inbox),
		heartbeats: make(map[string]int),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.cfg.AllowedOrigins, origin)
		},
	}

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: s.Handler(),
	}

	return s
}

// Handler returns the full route table wrapped in CORS, request logging
// and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/dev-login", s.devLogin)
	mux.HandleFunc("GET /chat/ws", s.optionalAuth(s.serveWs))
	mux.HandleFunc("GET /notification/stream", s.authMiddleware(s.streamNotifications))
	mux.HandleFunc("GET /notification/list", s.authMiddleware(s.listNotifications))
	mux.HandleFunc("POST /notification/heartbeat", s.authMiddleware(s.heartbeat))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Cache-Control"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.LoggingHandler(s.log.Writer(), h)

	return s.errorHandler(h)
}

func (s *Server) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	s.Close()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

// Close ends every websocket and event stream. Hijacked and streaming
// connections are not tracked by http.Server, so they are closed here.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		r.stop()
	}
	s.DropStreams()
}

// room returns the room with id, starting it on first use.
func (s *Server) room(id string) (*room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	if r, ok := s.rooms[id]; ok {
		return r, true
	}

	r := newRoom(id, s.log, s.cfg.ChatLimit)
	s.rooms[id] = r
	go r.run()

	return r, true
}

func (s *Server) isBanned(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banned[userID]
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = chat.DefaultRoom
	}
	u, authed := UserFrom(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if authed && s.isBanned(u.Id) {
		s.log.Printf("rejecting banned user %q", u.Id)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "banned"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	rm, ok := s.room(roomID)
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := newClient(conn, rm, u, authed, s.log)
	rm.register(c)

	go c.Write()
	go c.Read()
}

// Ban disconnects every socket of userID with a policy violation and
// refuses the user's future connections.
func (s *Server) Ban(userID string) {
	s.mu.Lock()
	s.banned[userID] = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		r.do(func() { r.kickUser(userID, websocket.ClosePolicyViolation, "banned") })
	}
}

// Throttle makes the next send in roomID fail with a throttled frame
// carrying retryAfter.
func (s *Server) Throttle(roomID string, retryAfterMs int64) {
	if r, ok := s.room(roomID); ok {
		r.do(func() { r.forcedRetryMs = retryAfterMs })
	}
}

// DeleteMessage removes a message from roomID's history and tells the room.
func (s *Server) DeleteMessage(roomID, messageID string) {
	if r, ok := s.room(roomID); ok {
		r.do(func() { r.deleteMessage(messageID) })
	}
}

// PurgeUser removes every message userID sent in roomID.
func (s *Server) PurgeUser(roomID, userID string) {
	if r, ok := s.room(roomID); ok {
		r.do(func() { r.purgeUser(userID) })
	}
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}
