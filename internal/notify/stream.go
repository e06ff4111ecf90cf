package notify

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-chat-realtime/internal/clock"
	"github.com/npezzotti/go-chat-realtime/internal/stats"
	"github.com/npezzotti/go-chat-realtime/internal/types"
)

const (
	// staleThreshold is how long the stream may be down before the buffer
	// is no longer trusted and the full list is fetched again.
	staleThreshold  = 30 * time.Second
	errorClearDelay = 5 * time.Second
)

type Options struct {
	Logger *log.Logger
	Clock  clock.Clock
	API    API
	Source Source
	Stats  stats.StatsProvider
	// HeartbeatInterval is how often a heartbeat is posted while the stream
	// is open. Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

type State struct {
	Notifications []types.Notification
	UnreadCount   int
	Status        types.ConnectionStatus
	Error         string
}

// Stream keeps the notification buffer and unread count in sync with the
// server's event stream. Reconnection is left to the Source; the stream
// only tracks how long it was down.
type Stream struct {
	log               *log.Logger
	clock             clock.Clock
	api               API
	source            Source
	stats             stats.StatsProvider
	heartbeatInterval time.Duration
	changes           chan struct{}

	mu      sync.Mutex
	gen     int
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	status        types.ConnectionStatus
	errMsg        string
	errSeq        int
	notifications []types.Notification
	unread        int

	initiallyFetched bool
	lastDisconnect   time.Time
	// manualClose records that the last teardown was requested by the
	// caller. It is informational only.
	manualClose bool

	heartbeatTimer clock.Timer
	errorTimer     clock.Timer
}

func NewStream(opts Options) *Stream {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Stats == nil {
		opts.Stats = stats.Nop()
	}
	for _, m := range stats.NotifyMetrics {
		opts.Stats.RegisterMetric(m)
	}

	return &Stream{
		log:               opts.Logger,
		clock:             opts.Clock,
		api:               opts.API,
		source:            opts.Source,
		stats:             opts.Stats,
		heartbeatInterval: opts.HeartbeatInterval,
		changes:           make(chan struct{}, 1),
		status:            types.StatusDisconnected,
	}
}

func (s *Stream) Changes() <-chan struct{} {
	return s.changes
}

func (s *Stream) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Notifications: slices.Clone(s.notifications),
		UnreadCount:   s.unread,
		Status:        s.status,
		Error:         s.errMsg,
	}
}

// Start fetches the first page of notifications and then opens the event
// stream in the background. A failed fetch is logged and the stream opens
// anyway; the first connected event then retries it.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.manualClose = false
	s.gen++
	gen := s.gen
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.status = types.StatusConnecting
	s.notify()
	s.mu.Unlock()

	s.fetch(runCtx, gen)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go s.source.Run(runCtx, s.handler(gen))
}

// Disconnect closes the stream. The disconnect time is kept so that the
// next Start can tell whether the outage was long enough to refetch.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnectLocked()
	s.notify()
}

func (s *Stream) disconnectLocked() {
	s.manualClose = true
	stopTimer(&s.heartbeatTimer)
	s.lastDisconnect = s.clock.Now()
	s.initiallyFetched = false
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.status = types.StatusDisconnected
}

// Close disconnects and releases every timer.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnectLocked()
	stopTimer(&s.errorTimer)
	s.notify()
}

func (s *Stream) handler(gen int) Handler {
	return Handler{
		OnOpen:  func() { s.onOpen(gen) },
		OnEvent: func(name string, data []byte) { s.onEvent(gen, name, data) },
		OnError: func(err error) { s.onError(gen, err) },
	}
}

func (s *Stream) onOpen(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	s.status = types.StatusConnected
	s.startHeartbeatLocked(gen)
	s.notify()
}

func (s *Stream) onError(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	s.log.Printf("stream error: %v", err)
	if s.status == types.StatusConnected {
		s.lastDisconnect = s.clock.Now()
	}
	stopTimer(&s.heartbeatTimer)
	s.status = types.StatusDisconnected

	// the source has given up; a later Start may try again
	if errors.Is(err, ErrStreamRejected) {
		s.status = types.StatusError
		s.running = false
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.setErrorLocked(err.Error())
	}
	s.notify()
}

// onEvent runs on the source goroutine. A resync triggered by the event is
// performed before the next event is read, so later deltas apply on top of
// the fetched list.
func (s *Stream) onEvent(gen int, name string, data []byte) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	ev, err := DecodeEvent(name, data)
	if err != nil {
		s.stats.Incr(stats.FramesDropped)
		s.log.Printf("dropping event: %v", err)
		s.mu.Unlock()
		return
	}
	s.stats.Incr(stats.NotificationEvents)

	resync := s.applyEventLocked(ev)
	if resync {
		s.stats.Incr(stats.Resyncs)
	}
	s.notify()
	ctx := s.ctx
	s.mu.Unlock()

	if resync {
		s.fetch(ctx, gen)
	}
}

// applyEventLocked applies ev and reports whether the full list should be
// fetched again.
func (s *Stream) applyEventLocked(ev Event) bool {
	switch e := ev.(type) {
	case *Connected:
		s.status = types.StatusConnected
		s.unread = e.UnreadCount
		return s.staleLocked()
	case *NewNotification:
		s.notifications = Prepend(s.notifications, e.Notification)
	case *NotificationUpdated:
		s.notifications = ReplaceByID(s.notifications, e.Notification)
	case *NotificationDeleted:
		s.notifications = RemoveByID(s.notifications, e.NotificationID)
	case *NotificationsCleared:
		s.notifications = nil
		s.unread = 0
	case *UnreadCountChanged:
		s.setUnreadLocked(e.Count)
	case *KeepAlive:
	case *ErrorEvent:
		s.setErrorLocked(e.Message)
	default:
		s.log.Printf("unhandled event %T", e)
	}
	return false
}

// staleLocked reports whether the buffer must be rebuilt: nothing was
// fetched yet, or the last outage lasted longer than staleThreshold.
func (s *Stream) staleLocked() bool {
	if !s.initiallyFetched {
		return true
	}
	if s.lastDisconnect.IsZero() {
		return false
	}
	return s.clock.Now().Sub(s.lastDisconnect) > staleThreshold
}

// setUnreadLocked overwrites the unread count. Reaching zero marks every
// buffered notification read without asking the server.
func (s *Stream) setUnreadLocked(n int) {
	s.unread = n
	if n == 0 {
		s.notifications = MarkAllRead(s.notifications)
	}
}

// fetch replaces the buffer with the newest page from the server. It must
// be called without mu held and reports whether the page was applied.
func (s *Stream) fetch(ctx context.Context, gen int) bool {
	if s.api == nil {
		return false
	}

	resp, err := s.api.List(ctx, ListOptions{Page: 1, Limit: MaxNotifications})
	if err != nil {
		s.log.Printf("fetch notifications: %v", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return false
	}
	s.notifications = Trim(resp.Notifications)
	s.unread = resp.UnreadCount
	s.initiallyFetched = true
	s.notify()
	return true
}

func (s *Stream) startHeartbeatLocked(gen int) {
	stopTimer(&s.heartbeatTimer)
	if s.heartbeatInterval <= 0 || s.api == nil {
		return
	}
	s.heartbeatTimer = s.clock.AfterFunc(s.heartbeatInterval, func() { s.heartbeat(gen) })
}

func (s *Stream) heartbeat(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.status != types.StatusConnected {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.startHeartbeatLocked(gen)
	s.mu.Unlock()

	if err := s.api.Heartbeat(ctx); err != nil {
		s.stats.Incr(stats.HeartbeatFailures)
		s.log.Printf("heartbeat: %v", err)
	}
}

func (s *Stream) setErrorLocked(msg string) {
	stopTimer(&s.errorTimer)
	s.errSeq++
	s.errMsg = msg

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

func (s *Stream) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
