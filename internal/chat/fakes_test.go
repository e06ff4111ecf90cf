package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chat-realtime/internal/stats"
	"github.com/npezzotti/go-chat-realtime/internal/testutil"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	incoming chan []byte
	closeErr chan error
	written  chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closeErr: make(chan error, 1),
		written:  make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case err := <-c.closeErr:
		return nil, err
	case <-c.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.written <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, url string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type harness struct {
	t      *testing.T
	s      *Session
	clock  *testutil.FakeClock
	dialer *fakeDialer
	stats  *stats.MockStatsUpdater
}

func newHarness(t *testing.T, rule Rule) *harness {
	h := &harness{
		t:      t,
		clock:  testutil.Epoch(),
		dialer: &fakeDialer{},
		stats:  stats.NewPermissiveMock(),
	}
	h.s = NewSession(Options{
		Logger: testutil.TestLogger(t),
		Dialer: h.dialer,
		Clock:  h.clock,
		Rules:  StaticRules{Default: rule},
		Stats:  h.stats,
		URL:    "ws://chat.test",
	})
	t.Cleanup(h.s.Close)
	return h
}

// frame feeds a server frame through the same path the read pump uses.
func (h *harness) frame(f ServerFrame) {
	raw, err := EncodeServerFrame(f)
	require.NoError(h.t, err)
	h.raw(raw)
}

func (h *harness) raw(raw []byte) {
	h.s.mu.Lock()
	gen := h.s.gen
	h.s.mu.Unlock()
	h.s.onFrame(gen, raw)
}

// closeWith reports the current socket as closed by the server.
func (h *harness) closeWith(code int, reason string) {
	h.s.mu.Lock()
	gen, l := h.s.gen, h.s.link
	h.s.mu.Unlock()
	require.NotNil(h.t, l, "expected an open socket to close")
	h.s.onClose(gen, l, code, reason)
}

// nextWrite returns the next frame the write pump put on the wire.
func nextWrite(t *testing.T, c *fakeConn) map[string]any {
	t.Helper()
	select {
	case data := <-c.written:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("expected a frame to be written")
		return nil
	}
}

func noWrite(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case data := <-c.written:
		t.Fatalf("unexpected frame written: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
