package notify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultRetry = 3 * time.Second
	maxEventSize = 64 * 1024
)

var (
	ErrStreamEnded = errors.New("event stream ended")
	// ErrStreamRejected is returned when the endpoint answers with something
	// other than an event stream. Run stops instead of reconnecting.
	ErrStreamRejected = errors.New("event stream rejected")
)

// Handler receives the lifecycle callbacks of a Source. Callbacks are made
// from the source's goroutine, one at a time.
type Handler struct {
	OnOpen  func()
	OnEvent func(name string, data []byte)
	OnError func(err error)
}

// Source is a self-reconnecting event stream. Run blocks until ctx is
// cancelled or the server rejects the stream; reconnection after other
// errors is the source's own business.
type Source interface {
	Run(ctx context.Context, h Handler)
}

// EventSource reads a text/event-stream endpoint over HTTP and reconnects
// after every failure, waiting Retry or the delay the server last asked for.
// A non-200 status or a wrong content type is terminal.
type EventSource struct {
	client *http.Client
	url    string
	header http.Header
	log    *log.Logger

	mu    sync.Mutex
	retry time.Duration
}

func NewEventSource(client *http.Client, url string, header http.Header, logger *log.Logger) *EventSource {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &EventSource{
		client: client,
		url:    url,
		header: header,
		log:    logger,
		retry:  DefaultRetry,
	}
}

// SetRetry overrides the reconnection delay until the server sends its own.
func (es *EventSource) SetRetry(d time.Duration) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.retry = d
}

func (es *EventSource) retryDelay() time.Duration {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.retry
}

func (es *EventSource) Run(ctx context.Context, h Handler) {
	for {
		err := es.stream(ctx, h)
		if ctx.Err() != nil {
			return
		}
		if h.OnError != nil {
			h.OnError(err)
		}
		if errors.Is(err, ErrStreamRejected) {
			es.log.Printf("event stream: %v, giving up", err)
			return
		}

		delay := es.retryDelay()
		es.log.Printf("event stream: %v, retrying in %s", err, delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (es *EventSource) stream(ctx context.Context, h Handler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, es.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range es.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := es.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: unexpected status %d: %s", ErrStreamRejected, resp.StatusCode, bytes.TrimSpace(body))
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return fmt.Errorf("%w: unexpected content type %q", ErrStreamRejected, resp.Header.Get("Content-Type"))
	}

	if h.OnOpen != nil {
		h.OnOpen()
	}

	reader := newSSEReader(resp.Body)
	for {
		ev, err := reader.readEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("read event: %w", err)
		}
		if ev.retry > 0 {
			es.SetRetry(ev.retry)
		}
		if ev.data == nil {
			continue
		}
		if h.OnEvent != nil {
			h.OnEvent(ev.name, ev.data)
		}
	}
}

type sseEvent struct {
	name  string
	data  []byte
	retry time.Duration
}

type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readEvent reads up to the next blank line. An event without data lines
// has a nil data field and is not dispatched. Unnamed events are named
// "message".
func (s *sseReader) readEvent() (sseEvent, error) {
	var (
		ev        sseEvent
		dataLines [][]byte
		size      int
		seen      bool
	)

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			// a partial event at EOF is discarded
			return sseEvent{}, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if !seen {
				continue
			}
			if dataLines != nil {
				ev.data = bytes.Join(dataLines, []byte("\n"))
				if ev.data == nil {
					ev.data = []byte{}
				}
				if ev.name == "" {
					ev.name = string(eventMessage)
				}
			}
			return ev, nil
		}

		if line[0] == ':' {
			// comment, used as a keep-alive
			continue
		}

		size += len(line)
		if size > maxEventSize {
			return sseEvent{}, fmt.Errorf("event exceeds %d bytes", maxEventSize)
		}
		seen = true

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}

		switch string(field) {
		case "event":
			ev.name = string(value)
		case "data":
			dataLines = append(dataLines, append([]byte(nil), value...))
		case "retry":
			if ms, err := strconv.Atoi(string(value)); err == nil && ms >= 0 {
				ev.retry = time.Duration(ms) * time.Millisecond
			}
		}
		// id and unknown fields are ignored
	}
}
