package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chat-realtime/internal/chat"
	"github.com/npezzotti/go-chat-realtime/internal/config"
	"github.com/npezzotti/go-chat-realtime/internal/notify"
	"github.com/npezzotti/go-chat-realtime/internal/stats"
	"github.com/npezzotti/go-chat-realtime/internal/types"
)

var (
	configPath string
	room       string
	token      string
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a config file")
	flag.StringVar(&room, "room", "", "room to join, overrides the config file")
	flag.StringVar(&token, "token", "", "session token, overrides the config file")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatclient] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if room != "" {
		cfg.Room = room
	}
	if token != "" {
		cfg.SessionToken = token
	}

	header := http.Header{}
	if cfg.SessionToken != "" {
		header.Set("Cookie", "token="+cfg.SessionToken)
	}

	var sp stats.StatsProvider = stats.Nop()
	if cfg.DebugAddr != "" {
		mux := http.NewServeMux()
		su := stats.NewStatsUpdater(mux)
		su.Run()
		defer su.Stop()
		sp = su

		go func() {
			logger.Printf("serving stats on %s", cfg.DebugAddr)
			if err := http.ListenAndServe(cfg.DebugAddr, mux); err != nil {
				logger.Println("stats server:", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := chat.NewSession(chat.Options{
		Logger:       logger,
		Rules:        chat.RulesFromConfig(cfg.Throttle),
		Stats:        sp,
		URL:          cfg.WebSocketURL(),
		Room:         cfg.Room,
		Header:       header,
		PingInterval: cfg.PingInterval,
	})
	defer session.Close()
	session.Connect()
	go printChat(ctx, session)

	if cfg.SessionToken != "" {
		stream := notify.NewStream(notify.Options{
			Logger:            logger,
			API:               notify.NewHTTPClient(nil, cfg.ServerURL, header),
			Source:            notify.NewEventSource(nil, cfg.ServerURL+"/notification/stream", header, logger),
			Stats:             sp,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
		defer stream.Close()
		go stream.Start(ctx)
		go printNotifications(ctx, stream)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleInput(session, line) {
				return
			}
		}
	}
}

// handleInput runs one line of user input and reports whether to keep going.
func handleInput(session *chat.Session, line string) bool {
	switch {
	case line == "/quit":
		return false
	case strings.HasPrefix(line, "/room "):
		session.SetRoom(strings.TrimSpace(strings.TrimPrefix(line, "/room ")))
	case line == "/reconnect":
		session.Disconnect()
		session.Connect()
	default:
		if session.SendMessage(line) {
			session.SetTyping(false)
			return true
		}
		st := session.Snapshot()
		if st.Throttle.Active(time.Now()) {
			fmt.Printf("! slow down, %s left. draft: %q\n", st.Throttle.Remaining.Round(time.Second), st.Throttle.RestoreMessage)
		}
	}
	return true
}

func printChat(ctx context.Context, session *chat.Session) {
	seen := make(map[string]bool)
	var status types.ConnectionStatus
	var lastErr string

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Changes():
		}

		st := session.Snapshot()
		if st.Status != status {
			status = st.Status
			fmt.Printf("* %s %s\n", st.Room, status)
		}
		if st.Error != "" && st.Error != lastErr {
			fmt.Printf("! %s\n", st.Error)
		}
		lastErr = st.Error

		for _, m := range st.Messages {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			fmt.Printf("[%s] %s: %s\n", time.UnixMilli(m.Timestamp).Format(time.Kitchen), m.UserName, m.Message)
		}
	}
}

func printNotifications(ctx context.Context, stream *notify.Stream) {
	seen := make(map[string]bool)
	unread := -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.Changes():
		}

		st := stream.Snapshot()
		for i := len(st.Notifications) - 1; i >= 0; i-- {
			n := st.Notifications[i]
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			if !n.Read {
				fmt.Printf("@ %s: %s\n", n.Title, n.Content)
			}
		}
		if st.UnreadCount != unread {
			unread = st.UnreadCount
			fmt.Printf("@ %d unread\n", unread)
		}
	}
}
