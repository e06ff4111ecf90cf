package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chat-realtime/internal/config"
	"github.com/npezzotti/go-chat-realtime/internal/devserver"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	signingKey     string
	allowedOrigins stringSliceFlag
	chatLimit      int
	chatWindow     time.Duration
	streamRetry    time.Duration
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.IntVar(&chatLimit, "chat-limit", 5, "messages a user may send per chat window")
	flag.DurationVar(&chatWindow, "chat-window", 10*time.Second, "chat rate limit window")
	flag.DurationVar(&streamRetry, "stream-retry", 3*time.Second, "reconnect delay advertised to notification streams")
	flag.Parse()

	logger := log.New(os.Stderr, "[devserver] ", log.LstdFlags)

	cfg, err := config.NewServerConfig(addr, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.ChatLimit = config.RuleConfig{MaxMessages: chatLimit, Window: chatWindow}
	cfg.StreamRetry = streamRetry
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config:", err)
	}

	srv := devserver.New(logger, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Println("server:", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
