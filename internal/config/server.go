package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// ServerConfig configures the development backend.
type ServerConfig struct {
	ServerAddr     string   `validate:"required,hostname_port"`
	SigningKey     []byte   `validate:"required"`
	AllowedOrigins []string `validate:"dive,url"`
	// ChatLimit is the per-connection send limit enforced by the backend.
	ChatLimit RuleConfig
	// StreamRetry is advertised to event stream clients as their
	// reconnection delay.
	StreamRetry time.Duration `validate:"gte=0"`
	// KeepAlive is how often an idle event stream gets a keep_alive event.
	KeepAlive time.Duration `validate:"gt=0"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewServerConfig(serverAddr, base64Secret string, allowedOrigins []string) (*ServerConfig, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &ServerConfig{
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		ChatLimit:      RuleConfig{MaxMessages: 5, Window: 10 * time.Second},
		StreamRetry:    3 * time.Second,
		KeepAlive:      25 * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	return validate.Struct(c)
}
