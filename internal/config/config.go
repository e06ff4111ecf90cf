package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "GOCHAT"

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	// ServerURL is the http(s) base of the backend. The notification
	// stream and REST endpoints hang off it.
	ServerURL string `mapstructure:"server_url" validate:"required,url"`
	// WSURL overrides the websocket base. Derived from ServerURL when empty.
	WSURL        string `mapstructure:"ws_url" validate:"omitempty,url"`
	Room         string `mapstructure:"room"`
	SessionToken string `mapstructure:"session_token"`

	PingInterval      time.Duration `mapstructure:"ping_interval" validate:"gte=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gte=0"`
	DebugAddr         string        `mapstructure:"debug_addr" validate:"omitempty,hostname_port"`

	Throttle ThrottleConfig `mapstructure:"throttle"`
}

type ThrottleConfig struct {
	Default RuleConfig            `mapstructure:"default"`
	Rooms   map[string]RuleConfig `mapstructure:"rooms" validate:"dive"`
}

type RuleConfig struct {
	MaxMessages int           `mapstructure:"max_messages" validate:"gt=0"`
	Window      time.Duration `mapstructure:"window" validate:"gt=0"`
}

func defaults() map[string]any {
	return map[string]any{
		"server_url":                    "http://localhost:8000",
		"ws_url":                        "",
		"room":                          "",
		"session_token":                 "",
		"ping_interval":                 30 * time.Second,
		"heartbeat_interval":            60 * time.Second,
		"debug_addr":                    "",
		"throttle.default.max_messages": 5,
		"throttle.default.window":       10 * time.Second,
	}
}

func NewConfig(serverURL, room, sessionToken string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}

	cfg := &Config{
		ServerURL:         strings.TrimRight(serverURL, "/"),
		Room:              room,
		SessionToken:      sessionToken,
		PingInterval:      30 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		Throttle: ThrottleConfig{
			Default: RuleConfig{MaxMessages: 5, Window: 10 * time.Second},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Load reads configuration from the optional file at path and from
// GOCHAT_* environment variables, which take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validate.Struct(c)
}

// WebSocketURL returns the websocket base URL, derived from ServerURL
// unless WSURL is set.
func (c *Config) WebSocketURL() string {
	if c.WSURL != "" {
		return strings.TrimRight(c.WSURL, "/")
	}

	switch {
	case strings.HasPrefix(c.ServerURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.ServerURL, "https://")
	case strings.HasPrefix(c.ServerURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.ServerURL, "http://")
	default:
		return c.ServerURL
	}
}
