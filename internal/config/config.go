package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"chatline/internal/chat"
	"chatline/internal/session"
	dbconfig "chatline/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. CHATLINE_HTTP_PORT.
const EnvPrefix = "CHATLINE"

// Config is the full server configuration. Sections map onto the packages
// that consume them.
type Config struct {
	HTTP      *HTTPConfig      `mapstructure:"http"`
	Database  *dbconfig.Config `mapstructure:"database"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Auth      *AuthConfig      `mapstructure:"auth"`
	Broker    *BrokerConfig    `mapstructure:"broker"`
	Chat      *ChatConfig      `mapstructure:"chat"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebSocketConfig controls the per-connection actors.
type WebSocketConfig struct {
	// Policy is "reject" or "replace" for a second live connection of the same user.
	Policy        string        `mapstructure:"policy"`
	CommandBuffer int           `mapstructure:"command_buffer"`
	EventBuffer   int           `mapstructure:"event_buffer"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
	WriteWait     time.Duration `mapstructure:"write_wait"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// AdminToken is the bearer token of the topic and session admin routes.
	// Empty disables them.
	AdminToken string `mapstructure:"admin_token"`
}

type BrokerConfig struct {
	// Parallelism above 1 delivers to that many subscribers at once.
	Parallelism int `mapstructure:"parallelism"`
}

type ChatConfig struct {
	HistoryLimit   int           `mapstructure:"history_limit"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DefaultConfig returns settings for a single local server. Auth.Secret is
// left empty and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: dbconfig.DefaultConfig(),
		WebSocket: &WebSocketConfig{
			Policy:        session.PolicyReject.String(),
			CommandBuffer: 1,
			EventBuffer:   10,
			PingInterval:  30 * time.Second,
			PongWait:      60 * time.Second,
			WriteWait:     10 * time.Second,
		},
		Auth: &AuthConfig{
			Issuer:   "chatline",
			TokenTTL: 24 * time.Hour,
		},
		Broker: &BrokerConfig{
			Parallelism: 1,
		},
		Chat: &ChatConfig{
			HistoryLimit: 50,
			SendTimeout:  5 * time.Second,
			StoreTimeout: 5 * time.Second,
			RateLimit:    10,
			RateBurst:    20,
		},
	}
}

func (c *Config) Validate() error {
	if c.HTTP == nil {
		return errors.New("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("http timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http shutdown timeout must be positive")
	}

	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.WebSocket == nil {
		return errors.New("websocket configuration is required")
	}
	if _, err := session.ParsePolicy(c.WebSocket.Policy); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}
	if c.WebSocket.CommandBuffer <= 0 || c.WebSocket.EventBuffer <= 0 {
		return errors.New("websocket buffers must be positive")
	}
	if c.WebSocket.PingInterval < 0 {
		return errors.New("websocket ping interval cannot be negative")
	}
	if c.WebSocket.PingInterval > 0 && c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return errors.New("websocket pong wait must exceed ping interval")
	}
	if c.WebSocket.WriteWait <= 0 {
		return errors.New("websocket write wait must be positive")
	}

	if c.Auth == nil || c.Auth.Secret == "" {
		return errors.New("auth secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth token ttl must be positive")
	}

	if c.Broker == nil {
		return errors.New("broker configuration is required")
	}
	if c.Broker.Parallelism < 1 {
		return errors.New("broker parallelism must be at least 1")
	}

	if c.Chat == nil {
		return errors.New("chat configuration is required")
	}
	if c.Chat.HistoryLimit < 0 {
		return errors.New("chat history limit cannot be negative")
	}
	if c.Chat.SendTimeout <= 0 || c.Chat.StoreTimeout <= 0 {
		return errors.New("chat timeouts must be positive")
	}
	if c.Chat.RateLimit < 0 || c.Chat.RateBurst < 0 {
		return errors.New("chat rate limit cannot be negative")
	}
	return nil
}

// SessionConfig converts the websocket section for session.NewRegistry.
func (c *Config) SessionConfig() (session.Config, error) {
	policy, err := session.ParsePolicy(c.WebSocket.Policy)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Policy:        policy,
		CommandBuffer: c.WebSocket.CommandBuffer,
		EventBuffer:   c.WebSocket.EventBuffer,
		PingInterval:  c.WebSocket.PingInterval,
		PongWait:      c.WebSocket.PongWait,
		WriteWait:     c.WebSocket.WriteWait,
	}, nil
}

// ChatConfig converts the chat section for chat.NewHandler.
func (c *Config) ChatConfig() chat.Config {
	return chat.Config{
		HistoryLimit:   c.Chat.HistoryLimit,
		SendTimeout:    c.Chat.SendTimeout,
		StoreTimeout:   c.Chat.StoreTimeout,
		AllowedOrigins: c.Chat.AllowedOrigins,
	}
}

// Load reads configuration with precedence defaults < file < environment.
// An empty path skips the file. The file format follows its extension
// (yaml, json or toml).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout)
	v.SetDefault("database.retry_delay", d.Database.RetryDelay)

	v.SetDefault("websocket.policy", d.WebSocket.Policy)
	v.SetDefault("websocket.command_buffer", d.WebSocket.CommandBuffer)
	v.SetDefault("websocket.event_buffer", d.WebSocket.EventBuffer)
	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait)
	v.SetDefault("websocket.write_wait", d.WebSocket.WriteWait)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.admin_token", d.Auth.AdminToken)

	v.SetDefault("broker.parallelism", d.Broker.Parallelism)

	v.SetDefault("chat.history_limit", d.Chat.HistoryLimit)
	v.SetDefault("chat.send_timeout", d.Chat.SendTimeout)
	v.SetDefault("chat.store_timeout", d.Chat.StoreTimeout)
	v.SetDefault("chat.rate_limit", d.Chat.RateLimit)
	v.SetDefault("chat.rate_burst", d.Chat.RateBurst)
	v.SetDefault("chat.allowed_origins", d.Chat.AllowedOrigins)
}
