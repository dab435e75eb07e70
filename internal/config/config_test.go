package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatline/internal/session"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.Auth.Secret = "test-secret"
	return c
}

func TestConfig_DefaultConfig(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, 8080, c.HTTP.Port)
	assert.Equal(t, "reject", c.WebSocket.Policy)
	assert.Equal(t, 1, c.WebSocket.CommandBuffer)
	assert.Equal(t, 10, c.WebSocket.EventBuffer)
	assert.NotEmpty(t, c.Database.Path)
	assert.Empty(t, c.Auth.AdminToken, "admin routes are off by default")

	// The secret has no default.
	assert.Error(t, c.Validate())
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"unknown policy", func(c *Config) { c.WebSocket.Policy = "evict" }},
		{"zero event buffer", func(c *Config) { c.WebSocket.EventBuffer = 0 }},
		{"pong wait below ping", func(c *Config) { c.WebSocket.PongWait = time.Second }},
		{"zero token ttl", func(c *Config) { c.Auth.TokenTTL = 0 }},
		{"zero parallelism", func(c *Config) { c.Broker.Parallelism = 0 }},
		{"negative history", func(c *Config) { c.Chat.HistoryLimit = -1 }},
		{"negative rate", func(c *Config) { c.Chat.RateLimit = -1 }},
		{"missing section", func(c *Config) { c.Chat = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_HeartbeatDisabled(t *testing.T) {
	c := validConfig()
	c.WebSocket.PingInterval = 0
	c.WebSocket.PongWait = 0
	assert.NoError(t, c.Validate())
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("CHATLINE_AUTH_SECRET", "from-env")
	t.Setenv("CHATLINE_HTTP_PORT", "9090")
	t.Setenv("CHATLINE_WEBSOCKET_PING_INTERVAL", "15s")
	t.Setenv("CHATLINE_CHAT_RATE_LIMIT", "2.5")
	t.Setenv("CHATLINE_AUTH_ADMIN_TOKEN", "ops-token")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", c.Auth.Secret)
	assert.Equal(t, 9090, c.HTTP.Port)
	assert.Equal(t, 15*time.Second, c.WebSocket.PingInterval)
	assert.Equal(t, 2.5, c.Chat.RateLimit)
	assert.Equal(t, "ops-token", c.Auth.AdminToken)
	assert.Equal(t, DefaultConfig().Database.Path, c.Database.Path)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatline.yaml")
	yaml := `
http:
  port: 7000
  host: 127.0.0.1
database:
  path: /tmp/chat.db
websocket:
  policy: replace
auth:
  secret: file-secret
broker:
  parallelism: 4
chat:
  history_limit: 5
  send_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CHATLINE_HTTP_PORT", "7001")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, c.HTTP.Port)
	assert.Equal(t, "127.0.0.1:7001", c.HTTP.Addr())
	assert.Equal(t, "/tmp/chat.db", c.Database.Path)
	assert.Equal(t, "file-secret", c.Auth.Secret)
	assert.Equal(t, 4, c.Broker.Parallelism)
	assert.Equal(t, 5, c.Chat.HistoryLimit)
	assert.Equal(t, 2*time.Second, c.Chat.SendTimeout)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 5*time.Second, c.Chat.StoreTimeout)

	sc, err := c.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, session.PolicyReplace, sc.Policy)
	assert.Equal(t, 10, sc.EventBuffer)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	// No secret anywhere.
	_, err = Load("")
	assert.Error(t, err)
}

func TestConfig_ChatConfig(t *testing.T) {
	c := validConfig()
	c.Chat.AllowedOrigins = []string{"https://chat.example"}

	cc := c.ChatConfig()
	assert.Equal(t, 50, cc.HistoryLimit)
	assert.Equal(t, []string{"https://chat.example"}, cc.AllowedOrigins)
}
