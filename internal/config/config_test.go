package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
)

// chdir moves into an empty directory so no stray .env is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.Auth.InternalTTL)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.IdleTimeout)
	assert.Equal(t, models.ReplyAllow, cfg.ReplyPolicy())
	assert.Equal(t, 20, cfg.WebSocket.Burst)
	assert.Equal(t, 10.0, cfg.WebSocket.RatePerSecond)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingPeriod)
	assert.Empty(t, cfg.Friends.DSN)
	assert.False(t, cfg.Push.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := chdir(t)

	path := filepath.Join(dir, "convo.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
address = ":9000"

[coordinator]
pending_reply = "deny"
idle_timeout = "30s"
`), 0644))

	t.Setenv("CONVO_SERVER__ADDRESS", ":9100")
	t.Setenv("CONVO_WEBSOCKET__SEND_BUFFER", "64")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Address)
	assert.Equal(t, models.ReplyDeny, cfg.ReplyPolicy())
	assert.Equal(t, 30*time.Second, cfg.Coordinator.IdleTimeout)
	assert.Equal(t, 64, cfg.WebSocket.SendBuffer)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CONVO_LOG__LEVEL=debug\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("CONVO_LOG__LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidPolicy(t *testing.T) {
	chdir(t)
	t.Setenv("CONVO_COORDINATOR__PENDING_REPLY", "sometimes")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t)

	_, err := Load("does-not-exist.toml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Auth:        AuthConfig{Secret: "s"},
			Coordinator: CoordinatorConfig{PendingReply: "allow"},
			WebSocket:   WebSocketConfig{RatePerSecond: 1, Burst: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "empty secret", mutate: func(c *Config) { c.Auth.Secret = "" }, wantErr: true},
		{name: "zero burst", mutate: func(c *Config) { c.WebSocket.Burst = 0 }, wantErr: true},
		{name: "push without token url", mutate: func(c *Config) { c.Push.URL = "http://push" }, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCleanDatabasePath(t *testing.T) {
	c := Config{Database: DatabaseConfig{Path: "sqlite:///var/lib/convo/db.sqlite"}}
	assert.Equal(t, "/var/lib/convo/db.sqlite", c.CleanDatabasePath())

	c.Database.Path = "data/messenger.db"
	assert.True(t, filepath.IsAbs(c.CleanDatabasePath()))
}
