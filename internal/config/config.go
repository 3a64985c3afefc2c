package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
)

// EnvPrefix prefixes every environment override. Nested keys are joined
// with a double underscore: CONVO_SERVER__ADDRESS sets server.address.
const EnvPrefix = "CONVO_"

type ServerConfig struct {
	Address        string        `koanf:"address"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type AuthConfig struct {
	Secret      string        `koanf:"secret"`
	InternalTTL time.Duration `koanf:"internal_ttl"`
}

type CoordinatorConfig struct {
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	PendingReply string        `koanf:"pending_reply"`
	// RemoteURL is the base URL of the process hosting coordinators. Empty
	// means they run in this process.
	RemoteURL string `koanf:"remote_url"`
}

type WebSocketConfig struct {
	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
	PingPeriod    time.Duration `koanf:"ping_period"`
	SendBuffer    int           `koanf:"send_buffer"`
}

type FriendsConfig struct {
	DSN string `koanf:"dsn"`
}

type PushConfig struct {
	URL          string `koanf:"url"`
	TokenURL     string `koanf:"token_url"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
}

func (p PushConfig) Enabled() bool {
	return p.URL != "" && p.TokenURL != ""
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Auth        AuthConfig        `koanf:"auth"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	WebSocket   WebSocketConfig   `koanf:"websocket"`
	Friends     FriendsConfig     `koanf:"friends"`
	Push        PushConfig        `koanf:"push"`
	Log         LogConfig         `koanf:"log"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.address":            ":8080",
		"server.allowed_origins":    []string{"http://localhost:3000"},
		"server.read_timeout":       "15s",
		"server.write_timeout":      "15s",
		"database.path":             filepath.Join("data", "messenger.db"),
		"auth.secret":               "change-me",
		"auth.internal_ttl":         "1m",
		"coordinator.idle_timeout":  "2m",
		"coordinator.pending_reply": string(models.ReplyAllow),
		"coordinator.remote_url":    "",
		"websocket.rate_per_second": 10,
		"websocket.burst":           20,
		"websocket.ping_period":     "30s",
		"websocket.send_buffer":     256,
		"friends.dsn":               "",
		"push.url":                  "",
		"push.token_url":            "",
		"push.client_id":            "",
		"push.client_secret":        "",
		"log.level":                 "info",
		"log.format":                "console",
	}
}

// Load layers defaults, the optional TOML file at configPath, a .env file in
// the working directory and CONVO_ environment variables, in that order.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	if _, err := models.ParseReplyPolicy(c.Coordinator.PendingReply); err != nil {
		return fmt.Errorf("coordinator.pending_reply: %w", err)
	}
	if c.WebSocket.RatePerSecond <= 0 || c.WebSocket.Burst <= 0 {
		return errors.New("websocket.rate_per_second and websocket.burst must be positive")
	}
	if c.Push.URL != "" && c.Push.TokenURL == "" {
		return errors.New("push.token_url is required when push.url is set")
	}
	return nil
}

// ReplyPolicy returns the validated pending reply policy.
func (c *Config) ReplyPolicy() models.ReplyPolicy {
	p, _ := models.ParseReplyPolicy(c.Coordinator.PendingReply)
	return p
}

// CleanDatabasePath returns a clean filesystem path from the database setting
func (c *Config) CleanDatabasePath() string {
	// Strip sqlite:// prefix if present
	dbPath := strings.TrimPrefix(c.Database.Path, "sqlite://")

	// If it's not an absolute path, make it relative to the current directory
	if !filepath.IsAbs(dbPath) {
		if cwd, err := os.Getwd(); err == nil {
			dbPath = filepath.Join(cwd, dbPath)
		}
	}

	return filepath.Clean(dbPath)
}
