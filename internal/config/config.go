// Package config coordinates system-wide settings: defaults, environment
// overrides, and validation before startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Sync      *SyncConfig      `json:"sync"`
	Presence  *PresenceConfig  `json:"presence"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
}

// SyncConfig drives the external replication pipeline. An empty PostgresURL
// disables external sync; messages are then confirmed locally.
type SyncConfig struct {
	PostgresURL string        `json:"postgres_url"`
	Delay       time.Duration `json:"delay"`
	Interval    time.Duration `json:"interval"`
}

// PresenceConfig drives the sharded presence service. An empty RedisAddr
// leaves presence memory-only.
type PresenceConfig struct {
	RedisAddr     string        `json:"redis_addr"`
	TTL           time.Duration `json:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type RateLimitConfig struct {
	MaxPerWindow int           `json:"max_per_window"`
	Window       time.Duration `json:"window"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path: "./roomcast.db",
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
		},
		Sync: &SyncConfig{
			PostgresURL: "",
			Delay:       5 * time.Second,
			Interval:    5 * time.Second,
		},
		Presence: &PresenceConfig{
			RedisAddr:     "",
			TTL:           60 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			MaxPerWindow: 10,
			Window:       time.Second,
		},
	}
}

func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed ping interval")
	}

	if c.Sync == nil {
		return fmt.Errorf("sync configuration is required")
	}
	if c.Sync.Delay <= 0 {
		return fmt.Errorf("sync delay must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence TTL must be positive")
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rate limit max per window must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}

	return nil
}

// LoadFromEnv returns defaults overridden by ROOMCAST_* environment
// variables. Malformed values are ignored in favor of the default.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if host := os.Getenv("ROOMCAST_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if port := os.Getenv("ROOMCAST_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if timeout := os.Getenv("ROOMCAST_HTTP_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.ReadTimeout = d
		}
	}
	if timeout := os.Getenv("ROOMCAST_HTTP_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.WriteTimeout = d
		}
	}

	if path := os.Getenv("ROOMCAST_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}

	if interval := os.Getenv("ROOMCAST_WEBSOCKET_PING_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.WebSocket.PingInterval = d
		}
	}
	if timeout := os.Getenv("ROOMCAST_WEBSOCKET_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.ReadTimeout = d
		}
	}

	if url := os.Getenv("ROOMCAST_POSTGRES_URL"); url != "" {
		config.Sync.PostgresURL = url
	}
	if delay := os.Getenv("ROOMCAST_SYNC_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			config.Sync.Delay = d
		}
	}
	if interval := os.Getenv("ROOMCAST_SYNC_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Sync.Interval = d
		}
	}

	if addr := os.Getenv("ROOMCAST_REDIS_ADDR"); addr != "" {
		config.Presence.RedisAddr = addr
	}
	if ttl := os.Getenv("ROOMCAST_PRESENCE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Presence.TTL = d
		}
	}
	if interval := os.Getenv("ROOMCAST_PRESENCE_SWEEP_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Presence.SweepInterval = d
		}
	}

	if max := os.Getenv("ROOMCAST_RATE_LIMIT_MAX"); max != "" {
		if m, err := strconv.Atoi(max); err == nil {
			config.RateLimit.MaxPerWindow = m
		}
	}
	if window := os.Getenv("ROOMCAST_RATE_LIMIT_WINDOW"); window != "" {
		if d, err := time.ParseDuration(window); err == nil {
			config.RateLimit.Window = d
		}
	}

	return config
}
