// Package config loads and saves the engine's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DefaultProfile string `toml:"default_profile"`

	GatewayURL string `toml:"gateway_url"`
	APIURL     string `toml:"api_url"`
	Token      string `toml:"token"`
	UserID     string `toml:"user_id"`

	Transport TransportConfig `toml:"transport"`
	Retry     RetryConfig     `toml:"retry"`
	Cache     CacheConfig     `toml:"cache"`
	Typing    TypingConfig    `toml:"typing"`
}

type TransportConfig struct {
	HandshakeTimeoutMs int `toml:"handshake_timeout_ms"`
	HeartbeatMs        int `toml:"heartbeat_ms"`
	ReconnectBaseMs    int `toml:"reconnect_base_ms"`
	ReconnectCapMs     int `toml:"reconnect_cap_ms"`
	MaxReconnects      int `toml:"max_reconnects"`
}

type RetryConfig struct {
	AckTimeoutMs int `toml:"ack_timeout_ms"`
	BaseMs       int `toml:"base_ms"`
	CapMs        int `toml:"cap_ms"`
	MaxAttempts  int `toml:"max_attempts"`
}

type CacheConfig struct {
	// Backend selects the durable tier: "sqlite" or "redis".
	Backend  string `toml:"backend"`
	Capacity int    `toml:"capacity"`
	TTLMs    int    `toml:"ttl_ms"`
	SweepMs  int    `toml:"sweep_ms"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type TypingConfig struct {
	WindowMs int `toml:"window_ms"`
}

func Default() Config {
	return Config{
		DefaultProfile: "default",
		GatewayURL:     "wss://chat.zenithapi.shop/ws",
		APIURL:         "https://zenithapi.shop",
		Transport: TransportConfig{
			HandshakeTimeoutMs: 10000,
			HeartbeatMs:        25000,
			ReconnectBaseMs:    1000,
			ReconnectCapMs:     30000,
			MaxReconnects:      8,
		},
		Retry: RetryConfig{
			AckTimeoutMs: 10000,
			BaseMs:       2000,
			CapMs:        30000,
			MaxAttempts:  3,
		},
		Cache: CacheConfig{
			Backend:  "sqlite",
			Capacity: 512,
			TTLMs:    300000,
			SweepMs:  60000,
		},
		Typing: TypingConfig{
			WindowMs: 5000,
		},
	}
}

// Load reads path, layering the file's values over the defaults so new
// fields pick up sane values on old config files.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, err
		}
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config with user-only permissions; it carries the auth
// token.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Duration helpers for the millisecond fields.

func (t TransportConfig) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMs) * time.Millisecond
}
func (t TransportConfig) Heartbeat() time.Duration {
	return time.Duration(t.HeartbeatMs) * time.Millisecond
}
func (t TransportConfig) ReconnectBase() time.Duration {
	return time.Duration(t.ReconnectBaseMs) * time.Millisecond
}
func (t TransportConfig) ReconnectCap() time.Duration {
	return time.Duration(t.ReconnectCapMs) * time.Millisecond
}

func (r RetryConfig) AckTimeout() time.Duration { return time.Duration(r.AckTimeoutMs) * time.Millisecond }
func (r RetryConfig) Base() time.Duration       { return time.Duration(r.BaseMs) * time.Millisecond }
func (r RetryConfig) Cap() time.Duration        { return time.Duration(r.CapMs) * time.Millisecond }

func (c CacheConfig) TTL() time.Duration   { return time.Duration(c.TTLMs) * time.Millisecond }
func (c CacheConfig) Sweep() time.Duration { return time.Duration(c.SweepMs) * time.Millisecond }

func (t TypingConfig) Window() time.Duration { return time.Duration(t.WindowMs) * time.Millisecond }
