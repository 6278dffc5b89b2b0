package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Token = "tok_secret"
	cfg.UserID = "u_1"
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Token != "tok_secret" || loaded.UserID != "u_1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Cache.Backend != "redis" || loaded.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("cache config = %+v", loaded.Cache)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err = %v, want not-exist", err)
	}
	if cfg.DefaultProfile != "default" {
		t.Errorf("defaults not returned: %+v", cfg)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("token = \"tok_2\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "tok_2" {
		t.Errorf("token = %q", cfg.Token)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Cache.TTLMs != 300000 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestSavePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.Cache.TTL() != 5*time.Minute {
		t.Errorf("ttl = %v", cfg.Cache.TTL())
	}
	if cfg.Retry.Base() != 2*time.Second {
		t.Errorf("retry base = %v", cfg.Retry.Base())
	}
	if cfg.Typing.Window() != 5*time.Second {
		t.Errorf("typing window = %v", cfg.Typing.Window())
	}
}
