package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
zlib:
  base_url: https://catalog.example
  accounts: "a@example.com:pw1, b@example.com:pw2"
  session_ttl: 5m
  daily_limit_fallback: 1h
jobs:
  search_timeout: 10s
  warmup_schedule: "@every 30m"
  warmup_on_start: true
queue:
  backend: redis
redis:
  addr: redis:6379
storage:
  backend: postgres
database:
  dsn: postgres://relay@db/relay
  max_conns: 8
cache:
  backend: none
proxy:
  allowed_hosts: [example.org]
  public_base_url: https://proxy.example
mirror:
  gateways: ["https://gw.example/ipfs/{cid}"]
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Zlib.BaseURL != "https://catalog.example" || cfg.Zlib.SessionTTL != 5*time.Minute {
		t.Fatalf("expected zlib overrides to apply: %+v", cfg.Zlib)
	}
	if cfg.Zlib.DailyLimitFallback != time.Hour {
		t.Fatalf("expected daily limit fallback 1h, got %v", cfg.Zlib.DailyLimitFallback)
	}
	if cfg.Jobs.SearchTimeout != 10*time.Second || cfg.Jobs.DownloadTimeout != 90*time.Second {
		t.Fatalf("expected job timeouts to merge with defaults: %+v", cfg.Jobs)
	}
	if cfg.Jobs.WarmupSchedule != "@every 30m" || !cfg.Jobs.WarmupOnStart {
		t.Fatalf("expected warmup schedule to load: %+v", cfg.Jobs)
	}
	if !cfg.UsesRedis() || cfg.Database.MaxConns != 8 {
		t.Fatalf("expected redis queue and postgres store: %+v %+v", cfg.Queue, cfg.Database)
	}
	if len(cfg.Proxy.AllowedHosts) != 1 || cfg.Proxy.AllowedHosts[0] != "example.org" {
		t.Fatalf("expected allowlist override, got %v", cfg.Proxy.AllowedHosts)
	}
	if len(cfg.Mirror.Gateways) != 1 || cfg.Mirror.MaxVerifiedBytes != 100<<20 {
		t.Fatalf("unexpected mirror config: %+v", cfg.Mirror)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Backend != "memory" || cfg.Storage.Backend != "memory" || cfg.Cache.Backend != "memory" {
		t.Fatalf("expected in-memory backends by default")
	}
	if cfg.Zlib.SessionTTL != 15*time.Minute || cfg.Zlib.DailyLimitFallback != 3*time.Hour {
		t.Fatalf("unexpected session defaults: %+v", cfg.Zlib)
	}
	if got := strings.Join(cfg.Proxy.AllowedHosts, ","); got != "z-library.sk,ncdn.ec" {
		t.Fatalf("unexpected default allowlist %q", got)
	}
	if cfg.Jobs.WaitGrace != 5*time.Second {
		t.Fatalf("expected 5s wait grace, got %v", cfg.Jobs.WaitGrace)
	}
	if cfg.Cache.Prefix != "bookrelay" || cfg.Cache.TTL != 10*time.Minute {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Zlib:   ZlibConfig{BaseURL: "https://catalog.example", SessionTTL: time.Minute},
		Jobs: JobsConfig{
			SearchTimeout:   time.Second,
			DownloadTimeout: time.Second,
			WarmupTimeout:   time.Second,
			ResetTimeout:    time.Second,
		},
		Queue:   QueueConfig{Backend: "memory", Capacity: 1},
		Storage: StorageConfig{Backend: "memory"},
		Cache:   CacheConfig{Backend: "memory"},
		Proxy:   ProxyConfig{Port: 8081, AllowedHosts: []string{"example.org"}},
		Mirror:  MirrorConfig{AttemptTimeout: time.Second},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid proxy port", func(c *Config) { c.Proxy.Port = -1 }, "proxy.port"},
		{"missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"relative base url", func(c *Config) { c.Zlib.BaseURL = "/catalog" }, "zlib.base_url"},
		{"zero session ttl", func(c *Config) { c.Zlib.SessionTTL = 0 }, "zlib.session_ttl"},
		{"zero job timeout", func(c *Config) { c.Jobs.ResetTimeout = 0 }, "jobs timeouts"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }, "queue.capacity"},
		{"redis queue without addr", func(c *Config) { c.Queue.Backend = "redis" }, "redis.addr"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "database.dsn"},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"zero redis cache ttl", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Redis.Addr = "localhost:6379"
			c.Cache.TTL = 0
		}, "cache.ttl"},
		{"empty allowlist", func(c *Config) { c.Proxy.AllowedHosts = nil }, "proxy.allowed_hosts"},
		{"zero mirror timeout", func(c *Config) { c.Mirror.AttemptTimeout = 0 }, "mirror.attempt_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Proxy.AllowedHosts = append([]string(nil), base.Proxy.AllowedHosts...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tt.want)
			}
		})
	}
}
