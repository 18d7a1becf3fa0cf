// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Zlib     ZlibConfig     `mapstructure:"zlib"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ZlibConfig points the scraper at the catalog and its accounts.
type ZlibConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Accounts is a delimited email:password list. FallbackAccounts is used
	// only when Accounts yields nothing.
	Accounts           string        `mapstructure:"accounts"`
	FallbackAccounts   string        `mapstructure:"fallback_accounts"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	DailyLimitFallback time.Duration `mapstructure:"daily_limit_fallback"`
	LoginPath          string        `mapstructure:"login_path"`
	UserAgent          string        `mapstructure:"user_agent"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
}

// HeadlessConfig configures the browser driver.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout"`
}

// JobsConfig holds per-operation timeouts and the warmup schedule.
type JobsConfig struct {
	SearchTimeout   time.Duration `mapstructure:"search_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	WarmupTimeout   time.Duration `mapstructure:"warmup_timeout"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	WaitGrace       time.Duration `mapstructure:"wait_grace"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	WarmupSchedule  string        `mapstructure:"warmup_schedule"`
	WarmupOnStart   bool          `mapstructure:"warmup_on_start"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

// RedisConfig is shared by the redis queue and cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects the job store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CacheConfig selects the search cache backend.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Prefix  string        `mapstructure:"prefix"`
}

// ProxyConfig configures the download proxy.
type ProxyConfig struct {
	Port          int           `mapstructure:"port"`
	AllowedHosts  []string      `mapstructure:"allowed_hosts"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	HeaderTimeout time.Duration `mapstructure:"header_timeout"`
	UpstreamRPS   float64       `mapstructure:"upstream_rps"`
	UpstreamBurst int           `mapstructure:"upstream_burst"`
}

// MirrorConfig configures the mirror-fallback downloader.
type MirrorConfig struct {
	Gateways         []string      `mapstructure:"gateways"`
	VerifiedGateway  string        `mapstructure:"verified_gateway"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	MaxVerifiedBytes int64         `mapstructure:"max_verified_bytes"`
}

// PubSubConfig holds metadata for job event notifications. An empty
// ProjectID keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("zlib.base_url", "https://z-library.sk")
	v.SetDefault("zlib.accounts", "")
	v.SetDefault("zlib.fallback_accounts", "")
	v.SetDefault("zlib.session_ttl", 15*time.Minute)
	v.SetDefault("zlib.daily_limit_fallback", 3*time.Hour)
	v.SetDefault("zlib.login_path", "/login")
	v.SetDefault("zlib.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("zlib.http_timeout", 30*time.Second)

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.headless", true)
	v.SetDefault("headless.no_sandbox", true)
	v.SetDefault("headless.navigation_timeout", 45*time.Second)
	v.SetDefault("headless.element_timeout", 15*time.Second)

	v.SetDefault("jobs.search_timeout", 60*time.Second)
	v.SetDefault("jobs.download_timeout", 90*time.Second)
	v.SetDefault("jobs.warmup_timeout", 120*time.Second)
	v.SetDefault("jobs.reset_timeout", 30*time.Second)
	v.SetDefault("jobs.wait_grace", 5*time.Second)
	v.SetDefault("jobs.poll_interval", 500*time.Millisecond)
	v.SetDefault("jobs.warmup_schedule", "")
	v.SetDefault("jobs.warmup_on_start", false)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.stream", "bookrelay:jobs")
	v.SetDefault("queue.group", "bookrelay-workers")
	v.SetDefault("queue.consumer", "worker-1")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("database.table", "relay_jobs")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.prefix", "bookrelay")

	v.SetDefault("proxy.port", 8081)
	v.SetDefault("proxy.allowed_hosts", []string{"z-library.sk", "ncdn.ec"})
	v.SetDefault("proxy.public_base_url", "")
	v.SetDefault("proxy.header_timeout", 30*time.Second)
	v.SetDefault("proxy.upstream_rps", 5.0)
	v.SetDefault("proxy.upstream_burst", 10)

	v.SetDefault("mirror.gateways", []string{
		"https://ipfs.io/ipfs/{cid}",
		"https://dweb.link/ipfs/{cid}",
		"https://cloudflare-ipfs.com/ipfs/{cid}",
	})
	v.SetDefault("mirror.verified_gateway", "https://trustless-gateway.link/ipfs/")
	v.SetDefault("mirror.attempt_timeout", 20*time.Second)
	v.SetDefault("mirror.max_verified_bytes", int64(100<<20))

	v.SetDefault("pubsub.topic_name", "book-relay-jobs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Proxy.Port <= 0 {
		return fmt.Errorf("proxy.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if u, err := url.Parse(c.Zlib.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("zlib.base_url must be an absolute URL")
	}
	if c.Zlib.SessionTTL <= 0 {
		return fmt.Errorf("zlib.session_ttl must be > 0")
	}
	if c.Jobs.SearchTimeout <= 0 || c.Jobs.DownloadTimeout <= 0 ||
		c.Jobs.WarmupTimeout <= 0 || c.Jobs.ResetTimeout <= 0 {
		return fmt.Errorf("jobs timeouts must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0 for the memory backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("cache.backend must be memory, redis or none, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if len(c.Proxy.AllowedHosts) == 0 {
		return fmt.Errorf("proxy.allowed_hosts must not be empty")
	}
	if c.Mirror.AttemptTimeout <= 0 {
		return fmt.Errorf("mirror.attempt_timeout must be > 0")
	}
	return nil
}

// UsesRedis reports whether any component needs a redis connection.
func (c Config) UsesRedis() bool {
	return c.Queue.Backend == "redis" || c.Cache.Backend == "redis"
}
