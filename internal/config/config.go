// Package config defines the escrowd configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ESCROW_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Storage  string         `toml:"storage"`
	Custody  CustodyConfig  `toml:"custody"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	Oracle   OracleConfig   `toml:"oracle"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Resolver ResolverConfig `toml:"resolver"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig configures the derived vault authority. Exactly one of Secret
// or SecretFile supplies the sealing secret.
type EngineConfig struct {
	AuthoritySeed  string `toml:"authority_seed"`
	ProgramID      string `toml:"program_id"`
	Secret         string `toml:"secret"`
	SecretFile     string `toml:"secret_file"`
	SecretPassword string `toml:"secret_password"`
}

// CustodyConfig configures the custody ledger. Balances and vaults live in
// the configured storage backend.
type CustodyConfig struct {
	// Faucet lets anyone call POST /api/accounts/{address}/credit.
	Faucet bool `toml:"faucet"`
	// Operator is the address whose signed credit requests are accepted
	// when the faucet is off.
	Operator string `toml:"operator"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the embedded database location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. Without Redis the event bus
// and keeper lock run in process and API rate limiting is off.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// OracleConfig selects the price source used at resolution.
type OracleConfig struct {
	// Source is "redis" (price hashes written by a feeder) or "pyth" (Hermes).
	Source    string            `toml:"source"`
	HermesURL string            `toml:"hermes_url"`
	Feeds     map[string]string `toml:"feeds"` // reference -> Pyth feed id
	MaxAge    duration          `toml:"max_age"`
	Timeout   duration          `toml:"timeout"`
	// Feeder polls Hermes for every configured feed and writes the readings
	// into Redis for instances using source "redis".
	Feeder       bool     `toml:"feeder"`
	FeedInterval duration `toml:"feed_interval"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig tunes the closed-game archiver. It requires S3.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
	MinAge    duration `toml:"min_age"`
	Prefix    string   `toml:"prefix"`
}

// ResolverConfig tunes the keeper that resolves expired games.
type ResolverConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`

	// SignatureSkew bounds the gap between a request's signed timestamp
	// and the server clock.
	SignatureSkew duration `toml:"signature_skew"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			AuthoritySeed: "BET_ON",
			ProgramID:     "0x0000000000000000000000000000000000e5c0de",
		},
		Storage: "memory",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "escrow",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "escrow.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "escrow:",
		},
		Oracle: OracleConfig{
			Source:    "pyth",
			HermesURL: "https://hermes.pyth.network",
			Feeds:     map[string]string{},
			MaxAge:    duration{time.Minute},
			Timeout:   duration{10 * time.Second},

			FeedInterval: duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "escrow-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{10 * time.Minute},
			BatchSize: 50,
			MinAge:    duration{24 * time.Hour},
			Prefix:    "archive",
		},
		Resolver: ResolverConfig{
			Enabled:   true,
			Interval:  duration{15 * time.Second},
			BatchSize: 100,
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:     20,
			RateWindow:    duration{time.Second},
			SignatureSkew: duration{5 * time.Minute},
		},
		Notify: NotifyConfig{
			DiscordUsername: "escrowd",
			Events:          []string{"game_resolved", "game_closed"},
		},
		LogLevel: "info",
	}
}

var validStorage = map[string]bool{"memory": true, "postgres": true, "sqlite": true}

var validOracles = map[string]bool{"redis": true, "pyth": true}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if !common.IsHexAddress(c.Engine.ProgramID) {
		errs = append(errs, fmt.Sprintf("engine: program_id %q is not a hex address", c.Engine.ProgramID))
	}
	switch {
	case c.Engine.Secret == "" && c.Engine.SecretFile == "":
		errs = append(errs, "engine: either secret or secret_file must be set")
	case c.Engine.Secret != "" && len(c.Engine.Secret) < 16:
		errs = append(errs, "engine: secret must be at least 16 bytes")
	case c.Engine.SecretFile != "" && c.Engine.SecretPassword == "":
		errs = append(errs, "engine: secret_password is required when secret_file is set")
	}

	// Storage
	switch storage := strings.ToLower(c.Storage); {
	case !validStorage[storage]:
		errs = append(errs, fmt.Sprintf("unknown storage %q (valid: memory, postgres, sqlite)", c.Storage))
	case storage == "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case storage == "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	}

	// Custody
	if c.Custody.Operator != "" && !common.IsHexAddress(c.Custody.Operator) {
		errs = append(errs, fmt.Sprintf("custody: operator %q is not a hex address", c.Custody.Operator))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Oracle
	switch src := strings.ToLower(c.Oracle.Source); {
	case !validOracles[src]:
		errs = append(errs, fmt.Sprintf("unknown oracle source %q (valid: redis, pyth)", c.Oracle.Source))
	case src == "redis" && !c.Redis.Enabled:
		errs = append(errs, "oracle: source redis requires redis.enabled")
	case src == "pyth" && c.Oracle.HermesURL == "":
		errs = append(errs, "oracle: hermes_url must not be empty")
	}
	if c.Oracle.Feeder {
		if !c.Redis.Enabled {
			errs = append(errs, "oracle: feeder requires redis.enabled")
		}
		if c.Oracle.HermesURL == "" || len(c.Oracle.Feeds) == 0 {
			errs = append(errs, "oracle: feeder requires hermes_url and feeds")
		}
		if c.Oracle.FeedInterval.Duration <= 0 {
			errs = append(errs, "oracle: feed_interval must be > 0")
		}
	}
	if c.Oracle.MaxAge.Duration < 0 {
		errs = append(errs, "oracle: max_age must not be negative")
	}

	// S3 / archive
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Resolver
	if c.Resolver.Enabled && c.Resolver.Interval.Duration <= 0 {
		errs = append(errs, "resolver: interval must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.SignatureSkew.Duration <= 0 {
			errs = append(errs, "server: signature_skew must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
