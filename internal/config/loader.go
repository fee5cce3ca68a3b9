package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) on top of
// the built-in defaults, loads .env if present, and applies ESCROW_*
// environment overrides. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ESCROW_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.AuthoritySeed, "ESCROW_ENGINE_AUTHORITY_SEED")
	setStr(&cfg.Engine.ProgramID, "ESCROW_ENGINE_PROGRAM_ID")
	setStr(&cfg.Engine.Secret, "ESCROW_ENGINE_SECRET")
	setStr(&cfg.Engine.SecretFile, "ESCROW_ENGINE_SECRET_FILE")
	setStr(&cfg.Engine.SecretPassword, "ESCROW_ENGINE_SECRET_PASSWORD")

	// ── Storage ──
	setStr(&cfg.Storage, "ESCROW_STORAGE")
	setBool(&cfg.Custody.Faucet, "ESCROW_CUSTODY_FAUCET")
	setStr(&cfg.Custody.Operator, "ESCROW_CUSTODY_OPERATOR")
	setStr(&cfg.SQLite.Path, "ESCROW_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ESCROW_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ESCROW_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ESCROW_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ESCROW_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ESCROW_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ESCROW_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ESCROW_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ESCROW_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ESCROW_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ESCROW_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ESCROW_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ESCROW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ESCROW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ESCROW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ESCROW_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ESCROW_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ESCROW_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ESCROW_REDIS_KEY_PREFIX")

	// ── Oracle ──
	setStr(&cfg.Oracle.Source, "ESCROW_ORACLE_SOURCE")
	setStr(&cfg.Oracle.HermesURL, "ESCROW_ORACLE_HERMES_URL")
	setDuration(&cfg.Oracle.MaxAge, "ESCROW_ORACLE_MAX_AGE")
	setDuration(&cfg.Oracle.Timeout, "ESCROW_ORACLE_TIMEOUT")
	setBool(&cfg.Oracle.Feeder, "ESCROW_ORACLE_FEEDER")
	setDuration(&cfg.Oracle.FeedInterval, "ESCROW_ORACLE_FEED_INTERVAL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ESCROW_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ESCROW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ESCROW_S3_REGION")
	setStr(&cfg.S3.Bucket, "ESCROW_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ESCROW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ESCROW_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ESCROW_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ESCROW_S3_FORCE_PATH_STYLE")

	// ── Background loops ──
	setBool(&cfg.Archive.Enabled, "ESCROW_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ESCROW_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.MinAge, "ESCROW_ARCHIVE_MIN_AGE")
	setBool(&cfg.Resolver.Enabled, "ESCROW_RESOLVER_ENABLED")
	setDuration(&cfg.Resolver.Interval, "ESCROW_RESOLVER_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ESCROW_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ESCROW_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ESCROW_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ESCROW_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ESCROW_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.SignatureSkew, "ESCROW_SERVER_SIGNATURE_SKEW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ESCROW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ESCROW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ESCROW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ESCROW_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ESCROW_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
