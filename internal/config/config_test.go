package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Engine.Secret = "0123456789abcdef0123"
	return cfg
}

func TestDefaultsNeedOnlyASecret(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: either secret or secret_file")

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"program id", func(c *Config) { c.Engine.ProgramID = "nope" }, "program_id"},
		{"short secret", func(c *Config) { c.Engine.Secret = "short" }, "at least 16 bytes"},
		{"secret file without password", func(c *Config) {
			c.Engine.Secret = ""
			c.Engine.SecretFile = "/etc/escrow/secret.json"
		}, "secret_password"},
		{"storage", func(c *Config) { c.Storage = "mongo" }, "unknown storage"},
		{"sqlite path", func(c *Config) { c.Storage = "sqlite"; c.SQLite.Path = "" }, "sqlite: path"},
		{"postgres pool", func(c *Config) { c.Storage = "postgres"; c.Postgres.PoolMaxConns = 0 }, "pool_max_conns"},
		{"redis oracle without redis", func(c *Config) { c.Oracle.Source = "redis" }, "requires redis.enabled"},
		{"archive without s3", func(c *Config) { c.Archive.Enabled = true }, "archive: requires s3.enabled"},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
		{"signature skew", func(c *Config) { c.Server.SignatureSkew.Duration = 0 }, "signature_skew"},
		{"custody operator", func(c *Config) { c.Custody.Operator = "ops" }, "custody: operator"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage = "sqlite"
log_level = "debug"

[engine]
secret = "file-secret-0123456789"

[sqlite]
path = "/var/lib/escrow/escrow.db"

[oracle]
source = "pyth"
max_age = "30s"

[oracle.feeds]
"BTC/USD" = "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

[resolver]
interval = "5s"
`), 0o600))

	t.Setenv("ESCROW_ENGINE_SECRET", "env-secret-0123456789")
	t.Setenv("ESCROW_SERVER_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Storage)
	assert.Equal(t, "/var/lib/escrow/escrow.db", cfg.SQLite.Path)
	assert.Equal(t, "env-secret-0123456789", cfg.Engine.Secret, "env overrides file")
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Oracle.MaxAge.Duration)
	assert.Equal(t, 5*time.Second, cfg.Resolver.Interval.Duration)
	assert.Contains(t, cfg.Oracle.Feeds, "BTC/USD")
	assert.Equal(t, "BET_ON", cfg.Engine.AuthoritySeed, "unset keys keep defaults")
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.APIKey = "k"
	cfg.Oracle.Feeds["BTC/USD"] = "0xabc"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Engine.Secret)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Oracle.Feeds["ETH/USD"] = "0xdef"
	assert.NotContains(t, cfg.Oracle.Feeds, "ETH/USD")
	assert.Equal(t, "0123456789abcdef0123", cfg.Engine.Secret)
}
