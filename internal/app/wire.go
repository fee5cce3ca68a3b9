package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/parimutuel/internal/authority"
	s3blob "github.com/alanyoungcy/parimutuel/internal/blob/s3"
	"github.com/alanyoungcy/parimutuel/internal/cache/local"
	"github.com/alanyoungcy/parimutuel/internal/cache/redis"
	"github.com/alanyoungcy/parimutuel/internal/config"
	"github.com/alanyoungcy/parimutuel/internal/crypto"
	"github.com/alanyoungcy/parimutuel/internal/custody"
	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/feed"
	"github.com/alanyoungcy/parimutuel/internal/notify"
	"github.com/alanyoungcy/parimutuel/internal/platform/pyth"
	"github.com/alanyoungcy/parimutuel/internal/server/handler"
	"github.com/alanyoungcy/parimutuel/internal/store/memory"
	"github.com/alanyoungcy/parimutuel/internal/store/postgres"
	"github.com/alanyoungcy/parimutuel/internal/store/sqlite"
)

// Dependencies bundles every collaborator the engine and its background
// services need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Storage
	Store domain.GameStore
	Audit domain.AuditStore // nil for the memory store

	// Custody
	Deriver *authority.Deriver
	Ledger  *custody.Ledger

	Oracle domain.Oracle
	Feeder *feed.PriceFeeder // nil unless oracle.feeder is set

	// Coordination
	Bus         domain.SignalBus
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter // nil without Redis

	Blobs domain.BlobStore // nil without S3

	Notifier *notify.Notifier

	// Health probes, keyed by dependency name.
	Health map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: map[string]handler.HealthCheck{}}

	// --- Authority and custody ---
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:           cfg.Engine.Secret,
		EncryptedPath: cfg.Engine.SecretFile,
		Password:      cfg.Engine.SecretPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: engine secret: %w", err))
	}
	deps.Deriver, err = authority.NewDeriver(cfg.Engine.AuthoritySeed, common.HexToAddress(cfg.Engine.ProgramID), secret)
	if err != nil {
		return fail(fmt.Errorf("wire: authority: %w", err))
	}
	// --- Game and custody store ---
	// Custody lives in the same backend as games so that vault movements
	// commit in the same transaction as the game writes they belong to.
	var custodyStore domain.CustodyStore
	switch strings.ToLower(cfg.Storage) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := pgClient.Pool()
		deps.Store = postgres.NewGameStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		custodyStore = postgres.NewCustodyStore(pool)
		deps.Health["postgres"] = pgClient.Ping

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := db.Migrate(ctx); err != nil {
			return fail(fmt.Errorf("wire: sqlite migrations: %w", err))
		}
		deps.Store = db
		deps.Audit = db
		custodyStore = db
		deps.Health["sqlite"] = db.Ping

	default:
		deps.Store = memory.New()
		custodyStore = custody.NewMemoryStore()
	}
	deps.Ledger = custody.NewLedger(deps.Deriver, custodyStore)

	// --- Redis (optional) ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		prefix := cfg.Redis.KeyPrefix
		deps.Bus = redis.NewSignalBus(redisClient, prefix)
		deps.Locks = redis.NewLockManager(redisClient, prefix)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, prefix)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.Bus = local.NewBus()
		deps.Locks = local.NewLocks()
	}

	// --- Oracle ---
	switch strings.ToLower(cfg.Oracle.Source) {
	case "redis":
		if redisClient == nil {
			return fail(errors.New("wire: oracle source redis requires redis.enabled"))
		}
		deps.Oracle = redis.NewPriceOracle(redisClient, cfg.Redis.KeyPrefix, cfg.Oracle.MaxAge.Duration)
	default:
		deps.Oracle = pyth.NewHermesClient(cfg.Oracle.HermesURL, cfg.Oracle.Feeds, cfg.Oracle.Timeout.Duration)
	}
	if cfg.Oracle.Feeder {
		if redisClient == nil {
			return fail(errors.New("wire: oracle feeder requires redis.enabled"))
		}
		refs := make([]string, 0, len(cfg.Oracle.Feeds))
		for ref := range cfg.Oracle.Feeds {
			refs = append(refs, ref)
		}
		deps.Feeder = feed.NewPriceFeeder(
			pyth.NewHermesClient(cfg.Oracle.HermesURL, cfg.Oracle.Feeds, cfg.Oracle.Timeout.Duration),
			redis.NewPriceOracle(redisClient, cfg.Redis.KeyPrefix, 0),
			refs, cfg.Oracle.FeedInterval.Duration, logger,
		)
	}

	// --- S3 blob storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Blobs = s3blob.NewStore(s3Client)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, cfg.Notify.DiscordUsername))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("storage", strings.ToLower(cfg.Storage)),
		slog.String("oracle", strings.ToLower(cfg.Oracle.Source)),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Int("notify_senders", len(senders)),
		slog.String("program_id", cfg.Engine.ProgramID),
	)
	return deps, cleanup, nil
}
