package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/optionmarket/internal/blob/s3"
	cachemem "github.com/alanyoungcy/optionmarket/internal/cache/memory"
	"github.com/alanyoungcy/optionmarket/internal/cache/redis"
	"github.com/alanyoungcy/optionmarket/internal/config"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/metrics"
	"github.com/alanyoungcy/optionmarket/internal/notify"
	"github.com/alanyoungcy/optionmarket/internal/platform/chain"
	"github.com/alanyoungcy/optionmarket/internal/server/handler"
	"github.com/alanyoungcy/optionmarket/internal/store/memory"
	"github.com/alanyoungcy/optionmarket/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the application
// modes need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	CommitmentStore domain.CommitmentStore
	CapacityStore   domain.CapacityStore
	OptionStore     domain.OptionStore
	AuditStore      domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Chain access. Nil when no RPC is configured.
	Chain    *ethclient.Client
	Solvency domain.SolvencyChecker

	// Archiver is nil unless object storage is enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health checks each external dependency for GET /api/health.
	Health map[string]handler.Check

	// Market is the marketplace core built on top of the above.
	Market *Market
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

	deps := &Dependencies{
		Metrics: metrics.New(),
		Health:  make(map[string]handler.Check),
	}

	// --- Stores ---
	switch cfg.Store {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.Timeout.Duration,
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
		deps.CommitmentStore = postgres.NewCommitmentStore(pool)
		deps.CapacityStore = postgres.NewCapacityStore(pool)
		deps.OptionStore = postgres.NewOptionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Ping
	default:
		logger.WarnContext(ctx, "using in-memory stores; state is lost on restart")
		deps.CommitmentStore = memory.NewCommitmentStore()
		deps.CapacityStore = memory.NewCapacityStore()
		deps.OptionStore = memory.NewOptionStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.HistoryWindow.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.PriceCache = cachemem.NewPriceCache(cfg.Oracle.HistoryWindow.Duration)
		deps.RateLimiter = cachemem.NewRateLimiter()
		deps.LockManager = cachemem.NewLockManager()
		deps.SignalBus = cachemem.NewSignalBus()
	}

	// --- Chain ---
	if cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, big.NewInt(cfg.Signing.ChainID))
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, client.Close)
		deps.Chain = client
		if cfg.Chain.Spender != "" {
			deps.Solvency = chain.NewSolvency(client, common.HexToAddress(cfg.Chain.Spender))
		}
		deps.Health["chain"] = func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		}
	}

	// --- S3 archive ---
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.OptionStore,
			deps.AuditStore,
			cfg.S3.BatchSize,
			logger,
		)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Marketplace core ---
	market, err := BuildMarket(cfg, deps, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Market = market

	return deps, cleanup, nil
}
