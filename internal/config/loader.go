package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPTIONMARKET_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
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

// applyEnvOverrides reads well-known OPTIONMARKET_* environment variables
// and overwrites the corresponding Config fields when a variable is set.
// Secrets are meant to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Signing ──
	setStr(&cfg.Signing.Name, "OPTIONMARKET_SIGNING_NAME")
	setStr(&cfg.Signing.Version, "OPTIONMARKET_SIGNING_VERSION")
	setInt64(&cfg.Signing.ChainID, "OPTIONMARKET_SIGNING_CHAIN_ID")
	setStr(&cfg.Signing.VerifyingContract, "OPTIONMARKET_SIGNING_VERIFYING_CONTRACT")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "OPTIONMARKET_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "OPTIONMARKET_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "OPTIONMARKET_WALLET_KEY_PASSWORD")

	// ── Rules ──
	setStr(&cfg.Rules.MinAmount, "OPTIONMARKET_RULES_MIN_AMOUNT")
	setStr(&cfg.Rules.MaxAmount, "OPTIONMARKET_RULES_MAX_AMOUNT")
	setUint32(&cfg.Rules.MinDurationDays, "OPTIONMARKET_RULES_MIN_DURATION_DAYS")
	setUint32(&cfg.Rules.MaxDurationDays, "OPTIONMARKET_RULES_MAX_DURATION_DAYS")
	setInt64(&cfg.Rules.LiquidationFeeBps, "OPTIONMARKET_RULES_LIQUIDATION_FEE_BPS")

	// ── Settlement ──
	setInt64(&cfg.Settlement.ProtocolFeeBps, "OPTIONMARKET_SETTLEMENT_PROTOCOL_FEE_BPS")
	setStr(&cfg.Settlement.FeeRecipient, "OPTIONMARKET_SETTLEMENT_FEE_RECIPIENT")

	// ── Oracle ──
	setDuration(&cfg.Oracle.MaxAge, "OPTIONMARKET_ORACLE_MAX_AGE")
	setDuration(&cfg.Oracle.CacheTTL, "OPTIONMARKET_ORACLE_CACHE_TTL")
	setDuration(&cfg.Oracle.PollInterval, "OPTIONMARKET_ORACLE_POLL_INTERVAL")
	setStringSlice(&cfg.Oracle.Assets, "OPTIONMARKET_ORACLE_ASSETS")

	// ── Keeper ──
	setDuration(&cfg.Keeper.Interval, "OPTIONMARKET_KEEPER_INTERVAL")
	setDuration(&cfg.Keeper.LockTTL, "OPTIONMARKET_KEEPER_LOCK_TTL")
	setStr(&cfg.Keeper.Liquidator, "OPTIONMARKET_KEEPER_LIQUIDATOR")
	setInt64(&cfg.Keeper.MaxPriceMovementBps, "OPTIONMARKET_KEEPER_MAX_PRICE_MOVEMENT_BPS")
	setStr(&cfg.Keeper.QuoteToken, "OPTIONMARKET_KEEPER_QUOTE_TOKEN")
	setInt64(&cfg.Keeper.SlippageBps, "OPTIONMARKET_KEEPER_SLIPPAGE_BPS")
	setDuration(&cfg.Keeper.ArchiveAfter, "OPTIONMARKET_KEEPER_ARCHIVE_AFTER")
	setStr(&cfg.Keeper.ArchiveCron, "OPTIONMARKET_KEEPER_ARCHIVE_CRON")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "OPTIONMARKET_CHAIN_RPC_URL")
	setStr(&cfg.Chain.Spender, "OPTIONMARKET_CHAIN_SPENDER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "OPTIONMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "OPTIONMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "OPTIONMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "OPTIONMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "OPTIONMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "OPTIONMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "OPTIONMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "OPTIONMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "OPTIONMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "OPTIONMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "OPTIONMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "OPTIONMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTIONMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTIONMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OPTIONMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OPTIONMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OPTIONMARKET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "OPTIONMARKET_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "OPTIONMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "OPTIONMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPTIONMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPTIONMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPTIONMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPTIONMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OPTIONMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OPTIONMARKET_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "OPTIONMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "OPTIONMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "OPTIONMARKET_SERVER_API_KEY")
	setBool(&cfg.Server.PublicReads, "OPTIONMARKET_SERVER_PUBLIC_READS")
	setInt(&cfg.Server.RateLimit, "OPTIONMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "OPTIONMARKET_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OPTIONMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OPTIONMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OPTIONMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OPTIONMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "OPTIONMARKET_MODE")
	setStr(&cfg.Store, "OPTIONMARKET_STORE")
	setStr(&cfg.LogLevel, "OPTIONMARKET_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
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
