// Package config defines the top-level configuration for the options
// marketplace and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OPTIONMARKET_* environment variables.
type Config struct {
	Signing    SigningConfig    `toml:"signing"`
	Wallet     WalletConfig     `toml:"wallet"`
	Rules      RulesConfig      `toml:"rules"`
	Settlement SettlementConfig `toml:"settlement"`
	Oracle     OracleConfig     `toml:"oracle"`
	Keeper     KeeperConfig     `toml:"keeper"`
	Chain      ChainConfig      `toml:"chain"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	Store      string           `toml:"store"`
	LogLevel   string           `toml:"log_level"`
}

// SigningConfig fixes the EIP-712 domain every commitment is signed under.
type SigningConfig struct {
	Name              string `toml:"name"`
	Version           string `toml:"version"`
	ChainID           int64  `toml:"chain_id"`
	VerifyingContract string `toml:"verifying_contract"`
}

// WalletConfig holds the key used by the sign command.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// RulesConfig holds commitment validation bounds and option lifecycle
// parameters. Amounts are decimal strings in the underlying's minimal units.
type RulesConfig struct {
	MinAmount         string `toml:"min_amount"`
	MaxAmount         string `toml:"max_amount"`
	MinDurationDays   uint32 `toml:"min_duration_days"`
	MaxDurationDays   uint32 `toml:"max_duration_days"`
	AssetDecimals     int32  `toml:"asset_decimals"`
	QuoteDecimals     int32  `toml:"quote_decimals"`
	LiquidationFeeBps int64  `toml:"liquidation_fee_bps"`
}

// SettlementConfig holds router parameters and the in-process venues.
type SettlementConfig struct {
	ProtocolFeeBps int64  `toml:"protocol_fee_bps"`
	FeeRecipient   string `toml:"fee_recipient"`
	SmallTradeMax  string `toml:"small_trade_max"`
	LargeTradeMin  string `toml:"large_trade_min"`
	// RouterParts is how many slices GENERIC_ROUTER splits a trade into.
	RouterParts int             `toml:"router_parts"`
	Pools       []PoolConfig    `toml:"pools"`
	Deposits    []DepositConfig `toml:"deposits"`
	Orders      []OrderConfig   `toml:"orders"`
}

// PoolConfig seeds one constant-product pool.
type PoolConfig struct {
	ID       string `toml:"id"`
	Token0   string `toml:"token0"`
	Token1   string `toml:"token1"`
	Reserve0 string `toml:"reserve0"`
	Reserve1 string `toml:"reserve1"`
	FeeBps   int64  `toml:"fee_bps"`
}

// DepositConfig credits an account in the settlement vault at startup.
type DepositConfig struct {
	Account string `toml:"account"`
	Token   string `toml:"token"`
	Amount  string `toml:"amount"`
}

// OrderConfig rests a limit order on the book at startup. The maker's
// sell amount must already be deposited.
type OrderConfig struct {
	Maker      string `toml:"maker"`
	SellToken  string `toml:"sell_token"`
	BuyToken   string `toml:"buy_token"`
	SellAmount string `toml:"sell_amount"`
	BuyAmount  string `toml:"buy_amount"`
}

// OracleConfig controls price freshness and sources. StaticPrices is used
// when no chain RPC is configured.
type OracleConfig struct {
	MaxAge        duration          `toml:"max_age"`
	CacheTTL      duration          `toml:"cache_ttl"`
	HistoryWindow duration          `toml:"history_window"`
	PollInterval  duration          `toml:"poll_interval"`
	Assets        []string          `toml:"assets"`
	StaticPrices  map[string]string `toml:"static_prices"`
}

// KeeperConfig holds the background sweep parameters.
type KeeperConfig struct {
	Interval            duration `toml:"interval"`
	LockTTL             duration `toml:"lock_ttl"`
	Liquidator          string   `toml:"liquidator"`
	MaxPriceMovementBps int64    `toml:"max_price_movement_bps"`
	QuoteToken          string   `toml:"quote_token"`
	SlippageBps         int64    `toml:"slippage_bps"`
	ArchiveAfter        duration `toml:"archive_after"`
	ArchiveCron         string   `toml:"archive_cron"`
}

// ChainConfig points at a JSON-RPC node used for price feeds and LP
// solvency checks. An empty RPCURL disables both.
type ChainConfig struct {
	RPCURL string `toml:"rpc_url"`
	// Spender is the settlement contract LPs approve.
	Spender string `toml:"spender"`
	// Feeds maps an underlying to its Chainlink-style aggregator.
	Feeds map[string]string `toml:"feeds"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	Timeout       duration `toml:"timeout"`
}

// RedisConfig holds Redis connection parameters. When disabled the price
// cache, locks, rate limiter and signal bus run in process.
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

// S3Config holds S3-compatible object storage parameters for the option
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	BatchSize      int    `toml:"batch_size"`
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
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	PublicReads bool     `toml:"public_reads"`
	// RateLimit is requests per RateLimitWindow per client IP. Zero
	// disables limiting.
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Signing: SigningConfig{
			Name:              "DurationOptions",
			Version:           "1",
			ChainID:           1,
			VerifyingContract: "0x0000000000000000000000000000000000000001",
		},
		Rules: RulesConfig{
			MinAmount:         "1000000000000000",
			MaxAmount:         "1000000000000000000",
			MinDurationDays:   1,
			MaxDurationDays:   365,
			AssetDecimals:     18,
			QuoteDecimals:     6,
			LiquidationFeeBps: 100,
		},
		Settlement: SettlementConfig{
			ProtocolFeeBps: 30,
			SmallTradeMax:  "100000000000000000",
			LargeTradeMin:  "10000000000000000000",
			RouterParts:    4,
		},
		Oracle: OracleConfig{
			MaxAge:        duration{5 * time.Minute},
			CacheTTL:      duration{15 * time.Second},
			HistoryWindow: duration{45 * 24 * time.Hour},
			PollInterval:  duration{15 * time.Second},
			StaticPrices:  map[string]string{},
		},
		Keeper: KeeperConfig{
			Interval:            duration{time.Minute},
			LockTTL:             duration{5 * time.Minute},
			MaxPriceMovementBps: 500,
			SlippageBps:         100,
			ArchiveAfter:        duration{30 * 24 * time.Hour},
			ArchiveCron:         "0 3 * * *",
		},
		Chain: ChainConfig{
			Feeds: map[string]string{},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "optionmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			Timeout:       duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "optionmarket",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "optionmarket-archive",
			ForcePathStyle: true,
			BatchSize:      500,
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			PublicReads:     true,
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"option_exercised", "option_liquidated", "commitment_retired"},
		},
		Mode:     "full",
		Store:    "memory",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

var validStores = map[string]bool{
	"memory":   true,
	"postgres": true,
}

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
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: server, keeper, full)", c.Mode)
	}
	if !validStores[strings.ToLower(c.Store)] {
		add("unknown store %q (valid: memory, postgres)", c.Store)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Signing
	if c.Signing.Name == "" || c.Signing.Version == "" {
		add("signing: name and version must not be empty")
	}
	if c.Signing.ChainID <= 0 {
		add("signing: chain_id must be positive")
	}
	if !isAddress(c.Signing.VerifyingContract) {
		add("signing: verifying_contract %q is not an address", c.Signing.VerifyingContract)
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		add("wallet: key_password is required when encrypted_key_path is set")
	}

	// Rules
	minAmt, okMin := ParseAmount(c.Rules.MinAmount)
	maxAmt, okMax := ParseAmount(c.Rules.MaxAmount)
	if !okMin {
		add("rules: min_amount %q is not a non-negative integer", c.Rules.MinAmount)
	}
	if !okMax {
		add("rules: max_amount %q is not a non-negative integer", c.Rules.MaxAmount)
	}
	if okMin && okMax && minAmt.Cmp(maxAmt) > 0 {
		add("rules: min_amount must not exceed max_amount")
	}
	if c.Rules.MinDurationDays == 0 || c.Rules.MinDurationDays > c.Rules.MaxDurationDays {
		add("rules: need 1 <= min_duration_days <= max_duration_days")
	}
	if c.Rules.AssetDecimals < 0 || c.Rules.QuoteDecimals < 0 {
		add("rules: decimals must be >= 0")
	}
	if c.Rules.LiquidationFeeBps < 0 || c.Rules.LiquidationFeeBps > 10_000 {
		add("rules: liquidation_fee_bps must be 0-10000, got %d", c.Rules.LiquidationFeeBps)
	}

	// Settlement
	if c.Settlement.ProtocolFeeBps < 0 || c.Settlement.ProtocolFeeBps >= 10_000 {
		add("settlement: protocol_fee_bps must be 0-9999, got %d", c.Settlement.ProtocolFeeBps)
	}
	if c.Settlement.FeeRecipient != "" && !isAddress(c.Settlement.FeeRecipient) {
		add("settlement: fee_recipient %q is not an address", c.Settlement.FeeRecipient)
	}
	small, okSmall := ParseAmount(c.Settlement.SmallTradeMax)
	large, okLarge := ParseAmount(c.Settlement.LargeTradeMin)
	if !okSmall || !okLarge {
		add("settlement: small_trade_max and large_trade_min must be non-negative integers")
	} else if small.Cmp(large) > 0 {
		add("settlement: small_trade_max must not exceed large_trade_min")
	}
	if c.Settlement.RouterParts < 1 {
		add("settlement: router_parts must be >= 1")
	}
	seen := make(map[string]bool, len(c.Settlement.Pools))
	for i, p := range c.Settlement.Pools {
		if p.ID == "" || seen[p.ID] {
			add("settlement: pools[%d]: id must be set and unique", i)
		}
		seen[p.ID] = true
		if !isAddress(p.Token0) || !isAddress(p.Token1) || strings.EqualFold(p.Token0, p.Token1) {
			add("settlement: pools[%d]: token0 and token1 must be distinct addresses", i)
		}
		if _, ok := ParseAmount(p.Reserve0); !ok {
			add("settlement: pools[%d]: reserve0 %q is not a non-negative integer", i, p.Reserve0)
		}
		if _, ok := ParseAmount(p.Reserve1); !ok {
			add("settlement: pools[%d]: reserve1 %q is not a non-negative integer", i, p.Reserve1)
		}
		if p.FeeBps < 0 || p.FeeBps >= 10_000 {
			add("settlement: pools[%d]: fee_bps must be 0-9999", i)
		}
	}
	for i, d := range c.Settlement.Deposits {
		if !isAddress(d.Account) || !isAddress(d.Token) {
			add("settlement: deposits[%d]: account and token must be addresses", i)
		}
		if _, ok := ParseAmount(d.Amount); !ok {
			add("settlement: deposits[%d]: amount %q is not a non-negative integer", i, d.Amount)
		}
	}

	for i, o := range c.Settlement.Orders {
		if !isAddress(o.Maker) || !isAddress(o.SellToken) || !isAddress(o.BuyToken) {
			add("settlement: orders[%d]: maker and tokens must be addresses", i)
		}
		sell, okSell := ParseAmount(o.SellAmount)
		buy, okBuy := ParseAmount(o.BuyAmount)
		if !okSell || !okBuy || sell.Sign() == 0 || buy.Sign() == 0 {
			add("settlement: orders[%d]: sell_amount and buy_amount must be positive integers", i)
		}
	}

	// Oracle
	if c.Oracle.MaxAge.Duration <= 0 {
		add("oracle: max_age must be positive")
	}
	if c.Oracle.CacheTTL.Duration > c.Oracle.MaxAge.Duration {
		add("oracle: cache_ttl must not exceed max_age")
	}
	for _, a := range c.Oracle.Assets {
		if !isAddress(a) {
			add("oracle: asset %q is not an address", a)
		}
	}
	for a, p := range c.Oracle.StaticPrices {
		if !isAddress(a) {
			add("oracle: static_prices key %q is not an address", a)
		}
		if d, err := decimal.NewFromString(p); err != nil || !d.IsPositive() {
			add("oracle: static price %q for %s must be a positive decimal", p, a)
		}
	}

	// Keeper
	if c.Mode == "keeper" || c.Mode == "full" {
		if c.Keeper.Interval.Duration <= 0 {
			add("keeper: interval must be positive")
		}
		if c.Keeper.LockTTL.Duration < c.Keeper.Interval.Duration {
			add("keeper: lock_ttl must be at least interval")
		}
	}
	if c.Keeper.Liquidator != "" {
		if !isAddress(c.Keeper.Liquidator) {
			add("keeper: liquidator %q is not an address", c.Keeper.Liquidator)
		}
		if !isAddress(c.Keeper.QuoteToken) {
			add("keeper: quote_token is required when liquidator is set")
		}
	}
	if c.Keeper.SlippageBps < 0 || c.Keeper.SlippageBps > 10_000 {
		add("keeper: slippage_bps must be 0-10000")
	}

	// Chain
	if c.Chain.RPCURL != "" && c.Chain.Spender != "" && !isAddress(c.Chain.Spender) {
		add("chain: spender %q is not an address", c.Chain.Spender)
	}
	for a, f := range c.Chain.Feeds {
		if !isAddress(a) || !isAddress(f) {
			add("chain: feed %s -> %s must map address to address", a, f)
		}
	}

	// Postgres
	if c.Store == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be 0..pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.BatchSize < 1 {
			add("s3: batch_size must be >= 1")
		}
	}

	// Server
	if c.Mode == "server" || c.Mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseAmount parses a non-negative base-10 integer. Underscores are
// allowed as digit separators.
func ParseAmount(s string) (*big.Int, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func isAddress(s string) bool {
	return common.IsHexAddress(s)
}
