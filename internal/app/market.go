package app

import (
	"fmt"
	"log/slog"
	"maps"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/config"
	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/option"
	"github.com/alanyoungcy/optionmarket/internal/oracle"
	"github.com/alanyoungcy/optionmarket/internal/platform/chain"
	"github.com/alanyoungcy/optionmarket/internal/premium"
	"github.com/alanyoungcy/optionmarket/internal/service"
	"github.com/alanyoungcy/optionmarket/internal/settlement"
)

// Market is the marketplace core: ledgers, settlement venues, the price
// oracle and the service that ties them together.
type Market struct {
	Domain      crypto.Domain
	Validator   *commitment.Validator
	Commitments *commitment.Ledger
	Options     *option.Ledger
	Vault       *settlement.Vault
	Pools       *settlement.PoolSet
	Book        *settlement.OrderBook
	Router      *settlement.Router
	Oracle      *oracle.Oracle
	Service     *service.Marketplace
	// Assets are the underlyings the oracle keeps warm.
	Assets []common.Address
}

// BuildMarket assembles the core on top of deps.
func BuildMarket(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Market, error) {
	d, err := crypto.NewDomain(
		cfg.Signing.Name,
		cfg.Signing.Version,
		big.NewInt(cfg.Signing.ChainID),
		common.HexToAddress(cfg.Signing.VerifyingContract),
	)
	if err != nil {
		return nil, err
	}

	rules, err := commitmentRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	validator := commitment.NewValidator(rules, d, time.Now)
	commitments := commitment.NewLedger(validator, d, deps.CommitmentStore, deps.CapacityStore, logger)

	m := &Market{Domain: d, Validator: validator, Commitments: commitments}

	if err := m.buildSettlement(cfg.Settlement, deps, logger); err != nil {
		return nil, err
	}

	source, assets, err := priceSource(cfg, deps)
	if err != nil {
		return nil, err
	}
	m.Assets = assets
	m.Oracle = oracle.New(oracle.Config{
		MaxAge:   cfg.Oracle.MaxAge.Duration,
		CacheTTL: cfg.Oracle.CacheTTL.Duration,
	}, source, deps.PriceCache, logger)

	m.Options = option.NewLedger(option.Config{
		Units: premium.Units{
			AssetDecimals: cfg.Rules.AssetDecimals,
			QuoteDecimals: cfg.Rules.QuoteDecimals,
		},
		LiquidationFeeBps: cfg.Rules.LiquidationFeeBps,
	}, deps.OptionStore, m.Router, m.Oracle, logger)

	m.Service = service.NewMarketplace(
		m.Commitments,
		m.Options,
		m.Router,
		m.Oracle,
		deps.SignalBus,
		deps.AuditStore,
		logger,
		service.WithNotifier(deps.Notifier),
		service.WithRecorder(deps.Metrics),
	)
	return m, nil
}

func (m *Market) buildSettlement(cfg config.SettlementConfig, deps *Dependencies, logger *slog.Logger) error {
	small, err := amount("settlement.small_trade_max", cfg.SmallTradeMax)
	if err != nil {
		return err
	}
	large, err := amount("settlement.large_trade_min", cfg.LargeTradeMin)
	if err != nil {
		return err
	}

	m.Vault = settlement.NewVault()
	for i, dep := range cfg.Deposits {
		n, err := amount(fmt.Sprintf("settlement.deposits[%d].amount", i), dep.Amount)
		if err != nil {
			return err
		}
		m.Vault.Deposit(common.HexToAddress(dep.Account), common.HexToAddress(dep.Token), n)
	}

	pools := make([]*settlement.Pool, 0, len(cfg.Pools))
	for i, p := range cfg.Pools {
		r0, err := amount(fmt.Sprintf("settlement.pools[%d].reserve0", i), p.Reserve0)
		if err != nil {
			return err
		}
		r1, err := amount(fmt.Sprintf("settlement.pools[%d].reserve1", i), p.Reserve1)
		if err != nil {
			return err
		}
		pools = append(pools, settlement.NewPool(p.ID,
			common.HexToAddress(p.Token0), common.HexToAddress(p.Token1), r0, r1, p.FeeBps))
	}
	m.Pools = settlement.NewPoolSet(pools...)

	m.Book = settlement.NewOrderBook(m.Vault)
	for i, o := range cfg.Orders {
		sell, err := amount(fmt.Sprintf("settlement.orders[%d].sell_amount", i), o.SellAmount)
		if err != nil {
			return err
		}
		buy, err := amount(fmt.Sprintf("settlement.orders[%d].buy_amount", i), o.BuyAmount)
		if err != nil {
			return err
		}
		if _, err := m.Book.Place(common.HexToAddress(o.Maker),
			common.HexToAddress(o.SellToken), common.HexToAddress(o.BuyToken), sell, buy); err != nil {
			return fmt.Errorf("settlement.orders[%d]: %w", i, err)
		}
	}

	var feeRecipient common.Address
	if cfg.FeeRecipient != "" {
		feeRecipient = common.HexToAddress(cfg.FeeRecipient)
	}
	m.Router = settlement.NewRouter(settlement.Config{
		ProtocolFeeBps: cfg.ProtocolFeeBps,
		FeeRecipient:   feeRecipient,
		SmallTradeMax:  small,
		LargeTradeMin:  large,
	}, m.Vault, logger, settlement.WithObserver(deps.Metrics.ObserveSettlement))
	m.Router.Register(settlement.NewLimitOrder(m.Book))
	m.Router.Register(settlement.NewUnoswap(m.Pools))
	m.Router.Register(settlement.NewGenericRouter(m.Pools, cfg.RouterParts))
	return nil
}

// priceSource reads on-chain aggregators when an RPC and feeds are
// configured and falls back to the static price table otherwise.
func priceSource(cfg *config.Config, deps *Dependencies) (oracle.PriceSource, []common.Address, error) {
	assets := make([]common.Address, 0, len(cfg.Oracle.Assets))
	for _, a := range cfg.Oracle.Assets {
		assets = append(assets, common.HexToAddress(a))
	}

	if deps.Chain != nil && len(cfg.Chain.Feeds) > 0 {
		feeds := make(map[common.Address]common.Address, len(cfg.Chain.Feeds))
		for asset, feed := range cfg.Chain.Feeds {
			feeds[common.HexToAddress(asset)] = common.HexToAddress(feed)
		}
		if len(assets) == 0 {
			assets = sortedKeys(feeds)
		}
		return chain.NewAggregatorSource(deps.Chain, feeds), assets, nil
	}

	prices := make(map[common.Address]decimal.Decimal, len(cfg.Oracle.StaticPrices))
	for asset, p := range cfg.Oracle.StaticPrices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, nil, fmt.Errorf("oracle.static_prices[%s]: %w", asset, err)
		}
		prices[common.HexToAddress(asset)] = d
	}
	if len(assets) == 0 {
		assets = sortedKeys(prices)
	}
	return oracle.NewStaticSource(prices), assets, nil
}

func commitmentRules(r config.RulesConfig) (commitment.Rules, error) {
	minAmt, err := amount("rules.min_amount", r.MinAmount)
	if err != nil {
		return commitment.Rules{}, err
	}
	maxAmt, err := amount("rules.max_amount", r.MaxAmount)
	if err != nil {
		return commitment.Rules{}, err
	}
	return commitment.Rules{
		MinAmount:       minAmt,
		MaxAmount:       maxAmt,
		MinDurationDays: r.MinDurationDays,
		MaxDurationDays: r.MaxDurationDays,
	}, nil
}

func amount(field, s string) (*big.Int, error) {
	n, ok := config.ParseAmount(s)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a non-negative integer", field, s)
	}
	return n, nil
}

func sortedKeys[V any](m map[common.Address]V) []common.Address {
	return slices.SortedFunc(maps.Keys(m), func(a, b common.Address) int {
		return a.Cmp(b)
	})
}
