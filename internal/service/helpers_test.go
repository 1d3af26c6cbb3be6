package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/optionmarket/internal/cache/memory"
	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/option"
	"github.com/alanyoungcy/optionmarket/internal/oracle"
	"github.com/alanyoungcy/optionmarket/internal/settlement"
	"github.com/alanyoungcy/optionmarket/internal/store/memory"
)

const (
	lpKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	takerKey = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

var (
	t0       = time.Unix(1_800_000_000, 0).UTC()
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	wbtc     = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	treasury = common.HexToAddress("0x5555555555555555555555555555555555555555")
	liq      = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

type recorded struct {
	submitted   int
	retired     []string
	takes       int
	takeErrs    int
	transitions map[domain.OptionState]int
}

func (r *recorded) CommitmentSubmitted(domain.CommitmentType, error) { r.submitted++ }
func (r *recorded) CommitmentRetired(reason string)                 { r.retired = append(r.retired, reason) }
func (r *recorded) Take(err error) {
	r.takes++
	if err != nil {
		r.takeErrs++
	}
}
func (r *recorded) Transition(s domain.OptionState, err error) {
	if err == nil {
		r.transitions[s]++
	}
}

type fixture struct {
	market   *Marketplace
	domain   crypto.Domain
	lp       *crypto.Signer
	taker    *crypto.Signer
	prices   *oracle.StaticSource
	vault    *settlement.Vault
	bus      *cachemem.SignalBus
	audit    *memory.AuditStore
	capacity *memory.CapacityStore
	rec      *recorded
	now      *time.Time
}

// advance moves the shared clock, past the oracle cache TTL when d is
// large enough.
func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func (f *fixture) setPrice(p int64) {
	f.prices.Set(weth, decimal.NewFromInt(p))
	f.advance(time.Minute)
}

type failingCreate struct {
	*memory.OptionStore
}

func (failingCreate) Create(context.Context, domain.ActiveOption) error {
	return errors.New("disk full")
}

func newFixture(t *testing.T, opts ...func(*fixtureOpts)) *fixture {
	t.Helper()
	o := fixtureOpts{options: memory.NewOptionStore()}
	for _, fn := range opts {
		fn(&o)
	}

	now := t0
	clock := func() time.Time { return now }
	logger := slog.New(slog.DiscardHandler)

	d, err := crypto.NewDomain(crypto.DefaultDomainName, crypto.DefaultDomainVersion, big.NewInt(31337), contract)
	require.NoError(t, err)
	lp, err := crypto.NewSigner(lpKey, d)
	require.NoError(t, err)
	taker, err := crypto.NewSigner(takerKey, d)
	require.NoError(t, err)

	caps := memory.NewCapacityStore()
	commitments := commitment.NewLedger(
		commitment.NewValidator(commitment.DefaultRules(), d, clock),
		d, memory.NewCommitmentStore(), caps, logger, commitment.WithClock(clock),
	)

	source := oracle.NewStaticSource(map[common.Address]decimal.Decimal{weth: decimal.NewFromInt(3000)})
	source.SetClock(clock)
	prices := oracle.New(oracle.DefaultConfig(), source, cachemem.NewPriceCache(7*24*time.Hour), logger, oracle.WithClock(clock))

	vault := settlement.NewVault()
	vault.Deposit(lp.Address(), weth, ether(1))
	vault.Deposit(taker.Address(), weth, ether(1))
	pools := settlement.NewPoolSet(
		settlement.NewPool("weth-usdc-a", weth, usdc, ether(100), usd(300_000), 30),
	)
	cfg := settlement.DefaultConfig()
	cfg.FeeRecipient = treasury
	router := settlement.NewRouter(cfg, vault, logger, settlement.WithClock(clock))
	router.Register(settlement.NewLimitOrder(settlement.NewOrderBook(vault)))
	router.Register(settlement.NewUnoswap(pools))
	router.Register(settlement.NewGenericRouter(pools, 0))

	options := option.NewLedger(option.DefaultConfig(), o.options, router, prices, logger, option.WithClock(clock))

	bus := cachemem.NewSignalBus()
	audit := memory.NewAuditStore()
	rec := &recorded{transitions: make(map[domain.OptionState]int)}
	m := NewMarketplace(commitments, options, router, prices, bus, audit, logger,
		WithRecorder(rec), WithClock(clock))

	return &fixture{
		market: m, domain: d, lp: lp, taker: taker, prices: source, vault: vault,
		bus: bus, audit: audit, capacity: caps, rec: rec, now: &now,
	}
}

type fixtureOpts struct {
	options domain.OptionStore
}

func withOptionStore(s domain.OptionStore) func(*fixtureOpts) {
	return func(o *fixtureOpts) { o.options = s }
}

func lpOffer(nonce int64, daily *big.Int) domain.Commitment {
	return domain.Commitment{
		Asset:           weth,
		Amount:          new(big.Int).Div(ether(1), big.NewInt(2)),
		PremiumRate:     daily,
		MinDurationDays: 1,
		MaxDurationDays: 30,
		OptionType:      domain.OptionTypeCall,
		CommitmentType:  domain.CommitmentTypeLPOffer,
		Expiry:          t0.Add(7 * 24 * time.Hour).Unix(),
		Nonce:           big.NewInt(nonce),
		Fractionable:    true,
	}
}

func (f *fixture) submit(t *testing.T, s *crypto.Signer, c domain.Commitment) common.Hash {
	t.Helper()
	signed, err := s.SignCommitment(c)
	require.NoError(t, err)
	hash, err := f.market.SubmitCommitment(context.Background(), signed)
	require.NoError(t, err)
	return hash
}

func (f *fixture) events(t *testing.T) []domain.EventType {
	t.Helper()
	msgs, err := f.bus.StreamRead(context.Background(), domain.StreamEvents, "0", 100)
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(msgs))
	for _, m := range msgs {
		var e struct {
			Type domain.EventType `json:"event"`
		}
		require.NoError(t, json.Unmarshal(m.Payload, &e))
		out = append(out, e.Type)
	}
	return out
}
