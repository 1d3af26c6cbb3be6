// Package service composes the ledgers, the price oracle and the
// settlement router into the marketplace operations exposed over HTTP and
// driven by the keeper.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/notify"
	"github.com/alanyoungcy/optionmarket/internal/option"
	"github.com/alanyoungcy/optionmarket/internal/premium"
)

// DefaultSettlementWindow is the settlement deadline used when a request
// carries none.
const DefaultSettlementWindow = 5 * time.Minute

// Quoter estimates a conversion. The settlement router implements it.
type Quoter interface {
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (domain.SettlementQuote, error)
}

// Recorder receives outcome counts. The metrics package implements it.
type Recorder interface {
	CommitmentSubmitted(t domain.CommitmentType, err error)
	CommitmentRetired(reason string)
	Take(err error)
	Transition(state domain.OptionState, err error)
}

type nopRecorder struct{}

func (nopRecorder) CommitmentSubmitted(domain.CommitmentType, error) {}
func (nopRecorder) CommitmentRetired(string)                         {}
func (nopRecorder) Take(error)                                       {}
func (nopRecorder) Transition(domain.OptionState, error)             {}

// TakeRequest takes amount of a commitment for durationDays. Caller is the
// taker of an LP offer or the LP filling a taker demand.
type TakeRequest struct {
	Hash         common.Hash
	Caller       common.Address
	Amount       *big.Int
	DurationDays uint32
}

// ExerciseRequest exercises an option. Signature is the taker's EIP-712
// OptionExercise signature over the option id and Settlement.Deadline.
type ExerciseRequest struct {
	Signature  []byte
	Settlement domain.SettlementParams
}

// LiquidateRequest liquidates an option past its deadline.
type LiquidateRequest struct {
	Liquidator          common.Address
	MaxPriceMovementBps int64
	Settlement          domain.SettlementParams
}

// Marketplace is the application service.
type Marketplace struct {
	commitments *commitment.Ledger
	options     *option.Ledger
	quoter      Quoter
	oracle      domain.PriceOracle
	bus         domain.SignalBus
	audit       domain.AuditStore
	notifier    *notify.Notifier
	recorder    Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Marketplace.
type Option func(*Marketplace)

// WithNotifier forwards lifecycle events to operators.
func WithNotifier(n *notify.Notifier) Option {
	return func(m *Marketplace) { m.notifier = n }
}

// WithRecorder installs an outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Marketplace) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Marketplace) { m.now = now }
}

// NewMarketplace creates the service. bus and audit may be nil.
func NewMarketplace(
	commitments *commitment.Ledger,
	options *option.Ledger,
	quoter Quoter,
	oracle domain.PriceOracle,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
	opts ...Option,
) *Marketplace {
	m := &Marketplace{
		commitments: commitments,
		options:     options,
		quoter:      quoter,
		oracle:      oracle,
		bus:         bus,
		audit:       audit,
		recorder:    nopRecorder{},
		logger:      logger.With(slog.String("component", "marketplace")),
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SubmitCommitment validates, verifies and accepts a signed commitment.
func (m *Marketplace) SubmitCommitment(ctx context.Context, c domain.Commitment) (common.Hash, error) {
	hash, err := m.commitments.Accept(ctx, c)
	m.recorder.CommitmentSubmitted(c.CommitmentType, err)
	if err != nil {
		return common.Hash{}, fmt.Errorf("marketplace: submit: %w", err)
	}
	m.emit(ctx, domain.ChannelCommitments, domain.Event{
		Type:       domain.EventCommitmentAccepted,
		Commitment: hash.Hex(),
		Detail: map[string]any{
			"creator":        c.Creator.Hex(),
			"asset":          c.Asset.Hex(),
			"amount":         c.Amount.String(),
			"premiumRate":    c.PremiumRate.String(),
			"optionType":     c.OptionType.String(),
			"commitmentType": c.CommitmentType.String(),
			"schema":         string(c.SchemaOrDefault()),
		},
	})
	return hash, nil
}

// SubmitLegacy accepts a commitment signed under the legacy LP-only struct.
//
// Deprecated: new clients sign the unified struct.
func (m *Marketplace) SubmitLegacy(ctx context.Context, l domain.LegacyCommitment) (common.Hash, error) {
	return m.SubmitCommitment(ctx, l.Unified())
}

// TakeCommitment snapshots the strike from the oracle, reserves capacity
// and opens the option. If the option cannot be opened the reservation is
// released, so a take either fully happens or leaves no trace.
func (m *Marketplace) TakeCommitment(ctx context.Context, req TakeRequest) (opt domain.ActiveOption, err error) {
	defer func() { m.recorder.Take(err) }()

	entry, err := m.commitments.Get(ctx, req.Hash)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: take: %w", err)
	}
	if req.Caller == entry.Commitment.Creator {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: take: creator cannot take own commitment: %w", domain.ErrValidation)
	}
	if _, err := premium.Quote(entry.Commitment, req.DurationDays); err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: take: %w", err)
	}
	strike, err := m.oracle.CurrentPrice(ctx, entry.Commitment.Asset)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: take: strike: %w", err)
	}

	r, err := m.commitments.Reserve(ctx, req.Hash, req.Amount, req.DurationDays)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: take: %w", err)
	}

	opt, err = m.options.Open(ctx, option.OpenRequest{
		Reservation: r,
		Caller:      req.Caller,
		StrikePrice: strike.Price,
	})
	if err != nil {
		if _, relErr := m.commitments.Release(context.WithoutCancel(ctx), r); relErr != nil {
			m.logger.ErrorContext(ctx, "release after failed open failed",
				slog.String("reservation", r.ID),
				slog.String("error", relErr.Error()),
			)
			err = errors.Join(err, relErr)
		}
		return domain.ActiveOption{}, fmt.Errorf("marketplace: take: %w", err)
	}

	m.emit(ctx, domain.ChannelOptions, optionEvent(domain.EventOptionOpened, opt, map[string]any{
		"reservation": r.ID,
	}))
	if r.Status == domain.CommitmentConsumed {
		m.emit(ctx, domain.ChannelCommitments, domain.Event{
			Type:       domain.EventCommitmentConsumed,
			Commitment: req.Hash.Hex(),
		})
	}
	return opt, nil
}

// ExerciseOption settles an in-the-money option for its taker at the
// current oracle price. The taker authorizes it by signature; the option
// ledger decides how much is sold and who is paid.
func (m *Marketplace) ExerciseOption(ctx context.Context, id string, req ExerciseRequest) (domain.ActiveOption, error) {
	opt, err := m.options.Get(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: exercise: %w", err)
	}
	if req.Settlement.Deadline.IsZero() {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: exercise %s: settlement deadline required: %w", id, domain.ErrValidation)
	}
	if !crypto.VerifyExercise(m.commitments.Domain(), id, opt.Taker, req.Settlement.Deadline.Unix(), req.Signature) {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: exercise %s: not signed by the taker: %w: %w", id, domain.ErrUnauthorized, domain.ErrBadSignature)
	}
	price, err := m.oracle.CurrentPrice(ctx, opt.Asset)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: exercise %s: %w", id, err)
	}

	closed, err := m.options.Exercise(ctx, id, price.Price, m.settlementDefaults(req.Settlement))
	m.recorder.Transition(domain.OptionExercised, err)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: exercise: %w", err)
	}
	m.emit(ctx, domain.ChannelOptions, optionEvent(domain.EventOptionExercised, closed, map[string]any{
		"price": price.Price.String(),
	}))
	return closed, nil
}

// LiquidateOption settles an option past its deadline on the taker's
// behalf. The liquidator is paid only its fee share of the output.
func (m *Marketplace) LiquidateOption(ctx context.Context, id string, req LiquidateRequest) (domain.ActiveOption, error) {
	opt, err := m.options.Get(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: liquidate: %w", err)
	}
	price, err := m.oracle.CurrentPrice(ctx, opt.Asset)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: liquidate %s: %w", id, err)
	}

	closed, err := m.options.Liquidate(ctx, id, option.LiquidateRequest{
		Liquidator:          req.Liquidator,
		CurrentPrice:        price.Price,
		MaxPriceMovementBps: req.MaxPriceMovementBps,
		Settlement:          m.settlementDefaults(req.Settlement),
	})
	m.recorder.Transition(domain.OptionLiquidated, err)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: liquidate: %w", err)
	}
	m.emit(ctx, domain.ChannelOptions, optionEvent(domain.EventOptionLiquidated, closed, map[string]any{
		"price":      price.Price.String(),
		"liquidator": req.Liquidator.Hex(),
		"fee":        closed.LiquidationFee.String(),
	}))
	return closed, nil
}

// ExpireOption closes an out-of-the-money option past its deadline
// without settlement. It needs a current price, since an in-the-money
// option is left for liquidation.
func (m *Marketplace) ExpireOption(ctx context.Context, id string) (domain.ActiveOption, error) {
	opt, err := m.options.Get(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: expire: %w", err)
	}
	if opt.State == domain.OptionExpired {
		return opt, nil
	}
	p, err := m.oracle.CurrentPrice(ctx, opt.Asset)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: expire %s: %w", id, err)
	}
	price := p.Price

	closed, err := m.options.Expire(ctx, id, price)
	m.recorder.Transition(domain.OptionExpired, err)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("marketplace: expire: %w", err)
	}
	m.emit(ctx, domain.ChannelOptions, optionEvent(domain.EventOptionExpired, closed, nil))
	return closed, nil
}

// RetireCommitment withdraws a commitment. changed is false when it was
// already consumed or retired.
func (m *Marketplace) RetireCommitment(ctx context.Context, hash common.Hash, reason string) (bool, error) {
	_, changed, err := m.commitments.Retire(ctx, hash, reason)
	if err != nil {
		return false, fmt.Errorf("marketplace: retire: %w", err)
	}
	if changed {
		m.recorder.CommitmentRetired(reason)
		m.emit(ctx, domain.ChannelCommitments, domain.Event{
			Type:       domain.EventCommitmentRetired,
			Commitment: hash.Hex(),
			Detail:     map[string]any{"reason": reason},
		})
	}
	return changed, nil
}

// QuoteSettlement estimates a conversion net of the protocol fee.
func (m *Marketplace) QuoteSettlement(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (domain.SettlementQuote, error) {
	q, err := m.quoter.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return domain.SettlementQuote{}, fmt.Errorf("marketplace: quote: %w", err)
	}
	return q, nil
}

// Commitment returns one accepted commitment with its capacity.
func (m *Marketplace) Commitment(ctx context.Context, hash common.Hash) (commitment.Entry, error) {
	return m.commitments.Get(ctx, hash)
}

// Option returns one option.
func (m *Marketplace) Option(ctx context.Context, id string) (domain.ActiveOption, error) {
	return m.options.Get(ctx, id)
}

// OptionsByTaker lists a taker's options, newest first.
func (m *Marketplace) OptionsByTaker(ctx context.Context, taker common.Address, opts domain.ListOpts) ([]domain.ActiveOption, error) {
	return m.options.ListByTaker(ctx, taker, opts)
}

// settlementDefaults fills the optional limits of caller params. What is
// paid, by whom and to whom is bound by the option ledger.
func (m *Marketplace) settlementDefaults(p domain.SettlementParams) domain.SettlementParams {
	if p.MinAmountOut == nil {
		p.MinAmountOut = new(big.Int)
	}
	if p.Deadline.IsZero() {
		p.Deadline = m.now().Add(DefaultSettlementWindow)
	}
	return p
}

// SettlementAmount is how much of the option's underlying an exercise or
// liquidation at the current price would sell.
func (m *Marketplace) SettlementAmount(ctx context.Context, id string) (*big.Int, error) {
	opt, err := m.options.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("marketplace: settlement amount: %w", err)
	}
	price, err := m.oracle.CurrentPrice(ctx, opt.Asset)
	if err != nil {
		return nil, fmt.Errorf("marketplace: settlement amount %s: %w", id, err)
	}
	amount := option.SettlementAmount(opt, price.Price, m.options.Units())
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("marketplace: settlement amount %s at %s: %w", id, price.Price, domain.ErrNotProfitable)
	}
	return amount, nil
}

// PurgeableCommitments returns consumed or retired commitments past their
// expiry.
func (m *Marketplace) PurgeableCommitments(ctx context.Context) ([]commitment.Entry, error) {
	return m.commitments.ListPurgeable(ctx)
}

// PurgeCommitment deletes a terminal, expired commitment.
func (m *Marketplace) PurgeCommitment(ctx context.Context, hash common.Hash) (bool, error) {
	removed, err := m.commitments.Purge(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("marketplace: purge: %w", err)
	}
	return removed, nil
}

// LiveCommitments returns every commitment not yet consumed or retired,
// expired ones included.
func (m *Marketplace) LiveCommitments(ctx context.Context) ([]commitment.Entry, error) {
	return m.commitments.ListLive(ctx)
}

// ActiveOptions returns every option still open.
func (m *Marketplace) ActiveOptions(ctx context.Context) ([]domain.ActiveOption, error) {
	return m.options.ListActive(ctx)
}
