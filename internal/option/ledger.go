// Package option owns the lifecycle of taken options: opening a position
// from a commitment reservation, then exactly one terminal transition to
// exercised, expired or liquidated.
package option

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/premium"
)

// Settler converts one token into another. The settlement router
// implements it.
type Settler interface {
	Execute(ctx context.Context, params domain.SettlementParams) (domain.SettlementResult, error)
}

// Config holds the lifecycle parameters.
type Config struct {
	Units premium.Units
	// LiquidationFeeBps is the share of the settlement output paid to a
	// liquidator.
	LiquidationFeeBps int64
}

// DefaultConfig returns WETH/USDC units and a 1% liquidation fee.
func DefaultConfig() Config {
	return Config{
		Units:             premium.DefaultUnits,
		LiquidationFeeBps: 100,
	}
}

// OpenRequest opens a position from a reservation. Caller is the party
// taking the commitment: the taker of an LP offer, or the LP filling a
// taker demand.
type OpenRequest struct {
	Reservation commitment.Reservation
	Caller      common.Address
	StrikePrice decimal.Decimal
}

// LiquidateRequest is a third party's request to settle an option past
// its deadline.
type LiquidateRequest struct {
	Liquidator          common.Address
	CurrentPrice        decimal.Decimal
	MaxPriceMovementBps int64
	Settlement          domain.SettlementParams
}

// Ledger is the option state machine. Each option has at most one
// transition in flight; a failed or cancelled settlement leaves it active.
type Ledger struct {
	cfg     Config
	store   domain.OptionStore
	settler Settler
	history domain.PriceHistory
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an option ledger.
func NewLedger(
	cfg Config,
	store domain.OptionStore,
	settler Settler,
	history domain.PriceHistory,
	logger *slog.Logger,
	opts ...LedgerOption,
) *Ledger {
	l := &Ledger{
		cfg:      cfg,
		store:    store,
		settler:  settler,
		history:  history,
		logger:   logger.With(slog.String("component", "option_ledger")),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Open mints a new ACTIVE option from a successful reservation. The daily
// premium of an LP offer is pro-rated to the reserved amount and the total
// is daily × duration. A taker demand's total premium is pro-rated the same
// way and the daily figure is derived from it.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (domain.ActiveOption, error) {
	r := req.Reservation
	c := r.Commitment
	if r.Amount == nil || r.Amount.Sign() <= 0 || c.Amount == nil || r.Amount.Cmp(c.Amount) > 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: open: %w", domain.ErrInvalidAmount)
	}
	if !c.AllowsDuration(r.DurationDays) {
		return domain.ActiveOption{}, fmt.Errorf("option: open: %w", domain.ErrDurationOutOfRange)
	}
	if req.StrikePrice.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: open: %w: strike %s", domain.ErrPriceUnavailable, req.StrikePrice)
	}
	full, err := premium.Quote(c, r.DurationDays)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: open: %w", err)
	}

	days := new(big.Int).SetUint64(uint64(r.DurationDays))
	var daily, total *big.Int
	if c.CommitmentType == domain.CommitmentTypeTakerDemand {
		total = proRate(full, r.Amount, c.Amount)
		daily = new(big.Int).Quo(total, days)
	} else {
		daily = proRate(c.PremiumRate, r.Amount, c.Amount)
		total = new(big.Int).Mul(daily, days)
	}

	taker, counterparty := req.Caller, c.Creator
	if c.CommitmentType == domain.CommitmentTypeTakerDemand {
		taker, counterparty = c.Creator, req.Caller
	}

	now := l.now().UTC()
	opt := domain.ActiveOption{
		ID:               uuid.NewString(),
		CommitmentHash:   r.CommitmentHash,
		Taker:            taker,
		Counterparty:     counterparty,
		Asset:            c.Asset,
		OptionType:       c.OptionType,
		AmountTaken:      new(big.Int).Set(r.Amount),
		StrikePrice:      req.StrikePrice,
		DailyPremium:     daily,
		DurationDays:     r.DurationDays,
		TotalPremiumPaid: total,
		TakenAt:          now,
		ExerciseDeadline: now.Add(time.Duration(r.DurationDays) * 24 * time.Hour),
		State:            domain.OptionActive,
	}
	if err := l.store.Create(ctx, opt); err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: open: %w", err)
	}
	l.logger.InfoContext(ctx, "option opened",
		slog.String("option_id", opt.ID),
		slog.String("commitment", opt.CommitmentHash.Hex()),
		slog.String("taker", opt.Taker.Hex()),
		slog.String("amount", opt.AmountTaken.String()),
		slog.String("strike", opt.StrikePrice.String()),
		slog.Uint64("duration_days", uint64(opt.DurationDays)),
		slog.String("total_premium", opt.TotalPremiumPaid.String()),
	)
	return opt.Clone(), nil
}

// Exercise settles an in-the-money option for its taker while
// now <= exerciseDeadline. Only the profit is settled: the counterparty
// sells SettlementAmount of the underlying and the taker receives the
// output. params supplies the route, output token, minimum and deadline.
func (l *Ledger) Exercise(ctx context.Context, id string, currentPrice decimal.Decimal, params domain.SettlementParams) (domain.ActiveOption, error) {
	release, err := l.acquire(id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s: %w", id, err)
	}
	defer release()

	opt, err := l.active(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise: %w", err)
	}
	now := l.now()
	if now.After(opt.ExerciseDeadline) {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s: %w", id, domain.ErrDeadlineExceeded)
	}
	if currentPrice.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s: %w", id, domain.ErrPriceUnavailable)
	}
	profit := IntrinsicValue(opt, currentPrice, l.cfg.Units)
	if profit.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s at %s: %w", id, currentPrice, domain.ErrNotProfitable)
	}
	amount := SettlementAmount(opt, currentPrice, l.cfg.Units)
	if amount.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s: profit below one unit: %w", id, domain.ErrNotProfitable)
	}
	params, err = bindSettlement(opt, params, amount)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s: %w", id, err)
	}

	res, err := l.settler.Execute(ctx, params)
	if err != nil {
		l.logger.WarnContext(ctx, "exercise settlement failed, option stays active",
			slog.String("option_id", id),
			slog.String("method", string(params.Method)),
			slog.String("error", err.Error()),
		)
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s: %w", id, err)
	}

	closed := now.UTC()
	opt.State = domain.OptionExercised
	opt.RealizedProfit = profit
	opt.ProtocolFee = orZero(res.ProtocolFee)
	opt.Settlement = &res
	opt.ClosedAt = &closed
	if err := l.commit(ctx, opt); err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: exercise %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "option exercised",
		slog.String("option_id", id),
		slog.String("profit", profit.String()),
		slog.String("amount_in", amount.String()),
		slog.String("amount_out", orZero(res.AmountOut).String()),
		slog.String("protocol_fee", opt.ProtocolFee.String()),
	)
	return opt.Clone(), nil
}

// Liquidate settles an option past its deadline on behalf of its taker.
// The settlement is sized and routed as for Exercise, and the router pays
// the liquidator LiquidationFeeBps of the output. The current price must
// be within MaxPriceMovementBps of the price at the deadline.
func (l *Ledger) Liquidate(ctx context.Context, id string, req LiquidateRequest) (domain.ActiveOption, error) {
	release, err := l.acquire(id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w", id, err)
	}
	defer release()

	opt, err := l.active(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate: %w", err)
	}
	if req.Liquidator == zeroAddr {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: liquidator required: %w", id, domain.ErrValidation)
	}
	now := l.now()
	if !now.After(opt.ExerciseDeadline) {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w", id, domain.ErrDeadlineNotReached)
	}
	if req.CurrentPrice.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w", id, domain.ErrPriceUnavailable)
	}
	atDeadline, err := l.history.PriceAt(ctx, opt.Asset, opt.ExerciseDeadline)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: price at deadline: %w: %w", id, domain.ErrPriceUnavailable, err)
	}
	if atDeadline.Price.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w", id, domain.ErrPriceUnavailable)
	}
	moved := MovementBps(atDeadline.Price, req.CurrentPrice)
	if moved.GreaterThan(decimal.NewFromInt(req.MaxPriceMovementBps)) {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w: moved %s bps since deadline, max %d",
			id, domain.ErrPriceMovedTooFar, moved.StringFixed(2), req.MaxPriceMovementBps)
	}
	profit := IntrinsicValue(opt, req.CurrentPrice, l.cfg.Units)
	if profit.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s at %s: %w", id, req.CurrentPrice, domain.ErrNotProfitable)
	}
	amount := SettlementAmount(opt, req.CurrentPrice, l.cfg.Units)
	if amount.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: profit below one unit: %w", id, domain.ErrNotProfitable)
	}
	params, err := bindSettlement(opt, req.Settlement, amount)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w", id, err)
	}
	params.Beneficiary = req.Liquidator
	params.BeneficiaryBps = l.cfg.LiquidationFeeBps

	res, err := l.settler.Execute(ctx, params)
	if err != nil {
		l.logger.WarnContext(ctx, "liquidation settlement failed, option stays active",
			slog.String("option_id", id),
			slog.String("liquidator", req.Liquidator.Hex()),
			slog.String("error", err.Error()),
		)
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w", id, err)
	}

	fee := FeeShare(profit, l.cfg.LiquidationFeeBps)
	liquidator := req.Liquidator
	closed := now.UTC()
	opt.State = domain.OptionLiquidated
	opt.RealizedProfit = profit.Sub(fee)
	opt.LiquidationFee = fee
	opt.Liquidator = &liquidator
	opt.ProtocolFee = orZero(res.ProtocolFee)
	opt.Settlement = &res
	opt.ClosedAt = &closed
	if err := l.commit(ctx, opt); err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: liquidate %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "option liquidated",
		slog.String("option_id", id),
		slog.String("liquidator", liquidator.Hex()),
		slog.String("profit", profit.String()),
		slog.String("amount_in", amount.String()),
		slog.String("fee", fee.String()),
	)
	return opt.Clone(), nil
}

// Expire closes an out-of-the-money option past its deadline without
// settlement. An in-the-money option is never expired; it stays active
// until liquidated. Expiring an expired option returns it unchanged.
func (l *Ledger) Expire(ctx context.Context, id string, currentPrice decimal.Decimal) (domain.ActiveOption, error) {
	release, err := l.acquire(id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: expire %s: %w", id, err)
	}
	defer release()

	opt, err := l.store.GetByID(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: expire: %w", err)
	}
	switch opt.State {
	case domain.OptionExpired:
		return opt, nil
	case domain.OptionActive:
	default:
		return domain.ActiveOption{}, fmt.Errorf("option: expire %s from %s: %w", id, opt.State, domain.ErrInvalidTransition)
	}

	now := l.now()
	if !now.After(opt.ExerciseDeadline) {
		return domain.ActiveOption{}, fmt.Errorf("option: expire %s: %w", id, domain.ErrDeadlineNotReached)
	}
	if currentPrice.Sign() <= 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: expire %s: %w", id, domain.ErrPriceUnavailable)
	}
	if IntrinsicValue(opt, currentPrice, l.cfg.Units).Sign() > 0 {
		return domain.ActiveOption{}, fmt.Errorf("option: expire %s: in the money, liquidate instead: %w", id, domain.ErrInvalidTransition)
	}

	closed := now.UTC()
	opt.State = domain.OptionExpired
	opt.RealizedProfit = decimal.Zero
	opt.ClosedAt = &closed
	if err := l.commit(ctx, opt); err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: expire %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "option expired",
		slog.String("option_id", id),
		slog.String("price", currentPrice.String()),
	)
	return opt.Clone(), nil
}

// Get returns one option.
func (l *Ledger) Get(ctx context.Context, id string) (domain.ActiveOption, error) {
	opt, err := l.store.GetByID(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, fmt.Errorf("option: get: %w", err)
	}
	return opt, nil
}

// ListActive returns every active option.
func (l *Ledger) ListActive(ctx context.Context) ([]domain.ActiveOption, error) {
	opts, err := l.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("option: list active: %w", err)
	}
	return opts, nil
}

// ListByTaker returns the options held by taker.
func (l *Ledger) ListByTaker(ctx context.Context, taker common.Address, opts domain.ListOpts) ([]domain.ActiveOption, error) {
	out, err := l.store.ListByTaker(ctx, taker, opts)
	if err != nil {
		return nil, fmt.Errorf("option: list by taker: %w", err)
	}
	return out, nil
}

// Units returns the decimals the ledger prices with.
func (l *Ledger) Units() premium.Units { return l.cfg.Units }

func (l *Ledger) active(ctx context.Context, id string) (domain.ActiveOption, error) {
	opt, err := l.store.GetByID(ctx, id)
	if err != nil {
		return domain.ActiveOption{}, err
	}
	if opt.State != domain.OptionActive {
		return domain.ActiveOption{}, fmt.Errorf("%s is %s: %w", id, opt.State, domain.ErrInvalidTransition)
	}
	return opt, nil
}

// commit persists a terminal transition. The settlement has already
// happened, so a cancelled caller context must not drop the record.
func (l *Ledger) commit(ctx context.Context, opt domain.ActiveOption) error {
	return l.store.Transition(context.WithoutCancel(ctx), opt)
}

func (l *Ledger) acquire(id string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[id]; busy {
		return nil, domain.ErrSettlementInFlight
	}
	l.inFlight[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.inFlight, id)
		l.mu.Unlock()
	}, nil
}

func proRate(v, part, whole *big.Int) *big.Int {
	if v == nil || whole.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, part)
	return out.Quo(out, whole)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
