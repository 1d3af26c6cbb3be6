package option

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/store/memory"
)

var (
	t0    = time.Unix(1_800_000_000, 0).UTC()
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	lp    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker = common.HexToAddress("0x2222222222222222222222222222222222222222")
	liq   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeSettler struct {
	mu    sync.Mutex
	calls int
	last  domain.SettlementParams
	err   error
	block chan struct{}
}

func (f *fakeSettler) Execute(ctx context.Context, p domain.SettlementParams) (domain.SettlementResult, error) {
	f.mu.Lock()
	f.calls++
	f.last = p
	err, block := f.err, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.SettlementResult{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.SettlementResult{}, err
	}
	return domain.SettlementResult{
		AmountIn:    p.AmountIn,
		AmountOut:   big.NewInt(50_000_000),
		Method:      p.Method,
		ProtocolFee: big.NewInt(150_000),
	}, nil
}

type fixedHistory struct {
	price decimal.Decimal
	err   error
}

func (h fixedHistory) PriceAt(_ context.Context, asset common.Address, at time.Time) (domain.PricePoint, error) {
	if h.err != nil {
		return domain.PricePoint{}, h.err
	}
	return domain.PricePoint{Asset: asset, Price: h.price, At: at}, nil
}

type harness struct {
	ledger  *Ledger
	settler *fakeSettler
	now     *time.Time
}

func newHarness(t *testing.T, history domain.PriceHistory) harness {
	t.Helper()
	now := t0
	s := &fakeSettler{}
	l := NewLedger(DefaultConfig(), memory.NewOptionStore(), s, history,
		slog.New(slog.DiscardHandler), WithClock(func() time.Time { return now }))
	return harness{ledger: l, settler: s, now: &now}
}

func lpCommitment() domain.Commitment {
	return domain.Commitment{
		Creator:         lp,
		Asset:           weth,
		Amount:          big.NewInt(500_000_000_000_000_000),
		PremiumRate:     big.NewInt(25),
		MinDurationDays: 1,
		MaxDurationDays: 14,
		OptionType:      domain.OptionTypeCall,
		CommitmentType:  domain.CommitmentTypeLPOffer,
		Expiry:          t0.Add(time.Hour).Unix(),
		Nonce:           big.NewInt(1),
	}
}

func reservation(c domain.Commitment, amount *big.Int, days uint32) commitment.Reservation {
	return commitment.Reservation{
		ID:             "r-1",
		CommitmentHash: common.HexToHash("0xabc"),
		Commitment:     c,
		Amount:         amount,
		DurationDays:   days,
	}
}

func open(t *testing.T, h harness, c domain.Commitment, strike int64) domain.ActiveOption {
	t.Helper()
	opt, err := h.ledger.Open(context.Background(), OpenRequest{
		Reservation: reservation(c, c.Amount, 7),
		Caller:      taker,
		StrikePrice: decimal.NewFromInt(strike),
	})
	require.NoError(t, err)
	return opt
}

func params() domain.SettlementParams {
	return domain.SettlementParams{
		Method:       domain.MethodUnoswap,
		TokenIn:      weth,
		TokenOut:     usdc,
		MinAmountOut: big.NewInt(1),
		Deadline:     t0.Add(time.Hour),
		Recipient:    taker,
	}
}

func TestOpenFullTake(t *testing.T) {
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)

	assert.NotEmpty(t, opt.ID)
	assert.Equal(t, domain.OptionActive, opt.State)
	assert.Equal(t, "175", opt.TotalPremiumPaid.String())
	assert.Equal(t, "25", opt.DailyPremium.String())
	assert.Equal(t, taker, opt.Taker)
	assert.Equal(t, lp, opt.Counterparty)
	assert.Equal(t, t0.Add(7*24*time.Hour), opt.ExerciseDeadline)

	got, err := h.ledger.Get(context.Background(), opt.ID)
	require.NoError(t, err)
	assert.Equal(t, opt.ID, got.ID)
}

func TestOpenPartialAndTakerDemand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	c := lpCommitment()
	c.PremiumRate = big.NewInt(1_000_000)
	c.Fractionable = true
	opt, err := h.ledger.Open(ctx, OpenRequest{
		Reservation: reservation(c, big.NewInt(125_000_000_000_000_000), 4),
		Caller:      taker,
		StrikePrice: decimal.NewFromInt(2000),
	})
	require.NoError(t, err)
	assert.Equal(t, "250000", opt.DailyPremium.String())
	assert.Equal(t, "1000000", opt.TotalPremiumPaid.String())

	demand := lpCommitment()
	demand.Creator = taker
	demand.CommitmentType = domain.CommitmentTypeTakerDemand
	demand.PremiumRate = big.NewInt(700)
	opt, err = h.ledger.Open(ctx, OpenRequest{
		Reservation: reservation(demand, demand.Amount, 7),
		Caller:      lp,
		StrikePrice: decimal.NewFromInt(2000),
	})
	require.NoError(t, err)
	assert.Equal(t, taker, opt.Taker)
	assert.Equal(t, lp, opt.Counterparty)
	assert.Equal(t, "700", opt.TotalPremiumPaid.String())
	assert.Equal(t, "100", opt.DailyPremium.String())
}

func TestOpenRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := lpCommitment()

	_, err := h.ledger.Open(ctx, OpenRequest{Reservation: reservation(c, c.Amount, 30), StrikePrice: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrDurationOutOfRange)

	_, err = h.ledger.Open(ctx, OpenRequest{Reservation: reservation(c, new(big.Int).Add(c.Amount, big.NewInt(1)), 3), StrikePrice: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.ledger.Open(ctx, OpenRequest{Reservation: reservation(c, c.Amount, 3)})
	require.ErrorIs(t, err, domain.ErrStalePrice)
}

func TestExercise(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)

	done, err := h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), params())
	require.NoError(t, err)
	assert.Equal(t, domain.OptionExercised, done.State)
	assert.True(t, done.RealizedProfit.Equal(decimal.NewFromInt(50)), done.RealizedProfit.String())
	assert.Equal(t, "150000", done.ProtocolFee.String())
	require.NotNil(t, done.Settlement)
	require.NotNil(t, done.ClosedAt)

	// Only 50 / 2100 WETH of the 0.5 taken is sold, drawn from the LP and
	// paid to the taker.
	sent := h.settler.last
	assert.Equal(t, "23809523809523800", sent.AmountIn.String())
	assert.Equal(t, lp, sent.Payer)
	assert.Equal(t, weth, sent.TokenIn)
	assert.Equal(t, taker, sent.Recipient)
	assert.Equal(t, common.Address{}, sent.Beneficiary)
	assert.Zero(t, sent.BeneficiaryBps)

	_, err = h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), params())
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, h.settler.calls)
}

func TestExerciseRejectsForeignSettlement(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.SettlementParams)
	}{
		{"amount above taken", func(p *domain.SettlementParams) { p.AmountIn = big.NewInt(600_000_000_000_000_000) }},
		{"amount cap below need", func(p *domain.SettlementParams) { p.AmountIn = big.NewInt(1e16) }},
		{"foreign token in", func(p *domain.SettlementParams) { p.TokenIn = usdc }},
		{"asset as token out", func(p *domain.SettlementParams) { p.TokenOut = weth }},
		{"missing token out", func(p *domain.SettlementParams) { p.TokenOut = common.Address{} }},
		{"foreign recipient", func(p *domain.SettlementParams) { p.Recipient = liq }},
		{"foreign payer", func(p *domain.SettlementParams) { p.Payer = taker }},
		{"caller beneficiary", func(p *domain.SettlementParams) { p.Beneficiary = liq; p.BeneficiaryBps = 5_000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, nil)
			opt := open(t, h, lpCommitment(), 2000)
			p := params()
			tc.mutate(&p)

			_, err := h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), p)
			require.ErrorIs(t, err, domain.ErrSettlementMismatch)
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Zero(t, h.settler.calls)

			got, err := h.ledger.Get(ctx, opt.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.OptionActive, got.State)
		})
	}
}

func TestExerciseAcceptsMatchingCeiling(t *testing.T) {
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)
	p := params()
	p.AmountIn = new(big.Int).Set(opt.AmountTaken)
	p.Payer = lp

	_, err := h.ledger.Exercise(context.Background(), opt.ID, decimal.NewFromInt(2100), p)
	require.NoError(t, err)
	assert.Equal(t, "23809523809523800", h.settler.last.AmountIn.String())
}

func TestExerciseRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)

	_, err := h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(1900), params())
	require.ErrorIs(t, err, domain.ErrNotProfitable)

	_, err = h.ledger.Exercise(ctx, opt.ID, decimal.Zero, params())
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)

	*h.now = opt.ExerciseDeadline
	_, err = h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), params())
	require.NoError(t, err, "deadline itself is still exercisable")

	other := open(t, h, lpCommitment(), 2000)
	*h.now = other.ExerciseDeadline.Add(time.Second)
	_, err = h.ledger.Exercise(ctx, other.ID, decimal.NewFromInt(2100), params())
	require.ErrorIs(t, err, domain.ErrDeadlineExceeded)
	require.ErrorIs(t, err, domain.ErrDeadline)

	_, err = h.ledger.Exercise(ctx, "missing", decimal.NewFromInt(2100), params())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExerciseSettlementFailureLeavesActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)
	h.settler.err = domain.ErrInsufficientOutput

	_, err := h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), params())
	require.ErrorIs(t, err, domain.ErrInsufficientOutput)
	require.ErrorIs(t, err, domain.ErrSettlement)

	got, err := h.ledger.Get(ctx, opt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptionActive, got.State)
	assert.Nil(t, got.Settlement)

	// A retry with a working venue succeeds.
	h.settler.err = nil
	done, err := h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), params())
	require.NoError(t, err)
	assert.Equal(t, domain.OptionExercised, done.State)
}

func TestExerciseCancelledLeavesActive(t *testing.T) {
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)
	h.settler.block = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), params())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := h.ledger.Get(context.Background(), opt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptionActive, got.State)
}

func TestConcurrentTransitionsAreExclusive(t *testing.T) {
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)
	h.settler.block = make(chan struct{})

	errs := make(chan error, 1)
	go func() {
		_, err := h.ledger.Exercise(context.Background(), opt.ID, decimal.NewFromInt(2100), params())
		errs <- err
	}()
	require.Eventually(t, func() bool {
		h.settler.mu.Lock()
		defer h.settler.mu.Unlock()
		return h.settler.calls == 1
	}, time.Second, time.Millisecond)

	_, err := h.ledger.Exercise(context.Background(), opt.ID, decimal.NewFromInt(2100), params())
	require.ErrorIs(t, err, domain.ErrSettlementInFlight)

	close(h.settler.block)
	require.NoError(t, <-errs)
}

func TestLiquidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedHistory{price: decimal.NewFromInt(2100)})
	opt := open(t, h, lpCommitment(), 2000)
	req := LiquidateRequest{
		Liquidator:          liq,
		CurrentPrice:        decimal.NewFromInt(2110),
		MaxPriceMovementBps: 100,
		Settlement:          params(),
	}

	_, err := h.ledger.Liquidate(ctx, opt.ID, req)
	require.ErrorIs(t, err, domain.ErrDeadlineNotReached)

	*h.now = opt.ExerciseDeadline.Add(time.Minute)

	moved := req
	moved.CurrentPrice = decimal.NewFromInt(2200)
	_, err = h.ledger.Liquidate(ctx, opt.ID, moved)
	require.ErrorIs(t, err, domain.ErrPriceMovedTooFar)
	require.ErrorIs(t, err, domain.ErrStalePrice)

	done, err := h.ledger.Liquidate(ctx, opt.ID, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OptionLiquidated, done.State)
	require.NotNil(t, done.Liquidator)
	assert.Equal(t, liq, *done.Liquidator)
	// Profit 110 × 0.5 = 55; 1% to the liquidator.
	assert.True(t, done.LiquidationFee.Equal(decimal.RequireFromString("0.55")), done.LiquidationFee.String())
	assert.True(t, done.RealizedProfit.Equal(decimal.RequireFromString("54.45")), done.RealizedProfit.String())

	sent := h.settler.last
	assert.Equal(t, SettlementAmount(opt, req.CurrentPrice, DefaultConfig().Units).String(), sent.AmountIn.String())
	assert.Equal(t, taker, sent.Recipient)
	assert.Equal(t, lp, sent.Payer)
	assert.Equal(t, liq, sent.Beneficiary)
	assert.Equal(t, int64(100), sent.BeneficiaryBps)
}

func TestLiquidateRejectsLiquidatorAsRecipient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedHistory{price: decimal.NewFromInt(2100)})
	opt := open(t, h, lpCommitment(), 2000)
	*h.now = opt.ExerciseDeadline.Add(time.Minute)

	p := params()
	p.Recipient = liq
	_, err := h.ledger.Liquidate(ctx, opt.ID, LiquidateRequest{
		Liquidator:          liq,
		CurrentPrice:        decimal.NewFromInt(2100),
		MaxPriceMovementBps: 100,
		Settlement:          p,
	})
	require.ErrorIs(t, err, domain.ErrSettlementMismatch)

	_, err = h.ledger.Liquidate(ctx, opt.ID, LiquidateRequest{
		CurrentPrice:        decimal.NewFromInt(2100),
		MaxPriceMovementBps: 100,
		Settlement:          params(),
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, h.settler.calls)
}

func TestLiquidateWithoutHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedHistory{err: errors.New("no data")})
	opt := open(t, h, lpCommitment(), 2000)
	*h.now = opt.ExerciseDeadline.Add(time.Minute)

	_, err := h.ledger.Liquidate(ctx, opt.ID, LiquidateRequest{Liquidator: liq, CurrentPrice: decimal.NewFromInt(2100), MaxPriceMovementBps: 100})
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.Zero(t, h.settler.calls)
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)
	otm := decimal.NewFromInt(1900)

	_, err := h.ledger.Expire(ctx, opt.ID, otm)
	require.ErrorIs(t, err, domain.ErrDeadlineNotReached)

	*h.now = opt.ExerciseDeadline.Add(time.Second)
	first, err := h.ledger.Expire(ctx, opt.ID, otm)
	require.NoError(t, err)
	assert.Equal(t, domain.OptionExpired, first.State)

	second, err := h.ledger.Expire(ctx, opt.ID, otm)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.ClosedAt, second.ClosedAt)
	assert.Zero(t, h.settler.calls)
}

func TestExpireInTheMoney(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)
	itm := decimal.NewFromInt(2100)

	*h.now = opt.ExerciseDeadline.Add(time.Hour)
	_, err := h.ledger.Expire(ctx, opt.ID, itm)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.ledger.Expire(ctx, opt.ID, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)

	// However long it has been, an in-the-money option waits for a
	// liquidator.
	*h.now = opt.ExerciseDeadline.Add(90 * 24 * time.Hour)
	_, err = h.ledger.Expire(ctx, opt.ID, itm)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := h.ledger.Get(ctx, opt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptionActive, got.State)
}

func TestExpireAfterExerciseFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	opt := open(t, h, lpCommitment(), 2000)
	_, err := h.ledger.Exercise(ctx, opt.ID, decimal.NewFromInt(2100), params())
	require.NoError(t, err)

	*h.now = opt.ExerciseDeadline.Add(48 * time.Hour)
	_, err = h.ledger.Expire(ctx, opt.ID, decimal.NewFromInt(1900))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestIntrinsicValue(t *testing.T) {
	half := big.NewInt(500_000_000_000_000_000)
	cases := []struct {
		name  string
		typ   domain.OptionType
		price int64
		want  string
	}{
		{"call itm", domain.OptionTypeCall, 2100, "50"},
		{"call otm", domain.OptionTypeCall, 1900, "0"},
		{"call atm", domain.OptionTypeCall, 2000, "0"},
		{"put itm", domain.OptionTypePut, 1900, "50"},
		{"put otm", domain.OptionTypePut, 2100, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opt := domain.ActiveOption{OptionType: tc.typ, StrikePrice: decimal.NewFromInt(2000), AmountTaken: half}
			got := IntrinsicValue(opt, decimal.NewFromInt(tc.price), DefaultConfig().Units)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), got.String())
		})
	}
	assert.Equal(t, "50000000", ToMinimal(decimal.NewFromInt(50), 6).String())
	assert.True(t, MovementBps(decimal.NewFromInt(2000), decimal.NewFromInt(2100)).Equal(decimal.NewFromInt(500)))
}

func TestSettlementAmount(t *testing.T) {
	u := DefaultConfig().Units
	half := big.NewInt(500_000_000_000_000_000)
	call := domain.ActiveOption{OptionType: domain.OptionTypeCall, StrikePrice: decimal.NewFromInt(2000), AmountTaken: half}
	put := domain.ActiveOption{OptionType: domain.OptionTypePut, StrikePrice: decimal.NewFromInt(2000), AmountTaken: half}

	// 0.5 × 200 = 100 USDC of profit is 100 / 2200 WETH.
	got := SettlementAmount(call, decimal.NewFromInt(2200), u)
	assert.Equal(t, ToMinimal(decimal.NewFromInt(100).Div(decimal.NewFromInt(2200)), u.AssetDecimals).String(), got.String())
	assert.Less(t, got.Cmp(half), 0)

	assert.Zero(t, SettlementAmount(call, decimal.NewFromInt(1900), u).Sign())
	assert.Zero(t, SettlementAmount(call, decimal.Zero, u).Sign())

	// A put deep in the money cannot sell more than was taken.
	assert.Equal(t, half.String(), SettlementAmount(put, decimal.NewFromInt(1), u).String())
}
