package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Config holds router parameters. Trade size is measured in tokenIn
// minimal units.
type Config struct {
	ProtocolFeeBps int64
	FeeRecipient   common.Address
	// Trades up to SmallTradeMax prefer LIMIT_ORDER.
	SmallTradeMax *big.Int
	// Trades from LargeTradeMin prefer GENERIC_ROUTER. Everything between
	// prefers UNOSWAP.
	LargeTradeMin *big.Int
}

// DefaultConfig charges 30 bps with 0.1 and 10 whole 18-decimal units as
// the size thresholds.
func DefaultConfig() Config {
	return Config{
		ProtocolFeeBps: 30,
		SmallTradeMax:  big.NewInt(100_000_000_000_000_000),
		LargeTradeMin:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000)),
	}
}

// Observer is told the outcome of every Execute call.
type Observer func(method domain.SettlementMethod, err error, elapsed time.Duration)

// Router dispatches settlements to registered strategies by method.
type Router struct {
	cfg      Config
	vault    *Vault
	logger   *slog.Logger
	now      func() time.Time
	observer Observer

	mu         sync.RWMutex
	strategies map[domain.SettlementMethod]Strategy
	order      []domain.SettlementMethod
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock overrides time.Now for deadline checks.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithObserver installs an execution observer.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) { r.observer = o }
}

// NewRouter creates a router over vault. Strategies are added with
// Register.
func NewRouter(cfg Config, vault *Vault, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		cfg:        cfg,
		vault:      vault,
		logger:     logger.With(slog.String("component", "settlement_router")),
		now:        time.Now,
		strategies: make(map[domain.SettlementMethod]Strategy),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces the strategy for its method.
func (r *Router) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := s.Method()
	if _, ok := r.strategies[m]; !ok {
		r.order = append(r.order, m)
	}
	r.strategies[m] = s
}

// Methods lists registered methods in registration order.
func (r *Router) Methods() []domain.SettlementMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.SettlementMethod(nil), r.order...)
}

func (r *Router) strategy(m domain.SettlementMethod) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[m]
	if !ok {
		return nil, fmt.Errorf("settlement: %q: %w", m, domain.ErrUnsupportedMethod)
	}
	return s, nil
}

// Preference returns the methods to try for a trade of amountIn, most
// preferred first: the size-preferred method, then every other registered
// method in registration order.
func (r *Router) Preference(amountIn *big.Int) []domain.SettlementMethod {
	preferred := domain.MethodUnoswap
	switch {
	case r.cfg.SmallTradeMax != nil && amountIn.Cmp(r.cfg.SmallTradeMax) <= 0:
		preferred = domain.MethodLimitOrder
	case r.cfg.LargeTradeMin != nil && amountIn.Cmp(r.cfg.LargeTradeMin) >= 0:
		preferred = domain.MethodGenericRouter
	}
	out := []domain.SettlementMethod{preferred}
	for _, m := range r.Methods() {
		if m != preferred {
			out = append(out, m)
		}
	}
	return out
}

// Quote estimates a trade. It picks the size-preferred method and falls
// back through the others when a venue cannot fill. It never changes
// venue state.
func (r *Router) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (domain.SettlementQuote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return domain.SettlementQuote{}, fmt.Errorf("settlement: quote: %w", domain.ErrInvalidAmount)
	}
	var errs []error
	for _, m := range r.Preference(amountIn) {
		s, err := r.strategy(m)
		if err != nil {
			continue
		}
		route, err := s.Quote(ctx, tokenIn, tokenOut, amountIn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return domain.SettlementQuote{
			AmountOut:   r.netOfFee(route.AmountOut),
			Method:      m,
			RoutingData: route.RoutingData,
		}, nil
	}
	if len(errs) == 0 {
		return domain.SettlementQuote{}, fmt.Errorf("settlement: quote: %w", domain.ErrNoLiquidity)
	}
	return domain.SettlementQuote{}, fmt.Errorf("settlement: quote: %w", errors.Join(errs...))
}

// Execute settles params through its method's strategy as one unit:
// hold tokenIn from the payer, prepare the swap, verify the output against
// MinAmountOut and the deadline, then commit everything or abort
// everything. MinAmountOut applies to the output after the protocol fee.
func (r *Router) Execute(ctx context.Context, p domain.SettlementParams) (res domain.SettlementResult, err error) {
	start := time.Now()
	defer func() {
		if r.observer != nil {
			r.observer(p.Method, err, time.Since(start))
		}
	}()

	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return domain.SettlementResult{}, fmt.Errorf("settlement: execute: %w", domain.ErrInvalidAmount)
	}
	minOut := p.MinAmountOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	if p.BeneficiaryBps < 0 || p.BeneficiaryBps > bpsDenominator {
		return domain.SettlementResult{}, fmt.Errorf("settlement: execute: beneficiary share %d bps: %w", p.BeneficiaryBps, domain.ErrValidation)
	}
	if r.now().After(p.Deadline) {
		return domain.SettlementResult{}, fmt.Errorf("settlement: execute: %w", domain.ErrDeadlineExceeded)
	}
	strat, err := r.strategy(p.Method)
	if err != nil {
		return domain.SettlementResult{}, err
	}

	ctx, cancel := context.WithDeadline(ctx, p.Deadline)
	defer cancel()

	hold, err := r.vault.Hold(p.Payer, p.TokenIn, p.AmountIn)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement: execute: transfer in: %w", err)
	}
	exec, err := strat.Prepare(ctx, Request{
		TokenIn:     p.TokenIn,
		TokenOut:    p.TokenOut,
		AmountIn:    p.AmountIn,
		RoutingData: p.RoutingData,
	})
	if err != nil {
		hold.Abort()
		return domain.SettlementResult{}, fmt.Errorf("settlement: execute %s: %w", p.Method, err)
	}

	gross := exec.AmountOut()
	fee := r.fee(gross)
	net := new(big.Int).Sub(gross, fee)
	if net.Cmp(minOut) < 0 {
		exec.Abort()
		hold.Abort()
		return domain.SettlementResult{}, fmt.Errorf("settlement: execute %s: %w: got %s, want at least %s",
			p.Method, domain.ErrInsufficientOutput, net, minOut)
	}
	if err := ctx.Err(); err != nil {
		exec.Abort()
		hold.Abort()
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.SettlementResult{}, fmt.Errorf("settlement: execute %s: %w", p.Method, domain.ErrDeadlineExceeded)
		}
		return domain.SettlementResult{}, fmt.Errorf("settlement: execute %s: %w", p.Method, err)
	}

	exec.Commit()
	hold.Commit()
	share := beneficiaryShare(net, p)
	r.vault.Deposit(p.Recipient, p.TokenOut, new(big.Int).Sub(net, share))
	if share.Sign() > 0 {
		r.vault.Deposit(p.Beneficiary, p.TokenOut, share)
	}
	r.vault.Deposit(r.cfg.FeeRecipient, p.TokenOut, fee)

	res = domain.SettlementResult{
		AmountIn:    new(big.Int).Set(p.AmountIn),
		AmountOut:   net,
		Method:      p.Method,
		ProtocolFee: fee,
	}
	r.logger.InfoContext(ctx, "settlement executed",
		slog.String("method", string(p.Method)),
		slog.String("token_in", p.TokenIn.Hex()),
		slog.String("token_out", p.TokenOut.Hex()),
		slog.String("amount_in", p.AmountIn.String()),
		slog.String("amount_out", net.String()),
		slog.String("protocol_fee", fee.String()),
		slog.String("beneficiary_share", share.String()),
	)
	return res, nil
}

func (r *Router) fee(gross *big.Int) *big.Int {
	if r.cfg.ProtocolFeeBps <= 0 {
		return new(big.Int)
	}
	f := new(big.Int).Mul(gross, big.NewInt(r.cfg.ProtocolFeeBps))
	return f.Quo(f, big.NewInt(bpsDenominator))
}

func (r *Router) netOfFee(gross *big.Int) *big.Int {
	return new(big.Int).Sub(gross, r.fee(gross))
}

func beneficiaryShare(net *big.Int, p domain.SettlementParams) *big.Int {
	if p.Beneficiary == (common.Address{}) || p.BeneficiaryBps <= 0 {
		return new(big.Int)
	}
	share := new(big.Int).Mul(net, big.NewInt(p.BeneficiaryBps))
	return share.Quo(share, big.NewInt(bpsDenominator))
}
