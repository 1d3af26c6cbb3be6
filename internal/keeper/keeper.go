// Package keeper runs the periodic maintenance of the marketplace. It
// retires commitments that can no longer be honoured and purges spent
// ones, settles or expires options past their deadline, and archives
// closed options.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/service"
)

// Action names reported to the Recorder.
const (
	ActionRetire    = "retire"
	ActionLiquidate = "liquidate"
	ActionExpire    = "expire"
	ActionArchive   = "archive"
	ActionPurge     = "purge"
)

const sweepLockKey = "keeper:sweep"

// Market is the part of the marketplace the keeper drives.
type Market interface {
	LiveCommitments(ctx context.Context) ([]commitment.Entry, error)
	RetireCommitment(ctx context.Context, hash common.Hash, reason string) (bool, error)
	PurgeableCommitments(ctx context.Context) ([]commitment.Entry, error)
	PurgeCommitment(ctx context.Context, hash common.Hash) (bool, error)
	ActiveOptions(ctx context.Context) ([]domain.ActiveOption, error)
	LiquidateOption(ctx context.Context, id string, req service.LiquidateRequest) (domain.ActiveOption, error)
	ExpireOption(ctx context.Context, id string) (domain.ActiveOption, error)
	SettlementAmount(ctx context.Context, id string) (*big.Int, error)
	QuoteSettlement(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (domain.SettlementQuote, error)
}

// RetirePolicy decides whether a commitment should be withdrawn.
// *commitment.Validator implements it.
type RetirePolicy interface {
	ShouldRetire(ctx context.Context, c domain.Commitment, checks domain.SolvencyChecker) commitment.RetireDecision
}

// Recorder receives keeper outcomes. The metrics package implements it.
type Recorder interface {
	KeeperAction(action string, err error)
	KeeperSweep(elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) KeeperAction(string, error) {}
func (nopRecorder) KeeperSweep(time.Duration)  {}

// Config controls the sweep.
type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
	// Liquidator receives liquidation fees. The zero address disables
	// liquidation; options past their deadline are then only expired.
	Liquidator          common.Address
	MaxPriceMovementBps int64
	// QuoteToken is what the underlying is sold for on liquidation.
	QuoteToken  common.Address
	SlippageBps int64
	// Closed options older than ArchiveAfter are archived.
	ArchiveAfter time.Duration
}

// DefaultConfig sweeps every minute and archives after 30 days.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Minute,
		LockTTL:             5 * time.Minute,
		MaxPriceMovementBps: 500,
		SlippageBps:         100,
		ArchiveAfter:        30 * 24 * time.Hour,
	}
}

// Report summarises one sweep.
type Report struct {
	Skipped    bool
	Retired    int
	Purged     int
	Liquidated int
	Expired    int
	Failed     int
}

// Keeper performs sweeps. Only one instance sweeps at a time when the
// lock manager is shared.
type Keeper struct {
	cfg      Config
	market   Market
	policy   RetirePolicy
	solvency domain.SolvencyChecker
	archiver domain.Archiver
	locks    domain.LockManager
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithSolvency enables the balance and allowance check on retirement.
func WithSolvency(s domain.SolvencyChecker) Option {
	return func(k *Keeper) { k.solvency = s }
}

// WithArchiver enables archiving of closed options.
func WithArchiver(a domain.Archiver) Option {
	return func(k *Keeper) { k.archiver = a }
}

// WithRecorder installs an outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(k *Keeper) {
		if r != nil {
			k.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

// New creates a keeper.
func New(cfg Config, market Market, policy RetirePolicy, locks domain.LockManager, logger *slog.Logger, opts ...Option) *Keeper {
	k := &Keeper{
		cfg:      cfg,
		market:   market,
		policy:   policy,
		locks:    locks,
		recorder: nopRecorder{},
		logger:   logger.With(slog.String("component", "keeper")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Run sweeps every Interval until ctx is cancelled. A failed sweep is
// logged and retried on the next tick.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started", slog.Duration("interval", k.cfg.Interval))
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := k.Sweep(ctx); err != nil && ctx.Err() == nil {
			k.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			k.logger.InfoContext(ctx, "keeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep retires dead commitments and closes options past their deadline.
// It returns a skipped report when another instance holds the lock.
func (k *Keeper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	unlock, err := k.locks.Acquire(ctx, sweepLockKey, k.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.DebugContext(ctx, "sweep skipped, lock held elsewhere")
			return Report{Skipped: true}, nil
		}
		return Report{}, fmt.Errorf("keeper: sweep: lock: %w", err)
	}
	defer unlock()
	defer func() { k.recorder.KeeperSweep(time.Since(start)) }()

	var rep Report
	errRetire := k.retireCommitments(ctx, &rep)
	errPurge := k.purgeCommitments(ctx, &rep)
	errOptions := k.closeOptions(ctx, &rep)

	k.logger.InfoContext(ctx, "sweep complete",
		slog.Int("retired", rep.Retired),
		slog.Int("purged", rep.Purged),
		slog.Int("liquidated", rep.Liquidated),
		slog.Int("expired", rep.Expired),
		slog.Int("failed", rep.Failed),
		slog.Duration("elapsed", time.Since(start)),
	)
	if err := errors.Join(errRetire, errPurge, errOptions); err != nil {
		return rep, fmt.Errorf("keeper: sweep: %w", err)
	}
	return rep, nil
}

func (k *Keeper) retireCommitments(ctx context.Context, rep *Report) error {
	entries, err := k.market.LiveCommitments(ctx)
	if err != nil {
		return fmt.Errorf("list commitments: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := k.policy.ShouldRetire(ctx, e.Commitment, k.solvency)
		if d.Err != nil {
			rep.Failed++
			k.recorder.KeeperAction(ActionRetire, d.Err)
			k.logger.WarnContext(ctx, "retire check failed, kept for next sweep",
				slog.String("hash", e.Hash.Hex()),
				slog.String("error", d.Err.Error()),
			)
			continue
		}
		if !d.Retire {
			continue
		}
		changed, err := k.market.RetireCommitment(ctx, e.Hash, d.Reason)
		k.recorder.KeeperAction(ActionRetire, err)
		if err != nil {
			rep.Failed++
			k.logger.WarnContext(ctx, "retire failed",
				slog.String("hash", e.Hash.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			rep.Retired++
			k.logger.InfoContext(ctx, "commitment retired",
				slog.String("hash", e.Hash.Hex()),
				slog.String("reason", d.Reason),
			)
		}
	}
	return nil
}

// purgeCommitments deletes consumed or retired commitments once they have
// expired and their signature can no longer be replayed.
func (k *Keeper) purgeCommitments(ctx context.Context, rep *Report) error {
	entries, err := k.market.PurgeableCommitments(ctx)
	if err != nil {
		return fmt.Errorf("list purgeable: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		removed, err := k.market.PurgeCommitment(ctx, e.Hash)
		k.recorder.KeeperAction(ActionPurge, err)
		if err != nil {
			rep.Failed++
			k.logger.WarnContext(ctx, "purge failed",
				slog.String("hash", e.Hash.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if removed {
			rep.Purged++
		}
	}
	return nil
}

// closeOptions handles every active option past its deadline. Liquidation
// is tried first; an option that cannot be liquidated is expired, which
// the option ledger refuses while it is in the money.
func (k *Keeper) closeOptions(ctx context.Context, rep *Report) error {
	opts, err := k.market.ActiveOptions(ctx)
	if err != nil {
		return fmt.Errorf("list options: %w", err)
	}
	now := k.now()
	for _, opt := range opts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !now.After(opt.ExerciseDeadline) {
			continue
		}

		if k.cfg.Liquidator != (common.Address{}) {
			err := k.liquidate(ctx, opt)
			k.recorder.KeeperAction(ActionLiquidate, err)
			if err == nil {
				rep.Liquidated++
				continue
			}
			if !errors.Is(err, domain.ErrNotProfitable) {
				k.logger.WarnContext(ctx, "liquidation failed, trying expiry",
					slog.String("option_id", opt.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		_, err := k.market.ExpireOption(ctx, opt.ID)
		k.recorder.KeeperAction(ActionExpire, err)
		if err != nil {
			rep.Failed++
			k.logger.WarnContext(ctx, "expiry failed",
				slog.String("option_id", opt.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		rep.Expired++
	}
	return nil
}

func (k *Keeper) liquidate(ctx context.Context, opt domain.ActiveOption) error {
	amount, err := k.market.SettlementAmount(ctx, opt.ID)
	if err != nil {
		return err
	}
	q, err := k.market.QuoteSettlement(ctx, opt.Asset, k.cfg.QuoteToken, amount)
	if err != nil {
		return err
	}
	minOut := new(big.Int).Mul(q.AmountOut, big.NewInt(10_000-k.cfg.SlippageBps))
	minOut.Quo(minOut, big.NewInt(10_000))

	_, err = k.market.LiquidateOption(ctx, opt.ID, service.LiquidateRequest{
		Liquidator:          k.cfg.Liquidator,
		MaxPriceMovementBps: k.cfg.MaxPriceMovementBps,
		Settlement: domain.SettlementParams{
			Method:       q.Method,
			TokenOut:     k.cfg.QuoteToken,
			MinAmountOut: minOut,
			RoutingData:  q.RoutingData,
		},
	})
	return err
}

// Archive moves options closed more than ArchiveAfter ago to cold
// storage. It is a no-op without an archiver.
func (k *Keeper) Archive(ctx context.Context) (int64, error) {
	if k.archiver == nil || k.cfg.ArchiveAfter <= 0 {
		return 0, nil
	}
	unlock, err := k.locks.Acquire(ctx, "keeper:archive", k.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return 0, nil
		}
		return 0, fmt.Errorf("keeper: archive: lock: %w", err)
	}
	defer unlock()

	cutoff := k.now().UTC().Add(-k.cfg.ArchiveAfter)
	n, err := k.archiver.ArchiveOptions(ctx, cutoff)
	k.recorder.KeeperAction(ActionArchive, err)
	if err != nil {
		return n, fmt.Errorf("keeper: archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	k.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("archived", n),
	)
	return n, nil
}

// RunArchive archives on schedule until ctx is cancelled.
func (k *Keeper) RunArchive(ctx context.Context, s Schedule) error {
	for {
		next, err := s.Next(time.Now())
		if err != nil {
			return err
		}
		k.logger.InfoContext(ctx, "archive scheduled", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := k.Archive(ctx); err != nil {
				k.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
