// Package oracle serves underlying prices to the marketplace. It fronts an
// upstream PriceSource with a PriceCache, rejects stale observations and
// keeps the history liquidation uses to look up the price at a deadline.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// PriceSource is an upstream price feed.
type PriceSource interface {
	Fetch(ctx context.Context, asset common.Address) (decimal.Decimal, time.Time, error)
}

// Config controls freshness.
type Config struct {
	// MaxAge is the oldest observation CurrentPrice will return.
	MaxAge time.Duration
	// CacheTTL is how long a cached price is served before the source is
	// asked again. It must not exceed MaxAge.
	CacheTTL time.Duration
}

// DefaultConfig allows five minute old prices and re-fetches every 15s.
func DefaultConfig() Config {
	return Config{MaxAge: 5 * time.Minute, CacheTTL: 15 * time.Second}
}

// Oracle implements domain.PriceOracle and domain.PriceHistory.
type Oracle struct {
	cfg    Config
	source PriceSource
	cache  domain.PriceCache
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// New creates an Oracle.
func New(cfg Config, source PriceSource, cache domain.PriceCache, logger *slog.Logger, opts ...Option) *Oracle {
	if cfg.CacheTTL <= 0 || cfg.CacheTTL > cfg.MaxAge {
		cfg.CacheTTL = cfg.MaxAge
	}
	o := &Oracle{
		cfg:    cfg,
		source: source,
		cache:  cache,
		logger: logger.With(slog.String("component", "oracle")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CurrentPrice returns a price no older than MaxAge. Upstream failures wrap
// domain.ErrPriceUnavailable and are safe to retry; an upstream answer that
// is itself too old wraps domain.ErrStalePrice.
func (o *Oracle) CurrentPrice(ctx context.Context, asset common.Address) (domain.PricePoint, error) {
	now := o.now()
	cached, err := o.cache.GetPrice(ctx, asset)
	switch {
	case err == nil && now.Sub(cached.At) <= o.cfg.CacheTTL:
		return cached, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		o.logger.WarnContext(ctx, "price cache read failed",
			slog.String("asset", asset.Hex()),
			slog.String("error", err.Error()),
		)
	}

	p, err := o.Refresh(ctx, asset)
	if err != nil {
		return domain.PricePoint{}, err
	}
	if now.Sub(p.At) > o.cfg.MaxAge {
		return domain.PricePoint{}, fmt.Errorf("oracle: current price %s: observed %s ago: %w",
			asset.Hex(), now.Sub(p.At).Round(time.Second), domain.ErrStalePrice)
	}
	return p, nil
}

// Refresh fetches asset from the source and records it, whatever its age.
func (o *Oracle) Refresh(ctx context.Context, asset common.Address) (domain.PricePoint, error) {
	price, at, err := o.source.Fetch(ctx, asset)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle: fetch %s: %w: %w", asset.Hex(), domain.ErrPriceUnavailable, err)
	}
	if !price.IsPositive() {
		return domain.PricePoint{}, fmt.Errorf("oracle: fetch %s: non-positive price %s: %w", asset.Hex(), price, domain.ErrPriceUnavailable)
	}
	p := domain.PricePoint{Asset: asset, Price: price, At: at.UTC()}
	if err := o.cache.SetPrice(ctx, p); err != nil {
		o.logger.WarnContext(ctx, "price cache write failed",
			slog.String("asset", asset.Hex()),
			slog.String("error", err.Error()),
		)
	}
	return p, nil
}

// PriceAt returns the latest recorded observation at or before at.
func (o *Oracle) PriceAt(ctx context.Context, asset common.Address, at time.Time) (domain.PricePoint, error) {
	p, err := o.cache.PriceAt(ctx, asset, at)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PricePoint{}, fmt.Errorf("oracle: price at %s: %w", asset.Hex(), domain.ErrPriceUnavailable)
		}
		return domain.PricePoint{}, fmt.Errorf("oracle: price at %s: %w", asset.Hex(), err)
	}
	return p, nil
}

// Poll refreshes every asset each interval until ctx is cancelled so the
// history has no gaps around exercise deadlines.
func (o *Oracle) Poll(ctx context.Context, assets []common.Address, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, a := range assets {
			if _, err := o.Refresh(ctx, a); err != nil && ctx.Err() == nil {
				o.logger.WarnContext(ctx, "price refresh failed",
					slog.String("asset", a.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	_ domain.PriceOracle  = (*Oracle)(nil)
	_ domain.PriceHistory = (*Oracle)(nil)
)
