package service

import (
	"cmp"
	"context"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/commitment"
	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/premium"
)

// Sort keys accepted by Filter.SortBy.
const (
	SortPremium    = "premium"
	SortAmount     = "amount"
	SortYield      = "yield"
	SortCollateral = "collateral"
)

// Filter narrows and orders the marketplace listing. Zero values match
// everything.
type Filter struct {
	Asset          *common.Address
	Creator        *common.Address
	OptionType     *domain.OptionType
	CommitmentType *domain.CommitmentType
	// Duration bounds match commitments whose window overlaps [Min, Max].
	MinDurationDays uint32
	MaxDurationDays uint32
	// Yield bounds are annualized, in basis points.
	MinYieldBps *int64
	MaxYieldBps *int64
	SortBy      string
	Descending  bool
	Offset      int
	Limit       int
}

// Listing is one open commitment as shown to takers. Yield figures are
// absent when no price is known for the asset.
type Listing struct {
	Hash            common.Hash             `json:"hash"`
	Commitment      domain.Commitment       `json:"commitment"`
	Remaining       *big.Int                `json:"remaining"`
	Status          domain.CommitmentStatus `json:"status"`
	CollateralValue decimal.NullDecimal     `json:"collateralValue"`
	DailyYield      decimal.NullDecimal     `json:"dailyYield"`
	YieldBps        decimal.NullDecimal     `json:"yieldBps"`
	APY             string                  `json:"apy,omitempty"`
}

// ListCommitments returns the open commitments matching f. Prices are
// fetched once per asset; an asset without a price is listed without
// yields, excluded by yield bounds and sorted last by yield or collateral.
func (m *Marketplace) ListCommitments(ctx context.Context, f Filter) ([]Listing, int, error) {
	var (
		entries []commitment.Entry
		err     error
	)
	if f.Creator != nil {
		entries, err = m.commitments.ListByCreator(ctx, *f.Creator)
	} else {
		entries, err = m.commitments.ListOpen(ctx)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("marketplace: list commitments: %w", err)
	}

	units := m.options.Units()
	prices := make(map[common.Address]*decimal.Decimal)
	priceOf := func(asset common.Address) *decimal.Decimal {
		if p, ok := prices[asset]; ok {
			return p
		}
		var out *decimal.Decimal
		if pp, err := m.oracle.CurrentPrice(ctx, asset); err == nil {
			out = &pp.Price
		}
		prices[asset] = out
		return out
	}

	listings := make([]Listing, 0, len(entries))
	for _, e := range entries {
		if e.Capacity.Status.Terminal() || e.Commitment.IsExpired(m.now()) || !f.matches(e.Commitment) {
			continue
		}
		l := Listing{
			Hash:       e.Hash,
			Commitment: e.Commitment,
			Remaining:  e.Capacity.Remaining,
			Status:     e.Capacity.Status,
		}
		if price := priceOf(e.Commitment.Asset); price != nil {
			daily, err := premium.CommitmentYield(e.Commitment, *price, units)
			if err == nil {
				annual := premium.AnnualizedYield(daily)
				l.CollateralValue = decimal.NewNullDecimal(premium.CollateralValue(e.Commitment.Amount, *price, units))
				l.DailyYield = decimal.NewNullDecimal(daily)
				l.YieldBps = decimal.NewNullDecimal(annual.Shift(4))
				l.APY = premium.Percent(annual)
			}
		}
		if !f.yieldMatches(l) {
			continue
		}
		listings = append(listings, l)
	}

	f.sort(listings)
	total := len(listings)
	return paginate(listings, f.Offset, f.Limit), total, nil
}

func (f Filter) matches(c domain.Commitment) bool {
	if f.Asset != nil && c.Asset != *f.Asset {
		return false
	}
	if f.Creator != nil && c.Creator != *f.Creator {
		return false
	}
	if f.OptionType != nil && c.OptionType != *f.OptionType {
		return false
	}
	if f.CommitmentType != nil && c.CommitmentType != *f.CommitmentType {
		return false
	}
	if f.MinDurationDays > 0 && c.MaxDurationDays < f.MinDurationDays {
		return false
	}
	if f.MaxDurationDays > 0 && c.MinDurationDays > f.MaxDurationDays {
		return false
	}
	return true
}

func (f Filter) yieldMatches(l Listing) bool {
	if f.MinYieldBps == nil && f.MaxYieldBps == nil {
		return true
	}
	if !l.YieldBps.Valid {
		return false
	}
	if f.MinYieldBps != nil && l.YieldBps.Decimal.LessThan(decimal.NewFromInt(*f.MinYieldBps)) {
		return false
	}
	if f.MaxYieldBps != nil && l.YieldBps.Decimal.GreaterThan(decimal.NewFromInt(*f.MaxYieldBps)) {
		return false
	}
	return true
}

func (f Filter) sort(ls []Listing) {
	var key func(Listing) (decimal.Decimal, bool)
	switch f.SortBy {
	case SortPremium:
		key = func(l Listing) (decimal.Decimal, bool) {
			return decimal.NewFromBigInt(intOrZero(l.Commitment.PremiumRate), 0), true
		}
	case SortAmount:
		key = func(l Listing) (decimal.Decimal, bool) {
			return decimal.NewFromBigInt(intOrZero(l.Remaining), 0), true
		}
	case SortYield:
		key = func(l Listing) (decimal.Decimal, bool) { return l.YieldBps.Decimal, l.YieldBps.Valid }
	case SortCollateral:
		key = func(l Listing) (decimal.Decimal, bool) { return l.CollateralValue.Decimal, l.CollateralValue.Valid }
	default:
		return
	}
	slices.SortStableFunc(ls, func(a, b Listing) int {
		ka, okA := key(a)
		kb, okB := key(b)
		switch {
		case !okA && !okB:
			return 0
		case !okA:
			return 1
		case !okB:
			return -1
		}
		c := ka.Cmp(kb)
		if f.Descending {
			c = -c
		}
		if c == 0 {
			return cmp.Compare(a.Hash.Hex(), b.Hash.Hex())
		}
		return c
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func intOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
