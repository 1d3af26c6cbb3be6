package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// AggregatorSource reads Chainlink-style aggregators, one feed per
// underlying. It satisfies oracle.PriceSource.
type AggregatorSource struct {
	caller ethereum.ContractCaller
	feeds  map[common.Address]common.Address

	mu       sync.Mutex
	decimals map[common.Address]int32
}

// NewAggregatorSource maps each underlying to its aggregator contract.
func NewAggregatorSource(caller ethereum.ContractCaller, feeds map[common.Address]common.Address) *AggregatorSource {
	return &AggregatorSource{
		caller:   caller,
		feeds:    feeds,
		decimals: make(map[common.Address]int32),
	}
}

// Fetch returns the latest round answer scaled by the feed decimals and the
// round's update time.
func (a *AggregatorSource) Fetch(ctx context.Context, asset common.Address) (decimal.Decimal, time.Time, error) {
	feed, ok := a.feeds[asset]
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("chain: no feed for %s: %w", asset.Hex(), domain.ErrNotFound)
	}
	dec, err := a.feedDecimals(ctx, feed)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	out, err := call(ctx, a.caller, aggregatorABI, feed, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("chain: latest round: %w", err)
	}
	answer, err := bigOut(out, 1)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("chain: latest round: %w", err)
	}
	updatedAt, err := bigOut(out, 3)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("chain: latest round: %w", err)
	}
	if answer.Sign() <= 0 || !updatedAt.IsInt64() || updatedAt.Sign() == 0 {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("chain: feed %s returned an incomplete round", feed.Hex())
	}
	return decimal.NewFromBigInt(answer, -dec), time.Unix(updatedAt.Int64(), 0).UTC(), nil
}

func (a *AggregatorSource) feedDecimals(ctx context.Context, feed common.Address) (int32, error) {
	a.mu.Lock()
	d, ok := a.decimals[feed]
	a.mu.Unlock()
	if ok {
		return d, nil
	}

	out, err := call(ctx, a.caller, aggregatorABI, feed, "decimals")
	if err != nil {
		return 0, fmt.Errorf("chain: feed decimals: %w", err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("chain: feed decimals: empty output")
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: feed decimals: output is %T", out[0])
	}

	a.mu.Lock()
	a.decimals[feed] = int32(v)
	a.mu.Unlock()
	return int32(v), nil
}
