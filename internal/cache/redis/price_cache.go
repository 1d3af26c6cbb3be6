package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// defaultHistoryWindow bounds how far back PriceAt can answer.
const defaultHistoryWindow = 7 * 24 * time.Hour

// PriceCache implements domain.PriceCache. The latest observation per asset
// lives in a hash; every observation is also added to a sorted set scored
// by unix milliseconds so liquidation can look up the price at a deadline.
type PriceCache struct {
	c       *Client
	history time.Duration
}

// NewPriceCache creates a PriceCache keeping history for window (zero uses
// seven days).
func NewPriceCache(c *Client, window time.Duration) *PriceCache {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	return &PriceCache{c: c, history: window}
}

func (pc *PriceCache) latestKey(asset common.Address) string {
	return pc.c.Key("price", strings.ToLower(asset.Hex()))
}

func (pc *PriceCache) historyKey(asset common.Address) string {
	return pc.c.Key("price", strings.ToLower(asset.Hex()), "history")
}

// SetPrice records p as the latest price and appends it to the history.
func (pc *PriceCache) SetPrice(ctx context.Context, p domain.PricePoint) error {
	ms := p.At.UnixMilli()
	member := encodeMember(ms, p.Price)

	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, pc.latestKey(p.Asset), map[string]any{
		"price": p.Price.String(),
		"at":    ms,
	})
	hk := pc.historyKey(p.Asset)
	pipe.ZAdd(ctx, hk, redis.Z{Score: float64(ms), Member: member})
	pipe.ZRemRangeByScore(ctx, hk, "-inf", strconv.FormatInt(ms-pc.history.Milliseconds(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", p.Asset.Hex(), err)
	}
	return nil
}

// GetPrice returns the latest price for asset or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, asset common.Address) (domain.PricePoint, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.latestKey(asset)).Result()
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: %w", asset.Hex(), err)
	}
	if len(vals) == 0 {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: %w", asset.Hex(), domain.ErrNotFound)
	}
	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: parse price: %w", asset.Hex(), err)
	}
	ms, err := strconv.ParseInt(vals["at"], 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: parse time: %w", asset.Hex(), err)
	}
	return domain.PricePoint{Asset: asset, Price: price, At: time.UnixMilli(ms).UTC()}, nil
}

// PriceAt returns the latest observation at or before at.
func (pc *PriceCache) PriceAt(ctx context.Context, asset common.Address, at time.Time) (domain.PricePoint, error) {
	members, err := pc.c.rdb.ZRevRangeByScore(ctx, pc.historyKey(asset), &redis.ZRangeBy{
		Max:   strconv.FormatInt(at.UnixMilli(), 10),
		Min:   "-inf",
		Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.PricePoint{}, fmt.Errorf("redis: price at %s: %w", asset.Hex(), err)
	}
	if len(members) == 0 {
		return domain.PricePoint{}, fmt.Errorf("redis: price at %s: %w", asset.Hex(), domain.ErrNotFound)
	}
	ms, price, err := decodeMember(members[0])
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: price at %s: %w", asset.Hex(), err)
	}
	return domain.PricePoint{Asset: asset, Price: price, At: time.UnixMilli(ms).UTC()}, nil
}

// History members are "<ms>|<price>" so identical prices at different
// times stay distinct.
func encodeMember(ms int64, price decimal.Decimal) string {
	return strconv.FormatInt(ms, 10) + "|" + price.String()
}

func decodeMember(m string) (int64, decimal.Decimal, error) {
	ts, p, ok := strings.Cut(m, "|")
	if !ok {
		return 0, decimal.Decimal{}, fmt.Errorf("malformed history entry %q", m)
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, decimal.Decimal{}, fmt.Errorf("parse history time: %w", err)
	}
	price, err := decimal.NewFromString(p)
	if err != nil {
		return 0, decimal.Decimal{}, fmt.Errorf("parse history price: %w", err)
	}
	return ms, price, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
