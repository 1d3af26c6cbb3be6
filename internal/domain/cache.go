package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PricePoint is an observed price of one underlying in quote currency.
type PricePoint struct {
	Asset common.Address
	Price decimal.Decimal
	At    time.Time
}

// PriceCache stores the latest price per asset plus a bounded history.
type PriceCache interface {
	SetPrice(ctx context.Context, p PricePoint) error
	GetPrice(ctx context.Context, asset common.Address) (PricePoint, error)
	PriceAt(ctx context.Context, asset common.Address, at time.Time) (PricePoint, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
