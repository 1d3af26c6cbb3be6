package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// StaticSource serves fixed prices, stamped with the current time. It backs
// development setups and tests.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[common.Address]decimal.Decimal
	now    func() time.Time
}

// NewStaticSource creates a source from an initial price table.
func NewStaticSource(prices map[common.Address]decimal.Decimal) *StaticSource {
	s := &StaticSource{prices: make(map[common.Address]decimal.Decimal, len(prices)), now: time.Now}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

// Set replaces the price of asset.
func (s *StaticSource) Set(asset common.Address, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[asset] = price
	s.mu.Unlock()
}

// SetClock overrides time.Now for observation timestamps.
func (s *StaticSource) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *StaticSource) Fetch(_ context.Context, asset common.Address) (decimal.Decimal, time.Time, error) {
	s.mu.RLock()
	p, ok := s.prices[asset]
	now := s.now
	s.mu.RUnlock()
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("static source: %s: %w", asset.Hex(), domain.ErrNotFound)
	}
	return p, now(), nil
}
