// Package memory provides in-process implementations of the cache
// interfaces for single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// PriceCache keeps every observation per asset, oldest first, trimmed to a
// history window.
type PriceCache struct {
	window time.Duration

	mu     sync.RWMutex
	series map[common.Address][]domain.PricePoint
}

// NewPriceCache creates a PriceCache. A zero window keeps seven days.
func NewPriceCache(window time.Duration) *PriceCache {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &PriceCache{window: window, series: make(map[common.Address][]domain.PricePoint)}
}

func (c *PriceCache) SetPrice(_ context.Context, p domain.PricePoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.series[p.Asset]
	i := sort.Search(len(s), func(i int) bool { return s[i].At.After(p.At) })
	s = append(s, domain.PricePoint{})
	copy(s[i+1:], s[i:])
	s[i] = p

	cutoff := s[len(s)-1].At.Add(-c.window)
	drop := sort.Search(len(s), func(i int) bool { return !s[i].At.Before(cutoff) })
	c.series[p.Asset] = s[drop:]
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, asset common.Address) (domain.PricePoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.series[asset]
	if len(s) == 0 {
		return domain.PricePoint{}, fmt.Errorf("memory: get price %s: %w", asset.Hex(), domain.ErrNotFound)
	}
	return s[len(s)-1], nil
}

func (c *PriceCache) PriceAt(_ context.Context, asset common.Address, at time.Time) (domain.PricePoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.series[asset]
	i := sort.Search(len(s), func(i int) bool { return s[i].At.After(at) })
	if i == 0 {
		return domain.PricePoint{}, fmt.Errorf("memory: price at %s: %w", asset.Hex(), domain.ErrNotFound)
	}
	return s[i-1], nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
