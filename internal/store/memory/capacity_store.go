package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// CapacityStore implements domain.CapacityStore. One mutex serializes every
// compare-and-decrement, so concurrent reservations never over-draw.
type CapacityStore struct {
	mu   sync.Mutex
	caps map[common.Hash]*domain.Capacity
	now  func() time.Time
}

// NewCapacityStore creates an empty store.
func NewCapacityStore() *CapacityStore {
	return &CapacityStore{caps: make(map[common.Hash]*domain.Capacity), now: time.Now}
}

// Open registers amount as the full capacity of hash.
func (s *CapacityStore) Open(_ context.Context, hash common.Hash, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("memory: open capacity: %w", domain.ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caps[hash]; ok {
		return fmt.Errorf("memory: open capacity %s: %w", hash.Hex(), domain.ErrAlreadyExists)
	}
	s.caps[hash] = &domain.Capacity{
		Hash:      hash,
		Original:  new(big.Int).Set(amount),
		Remaining: new(big.Int).Set(amount),
		Status:    domain.CommitmentOpen,
		UpdatedAt: s.now(),
	}
	return nil
}

// Reserve decrements the remaining capacity by amount if enough is left.
func (s *CapacityStore) Reserve(_ context.Context, hash common.Hash, amount *big.Int) (domain.Capacity, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.Capacity{}, fmt.Errorf("memory: reserve: %w", domain.ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[hash]
	if !ok {
		return domain.Capacity{}, fmt.Errorf("memory: reserve %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	if c.Status == domain.CommitmentRetired {
		return domain.Capacity{}, fmt.Errorf("memory: reserve %s: %w", hash.Hex(), domain.ErrRetired)
	}
	if c.Remaining.Cmp(amount) < 0 {
		return domain.Capacity{}, fmt.Errorf("memory: reserve %s: %w: requested %s, remaining %s",
			hash.Hex(), domain.ErrInsufficientCapacity, amount, c.Remaining)
	}
	c.Remaining.Sub(c.Remaining, amount)
	c.Status = domain.StatusFor(c.Original, c.Remaining)
	c.UpdatedAt = s.now()
	return snapshot(c), nil
}

// Release adds amount back, never above the original amount. A retired
// commitment stays retired.
func (s *CapacityStore) Release(_ context.Context, hash common.Hash, amount *big.Int) (domain.Capacity, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.Capacity{}, fmt.Errorf("memory: release: %w", domain.ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[hash]
	if !ok {
		return domain.Capacity{}, fmt.Errorf("memory: release %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	c.Remaining.Add(c.Remaining, amount)
	if c.Remaining.Cmp(c.Original) > 0 {
		c.Remaining.Set(c.Original)
	}
	if c.Status != domain.CommitmentRetired {
		c.Status = domain.StatusFor(c.Original, c.Remaining)
	}
	c.UpdatedAt = s.now()
	return snapshot(c), nil
}

// Retire marks hash retired unless it is already consumed or retired.
func (s *CapacityStore) Retire(_ context.Context, hash common.Hash, reason string) (domain.Capacity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[hash]
	if !ok {
		return domain.Capacity{}, false, fmt.Errorf("memory: retire %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	if c.Status.Terminal() {
		return snapshot(c), false, nil
	}
	c.Status = domain.CommitmentRetired
	c.RetireReason = reason
	c.UpdatedAt = s.now()
	return snapshot(c), true, nil
}

// Get returns the capacity of hash.
func (s *CapacityStore) Get(_ context.Context, hash common.Hash) (domain.Capacity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[hash]
	if !ok {
		return domain.Capacity{}, fmt.Errorf("memory: capacity %s: %w", hash.Hex(), domain.ErrNotFound)
	}
	return snapshot(c), nil
}

func snapshot(c *domain.Capacity) domain.Capacity {
	out := *c
	out.Original = new(big.Int).Set(c.Original)
	out.Remaining = new(big.Int).Set(c.Remaining)
	return out
}
