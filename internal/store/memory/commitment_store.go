// Package memory implements the domain store interfaces in process memory.
// It backs the "memory" store mode and the ledger tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// CommitmentStore implements domain.CommitmentStore.
type CommitmentStore struct {
	mu    sync.RWMutex
	byID  map[common.Hash]domain.Commitment
	order []common.Hash
}

// NewCommitmentStore creates an empty store.
func NewCommitmentStore() *CommitmentStore {
	return &CommitmentStore{byID: make(map[common.Hash]domain.Commitment)}
}

// Store saves c under its content hash. Storing the same identity twice
// fails with domain.ErrAlreadyExists.
func (s *CommitmentStore) Store(_ context.Context, c domain.Commitment) (common.Hash, error) {
	id, err := crypto.CommitmentID(c)
	if err != nil {
		return common.Hash{}, fmt.Errorf("memory: store commitment: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; ok {
		return common.Hash{}, fmt.Errorf("memory: store commitment %s: %w", id.Hex(), domain.ErrAlreadyExists)
	}
	s.byID[id] = c.Clone()
	s.order = append(s.order, id)
	return id, nil
}

// Get returns the commitment with id.
func (s *CommitmentStore) Get(_ context.Context, id common.Hash) (domain.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return domain.Commitment{}, fmt.Errorf("memory: commitment %s: %w", id.Hex(), domain.ErrNotFound)
	}
	return c.Clone(), nil
}

// ListByCreator returns the commitments signed by creator, oldest first.
func (s *CommitmentStore) ListByCreator(_ context.Context, creator common.Address) ([]domain.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Commitment
	for _, id := range s.order {
		if c := s.byID[id]; c.Creator == creator {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// ListActive returns every stored commitment, oldest first.
func (s *CommitmentStore) ListActive(_ context.Context) ([]domain.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Commitment, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out, nil
}

// Remove deletes id and reports whether it was present.
func (s *CommitmentStore) Remove(_ context.Context, id common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false, nil
	}
	delete(s.byID, id)
	for i, h := range s.order {
		if h == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}
