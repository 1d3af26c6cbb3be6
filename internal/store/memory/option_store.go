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

// OptionStore implements domain.OptionStore.
type OptionStore struct {
	mu   sync.RWMutex
	byID map[string]domain.ActiveOption
}

// NewOptionStore creates an empty store.
func NewOptionStore() *OptionStore {
	return &OptionStore{byID: make(map[string]domain.ActiveOption)}
}

// Create inserts a new option.
func (s *OptionStore) Create(_ context.Context, opt domain.ActiveOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[opt.ID]; ok {
		return fmt.Errorf("memory: create option %s: %w", opt.ID, domain.ErrAlreadyExists)
	}
	s.byID[opt.ID] = opt.Clone()
	return nil
}

// Transition replaces an option that is still active.
func (s *OptionStore) Transition(_ context.Context, opt domain.ActiveOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[opt.ID]
	if !ok {
		return fmt.Errorf("memory: transition option %s: %w", opt.ID, domain.ErrNotFound)
	}
	if cur.State != domain.OptionActive {
		return fmt.Errorf("memory: transition option %s from %s: %w", opt.ID, cur.State, domain.ErrInvalidTransition)
	}
	s.byID[opt.ID] = opt.Clone()
	return nil
}

// GetByID returns one option.
func (s *OptionStore) GetByID(_ context.Context, id string) (domain.ActiveOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return domain.ActiveOption{}, fmt.Errorf("memory: option %s: %w", id, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// ListActive returns every active option ordered by exercise deadline.
func (s *OptionStore) ListActive(_ context.Context) ([]domain.ActiveOption, error) {
	out := s.filter(func(o domain.ActiveOption) bool { return o.State == domain.OptionActive })
	sort.Slice(out, func(i, j int) bool { return out[i].ExerciseDeadline.Before(out[j].ExerciseDeadline) })
	return out, nil
}

// ListByTaker returns the options of taker, newest first.
func (s *OptionStore) ListByTaker(_ context.Context, taker common.Address, opts domain.ListOpts) ([]domain.ActiveOption, error) {
	out := s.filter(func(o domain.ActiveOption) bool {
		if o.Taker != taker {
			return false
		}
		if opts.Since != nil && o.TakenAt.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && o.TakenAt.After(*opts.Until) {
			return false
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ListClosedBefore returns terminal options closed before the cutoff.
func (s *OptionStore) ListClosedBefore(_ context.Context, before time.Time, limit int) ([]domain.ActiveOption, error) {
	out := s.filter(func(o domain.ActiveOption) bool {
		return o.State.Terminal() && o.ClosedAt != nil && o.ClosedAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return paginate(out, 0, limit), nil
}

// DeleteClosed removes terminal options by id and returns how many went.
func (s *OptionStore) DeleteClosed(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if o, ok := s.byID[id]; ok && o.State.Terminal() {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

func (s *OptionStore) filter(keep func(domain.ActiveOption) bool) []domain.ActiveOption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActiveOption
	for _, o := range s.byID {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
