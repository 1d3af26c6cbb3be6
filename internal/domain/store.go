package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CommitmentStore persists signed commitments keyed by content hash.
type CommitmentStore interface {
	Store(ctx context.Context, c Commitment) (common.Hash, error)
	Get(ctx context.Context, id common.Hash) (Commitment, error)
	ListByCreator(ctx context.Context, creator common.Address) ([]Commitment, error)
	ListActive(ctx context.Context) ([]Commitment, error)
	Remove(ctx context.Context, id common.Hash) (bool, error)
}

// CapacityStore owns the remaining capacity of accepted commitments.
// Reserve is the one compare-and-decrement primitive: it must never allow
// the sum of successful reservations to exceed the original amount.
type CapacityStore interface {
	Open(ctx context.Context, hash common.Hash, amount *big.Int) error
	Reserve(ctx context.Context, hash common.Hash, amount *big.Int) (Capacity, error)
	Release(ctx context.Context, hash common.Hash, amount *big.Int) (Capacity, error)
	Retire(ctx context.Context, hash common.Hash, reason string) (Capacity, bool, error)
	Get(ctx context.Context, hash common.Hash) (Capacity, error)
}

// OptionStore persists taken options. Transition replaces an option only
// while its stored state is OptionActive and reports ErrInvalidTransition
// otherwise.
type OptionStore interface {
	Create(ctx context.Context, opt ActiveOption) error
	Transition(ctx context.Context, opt ActiveOption) error
	GetByID(ctx context.Context, id string) (ActiveOption, error)
	ListActive(ctx context.Context) ([]ActiveOption, error)
	ListByTaker(ctx context.Context, taker common.Address, opts ListOpts) ([]ActiveOption, error)
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]ActiveOption, error)
	DeleteClosed(ctx context.Context, ids []string) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
