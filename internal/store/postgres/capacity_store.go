package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// CapacityStore implements domain.CapacityStore. Reserve is a single
// conditional UPDATE, so the row lock taken by Postgres is the only
// serialization point between concurrent takers on any instance.
type CapacityStore struct {
	pool *pgxpool.Pool
}

// NewCapacityStore creates a new CapacityStore backed by the given pool.
func NewCapacityStore(pool *pgxpool.Pool) *CapacityStore {
	return &CapacityStore{pool: pool}
}

const capacityColumns = `hash, original::text, remaining::text, status, retire_reason, updated_at`

// Open registers amount as the full capacity of hash.
func (s *CapacityStore) Open(ctx context.Context, hash common.Hash, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("postgres: open capacity: %w", domain.ErrInvalidAmount)
	}
	const query = `
		INSERT INTO commitment_capacity (hash, original, remaining, status)
		VALUES ($1, $2::numeric, $2::numeric, 'open')
		ON CONFLICT (hash) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, hash.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: open capacity %s: %w", hash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: open capacity %s: %w", hash.Hex(), domain.ErrAlreadyExists)
	}
	return nil
}

// Reserve decrements remaining by amount only if at least amount is left
// and the commitment is not retired.
func (s *CapacityStore) Reserve(ctx context.Context, hash common.Hash, amount *big.Int) (domain.Capacity, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.Capacity{}, fmt.Errorf("postgres: reserve: %w", domain.ErrInvalidAmount)
	}
	const query = `
		UPDATE commitment_capacity
		SET remaining  = remaining - $2::numeric,
		    status     = CASE WHEN remaining - $2::numeric = 0 THEN 'consumed' ELSE 'partially_consumed' END,
		    updated_at = NOW()
		WHERE hash = $1 AND status <> 'retired' AND remaining >= $2::numeric
		RETURNING ` + capacityColumns
	c, err := scanCapacity(s.pool.QueryRow(ctx, query, hash.Hex(), amount.String()))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Capacity{}, fmt.Errorf("postgres: reserve %s: %w", hash.Hex(), err)
	}

	// Nothing updated: report why.
	cur, err := s.Get(ctx, hash)
	if err != nil {
		return domain.Capacity{}, err
	}
	if cur.Status == domain.CommitmentRetired {
		return domain.Capacity{}, fmt.Errorf("postgres: reserve %s: %w", hash.Hex(), domain.ErrRetired)
	}
	return domain.Capacity{}, fmt.Errorf("postgres: reserve %s: %w: requested %s, remaining %s",
		hash.Hex(), domain.ErrInsufficientCapacity, amount, cur.Remaining)
}

// Release adds amount back, capped at the original amount.
func (s *CapacityStore) Release(ctx context.Context, hash common.Hash, amount *big.Int) (domain.Capacity, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.Capacity{}, fmt.Errorf("postgres: release: %w", domain.ErrInvalidAmount)
	}
	const query = `
		UPDATE commitment_capacity
		SET remaining  = LEAST(original, remaining + $2::numeric),
		    status     = CASE
		                   WHEN status = 'retired' THEN 'retired'
		                   WHEN LEAST(original, remaining + $2::numeric) = original THEN 'open'
		                   ELSE 'partially_consumed'
		                 END,
		    updated_at = NOW()
		WHERE hash = $1
		RETURNING ` + capacityColumns
	c, err := scanCapacity(s.pool.QueryRow(ctx, query, hash.Hex(), amount.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Capacity{}, fmt.Errorf("postgres: release %s: %w", hash.Hex(), domain.ErrNotFound)
		}
		return domain.Capacity{}, fmt.Errorf("postgres: release %s: %w", hash.Hex(), err)
	}
	return c, nil
}

// Retire marks hash retired unless it is already consumed or retired.
func (s *CapacityStore) Retire(ctx context.Context, hash common.Hash, reason string) (domain.Capacity, bool, error) {
	const query = `
		UPDATE commitment_capacity
		SET status = 'retired', retire_reason = $2, updated_at = NOW()
		WHERE hash = $1 AND status NOT IN ('consumed', 'retired')
		RETURNING ` + capacityColumns
	c, err := scanCapacity(s.pool.QueryRow(ctx, query, hash.Hex(), reason))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Capacity{}, false, fmt.Errorf("postgres: retire %s: %w", hash.Hex(), err)
	}
	cur, err := s.Get(ctx, hash)
	if err != nil {
		return domain.Capacity{}, false, err
	}
	return cur, false, nil
}

// Get returns the capacity of hash.
func (s *CapacityStore) Get(ctx context.Context, hash common.Hash) (domain.Capacity, error) {
	c, err := scanCapacity(s.pool.QueryRow(ctx,
		`SELECT `+capacityColumns+` FROM commitment_capacity WHERE hash = $1`, hash.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Capacity{}, fmt.Errorf("postgres: capacity %s: %w", hash.Hex(), domain.ErrNotFound)
		}
		return domain.Capacity{}, fmt.Errorf("postgres: get capacity %s: %w", hash.Hex(), err)
	}
	return c, nil
}

func scanCapacity(row pgx.Row) (domain.Capacity, error) {
	var (
		hash, original, remaining, status, reason string
		updated                                   time.Time
	)
	if err := row.Scan(&hash, &original, &remaining, &status, &reason, &updated); err != nil {
		return domain.Capacity{}, err
	}
	o, ok := new(big.Int).SetString(original, 10)
	if !ok {
		return domain.Capacity{}, fmt.Errorf("parse original %q", original)
	}
	r, ok := new(big.Int).SetString(remaining, 10)
	if !ok {
		return domain.Capacity{}, fmt.Errorf("parse remaining %q", remaining)
	}
	return domain.Capacity{
		Hash:         common.HexToHash(hash),
		Original:     o,
		Remaining:    r,
		Status:       domain.CommitmentStatus(status),
		RetireReason: reason,
		UpdatedAt:    updated,
	}, nil
}

var _ domain.CapacityStore = (*CapacityStore)(nil)
