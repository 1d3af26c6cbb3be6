package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// CommitmentStore implements domain.CommitmentStore using PostgreSQL. The
// full commitment is kept as JSONB next to the indexed columns.
type CommitmentStore struct {
	pool *pgxpool.Pool
}

// NewCommitmentStore creates a new CommitmentStore backed by the given pool.
func NewCommitmentStore(pool *pgxpool.Pool) *CommitmentStore {
	return &CommitmentStore{pool: pool}
}

// Store inserts c under its content hash.
func (s *CommitmentStore) Store(ctx context.Context, c domain.Commitment) (common.Hash, error) {
	id, err := crypto.CommitmentID(c)
	if err != nil {
		return common.Hash{}, fmt.Errorf("postgres: store commitment: %w", err)
	}
	body, err := json.Marshal(c)
	if err != nil {
		return common.Hash{}, fmt.Errorf("postgres: marshal commitment: %w", err)
	}

	const query = `
		INSERT INTO commitments (id, creator, asset, expiry, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, id.Hex(), addrKey(c.Creator), addrKey(c.Asset), c.Expiry, body)
	if err != nil {
		return common.Hash{}, fmt.Errorf("postgres: store commitment %s: %w", id.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return common.Hash{}, fmt.Errorf("postgres: store commitment %s: %w", id.Hex(), domain.ErrAlreadyExists)
	}
	return id, nil
}

// Get returns the commitment with id.
func (s *CommitmentStore) Get(ctx context.Context, id common.Hash) (domain.Commitment, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM commitments WHERE id = $1`, id.Hex()).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Commitment{}, fmt.Errorf("postgres: commitment %s: %w", id.Hex(), domain.ErrNotFound)
		}
		return domain.Commitment{}, fmt.Errorf("postgres: get commitment %s: %w", id.Hex(), err)
	}
	return decodeCommitment(body)
}

// ListByCreator returns the commitments signed by creator, oldest first.
func (s *CommitmentStore) ListByCreator(ctx context.Context, creator common.Address) ([]domain.Commitment, error) {
	return s.list(ctx,
		`SELECT body FROM commitments WHERE creator = $1 ORDER BY created_at, id`,
		addrKey(creator))
}

// ListActive returns every stored commitment, oldest first.
func (s *CommitmentStore) ListActive(ctx context.Context) ([]domain.Commitment, error) {
	return s.list(ctx, `SELECT body FROM commitments ORDER BY created_at, id`)
}

// Remove deletes id and its capacity row.
func (s *CommitmentStore) Remove(ctx context.Context, id common.Hash) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM commitments WHERE id = $1`, id.Hex())
	if err != nil {
		return false, fmt.Errorf("postgres: remove commitment %s: %w", id.Hex(), err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *CommitmentStore) list(ctx context.Context, query string, args ...any) ([]domain.Commitment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list commitments: %w", err)
	}
	defer rows.Close()

	var out []domain.Commitment
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan commitment: %w", err)
		}
		c, err := decodeCommitment(body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list commitments rows: %w", err)
	}
	return out, nil
}

func decodeCommitment(body []byte) (domain.Commitment, error) {
	var c domain.Commitment
	if err := json.Unmarshal(body, &c); err != nil {
		return domain.Commitment{}, fmt.Errorf("postgres: unmarshal commitment: %w", err)
	}
	return c, nil
}

// addrKey is the canonical column form of an address.
func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

var _ domain.CommitmentStore = (*CommitmentStore)(nil)
