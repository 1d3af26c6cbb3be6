package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// OptionStore implements domain.OptionStore using PostgreSQL.
type OptionStore struct {
	pool *pgxpool.Pool
}

// NewOptionStore creates a new OptionStore backed by the given pool.
func NewOptionStore(pool *pgxpool.Pool) *OptionStore {
	return &OptionStore{pool: pool}
}

// Create inserts a new option.
func (s *OptionStore) Create(ctx context.Context, opt domain.ActiveOption) error {
	body, err := json.Marshal(opt)
	if err != nil {
		return fmt.Errorf("postgres: marshal option: %w", err)
	}
	const query = `
		INSERT INTO options (
			id, commitment_hash, taker, counterparty, state,
			taken_at, exercise_deadline, closed_at, body
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		opt.ID, opt.CommitmentHash.Hex(), addrKey(opt.Taker), addrKey(opt.Counterparty),
		string(opt.State), opt.TakenAt, opt.ExerciseDeadline, opt.ClosedAt, body,
	)
	if err != nil {
		return fmt.Errorf("postgres: create option %s: %w", opt.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create option %s: %w", opt.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Transition replaces an option only while the stored row is active.
func (s *OptionStore) Transition(ctx context.Context, opt domain.ActiveOption) error {
	body, err := json.Marshal(opt)
	if err != nil {
		return fmt.Errorf("postgres: marshal option: %w", err)
	}
	const query = `
		UPDATE options SET state = $2, closed_at = $3, body = $4
		WHERE id = $1 AND state = 'active'`
	tag, err := s.pool.Exec(ctx, query, opt.ID, string(opt.State), opt.ClosedAt, body)
	if err != nil {
		return fmt.Errorf("postgres: transition option %s: %w", opt.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.GetByID(ctx, opt.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("postgres: transition option %s from %s: %w", opt.ID, cur.State, domain.ErrInvalidTransition)
}

// GetByID returns one option.
func (s *OptionStore) GetByID(ctx context.Context, id string) (domain.ActiveOption, error) {
	var body []byte
	if err := s.pool.QueryRow(ctx, `SELECT body FROM options WHERE id = $1`, id).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ActiveOption{}, fmt.Errorf("postgres: option %s: %w", id, domain.ErrNotFound)
		}
		return domain.ActiveOption{}, fmt.Errorf("postgres: get option %s: %w", id, err)
	}
	return decodeOption(body)
}

// ListActive returns active options, nearest deadline first.
func (s *OptionStore) ListActive(ctx context.Context) ([]domain.ActiveOption, error) {
	return s.list(ctx, `SELECT body FROM options WHERE state = 'active' ORDER BY exercise_deadline, id`)
}

// ListByTaker returns the taker's options, newest first.
func (s *OptionStore) ListByTaker(ctx context.Context, taker common.Address, opts domain.ListOpts) ([]domain.ActiveOption, error) {
	q := newQuery(`SELECT body FROM options WHERE taker = $1`, addrKey(taker))
	q.window("taken_at", opts)
	q.page("taken_at DESC, id", opts)
	return s.list(ctx, q.String(), q.args...)
}

// ListClosedBefore returns terminal options closed before the cutoff,
// oldest first.
func (s *OptionStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.ActiveOption, error) {
	query := `SELECT body FROM options WHERE state <> 'active' AND closed_at < $1 ORDER BY closed_at, id`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.list(ctx, query, args...)
}

// DeleteClosed removes the given options if they are terminal.
func (s *OptionStore) DeleteClosed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM options WHERE id = ANY($1) AND state <> 'active'`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed options: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OptionStore) list(ctx context.Context, query string, args ...any) ([]domain.ActiveOption, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list options: %w", err)
	}
	defer rows.Close()

	var out []domain.ActiveOption
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan option: %w", err)
		}
		o, err := decodeOption(body)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list options rows: %w", err)
	}
	return out, nil
}

func decodeOption(body []byte) (domain.ActiveOption, error) {
	var o domain.ActiveOption
	if err := json.Unmarshal(body, &o); err != nil {
		return domain.ActiveOption{}, fmt.Errorf("postgres: unmarshal option: %w", err)
	}
	return o, nil
}

var _ domain.OptionStore = (*OptionStore)(nil)
