package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Reservation is the receipt of a successful Reserve. It is handed to the
// option ledger to open a position, or back to Release if that fails.
type Reservation struct {
	ID             string
	CommitmentHash common.Hash
	Commitment     domain.Commitment
	Amount         *big.Int
	DurationDays   uint32
	Remaining      *big.Int
	Status         domain.CommitmentStatus
	ReservedAt     time.Time
}

// Entry pairs an accepted commitment with its capacity.
type Entry struct {
	Hash       common.Hash
	Commitment domain.Commitment
	Capacity   domain.Capacity
}

// Ledger accepts validated commitments and serializes every change of
// their remaining capacity through the CapacityStore.
type Ledger struct {
	validator   *Validator
	domain      crypto.Domain
	commitments domain.CommitmentStore
	capacity    domain.CapacityStore
	logger      *slog.Logger
	now         func() time.Time

	acceptMu sync.Mutex
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a commitment ledger.
func NewLedger(
	validator *Validator,
	d crypto.Domain,
	commitments domain.CommitmentStore,
	capacity domain.CapacityStore,
	logger *slog.Logger,
	opts ...LedgerOption,
) *Ledger {
	l := &Ledger{
		validator:   validator,
		domain:      d,
		commitments: commitments,
		capacity:    capacity,
		logger:      logger.With(slog.String("component", "commitment_ledger")),
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Accept validates c and opens its full amount as capacity. Duplicate
// identities are rejected, never overwritten. A commitment whose signing
// digest was already accepted under another identity is rejected too,
// since fractionable is outside the signed struct.
func (l *Ledger) Accept(ctx context.Context, c domain.Commitment) (common.Hash, error) {
	if err := l.validator.ValidateStructure(c).Err(); err != nil {
		return common.Hash{}, fmt.Errorf("commitment: accept: %w", err)
	}
	if !l.validator.ValidateSignature(c) {
		return common.Hash{}, fmt.Errorf("commitment: accept: %w: %w", domain.ErrInvalidCommitment, domain.ErrBadSignature)
	}
	id, err := crypto.CommitmentID(c)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commitment: accept: %w", err)
	}
	digest, err := crypto.CommitmentDigest(l.domain, c)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commitment: accept: %w", err)
	}

	l.acceptMu.Lock()
	defer l.acceptMu.Unlock()

	if _, err := l.commitments.Get(ctx, id); err == nil {
		return common.Hash{}, fmt.Errorf("commitment: accept %s: %w: %w", id.Hex(), domain.ErrInvalidCommitment, domain.ErrDuplicate)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return common.Hash{}, fmt.Errorf("commitment: accept: lookup: %w", err)
	}
	if err := l.checkReplay(ctx, c, digest); err != nil {
		return common.Hash{}, err
	}

	stored, err := l.commitments.Store(ctx, c)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return common.Hash{}, fmt.Errorf("commitment: accept %s: %w: %w", id.Hex(), domain.ErrInvalidCommitment, domain.ErrDuplicate)
		}
		return common.Hash{}, fmt.Errorf("commitment: accept: store: %w", err)
	}
	if err := l.capacity.Open(ctx, stored, c.Amount); err != nil {
		if _, rmErr := l.commitments.Remove(ctx, stored); rmErr != nil {
			l.logger.ErrorContext(ctx, "rollback of stored commitment failed",
				slog.String("hash", stored.Hex()),
				slog.String("error", rmErr.Error()),
			)
		}
		return common.Hash{}, fmt.Errorf("commitment: accept: open capacity: %w", err)
	}

	l.logger.InfoContext(ctx, "commitment accepted",
		slog.String("hash", stored.Hex()),
		slog.String("creator", c.Creator.Hex()),
		slog.String("type", c.CommitmentType.String()),
		slog.String("option_type", c.OptionType.String()),
		slog.String("amount", c.Amount.String()),
		slog.String("schema", string(c.SchemaOrDefault())),
	)
	return stored, nil
}

func (l *Ledger) checkReplay(ctx context.Context, c domain.Commitment, digest common.Hash) error {
	existing, err := l.commitments.ListByCreator(ctx, c.Creator)
	if err != nil {
		return fmt.Errorf("commitment: accept: list by creator: %w", err)
	}
	for _, e := range existing {
		d, err := crypto.CommitmentDigest(l.domain, e)
		if err != nil {
			continue
		}
		if d == digest {
			return fmt.Errorf("commitment: accept: signature already used: %w: %w", domain.ErrInvalidCommitment, domain.ErrDuplicate)
		}
	}
	return nil
}

// Reserve atomically takes amount out of the remaining capacity of hash
// for a position of durationDays.
func (l *Ledger) Reserve(ctx context.Context, hash common.Hash, amount *big.Int, durationDays uint32) (Reservation, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Reservation{}, fmt.Errorf("commitment: reserve: %w", domain.ErrInvalidAmount)
	}
	c, err := l.commitments.Get(ctx, hash)
	if err != nil {
		return Reservation{}, fmt.Errorf("commitment: reserve %s: %w", hash.Hex(), err)
	}
	now := l.now()
	if c.IsExpired(now) {
		return Reservation{}, fmt.Errorf("commitment: reserve %s: %w", hash.Hex(), domain.ErrExpired)
	}
	if !c.AllowsDuration(durationDays) {
		return Reservation{}, fmt.Errorf("commitment: reserve %s: %w: %d days not in [%d, %d]",
			hash.Hex(), domain.ErrDurationOutOfRange, durationDays, c.MinDurationDays, c.MaxDurationDays)
	}
	if !c.Fractionable && amount.Cmp(c.Amount) != 0 {
		return Reservation{}, fmt.Errorf("commitment: reserve %s: %w: requested %s of %s",
			hash.Hex(), domain.ErrNotFractionable, amount, c.Amount)
	}

	capState, err := l.capacity.Reserve(ctx, hash, amount)
	if err != nil {
		return Reservation{}, fmt.Errorf("commitment: reserve %s: %w", hash.Hex(), err)
	}

	r := Reservation{
		ID:             uuid.NewString(),
		CommitmentHash: hash,
		Commitment:     c,
		Amount:         new(big.Int).Set(amount),
		DurationDays:   durationDays,
		Remaining:      capState.Remaining,
		Status:         capState.Status,
		ReservedAt:     now,
	}
	l.logger.DebugContext(ctx, "capacity reserved",
		slog.String("hash", hash.Hex()),
		slog.String("reservation", r.ID),
		slog.String("amount", amount.String()),
		slog.String("remaining", capState.Remaining.String()),
		slog.String("status", string(capState.Status)),
	)
	return r, nil
}

// Release returns the capacity held by r. It is used to undo a take whose
// option could not be opened.
func (l *Ledger) Release(ctx context.Context, r Reservation) (domain.Capacity, error) {
	capState, err := l.capacity.Release(ctx, r.CommitmentHash, r.Amount)
	if err != nil {
		return domain.Capacity{}, fmt.Errorf("commitment: release %s: %w", r.ID, err)
	}
	l.logger.InfoContext(ctx, "reservation released",
		slog.String("hash", r.CommitmentHash.Hex()),
		slog.String("reservation", r.ID),
		slog.String("amount", r.Amount.String()),
	)
	return capState, nil
}

// Retire withdraws hash from the marketplace. It is a no-op returning
// changed=false when the commitment is already consumed or retired.
func (l *Ledger) Retire(ctx context.Context, hash common.Hash, reason string) (domain.Capacity, bool, error) {
	capState, changed, err := l.capacity.Retire(ctx, hash, reason)
	if err != nil {
		return domain.Capacity{}, false, fmt.Errorf("commitment: retire %s: %w", hash.Hex(), err)
	}
	if changed {
		l.logger.InfoContext(ctx, "commitment retired",
			slog.String("hash", hash.Hex()),
			slog.String("reason", reason),
		)
	}
	return capState, changed, nil
}

// Domain returns the signing domain commitments are verified under.
func (l *Ledger) Domain() crypto.Domain { return l.domain }

// Get returns the commitment and its capacity.
func (l *Ledger) Get(ctx context.Context, hash common.Hash) (Entry, error) {
	c, err := l.commitments.Get(ctx, hash)
	if err != nil {
		return Entry{}, fmt.Errorf("commitment: get %s: %w", hash.Hex(), err)
	}
	capState, err := l.capacity.Get(ctx, hash)
	if err != nil {
		return Entry{}, fmt.Errorf("commitment: get capacity %s: %w", hash.Hex(), err)
	}
	return Entry{Hash: hash, Commitment: c, Capacity: capState}, nil
}

// Remaining returns the unreserved amount of hash.
func (l *Ledger) Remaining(ctx context.Context, hash common.Hash) (*big.Int, error) {
	capState, err := l.capacity.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("commitment: remaining %s: %w", hash.Hex(), err)
	}
	return capState.Remaining, nil
}

// ListOpen returns every commitment that can still be reserved now.
func (l *Ledger) ListOpen(ctx context.Context) ([]Entry, error) {
	return l.list(ctx, func(e Entry) bool {
		return !e.Capacity.Status.Terminal() && !e.Commitment.IsExpired(l.now())
	})
}

// ListLive returns every commitment that is not consumed or retired,
// including expired ones awaiting retirement.
func (l *Ledger) ListLive(ctx context.Context) ([]Entry, error) {
	return l.list(ctx, func(e Entry) bool { return !e.Capacity.Status.Terminal() })
}

// ListPurgeable returns every consumed or retired commitment whose expiry
// has passed.
func (l *Ledger) ListPurgeable(ctx context.Context) ([]Entry, error) {
	return l.list(ctx, func(e Entry) bool {
		return e.Capacity.Status.Terminal() && e.Commitment.IsExpired(l.now())
	})
}

// ListByCreator returns every commitment of creator regardless of status.
func (l *Ledger) ListByCreator(ctx context.Context, creator common.Address) ([]Entry, error) {
	cs, err := l.commitments.ListByCreator(ctx, creator)
	if err != nil {
		return nil, fmt.Errorf("commitment: list by creator: %w", err)
	}
	return l.join(ctx, cs, func(Entry) bool { return true })
}

func (l *Ledger) list(ctx context.Context, keep func(Entry) bool) ([]Entry, error) {
	cs, err := l.commitments.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("commitment: list: %w", err)
	}
	return l.join(ctx, cs, keep)
}

func (l *Ledger) join(ctx context.Context, cs []domain.Commitment, keep func(Entry) bool) ([]Entry, error) {
	out := make([]Entry, 0, len(cs))
	for _, c := range cs {
		id, err := crypto.CommitmentID(c)
		if err != nil {
			return nil, fmt.Errorf("commitment: list: %w", err)
		}
		capState, err := l.capacity.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commitment: list capacity %s: %w", id.Hex(), err)
		}
		e := Entry{Hash: id, Commitment: c, Capacity: capState}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Purge deletes a terminal, expired commitment and reports whether it was
// removed. Unexpired commitments are kept so their signature cannot be
// accepted again.
func (l *Ledger) Purge(ctx context.Context, hash common.Hash) (bool, error) {
	e, err := l.Get(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("commitment: purge: %w", err)
	}
	if !e.Capacity.Status.Terminal() || !e.Commitment.IsExpired(l.now()) {
		return false, nil
	}
	removed, err := l.commitments.Remove(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("commitment: purge %s: %w", hash.Hex(), err)
	}
	return removed, nil
}
