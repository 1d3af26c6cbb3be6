package commitment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
)

func accept(t *testing.T, f fixture, c domain.Commitment) domain.Commitment {
	t.Helper()
	signed := sign(t, f.domain, lpKey, c)
	_, err := f.ledger.Accept(context.Background(), signed)
	require.NoError(t, err)
	return signed
}

func hashOf(t *testing.T, c domain.Commitment) common.Hash {
	t.Helper()
	id, err := crypto.CommitmentID(c)
	require.NoError(t, err)
	return id
}

func TestAcceptRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bad := baseCommitment()
	bad.MaxDurationDays = 500
	_, err := f.ledger.Accept(ctx, sign(t, f.domain, lpKey, bad))
	require.ErrorIs(t, err, domain.ErrInvalidCommitment)

	forged := sign(t, f.domain, lpKey, baseCommitment())
	forged.Amount = big.NewInt(1e17)
	_, err = f.ledger.Accept(ctx, forged)
	require.ErrorIs(t, err, domain.ErrInvalidCommitment)
	require.ErrorIs(t, err, domain.ErrSignature)
}

func TestAcceptDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := sign(t, f.domain, lpKey, baseCommitment())

	id, err := f.ledger.Accept(ctx, c)
	require.NoError(t, err)
	require.Equal(t, hashOf(t, c), id)

	_, err = f.ledger.Accept(ctx, c)
	require.ErrorIs(t, err, domain.ErrDuplicate)
	require.ErrorIs(t, err, domain.ErrInvalidCommitment)

	// Same signature, different fractionable flag: new identity, same digest.
	replay := c.Clone()
	replay.Fractionable = true
	_, err = f.ledger.Accept(ctx, replay)
	require.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestReserveThenRemainingThenFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := baseCommitment()
	c.Fractionable = true
	c = accept(t, f, c)
	id := hashOf(t, c)

	first, err := f.ledger.Reserve(ctx, id, big.NewInt(2e17), 3)
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentPartiallyConsumed, first.Status)
	assert.Equal(t, big.NewInt(3e17), first.Remaining)
	assert.NotEmpty(t, first.ID)

	remaining, err := f.ledger.Remaining(ctx, id)
	require.NoError(t, err)
	second, err := f.ledger.Reserve(ctx, id, remaining, 14)
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentConsumed, second.Status)
	assert.Zero(t, second.Remaining.Sign())

	_, err = f.ledger.Reserve(ctx, id, big.NewInt(1), 3)
	require.ErrorIs(t, err, domain.ErrCapacity)
	require.ErrorIs(t, err, domain.ErrInsufficientCapacity)
}

func TestReserveChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	_, err := f.ledger.Reserve(ctx, id, big.NewInt(1e17), 3)
	require.ErrorIs(t, err, domain.ErrNotFractionable)
	require.ErrorIs(t, err, domain.ErrCapacity)

	_, err = f.ledger.Reserve(ctx, id, c.Amount, 0)
	require.ErrorIs(t, err, domain.ErrDurationOutOfRange)
	_, err = f.ledger.Reserve(ctx, id, c.Amount, 15)
	require.ErrorIs(t, err, domain.ErrDuration)

	_, err = f.ledger.Reserve(ctx, id, big.NewInt(0), 3)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.Reserve(ctx, common.Hash{1}, c.Amount, 3)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Failed checks leave capacity untouched.
	remaining, err := f.ledger.Remaining(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, c.Amount, remaining)
}

func TestReserveExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	later := testNow.Add(25 * time.Hour)
	f.ledger.now = func() time.Time { return later }

	_, err := f.ledger.Reserve(ctx, id, c.Amount, 7)
	require.ErrorIs(t, err, domain.ErrExpired)
	require.ErrorIs(t, err, domain.ErrDeadline)
}

func TestFullTakeConsumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	r, err := f.ledger.Reserve(ctx, id, big.NewInt(5e17), 7)
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentConsumed, r.Status)
	assert.Equal(t, uint32(7), r.DurationDays)

	entry, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentConsumed, entry.Capacity.Status)

	open, err := f.ledger.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReleaseRestoresCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	r, err := f.ledger.Reserve(ctx, id, c.Amount, 7)
	require.NoError(t, err)
	capState, err := f.ledger.Release(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.CommitmentOpen, capState.Status)
	assert.Equal(t, c.Amount, capState.Remaining)
}

func TestRetire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := baseCommitment()
	c.Fractionable = true
	c = accept(t, f, c)
	id := hashOf(t, c)

	_, err := f.ledger.Reserve(ctx, id, big.NewInt(1e17), 2)
	require.NoError(t, err)

	capState, changed, err := f.ledger.Retire(ctx, id, ReasonInsolvent)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.CommitmentRetired, capState.Status)

	// Second retire is a no-op.
	_, changed, err = f.ledger.Retire(ctx, id, ReasonExpired)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.ledger.Reserve(ctx, id, big.NewInt(1e17), 2)
	require.ErrorIs(t, err, domain.ErrRetired)
}

func TestRetireLosesToFullConsumption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	_, err := f.ledger.Reserve(ctx, id, c.Amount, 7)
	require.NoError(t, err)

	capState, changed, err := f.ledger.Retire(ctx, id, ReasonExpired)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.CommitmentConsumed, capState.Status)
}

func TestConcurrentReserveNeverOverdraws(t *testing.T) {
	for _, n := range []int{2, 8, 64} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			c := baseCommitment()
			c.Amount = big.NewInt(640_000_000_000_000_000)
			c.Fractionable = true
			c = accept(t, f, c)
			id := hashOf(t, c)

			share := new(big.Int).Div(c.Amount, big.NewInt(int64(n)))
			var (
				g        errgroup.Group
				wins     atomic.Int64
				consumed atomic.Int64
			)
			// Twice as many takers as there are shares.
			for i := 0; i < 2*n; i++ {
				g.Go(func() error {
					_, err := f.ledger.Reserve(ctx, id, share, 3)
					if errors.Is(err, domain.ErrInsufficientCapacity) {
						return nil
					}
					if err != nil {
						return err
					}
					wins.Add(1)
					consumed.Add(share.Int64() / 1e9)
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, int64(n), wins.Load())
			assert.Equal(t, new(big.Int).Div(c.Amount, big.NewInt(1e9)).Int64(), consumed.Load())
			remaining, err := f.ledger.Remaining(ctx, id)
			require.NoError(t, err)
			assert.Zero(t, remaining.Sign())
		})
	}
}

func TestConcurrentRetireAndReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	var g errgroup.Group
	var reserved atomic.Bool
	g.Go(func() error {
		_, err := f.ledger.Reserve(ctx, id, c.Amount, 7)
		if err == nil {
			reserved.Store(true)
			return nil
		}
		if errors.Is(err, domain.ErrRetired) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		_, _, err := f.ledger.Retire(ctx, id, ReasonExpired)
		return err
	})
	require.NoError(t, g.Wait())

	entry, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	if reserved.Load() {
		assert.Equal(t, domain.CommitmentConsumed, entry.Capacity.Status)
	} else {
		assert.Equal(t, domain.CommitmentRetired, entry.Capacity.Status)
	}
}

func TestIdentityRoundTripThroughStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	entry, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, hashOf(t, entry.Commitment))
}

func TestPurgeOnlyTerminalExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := accept(t, f, baseCommitment())
	id := hashOf(t, c)

	removed, err := f.ledger.Purge(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)

	_, _, err = f.ledger.Retire(ctx, id, ReasonExpired)
	require.NoError(t, err)
	removed, err = f.ledger.Purge(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed, "unexpired commitments stay for replay protection")

	f.ledger.now = func() time.Time { return testNow.Add(48 * time.Hour) }
	removed, err = f.ledger.Purge(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)
}
