package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

var weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

func TestPriceCacheHistory(t *testing.T) {
	ctx := context.Background()
	c := NewPriceCache(time.Hour)
	t0 := time.Unix(1_800_000_000, 0).UTC()

	_, err := c.GetPrice(ctx, weth)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Out of order on purpose.
	for _, p := range []struct {
		at    time.Duration
		price string
	}{{10 * time.Minute, "3010"}, {0, "3000"}, {20 * time.Minute, "3020"}} {
		require.NoError(t, c.SetPrice(ctx, domain.PricePoint{Asset: weth, Price: decimal.RequireFromString(p.price), At: t0.Add(p.at)}))
	}

	latest, err := c.GetPrice(ctx, weth)
	require.NoError(t, err)
	assert.Equal(t, "3020", latest.Price.String())

	at, err := c.PriceAt(ctx, weth, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "3010", at.Price.String())

	at, err = c.PriceAt(ctx, weth, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "3010", at.Price.String())

	_, err = c.PriceAt(ctx, weth, t0.Add(-time.Second))
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Falls out of the one hour window.
	require.NoError(t, c.SetPrice(ctx, domain.PricePoint{Asset: weth, Price: decimal.NewFromInt(3100), At: t0.Add(65 * time.Minute)}))
	_, err = c.PriceAt(ctx, weth, t0.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusPublishAndStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewSignalBus()

	ch, err := b.Subscribe(ctx, "opt*")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "options", []byte("a")))
	require.NoError(t, b.Publish(ctx, "commitments", []byte("b")))

	select {
	case got := <-ch:
		assert.Equal(t, "a", string(got))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected message %q", got)
	default:
	}

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, b.StreamAppend(ctx, domain.StreamEvents, []byte(p)))
	}
	msgs, err := b.StreamRead(ctx, domain.StreamEvents, "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	msgs, err = b.StreamRead(ctx, domain.StreamEvents, msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "3", string(msgs[0].Payload))

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	m := NewLockManager()
	now := time.Unix(1_800_000_000, 0)
	m.now = func() time.Time { return now }

	unlock, err := m.Acquire(ctx, "keeper", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "keeper", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := m.Acquire(ctx, "keeper", time.Minute)
	require.NoError(t, err)

	// Expired leases can be taken over; the stale unlock must not free the
	// new holder.
	now = now.Add(2 * time.Minute)
	_, err = m.Acquire(ctx, "keeper", time.Minute)
	require.NoError(t, err)
	unlock2()
	_, err = m.Acquire(ctx, "keeper", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	r := NewRateLimiter()
	now := time.Unix(1_800_000_000, 0)
	r.now = func() time.Time { return now }

	for range 3 {
		ok, err := r.Allow(ctx, "k", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := r.Allow(ctx, "k", 3, time.Second)
	assert.False(t, ok)
	ok, _ = r.Allow(ctx, "other", 3, time.Second)
	assert.True(t, ok)

	now = now.Add(1001 * time.Millisecond)
	ok, _ = r.Allow(ctx, "k", 3, time.Second)
	assert.True(t, ok)
}
