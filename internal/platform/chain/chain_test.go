package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// fakeCaller answers calls by method selector.
type fakeCaller struct {
	t       *testing.T
	abi     abi.ABI
	answers map[string][]any
	calls   map[string]int
	err     error
}

func newFakeCaller(t *testing.T, contract abi.ABI) *fakeCaller {
	return &fakeCaller{t: t, abi: contract, answers: map[string][]any{}, calls: map[string]int{}}
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	for name, m := range f.abi.Methods {
		if !bytes.Equal(msg.Data[:4], m.ID) {
			continue
		}
		f.calls[name]++
		out, err := m.Outputs.Pack(f.answers[name]...)
		require.NoError(f.t, err)
		return out, nil
	}
	f.t.Fatalf("unexpected selector %x", msg.Data[:4])
	return nil, nil
}

var (
	owner   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	spender = common.HexToAddress("0x2222222222222222222222222222222222222222")
	token   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func TestSolvencyCanCover(t *testing.T) {
	tests := []struct {
		name      string
		balance   int64
		allowance int64
		amount    int64
		want      bool
	}{
		{"covered", 100, 100, 100, true},
		{"low balance", 99, 1000, 100, false},
		{"low allowance", 1000, 99, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeCaller(t, erc20ABI)
			f.answers["balanceOf"] = []any{big.NewInt(tt.balance)}
			f.answers["allowance"] = []any{big.NewInt(tt.allowance)}

			ok, err := NewSolvency(f, spender).CanCover(context.Background(), owner, token, big.NewInt(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestSolvencyPropagatesRPCError(t *testing.T) {
	f := newFakeCaller(t, erc20ABI)
	f.err = errors.New("connection refused")
	_, err := NewSolvency(f, spender).CanCover(context.Background(), owner, token, big.NewInt(1))
	require.ErrorIs(t, err, f.err)
}

func TestAggregatorFetch(t *testing.T) {
	feed := common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	f := newFakeCaller(t, aggregatorABI)
	f.answers["decimals"] = []any{uint8(8)}
	f.answers["latestRoundData"] = []any{
		big.NewInt(7), big.NewInt(312345000000), big.NewInt(1_799_999_990), big.NewInt(1_800_000_000), big.NewInt(7),
	}
	src := NewAggregatorSource(f, map[common.Address]common.Address{token: feed})

	price, at, err := src.Fetch(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "3123.45", price.String())
	assert.Equal(t, time.Unix(1_800_000_000, 0).UTC(), at)

	_, _, err = src.Fetch(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls["decimals"])

	_, _, err = src.Fetch(context.Background(), owner)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAggregatorRejectsIncompleteRound(t *testing.T) {
	f := newFakeCaller(t, aggregatorABI)
	f.answers["decimals"] = []any{uint8(8)}
	f.answers["latestRoundData"] = []any{
		big.NewInt(7), big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(7),
	}
	_, _, err := NewAggregatorSource(f, map[common.Address]common.Address{token: spender}).Fetch(context.Background(), token)
	require.Error(t, err)
}
