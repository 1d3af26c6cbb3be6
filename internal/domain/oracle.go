package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceOracle returns a reasonably fresh price for an underlying. Failures
// are retryable and never mutate ledger state.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, asset common.Address) (PricePoint, error)
}

// PriceHistory answers "what was the price at time t" with the latest
// observation at or before t.
type PriceHistory interface {
	PriceAt(ctx context.Context, asset common.Address, at time.Time) (PricePoint, error)
}

// SolvencyChecker reports whether owner still holds, and has approved the
// settlement contract for, at least the given amount of token.
type SolvencyChecker interface {
	CanCover(ctx context.Context, owner, token common.Address, amount *big.Int) (bool, error)
}
