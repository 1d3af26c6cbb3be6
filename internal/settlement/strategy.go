// Package settlement converts one token into another through pluggable
// routing strategies, with minimum-output and deadline guarantees and
// all-or-nothing fund movement.
package settlement

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Route is a strategy's estimate for one trade.
type Route struct {
	AmountOut   *big.Int
	RoutingData []byte
}

// Request is what a strategy needs to prepare a swap.
type Request struct {
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	RoutingData []byte
}

// Execution is a prepared swap. Venue state is locked until exactly one
// of Commit or Abort is called.
type Execution interface {
	AmountOut() *big.Int
	Commit()
	Abort()
}

// Strategy is one settlement method. Quote never changes venue state.
// Prepare computes the output against live venue state and keeps it
// reserved until the execution is committed or aborted.
type Strategy interface {
	Method() domain.SettlementMethod
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Route, error)
	Prepare(ctx context.Context, req Request) (Execution, error)
}

// execution adapts commit/abort closures to Execution.
type execution struct {
	out    *big.Int
	commit func()
	abort  func()
	once   sync.Once
}

func newExecution(out *big.Int, commit, abort func()) *execution {
	return &execution{out: out, commit: commit, abort: abort}
}

func (e *execution) AmountOut() *big.Int { return new(big.Int).Set(e.out) }

func (e *execution) Commit() { e.once.Do(e.commit) }

func (e *execution) Abort() { e.once.Do(e.abort) }
