package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Unoswap swaps through the single best pool of a pair.
type Unoswap struct {
	pools *PoolSet
}

// NewUnoswap creates the UNOSWAP strategy.
func NewUnoswap(pools *PoolSet) *Unoswap {
	return &Unoswap{pools: pools}
}

type unoswapRoute struct {
	Pool string `json:"pool"`
}

// Method implements Strategy.
func (u *Unoswap) Method() domain.SettlementMethod { return domain.MethodUnoswap }

// Quote implements Strategy.
func (u *Unoswap) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Route, error) {
	pool, out, err := u.best(tokenIn, tokenOut, amountIn)
	if err != nil {
		return Route{}, err
	}
	data, err := json.Marshal(unoswapRoute{Pool: pool.ID})
	if err != nil {
		return Route{}, fmt.Errorf("settlement/unoswap: encode route: %w", err)
	}
	return Route{AmountOut: out, RoutingData: data}, nil
}

// Prepare implements Strategy. Routing data may pin a pool; otherwise the
// best pool at preparation time is used.
func (u *Unoswap) Prepare(_ context.Context, req Request) (Execution, error) {
	var pool *Pool
	if len(req.RoutingData) > 0 {
		var r unoswapRoute
		if err := json.Unmarshal(req.RoutingData, &r); err != nil {
			return nil, fmt.Errorf("settlement/unoswap: decode route: %w", err)
		}
		p, ok := u.pools.Get(r.Pool)
		if !ok || !p.Supports(req.TokenIn, req.TokenOut) {
			return nil, fmt.Errorf("settlement/unoswap: pool %q: %w", r.Pool, domain.ErrNoLiquidity)
		}
		pool = p
	} else {
		p, _, err := u.best(req.TokenIn, req.TokenOut, req.AmountIn)
		if err != nil {
			return nil, err
		}
		pool = p
	}

	unlock := lockPools([]*Pool{pool})
	rIn, rOut, err := pool.sides(req.TokenIn, req.TokenOut)
	if err != nil {
		unlock()
		return nil, err
	}
	out := amountOut(req.AmountIn, rIn, rOut, pool.FeeBps)
	in := new(big.Int).Set(req.AmountIn)
	return newExecution(out,
		func() {
			rIn.Add(rIn, in)
			rOut.Sub(rOut, out)
			unlock()
		},
		unlock,
	), nil
}

func (u *Unoswap) best(tokenIn, tokenOut common.Address, amountIn *big.Int) (*Pool, *big.Int, error) {
	var (
		bestPool *Pool
		bestOut  = new(big.Int)
	)
	for _, p := range u.pools.ForPair(tokenIn, tokenOut) {
		rIn, rOut, err := p.Reserves(tokenIn, tokenOut)
		if err != nil {
			continue
		}
		if out := amountOut(amountIn, rIn, rOut, p.FeeBps); out.Cmp(bestOut) > 0 {
			bestPool, bestOut = p, out
		}
	}
	if bestPool == nil {
		return nil, nil, fmt.Errorf("settlement/unoswap: %s->%s: %w", tokenIn.Hex(), tokenOut.Hex(), domain.ErrNoLiquidity)
	}
	return bestPool, bestOut, nil
}
