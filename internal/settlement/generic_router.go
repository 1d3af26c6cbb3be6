package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// DefaultSplitParts is how many slices the generic router cuts a trade
// into when spreading it over pools.
const DefaultSplitParts = 10

// GenericRouter splits a trade across every pool of a pair, sending each
// slice to the pool with the best marginal output.
type GenericRouter struct {
	pools *PoolSet
	parts int
}

// NewGenericRouter creates the GENERIC_ROUTER strategy.
func NewGenericRouter(pools *PoolSet, parts int) *GenericRouter {
	if parts <= 0 {
		parts = DefaultSplitParts
	}
	return &GenericRouter{pools: pools, parts: parts}
}

type split struct {
	Pool     string `json:"pool"`
	AmountIn string `json:"amountIn"`
}

type genericRoute struct {
	Splits []split `json:"splits"`
}

// Method implements Strategy.
func (g *GenericRouter) Method() domain.SettlementMethod { return domain.MethodGenericRouter }

// Quote implements Strategy.
func (g *GenericRouter) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Route, error) {
	pools := g.pools.ForPair(tokenIn, tokenOut)
	if len(pools) == 0 {
		return Route{}, fmt.Errorf("settlement/router: %s->%s: %w", tokenIn.Hex(), tokenOut.Hex(), domain.ErrNoLiquidity)
	}
	reserves := make(map[string][2]*big.Int, len(pools))
	for _, p := range pools {
		rIn, rOut, err := p.Reserves(tokenIn, tokenOut)
		if err != nil {
			return Route{}, err
		}
		reserves[p.ID] = [2]*big.Int{rIn, rOut}
	}
	alloc, out := g.allocate(pools, reserves, amountIn)
	if out.Sign() == 0 {
		return Route{}, fmt.Errorf("settlement/router: %s->%s: %w", tokenIn.Hex(), tokenOut.Hex(), domain.ErrNoLiquidity)
	}
	data, err := json.Marshal(encodeSplits(pools, alloc))
	if err != nil {
		return Route{}, fmt.Errorf("settlement/router: encode route: %w", err)
	}
	return Route{AmountOut: out, RoutingData: data}, nil
}

// Prepare implements Strategy.
func (g *GenericRouter) Prepare(_ context.Context, req Request) (Execution, error) {
	pools := g.pools.ForPair(req.TokenIn, req.TokenOut)
	alloc := make(map[string]*big.Int)

	if len(req.RoutingData) > 0 {
		var r genericRoute
		if err := json.Unmarshal(req.RoutingData, &r); err != nil {
			return nil, fmt.Errorf("settlement/router: decode route: %w", err)
		}
		pools = pools[:0]
		sum := new(big.Int)
		for _, s := range r.Splits {
			p, ok := g.pools.Get(s.Pool)
			if !ok || !p.Supports(req.TokenIn, req.TokenOut) {
				return nil, fmt.Errorf("settlement/router: pool %q: %w", s.Pool, domain.ErrNoLiquidity)
			}
			amt, ok := new(big.Int).SetString(s.AmountIn, 10)
			if !ok || amt.Sign() < 0 {
				return nil, fmt.Errorf("settlement/router: split %q amount %q: %w", s.Pool, s.AmountIn, domain.ErrInvalidAmount)
			}
			if prev, seen := alloc[p.ID]; seen {
				prev.Add(prev, amt)
			} else {
				alloc[p.ID] = amt
				pools = append(pools, p)
			}
			sum.Add(sum, amt)
		}
		if sum.Cmp(req.AmountIn) != 0 {
			return nil, fmt.Errorf("settlement/router: splits sum to %s, want %s: %w", sum, req.AmountIn, domain.ErrInvalidAmount)
		}
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("settlement/router: %s->%s: %w", req.TokenIn.Hex(), req.TokenOut.Hex(), domain.ErrNoLiquidity)
	}

	unlock := lockPools(pools)
	live := make(map[string][2]*big.Int, len(pools))
	for _, p := range pools {
		rIn, rOut, err := p.sides(req.TokenIn, req.TokenOut)
		if err != nil {
			unlock()
			return nil, err
		}
		live[p.ID] = [2]*big.Int{rIn, rOut}
	}
	if len(req.RoutingData) == 0 {
		alloc, _ = g.allocate(pools, live, req.AmountIn)
	}

	type leg struct {
		rIn, rOut, in, out *big.Int
	}
	var (
		legs  []leg
		total = new(big.Int)
	)
	for _, p := range pools {
		in := alloc[p.ID]
		if in == nil || in.Sign() == 0 {
			continue
		}
		r := live[p.ID]
		out := amountOut(in, r[0], r[1], p.FeeBps)
		legs = append(legs, leg{rIn: r[0], rOut: r[1], in: in, out: out})
		total.Add(total, out)
	}

	return newExecution(total,
		func() {
			for _, l := range legs {
				l.rIn.Add(l.rIn, l.in)
				l.rOut.Sub(l.rOut, l.out)
			}
			unlock()
		},
		unlock,
	), nil
}

// allocate greedily assigns amountIn in g.parts slices against simulated
// reserves and returns the per-pool input and total output.
func (g *GenericRouter) allocate(pools []*Pool, reserves map[string][2]*big.Int, amountIn *big.Int) (map[string]*big.Int, *big.Int) {
	simIn := make(map[string]*big.Int, len(pools))
	simOut := make(map[string]*big.Int, len(pools))
	alloc := make(map[string]*big.Int, len(pools))
	for _, p := range pools {
		r := reserves[p.ID]
		simIn[p.ID] = new(big.Int).Set(r[0])
		simOut[p.ID] = new(big.Int).Set(r[1])
		alloc[p.ID] = new(big.Int)
	}

	slice := new(big.Int).Quo(amountIn, big.NewInt(int64(g.parts)))
	remainder := new(big.Int).Sub(amountIn, new(big.Int).Mul(slice, big.NewInt(int64(g.parts))))
	total := new(big.Int)
	for i := 0; i < g.parts; i++ {
		chunk := new(big.Int).Set(slice)
		if i == g.parts-1 {
			chunk.Add(chunk, remainder)
		}
		if chunk.Sign() == 0 {
			continue
		}
		var (
			best    *Pool
			bestOut = new(big.Int)
		)
		for _, p := range pools {
			if out := amountOut(chunk, simIn[p.ID], simOut[p.ID], p.FeeBps); out.Cmp(bestOut) > 0 {
				best, bestOut = p, out
			}
		}
		if best == nil {
			best = pools[0]
		}
		simIn[best.ID].Add(simIn[best.ID], chunk)
		simOut[best.ID].Sub(simOut[best.ID], bestOut)
		alloc[best.ID].Add(alloc[best.ID], chunk)
		total.Add(total, bestOut)
	}
	return alloc, total
}

func encodeSplits(pools []*Pool, alloc map[string]*big.Int) genericRoute {
	var r genericRoute
	for _, p := range pools {
		if a := alloc[p.ID]; a != nil && a.Sign() > 0 {
			r.Splits = append(r.Splits, split{Pool: p.ID, AmountIn: a.String()})
		}
	}
	return r
}
