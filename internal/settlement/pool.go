package settlement

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

const bpsDenominator = 10_000

// Pool is a constant-product liquidity pool over two tokens.
type Pool struct {
	ID     string
	Token0 common.Address
	Token1 common.Address
	FeeBps int64

	mu       sync.Mutex
	reserve0 *big.Int
	reserve1 *big.Int
}

// NewPool creates a pool with initial reserves.
func NewPool(id string, token0, token1 common.Address, reserve0, reserve1 *big.Int, feeBps int64) *Pool {
	return &Pool{
		ID:       id,
		Token0:   token0,
		Token1:   token1,
		FeeBps:   feeBps,
		reserve0: new(big.Int).Set(reserve0),
		reserve1: new(big.Int).Set(reserve1),
	}
}

// Reserves returns the current reserves of tokenIn and tokenOut.
func (p *Pool) Reserves(tokenIn, tokenOut common.Address) (*big.Int, *big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rIn, rOut, err := p.sides(tokenIn, tokenOut)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(rIn), new(big.Int).Set(rOut), nil
}

// Supports reports whether the pool trades tokenIn for tokenOut.
func (p *Pool) Supports(tokenIn, tokenOut common.Address) bool {
	return (p.Token0 == tokenIn && p.Token1 == tokenOut) || (p.Token1 == tokenIn && p.Token0 == tokenOut)
}

// sides must be called with p.mu held. It returns live pointers.
func (p *Pool) sides(tokenIn, tokenOut common.Address) (*big.Int, *big.Int, error) {
	switch {
	case p.Token0 == tokenIn && p.Token1 == tokenOut:
		return p.reserve0, p.reserve1, nil
	case p.Token1 == tokenIn && p.Token0 == tokenOut:
		return p.reserve1, p.reserve0, nil
	default:
		return nil, nil, fmt.Errorf("settlement: pool %s does not trade %s/%s: %w",
			p.ID, tokenIn.Hex(), tokenOut.Hex(), domain.ErrNoLiquidity)
	}
}

// amountOut is the constant-product output for amountIn after the pool
// fee: in·(1-f)·rOut / (rIn + in·(1-f)).
func amountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps int64) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(bpsDenominator-feeBps))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(bpsDenominator))
	den.Add(den, inWithFee)
	return num.Quo(num, den)
}

// PoolSet indexes pools by id.
type PoolSet struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewPoolSet creates a pool set.
func NewPoolSet(pools ...*Pool) *PoolSet {
	s := &PoolSet{pools: make(map[string]*Pool)}
	for _, p := range pools {
		s.Add(p)
	}
	return s
}

// Add registers or replaces a pool.
func (s *PoolSet) Add(p *Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.ID] = p
}

// Get returns a pool by id.
func (s *PoolSet) Get(id string) (*Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	return p, ok
}

// ForPair returns the pools trading tokenIn for tokenOut, ordered by id.
func (s *PoolSet) ForPair(tokenIn, tokenOut common.Address) []*Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Pool
	for _, p := range s.pools {
		if p.Supports(tokenIn, tokenOut) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lockPools locks pools in id order and returns the unlock function.
func lockPools(pools []*Pool) func() {
	sorted := append([]*Pool(nil), pools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, p := range sorted {
		p.mu.Lock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].mu.Unlock()
		}
	}
}
