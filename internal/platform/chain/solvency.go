package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Solvency implements domain.SolvencyChecker with ERC-20 balanceOf and
// allowance calls. Spender is the settlement contract creators approve.
type Solvency struct {
	caller  ethereum.ContractCaller
	spender common.Address
}

// NewSolvency creates a Solvency checker.
func NewSolvency(caller ethereum.ContractCaller, spender common.Address) *Solvency {
	return &Solvency{caller: caller, spender: spender}
}

// CanCover reports whether owner both holds and has approved at least
// amount of token.
func (s *Solvency) CanCover(ctx context.Context, owner, token common.Address, amount *big.Int) (bool, error) {
	balance, err := s.Balance(ctx, owner, token)
	if err != nil {
		return false, err
	}
	if balance.Cmp(amount) < 0 {
		return false, nil
	}
	allowance, err := s.Allowance(ctx, owner, token)
	if err != nil {
		return false, err
	}
	return allowance.Cmp(amount) >= 0, nil
}

// Balance returns token.balanceOf(owner).
func (s *Solvency) Balance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	out, err := call(ctx, s.caller, erc20ABI, token, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("chain: balance: %w", err)
	}
	v, err := bigOut(out, 0)
	if err != nil {
		return nil, fmt.Errorf("chain: balance: %w", err)
	}
	return v, nil
}

// Allowance returns token.allowance(owner, spender).
func (s *Solvency) Allowance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	out, err := call(ctx, s.caller, erc20ABI, token, "allowance", owner, s.spender)
	if err != nil {
		return nil, fmt.Errorf("chain: allowance: %w", err)
	}
	v, err := bigOut(out, 0)
	if err != nil {
		return nil, fmt.Errorf("chain: allowance: %w", err)
	}
	return v, nil
}

var _ domain.SolvencyChecker = (*Solvency)(nil)
