package settlement

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Vault is the custody ledger of the settlement layer: per-account token
// balances that settlements draw from and credit to. Funds leave an
// account only through a Hold that is later committed or aborted.
type Vault struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

// Deposit credits amount of token to account.
func (v *Vault) Deposit(account, token common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add(account, token, amount)
}

// Balance returns the free balance of account in token.
func (v *Vault) Balance(account, token common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[account][token]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Hold moves amount out of the free balance of account. The funds are
// gone once the hold is committed and return on abort.
func (v *Vault) Hold(account, token common.Address, amount *big.Int) (*Hold, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("settlement: hold: %w", domain.ErrInvalidAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.balances[account][token]
	if b == nil || b.Cmp(amount) < 0 {
		have := "0"
		if b != nil {
			have = b.String()
		}
		return nil, fmt.Errorf("settlement: hold %s of %s for %s: %w (have %s)",
			amount, token.Hex(), account.Hex(), domain.ErrInsufficientFunds, have)
	}
	b.Sub(b, amount)
	return &Hold{vault: v, account: account, token: token, amount: new(big.Int).Set(amount)}, nil
}

func (v *Vault) add(account, token common.Address, amount *big.Int) {
	m, ok := v.balances[account]
	if !ok {
		m = make(map[common.Address]*big.Int)
		v.balances[account] = m
	}
	b, ok := m[token]
	if !ok {
		b = new(big.Int)
		m[token] = b
	}
	b.Add(b, amount)
}

// Hold is funds taken out of an account pending a settlement outcome.
type Hold struct {
	vault   *Vault
	account common.Address
	token   common.Address
	amount  *big.Int

	once sync.Once
}

// Commit releases the held funds to the venue.
func (h *Hold) Commit() {
	h.once.Do(func() {})
}

// Abort returns the held funds to their account. Calling it after Commit
// does nothing.
func (h *Hold) Abort() {
	h.once.Do(func() {
		h.vault.mu.Lock()
		defer h.vault.mu.Unlock()
		h.vault.add(h.account, h.token, h.amount)
	})
}
