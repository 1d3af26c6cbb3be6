package option

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/premium"
)

var zeroAddr common.Address

// SettlementAmount is how much of the counterparty's underlying is sold to
// pay opt's profit at price: profit / price, in asset minimal units,
// rounded down and capped at the amount taken. Zero means the option is
// not in the money.
func SettlementAmount(opt domain.ActiveOption, price decimal.Decimal, u premium.Units) *big.Int {
	if price.Sign() <= 0 || opt.AmountTaken == nil {
		return new(big.Int)
	}
	profit := IntrinsicValue(opt, price, u)
	if profit.Sign() <= 0 {
		return new(big.Int)
	}
	amount := ToMinimal(profit.Div(price), u.AssetDecimals)
	if amount.Cmp(opt.AmountTaken) > 0 {
		amount.Set(opt.AmountTaken)
	}
	return amount
}

// bindSettlement pins the parts of p that move value to opt: the
// counterparty pays amount of the underlying and the taker receives the
// output. Caller values that disagree are rejected rather than
// overwritten. A caller AmountIn is read as a ceiling on the sale.
func bindSettlement(opt domain.ActiveOption, p domain.SettlementParams, amount *big.Int) (domain.SettlementParams, error) {
	switch {
	case p.Payer != zeroAddr && p.Payer != opt.Counterparty:
		return p, fmt.Errorf("%w: payer %s is not the counterparty", domain.ErrSettlementMismatch, p.Payer.Hex())
	case p.TokenIn != zeroAddr && p.TokenIn != opt.Asset:
		return p, fmt.Errorf("%w: token in %s is not the option asset", domain.ErrSettlementMismatch, p.TokenIn.Hex())
	case p.TokenOut == zeroAddr || p.TokenOut == opt.Asset:
		return p, fmt.Errorf("%w: token out %s", domain.ErrSettlementMismatch, p.TokenOut.Hex())
	case p.Recipient != zeroAddr && p.Recipient != opt.Taker:
		return p, fmt.Errorf("%w: recipient %s is not the taker", domain.ErrSettlementMismatch, p.Recipient.Hex())
	case p.Beneficiary != zeroAddr || p.BeneficiaryBps != 0:
		return p, fmt.Errorf("%w: beneficiary is set by the ledger", domain.ErrSettlementMismatch)
	}
	if p.AmountIn != nil {
		if p.AmountIn.Sign() < 0 || p.AmountIn.Cmp(opt.AmountTaken) > 0 {
			return p, fmt.Errorf("%w: amount in %s exceeds amount taken %s", domain.ErrSettlementMismatch, p.AmountIn, opt.AmountTaken)
		}
		if amount.Cmp(p.AmountIn) > 0 {
			return p, fmt.Errorf("%w: settlement needs %s, caller allowed %s", domain.ErrSettlementMismatch, amount, p.AmountIn)
		}
	}
	p.Payer = opt.Counterparty
	p.TokenIn = opt.Asset
	p.AmountIn = new(big.Int).Set(amount)
	p.Recipient = opt.Taker
	return p, nil
}
