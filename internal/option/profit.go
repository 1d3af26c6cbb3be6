package option

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/domain"
	"github.com/alanyoungcy/optionmarket/internal/premium"
)

// IntrinsicValue is the exercise profit of opt at price, in whole quote
// units: max(0, price-strike) × amount for a CALL and max(0, strike-price)
// × amount for a PUT, with amount converted from minimal units.
func IntrinsicValue(opt domain.ActiveOption, price decimal.Decimal, u premium.Units) decimal.Decimal {
	var diff decimal.Decimal
	switch opt.OptionType {
	case domain.OptionTypeCall:
		diff = price.Sub(opt.StrikePrice)
	case domain.OptionTypePut:
		diff = opt.StrikePrice.Sub(price)
	default:
		return decimal.Zero
	}
	if diff.Sign() <= 0 || opt.AmountTaken == nil {
		return decimal.Zero
	}
	return diff.Mul(decimal.NewFromBigInt(opt.AmountTaken, -u.AssetDecimals))
}

// ToMinimal converts whole units to minimal units of a token with the
// given decimals, rounding down.
func ToMinimal(v decimal.Decimal, decimals int32) *big.Int {
	return v.Shift(decimals).Truncate(0).BigInt()
}

// MovementBps is |current-reference| / reference in basis points. The
// reference must be positive; zero is returned otherwise.
func MovementBps(reference, current decimal.Decimal) decimal.Decimal {
	if reference.Sign() <= 0 {
		return decimal.Zero
	}
	return current.Sub(reference).Abs().Div(reference).Mul(decimal.NewFromInt(10_000))
}

// FeeShare returns bps basis points of v.
func FeeShare(v decimal.Decimal, bps int64) decimal.Decimal {
	return v.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10_000))
}
