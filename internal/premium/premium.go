// Package premium prices a commitment for a chosen duration and derives
// the yield figures shown to takers. Amounts stay in integer minimal units;
// decimals appear only for yields and prices.
package premium

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// DaysPerYear annualizes a daily yield.
const DaysPerYear = 365

// divPrecision is the number of decimal places kept by yield division.
const divPrecision = 18

// Units describes the decimals of the underlying asset and the quote
// currency, e.g. 18 for WETH and 6 for USDC.
type Units struct {
	AssetDecimals int32
	QuoteDecimals int32
}

// DefaultUnits is WETH against USDC.
var DefaultUnits = Units{AssetDecimals: 18, QuoteDecimals: 6}

// Quote returns the total premium in quote minimal units for taking c over
// durationDays. LP offers charge premiumRate per day; taker demands carry
// a total premium that does not scale with the chosen duration.
func Quote(c domain.Commitment, durationDays uint32) (*big.Int, error) {
	if err := checkDuration(c, durationDays); err != nil {
		return nil, err
	}
	rate := c.PremiumRate
	if rate == nil {
		rate = new(big.Int)
	}
	if c.CommitmentType == domain.CommitmentTypeTakerDemand {
		return new(big.Int).Set(rate), nil
	}
	return new(big.Int).Mul(rate, new(big.Int).SetUint64(uint64(durationDays))), nil
}

// ImpliedDaily returns the per-day premium of c at durationDays, in quote
// minimal units. For LP offers this is premiumRate itself.
func ImpliedDaily(c domain.Commitment, durationDays uint32) (decimal.Decimal, error) {
	if err := checkDuration(c, durationDays); err != nil {
		return decimal.Zero, err
	}
	rate := decimal.NewFromBigInt(orZero(c.PremiumRate), 0)
	if c.CommitmentType == domain.CommitmentTypeTakerDemand {
		return rate.DivRound(decimal.NewFromInt(int64(durationDays)), divPrecision), nil
	}
	return rate, nil
}

// CollateralValue is the value of amount underlying minimal units at price,
// expressed in quote minimal units.
func CollateralValue(amount *big.Int, price decimal.Decimal, u Units) decimal.Decimal {
	whole := decimal.NewFromBigInt(orZero(amount), -u.AssetDecimals)
	return whole.Mul(price).Shift(u.QuoteDecimals)
}

// DailyYield is dailyPremium / (amount × price) with both sides in quote
// minimal units. A zero collateral value yields zero.
func DailyYield(dailyPremium decimal.Decimal, amount *big.Int, price decimal.Decimal, u Units) decimal.Decimal {
	collateral := CollateralValue(amount, price, u)
	if collateral.Sign() <= 0 {
		return decimal.Zero
	}
	return dailyPremium.DivRound(collateral, divPrecision)
}

// AnnualizedYield is dailyYield × 365.
func AnnualizedYield(dailyYield decimal.Decimal) decimal.Decimal {
	return dailyYield.Mul(decimal.NewFromInt(DaysPerYear))
}

// CommitmentYield returns the daily yield of c at its shortest allowed
// duration, used to rank and filter the marketplace.
func CommitmentYield(c domain.Commitment, price decimal.Decimal, u Units) (decimal.Decimal, error) {
	daily, err := ImpliedDaily(c, c.MinDurationDays)
	if err != nil {
		return decimal.Zero, err
	}
	return DailyYield(daily, c.Amount, price, u), nil
}

// Percent renders a yield fraction as a percentage with two decimals. The
// result is for display and must not be fed back into calculations.
func Percent(y decimal.Decimal) string {
	return y.Shift(2).StringFixed(2)
}

func checkDuration(c domain.Commitment, durationDays uint32) error {
	if c.MinDurationDays > c.MaxDurationDays || !c.AllowsDuration(durationDays) {
		return fmt.Errorf("premium: %w: %d days not in [%d, %d]",
			domain.ErrDurationOutOfRange, durationDays, c.MinDurationDays, c.MaxDurationDays)
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
