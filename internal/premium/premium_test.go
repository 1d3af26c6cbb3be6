package premium

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

func lpOffer(daily int64, minDays, maxDays uint32) domain.Commitment {
	return domain.Commitment{
		Amount:          big.NewInt(5e17),
		PremiumRate:     big.NewInt(daily),
		MinDurationDays: minDays,
		MaxDurationDays: maxDays,
		CommitmentType:  domain.CommitmentTypeLPOffer,
	}
}

func TestQuoteInsideWindow(t *testing.T) {
	c := lpOffer(25, 1, 14)
	for d := uint32(1); d <= 14; d++ {
		got, err := Quote(c, d)
		require.NoError(t, err)
		assert.Equal(t, int64(25)*int64(d), got.Int64(), "days=%d", d)
	}

	got, err := Quote(c, 7)
	require.NoError(t, err)
	assert.Equal(t, "175", got.String())
}

func TestQuoteOutsideWindow(t *testing.T) {
	c := lpOffer(25, 3, 10)
	for _, d := range []uint32{0, 1, 2, 11, 365} {
		_, err := Quote(c, d)
		require.ErrorIs(t, err, domain.ErrDurationOutOfRange)
		require.ErrorIs(t, err, domain.ErrDuration)
	}
}

func TestQuoteDoesNotAliasRate(t *testing.T) {
	c := lpOffer(25, 1, 1)
	got, err := Quote(c, 1)
	require.NoError(t, err)
	got.SetInt64(99)
	assert.Equal(t, int64(25), c.PremiumRate.Int64())
}

func TestTakerDemandTotalPremium(t *testing.T) {
	c := lpOffer(700, 2, 10)
	c.CommitmentType = domain.CommitmentTypeTakerDemand

	got, err := Quote(c, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Int64())

	daily, err := ImpliedDaily(c, 7)
	require.NoError(t, err)
	assert.True(t, daily.Equal(decimal.NewFromInt(100)))
}

func TestYield(t *testing.T) {
	// 0.5 WETH at 2000 USDC is 1000 USDC of collateral; 25 USDC per day is 2.5%.
	price := decimal.NewFromInt(2000)
	daily := decimal.NewFromInt(25_000_000)
	y := DailyYield(daily, big.NewInt(5e17), price, DefaultUnits)
	assert.True(t, y.Equal(decimal.RequireFromString("0.025")), y.String())
	assert.Equal(t, "2.50", Percent(y))

	annual := AnnualizedYield(y)
	assert.True(t, annual.Equal(decimal.RequireFromString("9.125")), annual.String())

	assert.True(t, DailyYield(daily, big.NewInt(0), price, DefaultUnits).IsZero())
}

func TestCommitmentYieldUsesMinDuration(t *testing.T) {
	c := lpOffer(25_000_000, 2, 5)
	y, err := CommitmentYield(c, decimal.NewFromInt(2000), DefaultUnits)
	require.NoError(t, err)
	assert.Equal(t, "2.50", Percent(y))
}
