package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OptionState is the lifecycle state of a taken option. Every state other
// than OptionActive is terminal.
type OptionState string

const (
	OptionActive     OptionState = "active"
	OptionExercised  OptionState = "exercised"
	OptionExpired    OptionState = "expired"
	OptionLiquidated OptionState = "liquidated"
)

// Terminal reports whether s allows no further transitions.
func (s OptionState) Terminal() bool {
	return s != OptionActive
}

// ActiveOption is the position created by a successful take. TotalPremiumPaid
// and ExerciseDeadline are fixed at creation.
type ActiveOption struct {
	ID               string          `json:"id"`
	CommitmentHash   common.Hash     `json:"commitmentHash"`
	Taker            common.Address  `json:"taker"`
	Counterparty     common.Address  `json:"counterparty"`
	Asset            common.Address  `json:"asset"`
	OptionType       OptionType      `json:"optionType"`
	AmountTaken      *big.Int        `json:"amountTaken"`
	StrikePrice      decimal.Decimal `json:"strikePrice"`
	DailyPremium     *big.Int        `json:"dailyPremium"`
	DurationDays     uint32          `json:"durationDays"`
	TotalPremiumPaid *big.Int        `json:"totalPremiumPaid"`
	TakenAt          time.Time       `json:"takenAt"`
	ExerciseDeadline time.Time       `json:"exerciseDeadline"`
	State            OptionState     `json:"state"`

	// Filled on a terminal transition.
	RealizedProfit decimal.Decimal   `json:"realizedProfit"`
	ProtocolFee    *big.Int          `json:"protocolFee,omitempty"`
	Liquidator     *common.Address   `json:"liquidator,omitempty"`
	LiquidationFee decimal.Decimal   `json:"liquidationFee"`
	Settlement     *SettlementResult `json:"settlement,omitempty"`
	ClosedAt       *time.Time        `json:"closedAt,omitempty"`
}

// Clone returns a deep copy of the option.
func (o ActiveOption) Clone() ActiveOption {
	out := o
	out.AmountTaken = cloneInt(o.AmountTaken)
	out.DailyPremium = cloneInt(o.DailyPremium)
	out.TotalPremiumPaid = cloneInt(o.TotalPremiumPaid)
	out.ProtocolFee = cloneInt(o.ProtocolFee)
	if o.Liquidator != nil {
		l := *o.Liquidator
		out.Liquidator = &l
	}
	if o.Settlement != nil {
		s := o.Settlement.Clone()
		out.Settlement = &s
	}
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		out.ClosedAt = &t
	}
	return out
}
