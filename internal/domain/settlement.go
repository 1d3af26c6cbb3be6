package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SettlementMethod selects the routing strategy used to convert one token
// into another.
type SettlementMethod string

const (
	MethodLimitOrder    SettlementMethod = "LIMIT_ORDER"
	MethodUnoswap       SettlementMethod = "UNOSWAP"
	MethodGenericRouter SettlementMethod = "GENERIC_ROUTER"
)

// ParseSettlementMethod parses a method name case-insensitively. Unknown
// names are returned as-is so that routers with extra strategies can still
// resolve them.
func ParseSettlementMethod(s string) (SettlementMethod, error) {
	m := SettlementMethod(strings.ToUpper(strings.TrimSpace(s)))
	if m == "" {
		return "", fmt.Errorf("domain: empty settlement method")
	}
	return m, nil
}

// SettlementParams are the caller-supplied inputs of a settlement.
type SettlementParams struct {
	Method       SettlementMethod `json:"method"`
	TokenIn      common.Address   `json:"tokenIn"`
	TokenOut     common.Address   `json:"tokenOut"`
	AmountIn     *big.Int         `json:"amountIn"`
	MinAmountOut *big.Int         `json:"minAmountOut"`
	RoutingData  hexutil.Bytes    `json:"routingData,omitempty"`
	Deadline     time.Time        `json:"deadline"`
	// Payer is the custody account tokenIn is drawn from.
	Payer     common.Address `json:"payer"`
	Recipient common.Address `json:"recipient"`
	// Beneficiary, when set, receives BeneficiaryBps of the output net of
	// the protocol fee and Recipient the rest.
	Beneficiary    common.Address `json:"beneficiary,omitempty"`
	BeneficiaryBps int64          `json:"beneficiaryBps,omitempty"`
}

// SettlementQuote is a pure estimate returned by the router.
type SettlementQuote struct {
	AmountOut   *big.Int         `json:"amountOut"`
	Method      SettlementMethod `json:"method"`
	RoutingData hexutil.Bytes    `json:"routingData,omitempty"`
}

// SettlementResult is produced once per successful settlement and never
// mutated.
type SettlementResult struct {
	AmountIn    *big.Int         `json:"amountIn"`
	AmountOut   *big.Int         `json:"amountOut"`
	Method      SettlementMethod `json:"method"`
	ProtocolFee *big.Int         `json:"protocolFee"`
}

// Clone returns a deep copy of the result.
func (r SettlementResult) Clone() SettlementResult {
	return SettlementResult{
		AmountIn:    cloneInt(r.AmountIn),
		AmountOut:   cloneInt(r.AmountOut),
		Method:      r.Method,
		ProtocolFee: cloneInt(r.ProtocolFee),
	}
}
