package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// OptionType is the payoff direction of an option.
type OptionType uint8

const (
	OptionTypeCall OptionType = 0
	OptionTypePut  OptionType = 1
)

// String returns the wire name of the option type.
func (t OptionType) String() string {
	switch t {
	case OptionTypeCall:
		return "CALL"
	case OptionTypePut:
		return "PUT"
	default:
		return fmt.Sprintf("OptionType(%d)", uint8(t))
	}
}

// Valid reports whether t is CALL or PUT.
func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// MarshalText encodes the option type as "CALL" or "PUT".
func (t OptionType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("domain: invalid option type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText accepts "CALL"/"PUT" case-insensitively.
func (t *OptionType) UnmarshalText(text []byte) error {
	v, err := ParseOptionType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseOptionType parses "CALL" or "PUT".
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL":
		return OptionTypeCall, nil
	case "PUT":
		return OptionTypePut, nil
	default:
		return 0, fmt.Errorf("domain: unknown option type %q", s)
	}
}

// CommitmentType tells whether the creator is providing liquidity or asking
// for it.
type CommitmentType uint8

const (
	CommitmentTypeLPOffer     CommitmentType = 0
	CommitmentTypeTakerDemand CommitmentType = 1
)

// String returns the wire name of the commitment type.
func (t CommitmentType) String() string {
	switch t {
	case CommitmentTypeLPOffer:
		return "LP_OFFER"
	case CommitmentTypeTakerDemand:
		return "TAKER_DEMAND"
	default:
		return fmt.Sprintf("CommitmentType(%d)", uint8(t))
	}
}

// Valid reports whether t is LP_OFFER or TAKER_DEMAND.
func (t CommitmentType) Valid() bool {
	return t == CommitmentTypeLPOffer || t == CommitmentTypeTakerDemand
}

// MarshalText encodes the commitment type by name.
func (t CommitmentType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("domain: invalid commitment type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText accepts "LP_OFFER"/"TAKER_DEMAND" case-insensitively.
func (t *CommitmentType) UnmarshalText(text []byte) error {
	v, err := ParseCommitmentType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseCommitmentType parses "LP_OFFER" or "TAKER_DEMAND".
func ParseCommitmentType(s string) (CommitmentType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LP_OFFER", "LP":
		return CommitmentTypeLPOffer, nil
	case "TAKER_DEMAND", "TAKER":
		return CommitmentTypeTakerDemand, nil
	default:
		return 0, fmt.Errorf("domain: unknown commitment type %q", s)
	}
}

// SchemaVersion identifies which typed-data struct a commitment was signed
// under.
type SchemaVersion string

const (
	SchemaUnified SchemaVersion = "unified"
	// SchemaLegacy is the LP-only struct. Deprecated: accepted for
	// compatibility, new commitments use SchemaUnified.
	SchemaLegacy SchemaVersion = "legacy"
)

// Commitment is a signed, immutable intent to enter an option over a
// duration window. Amount and PremiumRate are minimal units (wei of the
// underlying, smallest unit of the quote currency).
type Commitment struct {
	Creator         common.Address `json:"creator"`
	Asset           common.Address `json:"asset"`
	Amount          *big.Int       `json:"amount"`
	PremiumRate     *big.Int       `json:"premiumRate"` // daily for LP_OFFER, total for TAKER_DEMAND
	MinDurationDays uint32         `json:"minDurationDays"`
	MaxDurationDays uint32         `json:"maxDurationDays"`
	OptionType      OptionType     `json:"optionType"`
	CommitmentType  CommitmentType `json:"commitmentType"`
	Expiry          int64          `json:"expiry"` // unix seconds
	Nonce           *big.Int       `json:"nonce"`
	Fractionable    bool           `json:"fractionable"`
	Schema          SchemaVersion  `json:"schema,omitempty"`
	Signature       hexutil.Bytes  `json:"signature"`
}

// SchemaOrDefault returns the schema, treating the zero value as unified.
func (c Commitment) SchemaOrDefault() SchemaVersion {
	if c.Schema == "" {
		return SchemaUnified
	}
	return c.Schema
}

// ExpiresAt returns Expiry as a time.
func (c Commitment) ExpiresAt() time.Time {
	return time.Unix(c.Expiry, 0).UTC()
}

// IsExpired reports whether the commitment expiry is not strictly in the
// future at now.
func (c Commitment) IsExpired(now time.Time) bool {
	return now.Unix() >= c.Expiry
}

// AllowsDuration reports whether days lies inside the inclusive window.
func (c Commitment) AllowsDuration(days uint32) bool {
	return days >= c.MinDurationDays && days <= c.MaxDurationDays
}

// Clone returns a deep copy so callers cannot mutate a stored commitment
// through shared big.Int or byte-slice pointers.
func (c Commitment) Clone() Commitment {
	out := c
	out.Amount = cloneInt(c.Amount)
	out.PremiumRate = cloneInt(c.PremiumRate)
	out.Nonce = cloneInt(c.Nonce)
	if c.Signature != nil {
		out.Signature = append([]byte(nil), c.Signature...)
	}
	return out
}

// LegacyCommitment is the deprecated LP-only commitment shape. Its field
// names follow the legacy typed-data struct.
type LegacyCommitment struct {
	LP               common.Address `json:"lp"`
	Asset            common.Address `json:"asset"`
	Amount           *big.Int       `json:"amount"`
	DailyPremiumUsdc *big.Int       `json:"dailyPremiumUsdc"`
	MinLockDays      uint32         `json:"minLockDays"`
	MaxDurationDays  uint32         `json:"maxDurationDays"`
	OptionType       OptionType     `json:"optionType"`
	Expiry           int64          `json:"expiry"`
	Nonce            *big.Int       `json:"nonce"`
	Fractionable     bool           `json:"fractionable"`
	Signature        hexutil.Bytes  `json:"signature"`
}

// Unified maps a legacy LP offer onto the unified commitment model. The
// result keeps SchemaLegacy so its signature is checked against the legacy
// struct.
func (l LegacyCommitment) Unified() Commitment {
	return Commitment{
		Creator:         l.LP,
		Asset:           l.Asset,
		Amount:          cloneInt(l.Amount),
		PremiumRate:     cloneInt(l.DailyPremiumUsdc),
		MinDurationDays: l.MinLockDays,
		MaxDurationDays: l.MaxDurationDays,
		OptionType:      l.OptionType,
		CommitmentType:  CommitmentTypeLPOffer,
		Expiry:          l.Expiry,
		Nonce:           cloneInt(l.Nonce),
		Fractionable:    l.Fractionable,
		Schema:          SchemaLegacy,
		Signature:       append([]byte(nil), l.Signature...),
	}
}

// CommitmentStatus is the capacity state of an accepted commitment.
type CommitmentStatus string

const (
	CommitmentOpen              CommitmentStatus = "open"
	CommitmentPartiallyConsumed CommitmentStatus = "partially_consumed"
	CommitmentConsumed          CommitmentStatus = "consumed"
	CommitmentRetired           CommitmentStatus = "retired"
)

// Terminal reports whether no further reservation can succeed.
func (s CommitmentStatus) Terminal() bool {
	return s == CommitmentConsumed || s == CommitmentRetired
}

// Capacity tracks how much of a commitment is still available.
type Capacity struct {
	Hash         common.Hash
	Original     *big.Int
	Remaining    *big.Int
	Status       CommitmentStatus
	RetireReason string
	UpdatedAt    time.Time
}

// StatusFor derives the capacity status from remaining vs original amounts.
func StatusFor(original, remaining *big.Int) CommitmentStatus {
	switch {
	case remaining.Sign() == 0:
		return CommitmentConsumed
	case remaining.Cmp(original) < 0:
		return CommitmentPartiallyConsumed
	default:
		return CommitmentOpen
	}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
