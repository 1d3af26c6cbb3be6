// Package commitment validates signed commitments and owns their remaining
// capacity once accepted.
package commitment

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/alanyoungcy/optionmarket/internal/crypto"
	"github.com/alanyoungcy/optionmarket/internal/domain"
)

// Rule names reported in violations.
const (
	RuleRequired       = "required"
	RuleAmountBand     = "amount_band"
	RuleUint256        = "uint256_range"
	RuleMinDuration    = "min_duration"
	RuleMaxDuration    = "max_duration"
	RuleDurationWindow = "duration_window"
	RuleOptionType     = "option_type"
	RuleCommitmentType = "commitment_type"
	RuleExpiryFuture   = "expiry_future"
	RuleLegacyType     = "legacy_commitment_type"
)

// Retirement reasons.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "expired"
	ReasonInsolvent        = "insufficient_balance_or_allowance"
)

// Rules is the protocol-wide band a commitment must fall in.
type Rules struct {
	MinAmount       *big.Int
	MaxAmount       *big.Int
	MinDurationDays uint32
	MaxDurationDays uint32
}

// DefaultRules allows 0.001 to 1 whole units of an 18-decimal underlying
// over 1 to 365 days.
func DefaultRules() Rules {
	return Rules{
		MinAmount:       big.NewInt(1_000_000_000_000_000),
		MaxAmount:       big.NewInt(1_000_000_000_000_000_000),
		MinDurationDays: 1,
		MaxDurationDays: 365,
	}
}

// ValidationResult lists every violated rule of one commitment.
type ValidationResult struct {
	Violations []domain.Violation
}

// Valid reports whether no rule was violated.
func (r ValidationResult) Valid() bool { return len(r.Violations) == 0 }

// Err returns a *domain.ValidationError, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &domain.ValidationError{Violations: r.Violations}
}

func (r *ValidationResult) add(rule, field, format string, args ...any) {
	r.Violations = append(r.Violations, domain.Violation{
		Rule:    rule,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// RetireDecision is the outcome of the garbage-collection policy. Err is
// set when an external check could not be completed; the commitment is then
// kept and the check retried on the next sweep.
type RetireDecision struct {
	Retire bool
	Reason string
	Err    error
}

// Validator checks commitments against Rules and the signing domain. It
// holds no mutable state and is safe for concurrent use.
type Validator struct {
	rules  Rules
	domain crypto.Domain
	now    func() time.Time
}

// NewValidator creates a validator. A nil clock means time.Now.
func NewValidator(rules Rules, d crypto.Domain, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{rules: rules, domain: d, now: now}
}

// Rules returns the configured rules.
func (v *Validator) Rules() Rules { return v.rules }

// ValidateStructure checks the structural and temporal rules of c and
// returns every violation.
func (v *Validator) ValidateStructure(c domain.Commitment) ValidationResult {
	var res ValidationResult

	if c.Creator == (common.Address{}) {
		res.add(RuleRequired, "creator", "must be a non-zero address")
	}
	if c.Asset == (common.Address{}) {
		res.add(RuleRequired, "asset", "must be a non-zero address")
	}

	switch {
	case c.Amount == nil:
		res.add(RuleRequired, "amount", "is required")
	case !inUint256(c.Amount):
		res.add(RuleUint256, "amount", "must fit in uint256")
	case v.rules.MinAmount != nil && c.Amount.Cmp(v.rules.MinAmount) < 0:
		res.add(RuleAmountBand, "amount", "%s is below minimum %s", c.Amount, v.rules.MinAmount)
	case v.rules.MaxAmount != nil && c.Amount.Cmp(v.rules.MaxAmount) > 0:
		res.add(RuleAmountBand, "amount", "%s is above maximum %s", c.Amount, v.rules.MaxAmount)
	}

	switch {
	case c.PremiumRate == nil:
		res.add(RuleRequired, "premiumRate", "is required")
	case !inUint256(c.PremiumRate):
		res.add(RuleUint256, "premiumRate", "must fit in uint256")
	}

	switch {
	case c.Nonce == nil:
		res.add(RuleRequired, "nonce", "is required")
	case !inUint256(c.Nonce):
		res.add(RuleUint256, "nonce", "must fit in uint256")
	}

	if c.MinDurationDays < v.rules.MinDurationDays {
		res.add(RuleMinDuration, "minDurationDays", "must be at least %d", v.rules.MinDurationDays)
	}
	if c.MaxDurationDays > v.rules.MaxDurationDays {
		res.add(RuleMaxDuration, "maxDurationDays", "must be at most %d", v.rules.MaxDurationDays)
	}
	if c.MinDurationDays > c.MaxDurationDays {
		res.add(RuleDurationWindow, "minDurationDays", "%d exceeds maxDurationDays %d", c.MinDurationDays, c.MaxDurationDays)
	}

	if !c.OptionType.Valid() {
		res.add(RuleOptionType, "optionType", "must be CALL or PUT")
	}
	if !c.CommitmentType.Valid() {
		res.add(RuleCommitmentType, "commitmentType", "must be LP_OFFER or TAKER_DEMAND")
	}
	if c.SchemaOrDefault() == domain.SchemaLegacy && c.CommitmentType != domain.CommitmentTypeLPOffer {
		res.add(RuleLegacyType, "commitmentType", "legacy commitments are LP offers only")
	}

	if now := v.now(); c.IsExpired(now) {
		res.add(RuleExpiryFuture, "expiry", "%d is not after %d", c.Expiry, now.Unix())
	}
	return res
}

// ValidateSignature reports whether c is signed by its own creator.
func (v *Validator) ValidateSignature(c domain.Commitment) bool {
	return crypto.VerifyCommitment(v.domain, c)
}

// ShouldRetire decides whether an accepted commitment should be withdrawn
// from the marketplace. It is a pure policy over c, the clock and checks,
// and may be called any number of times. Whether the commitment is already
// consumed is for the ledger to decide.
func (v *Validator) ShouldRetire(ctx context.Context, c domain.Commitment, checks domain.SolvencyChecker) RetireDecision {
	if !v.ValidateSignature(c) {
		return RetireDecision{Retire: true, Reason: ReasonInvalidSignature}
	}
	if c.IsExpired(v.now()) {
		return RetireDecision{Retire: true, Reason: ReasonExpired}
	}
	if checks == nil {
		return RetireDecision{}
	}
	ok, err := checks.CanCover(ctx, c.Creator, c.Asset, c.Amount)
	if err != nil {
		return RetireDecision{Err: fmt.Errorf("commitment: solvency check: %w", err)}
	}
	if !ok {
		return RetireDecision{Retire: true, Reason: ReasonInsolvent}
	}
	return RetireDecision{}
}

func inUint256(v *big.Int) bool {
	return v.Sign() >= 0 && v.Cmp(math.MaxBig256) <= 0
}
