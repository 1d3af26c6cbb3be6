package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// Error classes. Every error returned by the ledgers and the router wraps
// exactly one of these so callers can branch with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrSignature  = errors.New("signature error")
	ErrCapacity   = errors.New("capacity error")
	ErrDuration   = errors.New("duration error")
	ErrSettlement = errors.New("settlement error")
	ErrDeadline   = errors.New("deadline error")
	ErrStalePrice = errors.New("stale price error")
)

var (
	ErrInvalidCommitment  = fmt.Errorf("%w: invalid commitment", ErrValidation)
	ErrDuplicate          = fmt.Errorf("%w: commitment already accepted", ErrValidation)
	ErrNotProfitable      = fmt.Errorf("%w: option is not in the money", ErrValidation)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid state transition", ErrValidation)
	ErrSettlementInFlight = fmt.Errorf("%w: settlement already in flight", ErrValidation)
	ErrInvalidAmount      = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrSettlementMismatch = fmt.Errorf("%w: settlement does not match option", ErrValidation)

	ErrBadSignature = fmt.Errorf("%w: signer mismatch or malformed signature", ErrSignature)

	ErrInsufficientCapacity = fmt.Errorf("%w: insufficient remaining capacity", ErrCapacity)
	ErrNotFractionable      = fmt.Errorf("%w: commitment is not fractionable", ErrCapacity)
	ErrRetired              = fmt.Errorf("%w: commitment retired", ErrCapacity)

	ErrDurationOutOfRange = fmt.Errorf("%w: duration outside commitment window", ErrDuration)

	ErrInsufficientOutput = fmt.Errorf("%w: output below minimum", ErrSettlement)
	ErrUnsupportedMethod  = fmt.Errorf("%w: unsupported settlement method", ErrSettlement)
	ErrNoLiquidity        = fmt.Errorf("%w: no liquidity for pair", ErrSettlement)
	ErrInsufficientFunds  = fmt.Errorf("%w: insufficient vault balance", ErrSettlement)

	ErrExpired            = fmt.Errorf("%w: expired", ErrDeadline)
	ErrDeadlineExceeded   = fmt.Errorf("%w: deadline exceeded", ErrDeadline)
	ErrDeadlineNotReached = fmt.Errorf("%w: exercise deadline not reached", ErrDeadline)

	ErrPriceMovedTooFar = fmt.Errorf("%w: price moved beyond tolerance", ErrStalePrice)
	ErrPriceUnavailable = fmt.Errorf("%w: price unavailable", ErrStalePrice)
)

// Violation is one broken structural or temporal rule.
type Violation struct {
	Rule    string `json:"rule"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every violated rule of a commitment.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invalid commitment: " + strings.Join(parts, "; ")
}

// Is makes a ValidationError match ErrValidation and ErrInvalidCommitment.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || target == ErrInvalidCommitment
}
