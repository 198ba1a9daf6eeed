package rewards

import (
	"errors"
	"fmt"
)

// Taxonomy roots. Callers branch on these with errors.Is; specific sentinels
// below wrap the root they belong to.
var (
	// ErrValidation marks an ineligible position or malformed input. Reported,
	// never retried.
	ErrValidation = errors.New("rewards: validation failed")
	// ErrCapacity marks a cap or balance limit. Retryable next period.
	ErrCapacity = errors.New("rewards: capacity exceeded")
	// ErrUnauthorized marks a caller without the required role. Fatal for the
	// call and audited.
	ErrUnauthorized = errors.New("rewards: unauthorized")
	// ErrStateConflict marks double-claims, re-registrations and similar
	// conflicts. Benign no-op where possible, otherwise rejected.
	ErrStateConflict = errors.New("rewards: state conflict")
	// ErrDataUnavailable marks a missing market-data input. Triggers the
	// fail-closed policy; data is never fabricated.
	ErrDataUnavailable = errors.New("rewards: data unavailable")
)

var (
	ErrNilConfig          = fmt.Errorf("%w: nil configuration", ErrValidation)
	ErrAmountNotPositive  = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrNegativeInput      = fmt.Errorf("%w: negative input", ErrValidation)
	ErrDailyCapExceeded   = fmt.Errorf("%w: daily distribution cap exceeded", ErrCapacity)
	ErrInsufficientFunds  = fmt.Errorf("%w: treasury balance insufficient", ErrCapacity)
	ErrPaused             = fmt.Errorf("%w: custodian paused", ErrStateConflict)
	ErrLotNotFound        = fmt.Errorf("%w: lot not found", ErrStateConflict)
	ErrLotLocked          = fmt.Errorf("%w: lot still locked", ErrStateConflict)
	ErrLotAlreadyClaimed  = fmt.Errorf("%w: lot already claimed", ErrStateConflict)
	ErrTokenNotRegistered = fmt.Errorf("%w: token not registered", ErrStateConflict)
	ErrTokenNotRemovable  = fmt.Errorf("%w: token not removable", ErrStateConflict)
	ErrNoActiveToken      = fmt.Errorf("%w: no active token configured", ErrStateConflict)
)

func wrapValidation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
