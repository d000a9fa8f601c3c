package domain

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/govinda777/zerodev-token-shop-sub001/pkg/clock"
)

// ErrorKind classifies a FaucetError.
type ErrorKind string

const (
	KindCooldownNotPassed         ErrorKind = "cooldown_not_passed"
	KindInsufficientFaucetBalance ErrorKind = "insufficient_faucet_balance"
	KindUnauthorized              ErrorKind = "unauthorized"
	KindInvalidParameter          ErrorKind = "invalid_parameter"
	KindClockUnavailable          ErrorKind = "clock_unavailable"
	KindStale                     ErrorKind = "stale"
	KindRateLimited               ErrorKind = "rate_limited"
	KindNotInitialized            ErrorKind = "not_initialized"
)

// FaucetError is the structured error every faucet operation fails with.
// Two FaucetErrors match under errors.Is when their kinds are equal.
type FaucetError struct {
	Kind             ErrorKind
	RemainingSeconds clock.Seconds
	Shortfall        Amount
	Message          string
	cause            error
}

func (e *FaucetError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	switch e.Kind {
	case KindCooldownNotPassed, KindRateLimited:
		msg = fmt.Sprintf("%s (retry in %ds)", msg, e.RemainingSeconds)
	case KindInsufficientFaucetBalance:
		msg = fmt.Sprintf("%s (short by %d)", msg, e.Shortfall)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

func (e *FaucetError) Unwrap() error { return e.cause }

func (e *FaucetError) Is(target error) bool {
	t, ok := target.(*FaucetError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrCooldownNotPassed         = &FaucetError{Kind: KindCooldownNotPassed, Message: "cooldown has not passed"}
	ErrInsufficientFaucetBalance = &FaucetError{Kind: KindInsufficientFaucetBalance, Message: "faucet is empty"}
	ErrUnauthorized              = &FaucetError{Kind: KindUnauthorized, Message: "caller is not the faucet owner"}
	ErrInvalidParameter          = &FaucetError{Kind: KindInvalidParameter, Message: "invalid parameter"}
	ErrClockUnavailable          = &FaucetError{Kind: KindClockUnavailable, Message: "authoritative clock unavailable"}
	ErrStale                     = &FaucetError{Kind: KindStale, Message: "snapshot is stale"}
	ErrRateLimited               = &FaucetError{Kind: KindRateLimited, Message: "too many claim attempts"}
	ErrNotInitialized            = &FaucetError{Kind: KindNotInitialized, Message: "faucet has not been initialized"}
)

// CooldownNotPassed reports how long the claimant still has to wait.
func CooldownNotPassed(remaining clock.Seconds) *FaucetError {
	return &FaucetError{Kind: KindCooldownNotPassed, RemainingSeconds: remaining, Message: ErrCooldownNotPassed.Message}
}

// InsufficientFaucetBalance reports how far the pool is from covering one claim.
func InsufficientFaucetBalance(shortfall Amount) *FaucetError {
	return &FaucetError{Kind: KindInsufficientFaucetBalance, Shortfall: shortfall, Message: ErrInsufficientFaucetBalance.Message}
}

// RateLimited reports a rejected claim attempt and when the window resets.
func RateLimited(retryAfter clock.Seconds) *FaucetError {
	return &FaucetError{Kind: KindRateLimited, RemainingSeconds: retryAfter, Message: ErrRateLimited.Message}
}

// InvalidParameter describes a rejected argument.
func InvalidParameter(format string, args ...interface{}) *FaucetError {
	return &FaucetError{Kind: KindInvalidParameter, Message: fmt.Sprintf(format, args...)}
}

// ClockUnavailable wraps the failure to read the authoritative clock.
func ClockUnavailable(cause error) *FaucetError {
	return &FaucetError{Kind: KindClockUnavailable, Message: ErrClockUnavailable.Message, cause: cause}
}

// Stale reports a view whose last authoritative read is older than the staleness bound.
// cause is the error of the latest failed read, if any.
func Stale(age time.Duration, cause error) *FaucetError {
	return &FaucetError{
		Kind:    KindStale,
		Message: fmt.Sprintf("%s (last read %s ago)", ErrStale.Message, age.Truncate(time.Second)),
		cause:   cause,
	}
}

// KindOf extracts the kind of the first FaucetError in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var fe *FaucetError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// AsFaucetError returns the first FaucetError in err's chain.
func AsFaucetError(err error) (*FaucetError, bool) {
	var fe *FaucetError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
