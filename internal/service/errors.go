package service

import (
	"errors"
	"fmt"
	"math"
	"time"

	"teenlancer/internal/store"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = store.ErrNotFound
	ErrExpired                = errors.New("approval expired")
	ErrAlreadyDecided         = errors.New("approval already decided with a different outcome")
	ErrNotPending             = errors.New("approval is no longer pending")
	ErrAlreadyRegistered      = errors.New("an account already exists for this email")
	ErrParentApprovalRequired = errors.New("parent approval required")
	ErrParentNotLinked        = errors.New("no parent with a phone number is linked to this account")
	ErrForbiddenRole          = errors.New("role not allowed for this operation")
	ErrTooManyAttempts        = errors.New("too many attempts, request a new code")
	ErrInvalidCode            = errors.New("invalid code")
	ErrCodeExpired            = errors.New("code expired, request a new code")
	ErrProviderFailed         = errors.New("provider failed")
	ErrSideEffectTimeout      = errors.New("timed out waiting for account setup")
)

// RateLimitError tells the caller how long to wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry in %ds", e.Reason, e.RetryAfterSeconds())
}

func (e *RateLimitError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// InvalidCodeError is a wrong OTP submission. It matches ErrInvalidCode.
type InvalidCodeError struct {
	AttemptsLeft int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid code, %d attempts left", e.AttemptsLeft)
}

func (e *InvalidCodeError) Is(target error) bool { return target == ErrInvalidCode }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
