package game

import (
	"errors"
	"fmt"

	"tradecycle/internal/store"
)

var (
	ErrInvalidQuantity   = errors.New("quantity must be > 0")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientStock = errors.New("insufficient warehouse stock")
	ErrMarketLocked      = errors.New("market is locked for this user")
	ErrCycleNotActive    = errors.New("cycle is not active")
	ErrNotPlayer         = errors.New("only players can trade")
	ErrUnknownParam      = errors.New("unknown parameter")
	ErrInvalidValue      = errors.New("invalid value")

	ErrDuplicateIdempotency = store.ErrDuplicateIdempotency
	ErrUnauthorized         = errors.New("unauthorized")

	// ErrPrecondition marks operator errors. Settlement aborts on them.
	ErrPrecondition   = errors.New("precondition violated")
	ErrCycleNotFound  = fmt.Errorf("%w: cycle not found", ErrPrecondition)
	ErrMarketNotFound = fmt.Errorf("%w: market not found", ErrPrecondition)
	ErrUserNotFound   = fmt.Errorf("%w: user not found", ErrPrecondition)
	ErrAlreadyBooted  = fmt.Errorf("%w: world already bootstrapped", ErrPrecondition)
)

// RejectedError is a user-facing validation rejection raised before any
// side effect.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func reject(err error, format string, args ...any) error {
	return &RejectedError{Err: err, Reason: fmt.Sprintf(format, args...)}
}

func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// notFound converts store misses into precondition errors.
func notFound(err, as error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", as, err)
	}
	return err
}
