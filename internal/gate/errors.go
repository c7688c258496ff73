package gate

import (
	"errors"
	"fmt"
	"time"

	"parley.chat/internal/auth"
)

var (
	ErrInvalidInput = errors.New("gate: invalid input")
	// ErrInvalidState is a well-formed request that conflicts with current state,
	// such as unlocking a room that is not locked.
	ErrInvalidState    = fmt.Errorf("%w: invalid state", ErrInvalidInput)
	ErrNotFound        = errors.New("gate: not found")
	ErrRateLimited     = errors.New("gate: rate limit exceeded")
	ErrQuotaExceeded   = errors.New("gate: quota exceeded")
	ErrFlood           = errors.New("gate: sending too quickly")
	ErrRejectedContent = errors.New("gate: message rejected")
	ErrBanned          = fmt.Errorf("%w: subject is banned", auth.ErrForbidden)
)

// RetryError is a capacity rejection that tells the caller when to come back.
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *RetryError) Unwrap() error { return e.Err }

func retry(err error, after time.Duration) error {
	if after < time.Second {
		after = time.Second
	}
	return &RetryError{Err: err, RetryAfter: after}
}
