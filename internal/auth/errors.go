package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrForbidden       = errors.New("auth: forbidden")
	// ErrUnavailable means the authorization state could not be loaded. Callers must
	// treat it as a denial.
	ErrUnavailable = errors.New("auth: authorization state unavailable")
)

// Forbidden refinements; all match ErrForbidden with errors.Is.
var (
	ErrInsufficientRole     = fmt.Errorf("%w: insufficient role", ErrForbidden)
	ErrSuspended            = fmt.Errorf("%w: subject is suspended", ErrForbidden)
	ErrSecondFactorRequired = fmt.Errorf("%w: second factor required", ErrForbidden)
	ErrTargetRoleConflict   = fmt.Errorf("%w: target role conflict", ErrForbidden)
)
