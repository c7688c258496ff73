package auth

import (
	"context"
	"time"
)

// SubjectStore resolves stored accounts.
type SubjectStore interface {
	Subject(ctx context.Context, id string) (Subject, error)
}

// TimeoutStore persists AdminTimeout records.
type TimeoutStore interface {
	// ActiveTimeout returns the timeout in effect at now with the latest expiry,
	// or ErrNotFound.
	ActiveTimeout(ctx context.Context, subjectID string, now time.Time) (Timeout, error)
	CreateTimeout(ctx context.Context, t Timeout) error
	// LiftTimeouts deactivates every active timeout of the subject and reports how many changed.
	LiftTimeouts(ctx context.Context, subjectID string, at time.Time) (int, error)
}

// SecondFactor reports whether a subject has a confirmed second factor.
type SecondFactor interface {
	Enabled(ctx context.Context, subjectID string) (bool, error)
}
