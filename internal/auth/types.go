package auth

import "time"

// Principal is the authenticated caller as declared by the identity provider.
type Principal struct {
	SubjectID string
	Role      Role
}

// Subject is a stored account together with its authoritative role.
type Subject struct {
	ID           string
	Role         Role
	PasswordHash string
	CreatedAt    time.Time
}

// Timeout is a time-bounded suspension of an elevated subject.
type Timeout struct {
	ID        string
	SubjectID string
	Reason    string
	IssuedBy  string
	IssuedAt  time.Time
	Duration  time.Duration
	ExpiresAt time.Time
	Active    bool
}

// InEffect reports whether the timeout suspends its subject at now. Expiry is
// evaluated here rather than by flipping Active.
func (t Timeout) InEffect(now time.Time) bool {
	return t.Active && now.Before(t.ExpiresAt)
}

// State is the authorization view of a subject at one evaluation instant.
type State struct {
	SubjectID           string
	Role                Role
	Suspended           bool
	SuspendedUntil      time.Time
	SecondFactorEnabled bool
}
