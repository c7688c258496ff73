package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parley.chat/internal/obs"
)

const defaultLookupTimeout = 2 * time.Second

// Authorizer evaluates privileged-action preconditions against stored state.
// Any failure to load that state is a denial.
type Authorizer struct {
	subjects SubjectStore
	timeouts TimeoutStore
	factors  SecondFactor
	now      func() time.Time
	timeout  time.Duration
}

// AuthorizerOption customises an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithClock overrides the clock used to evaluate timeouts.
func WithClock(now func() time.Time) AuthorizerOption {
	return func(a *Authorizer) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLookupTimeout bounds each store lookup.
func WithLookupTimeout(d time.Duration) AuthorizerOption {
	return func(a *Authorizer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthorizer wires the stores the checks depend on.
func NewAuthorizer(subjects SubjectStore, timeouts TimeoutStore, factors SecondFactor, opts ...AuthorizerOption) (*Authorizer, error) {
	if subjects == nil || timeouts == nil || factors == nil {
		return nil, errors.New("auth: authorizer requires subject, timeout and second factor stores")
	}
	a := &Authorizer{
		subjects: subjects,
		timeouts: timeouts,
		factors:  factors,
		now:      time.Now,
		timeout:  defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Resolve loads the authorization state of subjectID. The stored role wins over
// whatever the bearer token declared.
func (a *Authorizer) Resolve(ctx context.Context, subjectID string) (State, error) {
	if subjectID == "" {
		return State{}, ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	subj, err := a.subjects.Subject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return State{}, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
		}
		return State{}, fmt.Errorf("%w: load subject: %v", ErrUnavailable, err)
	}
	st := State{SubjectID: subj.ID, Role: subj.Role}

	// Every role is checked: superelevated timeouts are issued out of band.
	now := a.now()
	t, err := a.timeouts.ActiveTimeout(ctx, subjectID, now)
	switch {
	case err == nil:
		if t.InEffect(now) {
			st.Suspended = true
			st.SuspendedUntil = t.ExpiresAt
		}
	case errors.Is(err, ErrNotFound):
	default:
		return State{}, fmt.Errorf("%w: load timeout: %v", ErrUnavailable, err)
	}

	enabled, err := a.factors.Enabled(ctx, subjectID)
	if err != nil {
		return State{}, fmt.Errorf("%w: load second factor: %v", ErrUnavailable, err)
	}
	st.SecondFactorEnabled = enabled
	return st, nil
}

// RequireElevated admits elevated and superelevated subjects that are not
// suspended and have a confirmed second factor.
func (a *Authorizer) RequireElevated(ctx context.Context, subjectID string) (State, error) {
	return a.require(ctx, subjectID, RoleElevated, "elevated")
}

// RequireSuperelevated is RequireElevated restricted to the superelevated tier.
func (a *Authorizer) RequireSuperelevated(ctx context.Context, subjectID string) (State, error) {
	return a.require(ctx, subjectID, RoleSuperelevated, "superelevated")
}

func (a *Authorizer) require(ctx context.Context, subjectID string, min Role, gate string) (State, error) {
	st, err := a.Resolve(ctx, subjectID)
	if err == nil {
		err = check(st, min)
	}
	obs.ObserveGate("role_"+gate, outcome(err))
	if err != nil {
		return st, err
	}
	return st, nil
}

func check(st State, min Role) error {
	if !st.Role.AtLeast(min) || !st.Role.Capabilities().Privileged {
		return ErrInsufficientRole
	}
	if st.Suspended {
		return fmt.Errorf("%w until %s", ErrSuspended, st.SuspendedUntil.UTC().Format(time.RFC3339))
	}
	if !st.SecondFactorEnabled {
		return ErrSecondFactorRequired
	}
	return nil
}

// Target loads targetID and checks that actor may act on it. Self-targeting is
// always rejected.
func (a *Authorizer) Target(ctx context.Context, actor State, targetID string) (Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	target, err := a.subjects.Subject(ctx, targetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Subject{}, err
		}
		return Subject{}, fmt.Errorf("%w: load target: %v", ErrUnavailable, err)
	}
	if err := CheckTarget(actor, target); err != nil {
		return target, err
	}
	return target, nil
}

// CheckTarget applies the role partial order between actor and target.
func CheckTarget(actor State, target Subject) error {
	if actor.SubjectID == target.ID {
		return fmt.Errorf("%w: cannot target self", ErrTargetRoleConflict)
	}
	if !actor.Role.CanActOn(target.Role) {
		return fmt.Errorf("%w: %s cannot act on %s", ErrTargetRoleConflict, actor.Role, target.Role)
	}
	return nil
}

// CheckSuspendable refuses timeouts against roles that cannot be suspended.
func CheckSuspendable(target Subject) error {
	if !target.Role.Capabilities().Suspendable {
		return fmt.Errorf("%w: %s cannot be suspended", ErrTargetRoleConflict, target.Role)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "allowed"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "denied"
	}
}
