// Package quota tracks per-period ceilings on privileged actions for roles that
// are not quota exempt.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parley.chat/internal/action"
	"parley.chat/internal/auth"
	"parley.chat/internal/obs"
)

var (
	ErrNotFound    = errors.New("quota: usage not found")
	ErrUnavailable = errors.New("quota: ledger unavailable")
	ErrExceeded    = errors.New("quota: exceeded")
	ErrInvalid     = errors.New("quota: invalid limit")
)

const defaultStoreTimeout = 2 * time.Second

// Limit is the ceiling for one action within one period.
type Limit struct {
	Count  int
	Period time.Duration
}

// Table maps role and action to a limit. Missing entries are unlimited.
type Table map[auth.Role]map[action.Type]Limit

// Lookup returns the limit for (role, a).
func (t Table) Lookup(role auth.Role, a action.Type) (Limit, bool) {
	byAction, ok := t[role]
	if !ok {
		return Limit{}, false
	}
	l, ok := byAction[a]
	return l, ok
}

// Usage is the stored counter of one subject for one action.
type Usage struct {
	SubjectID   string
	Action      action.Type
	Count       int
	PeriodStart time.Time
}

// Store persists usage counters.
type Store interface {
	// QuotaUsage returns the stored counter or ErrNotFound.
	QuotaUsage(ctx context.Context, subjectID string, a action.Type) (Usage, error)
	// IncrementQuota adds one to the counter. When the stored period started at or
	// before now-period the counter restarts at 1 with PeriodStart = now. The
	// reset and the increment happen in one atomic step.
	IncrementQuota(ctx context.Context, subjectID string, a action.Type, period time.Duration, now time.Time) (Usage, error)
}

// Decision is the result of a read-only quota check.
type Decision struct {
	Allowed    bool
	Exempt     bool
	Reason     string
	Used       int
	Remaining  int
	RetryAfter time.Duration
}

// Ledger evaluates and records quota consumption. Check never writes; the gap
// between Check and Increment lets concurrent requests overshoot a limit by at
// most the number of in-flight requests.
type Ledger struct {
	store   Store
	table   Table
	now     func() time.Time
	timeout time.Duration
}

// Option customises a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLedger validates table and returns a ledger backed by store.
func NewLedger(store Store, table Table, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("quota: store is required")
	}
	for role, byAction := range table {
		for a, lim := range byAction {
			if lim.Count <= 0 || lim.Period <= 0 {
				return nil, fmt.Errorf("%w: %s/%s count=%d period=%s", ErrInvalid, role, a, lim.Count, lim.Period)
			}
		}
	}
	l := &Ledger{store: store, table: table, now: time.Now, timeout: defaultStoreTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check reports whether subjectID may perform a once more in the current period.
// Store failures deny.
func (l *Ledger) Check(ctx context.Context, subjectID string, role auth.Role, a action.Type) (Decision, error) {
	if role.Capabilities().QuotaExempt {
		return Decision{Allowed: true, Exempt: true}, nil
	}
	limit, ok := l.table.Lookup(role, a)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	usage, err := l.store.QuotaUsage(ctx, subjectID, a)
	switch {
	case errors.Is(err, ErrNotFound):
		usage = Usage{}
	case err != nil:
		obs.ObserveGate("quota", "unavailable")
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := l.now()
	periodEnd := usage.PeriodStart.Add(limit.Period)
	used := usage.Count
	if usage.PeriodStart.IsZero() || !now.Before(periodEnd) {
		used = 0
	}
	if used >= limit.Count {
		obs.ObserveGate("quota", "denied")
		return Decision{
			Reason:     fmt.Sprintf("%s quota of %d per %s reached", a, limit.Count, limit.Period),
			Used:       used,
			RetryAfter: periodEnd.Sub(now),
		}, nil
	}
	obs.ObserveGate("quota", "allowed")
	return Decision{Allowed: true, Used: used, Remaining: limit.Count - used}, nil
}

// Increment records one successful a by subjectID.
func (l *Ledger) Increment(ctx context.Context, subjectID string, role auth.Role, a action.Type) error {
	if role.Capabilities().QuotaExempt {
		return nil
	}
	limit, ok := l.table.Lookup(role, a)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if _, err := l.store.IncrementQuota(ctx, subjectID, a, limit.Period, l.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
