// Package ratelimit implements the fixed-window counter shared by every process
// through a key-value cache.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"parley.chat/internal/action"
	"parley.chat/internal/obs"
)

var (
	ErrCacheUnavailable = errors.New("ratelimit: cache unavailable")
	ErrUnknownAction    = errors.New("ratelimit: no rule for action")
	ErrInvalidRule      = errors.New("ratelimit: invalid rule")
)

const defaultCallTimeout = 250 * time.Millisecond

// Cache is the subset of a shared key-value store the limiter needs. TTL reports
// zero or a negative duration when the key has no expiry.
type Cache interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Rule is the per-action {limit, window} pair.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) validate() error {
	if r.Limit <= 0 || r.Window < time.Second {
		return fmt.Errorf("%w: limit=%d window=%s", ErrInvalidRule, r.Limit, r.Window)
	}
	return nil
}

// Result is the outcome of one counted attempt.
type Result struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
	// FailedOpen is set when the cache could not be reached and the attempt was admitted anyway.
	FailedOpen bool
}

// RetryAfter is ResetSeconds as a duration.
func (r Result) RetryAfter() time.Duration {
	return time.Duration(r.ResetSeconds) * time.Second
}

// FailurePolicy decides what a cache outage means.
type FailurePolicy int

const (
	// FailOpen admits the attempt and records the outage.
	FailOpen FailurePolicy = iota
	// FailClosed rejects the attempt with ErrCacheUnavailable.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// Limiter counts attempts per (action, identifier) in fixed windows.
type Limiter struct {
	cache   Cache
	rules   map[action.Type]Rule
	policy  FailurePolicy
	timeout time.Duration
	log     *logrus.Logger
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithFailurePolicy overrides the default FailOpen policy.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithCallTimeout bounds every cache round trip.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLogger overrides obs.Logger().
func WithLogger(log *logrus.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// New builds a limiter over cache with the given per-action rules.
func New(cache Cache, rules map[action.Type]Rule, opts ...Option) (*Limiter, error) {
	if cache == nil {
		return nil, errors.New("ratelimit: cache is required")
	}
	copied := make(map[action.Type]Rule, len(rules))
	for a, r := range rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
		copied[a] = r
	}
	l := &Limiter{
		cache:   cache,
		rules:   copied,
		policy:  FailOpen,
		timeout: defaultCallTimeout,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Key is the cache key of the counter for (a, identifier).
func Key(a action.Type, identifier string) string {
	return "ratelimit:" + string(a) + ":" + identifier
}

// Rule returns the configured rule for a.
func (l *Limiter) Rule(a action.Type) (Rule, bool) {
	r, ok := l.rules[a]
	return r, ok
}

// Allow counts one attempt of a by identifier against the configured rule.
func (l *Limiter) Allow(ctx context.Context, a action.Type, identifier string) (Result, error) {
	rule, ok := l.rules[a]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, a)
	}
	res, err := l.Check(ctx, Key(a, identifier), rule)
	if res.FailedOpen {
		obs.RateLimitFailedOpen(string(a))
	}
	outcome := "allowed"
	switch {
	case err != nil:
		outcome = "unavailable"
	case !res.Allowed:
		outcome = "denied"
	}
	obs.ObserveGate("ratelimit", outcome)
	return res, err
}

// Check increments key and compares the post-increment count with rule.Limit.
// The TTL is set by whichever request creates the counter.
func (l *Limiter) Check(ctx context.Context, key string, rule Rule) (Result, error) {
	if err := rule.validate(); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.cache.Incr(ctx, key)
	if err != nil {
		return l.unavailable(key, rule, err)
	}

	ttl := rule.Window
	if count == 1 {
		if err := l.cache.Expire(ctx, key, rule.Window); err != nil {
			l.log.WithError(err).WithField("key", key).Warn("ratelimit: set window ttl")
		}
	} else {
		got, err := l.cache.TTL(ctx, key)
		switch {
		case err != nil:
			l.log.WithError(err).WithField("key", key).Warn("ratelimit: read ttl")
		case got <= 0:
			// The creating request died between INCR and EXPIRE.
			if err := l.cache.Expire(ctx, key, rule.Window); err != nil {
				l.log.WithError(err).WithField("key", key).Warn("ratelimit: repair window ttl")
			}
		default:
			ttl = got
		}
	}

	remaining := int64(rule.Limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:      count <= int64(rule.Limit),
		Remaining:    int(remaining),
		ResetSeconds: int(math.Ceil(ttl.Seconds())),
	}, nil
}

func (l *Limiter) unavailable(key string, rule Rule, cause error) (Result, error) {
	entry := l.log.WithError(cause).WithFields(logrus.Fields{"key": key, "policy": l.policy.String()})
	if l.policy == FailClosed {
		entry.Error("ratelimit: cache unavailable, rejecting")
		return Result{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, cause)
	}
	entry.Warn("ratelimit: cache unavailable, admitting")
	return Result{
		Allowed:      true,
		Remaining:    rule.Limit,
		ResetSeconds: int(math.Ceil(rule.Window.Seconds())),
		FailedOpen:   true,
	}, nil
}
