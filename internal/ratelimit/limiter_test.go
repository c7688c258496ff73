package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley.chat/internal/action"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokenCache struct{}

func (brokenCache) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}
func (brokenCache) Expire(context.Context, string, time.Duration) error { return nil }
func (brokenCache) TTL(context.Context, string) (time.Duration, error)  { return 0, nil }

func newMemoryLimiter(t *testing.T, clock *fakeClock, rules map[action.Type]Rule) *Limiter {
	t.Helper()
	l, err := New(NewMemoryCache(clock.Now), rules)
	require.NoError(t, err)
	return l
}

func TestCheckCountsWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newMemoryLimiter(t, clock, nil)
	rule := Rule{Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i, wantRemaining := range []int{2, 1, 0} {
		res, err := l.Check(ctx, "k", rule)
		require.NoError(t, err)
		require.Truef(t, res.Allowed, "attempt %d should be allowed", i+1)
		require.Equal(t, wantRemaining, res.Remaining)
		require.Equal(t, 60, res.ResetSeconds)
	}

	clock.Advance(20 * time.Second)
	res, err := l.Check(ctx, "k", rule)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, 40, res.ResetSeconds)
	require.Equal(t, 40*time.Second, res.RetryAfter())
}

func TestCheckStartsNewWindowAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newMemoryLimiter(t, clock, nil)
	rule := Rule{Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	res, err := l.Check(ctx, "k", rule)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, "k", rule)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clock.Advance(10 * time.Second)
	res, err = l.Check(ctx, "k", rule)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestCheckRepairsMissingTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := NewMemoryCache(clock.Now)
	// Counter left behind without an expiry.
	_, _ = cache.Incr(context.Background(), "k")

	l, err := New(cache, nil)
	require.NoError(t, err)
	res, err := l.Check(context.Background(), "k", Rule{Limit: 5, Window: 30 * time.Second})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 30, res.ResetSeconds)

	ttl, err := cache.TTL(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, ttl)
}

func TestCheckFailsOpenWhenCacheIsDown(t *testing.T) {
	l, err := New(brokenCache{}, map[action.Type]Rule{action.Login: {Limit: 10, Window: 15 * time.Minute}})
	require.NoError(t, err)

	res, err := l.Allow(context.Background(), action.Login, "203.0.113.7")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, res.FailedOpen)
	require.Equal(t, 10, res.Remaining)
}

func TestCheckFailsClosedWhenConfigured(t *testing.T) {
	l, err := New(brokenCache{}, nil, WithFailurePolicy(FailClosed))
	require.NoError(t, err)

	_, err = l.Check(context.Background(), "k", Rule{Limit: 1, Window: time.Minute})
	require.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestAllowUnknownAction(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newMemoryLimiter(t, clock, nil)
	_, err := l.Allow(context.Background(), action.AdminBan, "e1")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestAllowKeysPerActionAndIdentifier(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newMemoryLimiter(t, clock, map[action.Type]Rule{
		action.AdminBan:   {Limit: 1, Window: time.Minute},
		action.AdminUnban: {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	res, _ := l.Allow(ctx, action.AdminBan, "e1")
	require.True(t, res.Allowed)
	res, _ = l.Allow(ctx, action.AdminBan, "e1")
	require.False(t, res.Allowed)
	res, _ = l.Allow(ctx, action.AdminBan, "e2")
	require.True(t, res.Allowed)
	res, _ = l.Allow(ctx, action.AdminUnban, "e1")
	require.True(t, res.Allowed)
	require.Equal(t, "ratelimit:admin.ban:e1", Key(action.AdminBan, "e1"))
}

func TestCheckConcurrentAttemptsNeverExceedLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newMemoryLimiter(t, clock, nil)
	rule := Rule{Limit: 10, Window: time.Minute}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(context.Background(), "shared", rule)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 10, allowed.Load())
}

func TestNewRejectsInvalidRule(t *testing.T) {
	_, err := New(NewMemoryCache(nil), map[action.Type]Rule{action.Login: {Limit: 0, Window: time.Minute}})
	require.ErrorIs(t, err, ErrInvalidRule)
}
