package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"parley.chat/internal/action"
	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/gate"
	"parley.chat/internal/quota"
	"parley.chat/internal/ratelimit"
	"parley.chat/internal/store/memory"
)

func TestBanUserRecordsSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := audit.WithRequestID(context.Background(), "req-42")
	ctx = audit.WithClient(ctx, audit.Client{SourceAddress: "203.0.113.9", UserAgent: "test"})

	res, err := h.svc.BanUser(ctx, mod1, gate.BanRequest{
		TargetID: "user-1",
		Reason:   "repeated spam in the lobby",
		Duration: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("BanUser: %v", err)
	}
	if res.BanID == "" || !res.ExpiresAt.Equal(h.clock.Now().Add(24*time.Hour)) {
		t.Fatalf("unexpected result %+v", res)
	}

	ban, err := h.store.ActiveBan(context.Background(), "user-1", h.clock.Now())
	if err != nil {
		t.Fatalf("ActiveBan: %v", err)
	}
	if ban.ID != res.BanID || ban.IssuedBy != "mod-1" {
		t.Fatalf("unexpected ban %+v", ban)
	}

	entries := h.audit()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if !e.Success || e.Action != action.AdminBan || e.Category != action.Moderate {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.ActorID != "mod-1" || e.ActorRole != "elevated" || e.TargetType != audit.TargetSubject || e.TargetID != "user-1" {
		t.Fatalf("unexpected actor or target %+v", e)
	}
	if e.Details["ban_id"] != res.BanID {
		t.Fatalf("expected ban_id %s in details, got %v", res.BanID, e.Details)
	}
	if e.RequestID != "req-42" || e.SourceAddress != "203.0.113.9" {
		t.Fatalf("request context missing from entry %+v", e)
	}
}

func TestBanUserRejectsInvalidInputWithoutAudit(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		req  gate.BanRequest
	}{
		{name: "short reason", req: gate.BanRequest{TargetID: "user-1", Reason: "spam!", Duration: time.Hour}},
		{name: "padded reason", req: gate.BanRequest{TargetID: "user-1", Reason: "   spam    ", Duration: time.Hour}},
		{name: "missing target", req: gate.BanRequest{Reason: "repeated spam in the lobby", Duration: time.Hour}},
		{name: "too short", req: gate.BanRequest{TargetID: "user-1", Reason: "repeated spam in the lobby", Duration: time.Second}},
		{name: "too long", req: gate.BanRequest{TargetID: "user-1", Reason: "repeated spam in the lobby", Duration: 400 * 24 * time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.BanUser(context.Background(), mod1, tc.req)
			if !errors.Is(err, gate.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if n := len(h.audit()); n != 0 {
		t.Fatalf("validation failures must not be audited, got %d entries", n)
	}
}

func TestBanUserTargetRules(t *testing.T) {
	cases := []struct {
		name    string
		actor   auth.Principal
		target  string
		wantErr error
	}{
		{name: "elevated on user", actor: mod1, target: "user-1"},
		{name: "superelevated on elevated", actor: root1, target: "mod-1"},
		{name: "elevated on elevated", actor: mod1, target: "mod-2", wantErr: auth.ErrTargetRoleConflict},
		{name: "elevated on superelevated", actor: mod1, target: "root-1", wantErr: auth.ErrTargetRoleConflict},
		{name: "superelevated on superelevated", actor: root1, target: "root-2", wantErr: auth.ErrTargetRoleConflict},
		{name: "self", actor: root1, target: "root-1", wantErr: auth.ErrTargetRoleConflict},
		{name: "unknown target", actor: mod1, target: "ghost", wantErr: gate.ErrNotFound},
		{name: "user actor", actor: user1, target: "user-2", wantErr: auth.ErrInsufficientRole},
		{name: "no second factor", actor: modBare, target: "user-1", wantErr: auth.ErrSecondFactorRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.ban(tc.actor, tc.target)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("ban: %v", err)
				}
				if !h.lastAudit().Success {
					t.Fatal("expected successful audit entry")
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			entries := h.audit()
			if len(entries) != 1 || entries[0].Success || entries[0].ErrorMessage == "" {
				t.Fatalf("expected one failed audit entry, got %+v", entries)
			}
			if _, err := h.store.ActiveBan(context.Background(), tc.target, h.clock.Now()); !errors.Is(err, gate.ErrNotFound) {
				t.Fatalf("denied ban must not be stored, got %v", err)
			}
		})
	}
}

func TestRoleConflictIsForbidden(t *testing.T) {
	h := newHarness(t)
	_, err := h.ban(mod1, "mod-2")
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden family, got %v", err)
	}
}

func TestStoredRoleOverridesDeclaredRole(t *testing.T) {
	h := newHarness(t)
	forged := auth.Principal{SubjectID: "user-1", Role: auth.RoleSuperelevated}
	if _, err := h.ban(forged, "user-2"); !errors.Is(err, auth.ErrInsufficientRole) {
		t.Fatalf("expected ErrInsufficientRole, got %v", err)
	}
	if got := h.lastAudit().ActorRole; got != "user" {
		t.Fatalf("expected stored role in audit entry, got %q", got)
	}
}

func TestUnauthenticatedIsNotAudited(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ban(auth.Principal{}, "user-1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if n := len(h.audit()); n != 0 {
		t.Fatalf("expected no audit entries, got %d", n)
	}
}

func TestUnbanUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.ban(mod1, "user-1"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	req := gate.UnbanRequest{TargetID: "user-1", Reason: "appeal accepted by staff"}
	if err := h.svc.UnbanUser(ctx, mod2, req); err != nil {
		t.Fatalf("UnbanUser: %v", err)
	}
	if _, err := h.store.ActiveBan(ctx, "user-1", h.clock.Now()); !errors.Is(err, gate.ErrNotFound) {
		t.Fatalf("expected no active ban, got %v", err)
	}
	if err := h.svc.UnbanUser(ctx, mod2, req); !errors.Is(err, gate.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second unban, got %v", err)
	}
	last := h.lastAudit()
	if last.Success || last.Action != action.AdminUnban {
		t.Fatalf("expected failed unban entry, got %+v", last)
	}
}

func TestSuspendedAdminIsDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.SuspendAdmin(ctx, root1, gate.SuspendRequest{
		TargetID: "mod-1",
		Reason:   "overreaching bans this week",
		Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("SuspendAdmin: %v", err)
	}
	if res.TimeoutID == "" {
		t.Fatal("expected timeout id")
	}
	if e := h.lastAudit(); !e.Success || e.Category != action.Critical {
		t.Fatalf("unexpected suspend entry %+v", e)
	}

	if _, err := h.ban(mod1, "user-1"); !errors.Is(err, auth.ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}

	lift := gate.LiftRequest{TargetID: "mod-1", Reason: "reviewed and cleared"}
	if err := h.svc.LiftSuspension(ctx, root2, lift); err != nil {
		t.Fatalf("LiftSuspension: %v", err)
	}
	if _, err := h.ban(mod1, "user-1"); err != nil {
		t.Fatalf("ban after lift: %v", err)
	}
	if err := h.svc.LiftSuspension(ctx, root2, lift); !errors.Is(err, gate.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second lift, got %v", err)
	}
}

func TestSuspensionExpires(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SuspendAdmin(context.Background(), root1, gate.SuspendRequest{
		TargetID: "mod-1",
		Reason:   "cooling off period",
		Duration: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("SuspendAdmin: %v", err)
	}
	h.clock.Advance(11 * time.Minute)
	if _, err := h.ban(mod1, "user-1"); err != nil {
		t.Fatalf("ban after expiry: %v", err)
	}
}

func TestSuspendedSuperelevatedIsDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	err := h.store.CreateTimeout(ctx, auth.Timeout{
		ID:        "t-root",
		SubjectID: "root-1",
		Reason:    "compromised credentials under review",
		IssuedBy:  "ops",
		IssuedAt:  now,
		Duration:  24 * time.Hour,
		ExpiresAt: now.Add(24 * time.Hour),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("CreateTimeout: %v", err)
	}

	if _, err := h.ban(root1, "user-1"); !errors.Is(err, auth.ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	if e := h.lastAudit(); e.Success || e.ActorID != "root-1" {
		t.Fatalf("expected failed entry for root-1, got %+v", e)
	}
	if _, err := h.store.ActiveBan(ctx, "user-1", h.clock.Now()); !errors.Is(err, gate.ErrNotFound) {
		t.Fatalf("suspended actor must not ban: %v", err)
	}
	_, err = h.svc.RevealRoomKey(ctx, root1, gate.RevealRequest{RoomID: "vault", Code: h.code("root-1")})
	if !errors.Is(err, auth.ErrSuspended) {
		t.Fatalf("RevealRoomKey: expected ErrSuspended, got %v", err)
	}

	h.clock.Advance(25 * time.Hour)
	if _, err := h.ban(root1, "user-1"); err != nil {
		t.Fatalf("ban after expiry: %v", err)
	}
}

func TestShortSuspensionKeepsLongerInEffect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	suspend := func(d time.Duration) {
		t.Helper()
		_, err := h.svc.SuspendAdmin(ctx, root1, gate.SuspendRequest{
			TargetID: "mod-1",
			Reason:   "overreaching bans this week",
			Duration: d,
		})
		if err != nil {
			t.Fatalf("SuspendAdmin(%s): %v", d, err)
		}
	}

	suspend(720 * time.Hour)
	h.clock.Advance(time.Minute)
	suspend(time.Minute)
	h.clock.Advance(2 * time.Minute)

	if _, err := h.ban(mod1, "user-1"); !errors.Is(err, auth.ErrSuspended) {
		t.Fatalf("expected ErrSuspended while the longer timeout runs, got %v", err)
	}
	h.clock.Advance(720 * time.Hour)
	if _, err := h.ban(mod1, "user-1"); err != nil {
		t.Fatalf("ban after both timeouts expired: %v", err)
	}
}

func TestSuspendAdminRules(t *testing.T) {
	cases := []struct {
		name    string
		actor   auth.Principal
		target  string
		wantErr error
	}{
		{name: "elevated actor", actor: mod1, target: "mod-2", wantErr: auth.ErrInsufficientRole},
		{name: "superelevated target", actor: root1, target: "root-2", wantErr: auth.ErrTargetRoleConflict},
		{name: "user target", actor: root1, target: "user-1", wantErr: auth.ErrTargetRoleConflict},
		{name: "unknown target", actor: root1, target: "ghost", wantErr: gate.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.SuspendAdmin(context.Background(), tc.actor, gate.SuspendRequest{
				TargetID: tc.target,
				Reason:   "overreaching bans this week",
				Duration: time.Hour,
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if e := h.lastAudit(); e.Success {
				t.Fatalf("expected failed entry, got %+v", e)
			}
		})
	}
}

func TestRateLimitedBan(t *testing.T) {
	h := newHarness(t, withRule(action.AdminBan, ratelimit.Rule{Limit: 1, Window: time.Minute}))

	if _, err := h.ban(mod1, "user-1"); err != nil {
		t.Fatalf("first ban: %v", err)
	}
	_, err := h.ban(mod1, "user-2")
	if !errors.Is(err, gate.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var retry *gate.RetryError
	if !errors.As(err, &retry) || retry.RetryAfter <= 0 || retry.RetryAfter > time.Minute {
		t.Fatalf("expected retry hint within the window, got %v", err)
	}
	if e := h.lastAudit(); e.Success {
		t.Fatalf("expected failed entry for the rejected ban, got %+v", e)
	}
	if _, err := h.ban(mod2, "user-2"); err != nil {
		t.Fatalf("limits are per actor: %v", err)
	}

	h.clock.Advance(time.Minute + time.Second)
	if _, err := h.ban(mod1, "user-2"); err != nil {
		t.Fatalf("ban after window: %v", err)
	}
}

func TestQuotaAppliesToElevatedOnly(t *testing.T) {
	table := quota.Table{
		auth.RoleElevated: {action.AdminBan: {Count: 2, Period: 24 * time.Hour}},
	}
	h := newHarness(t, withQuotas(table))

	for _, target := range []string{"user-1", "user-2"} {
		if _, err := h.ban(mod1, target); err != nil {
			t.Fatalf("ban %s: %v", target, err)
		}
	}
	_, err := h.ban(mod1, "user-1")
	if !errors.Is(err, gate.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	var retry *gate.RetryError
	if !errors.As(err, &retry) || retry.RetryAfter != 24*time.Hour {
		t.Fatalf("expected retry at period end, got %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := h.ban(root1, "user-1"); err != nil {
			t.Fatalf("superelevated ban %d: %v", i, err)
		}
	}

	h.clock.Advance(24 * time.Hour)
	if _, err := h.ban(mod1, "user-1"); err != nil {
		t.Fatalf("ban in next period: %v", err)
	}
}

func TestQuotaCountsOnlySuccesses(t *testing.T) {
	table := quota.Table{
		auth.RoleElevated: {action.AdminBan: {Count: 1, Period: time.Hour}},
	}
	h := newHarness(t, withQuotas(table))

	if _, err := h.ban(mod1, "mod-2"); !errors.Is(err, auth.ErrTargetRoleConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := h.ban(mod1, "user-1"); err != nil {
		t.Fatalf("denied attempts must not consume quota: %v", err)
	}
}

type failingSubjects struct {
	*memory.Store
}

func (failingSubjects) Subject(context.Context, string) (auth.Subject, error) {
	return auth.Subject{}, errors.New("connection reset by peer")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	h := newHarness(t, withSubjects(failingSubjects{}))

	_, err := h.ban(mod1, "user-1")
	if !errors.Is(err, auth.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := h.store.ActiveBan(context.Background(), "user-1", h.clock.Now()); !errors.Is(err, gate.ErrNotFound) {
		t.Fatalf("no ban may be stored, got %v", err)
	}
	if e := h.lastAudit(); e.Success {
		t.Fatalf("expected failed entry, got %+v", e)
	}
}
