package gate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"parley.chat/internal/action"
	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/credential"
	"parley.chat/internal/flood"
	"parley.chat/internal/gate"
	"parley.chat/internal/quota"
	"parley.chat/internal/ratelimit"
	"parley.chat/internal/secret"
	"parley.chat/internal/store/memory"
)

const testPassword = "correct horse battery"

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

type setup struct {
	subjects auth.SubjectStore
	rules    map[action.Type]ratelimit.Rule
	quotas   quota.Table
}

func withSubjects(s auth.SubjectStore) func(*setup) {
	return func(c *setup) { c.subjects = s }
}

func withRule(a action.Type, r ratelimit.Rule) func(*setup) {
	return func(c *setup) { c.rules[a] = r }
}

func withQuotas(t quota.Table) func(*setup) {
	return func(c *setup) { c.quotas = t }
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	store   *memory.Store
	svc     *gate.Service
	creds   *credential.Verifier
	secrets map[string]string
	roomKey string
}

var (
	user1   = auth.Principal{SubjectID: "user-1", Role: auth.RoleUser}
	user2   = auth.Principal{SubjectID: "user-2", Role: auth.RoleUser}
	mod1    = auth.Principal{SubjectID: "mod-1", Role: auth.RoleElevated}
	mod2    = auth.Principal{SubjectID: "mod-2", Role: auth.RoleElevated}
	modBare = auth.Principal{SubjectID: "mod-bare", Role: auth.RoleElevated}
	root1   = auth.Principal{SubjectID: "root-1", Role: auth.RoleSuperelevated}
	root2   = auth.Principal{SubjectID: "root-2", Role: auth.RoleSuperelevated}
)

func newHarness(t *testing.T, opts ...func(*setup)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New()

	cfg := &setup{rules: make(map[action.Type]ratelimit.Rule)}
	for _, a := range action.All() {
		cfg.rules[a] = ratelimit.Rule{Limit: 1000, Window: time.Minute}
	}
	cfg.rules[action.RoomSecretValidate] = ratelimit.Rule{Limit: 5, Window: time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}
	subjects := cfg.subjects
	if subjects == nil {
		subjects = st
	}

	hash, err := auth.HashPasswordCost(testPassword, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	for _, p := range []auth.Principal{user1, user2, mod1, mod2, modBare, root1, root2} {
		st.PutSubject(auth.Subject{ID: p.SubjectID, Role: p.Role, PasswordHash: hash, CreatedAt: clock.Now()})
	}

	creds, err := credential.NewVerifier(st, st, credential.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	authz, err := auth.NewAuthorizer(subjects, st, creds, auth.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	limiter, err := ratelimit.New(ratelimit.NewMemoryCache(clock.Now), cfg.rules)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	ledger, err := quota.NewLedger(st, cfg.quotas, quota.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	trail, err := audit.NewTrail(st, audit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	sealer, err := secret.GenerateSealer()
	if err != nil {
		t.Fatalf("GenerateSealer: %v", err)
	}

	key, keyHash, err := secret.Generate(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate room key: %v", err)
	}
	sealed, err := sealer.Seal(key)
	if err != nil {
		t.Fatalf("seal room key: %v", err)
	}
	st.PutRoom(gate.Room{ID: "lobby", Name: "Lobby"})
	st.PutRoom(gate.Room{ID: "vault", Name: "Vault", Private: true, KeyHash: keyHash, SealedKey: sealed})

	svc, err := gate.NewService(gate.Deps{
		Authorizer: authz,
		Limiter:    limiter,
		Quotas:     ledger,
		Trail:      trail,
		Verifier:   creds,
		Scanner:    secret.NewScanner(st),
		Sealer:     sealer,
		Guard:      flood.New(flood.WithClock(clock.Now)),
		Bans:       st,
		Rooms:      st,
		Timeouts:   st,
	}, gate.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	h := &harness{t: t, clock: clock, store: st, svc: svc, creds: creds, secrets: map[string]string{}, roomKey: key}
	for _, p := range []auth.Principal{mod1, mod2, root1, root2} {
		h.enroll(p.SubjectID)
	}
	return h
}

// enroll gives subjectID a confirmed second factor outside the pipeline.
func (h *harness) enroll(subjectID string) credential.Enrollment {
	h.t.Helper()
	ctx := context.Background()
	enr, err := h.creds.Issue(ctx, subjectID, "")
	if err != nil {
		h.t.Fatalf("Issue(%s): %v", subjectID, err)
	}
	h.secrets[subjectID] = enr.Secret
	if err := h.creds.Confirm(ctx, subjectID, h.code(subjectID)); err != nil {
		h.t.Fatalf("Confirm(%s): %v", subjectID, err)
	}
	return enr
}

func (h *harness) code(subjectID string) string {
	h.t.Helper()
	code, err := totp.GenerateCode(h.secrets[subjectID], h.clock.Now())
	if err != nil {
		h.t.Fatalf("generate code: %v", err)
	}
	return code
}

func (h *harness) audit() []audit.Entry {
	return h.store.AuditEntries()
}

func (h *harness) lastAudit() audit.Entry {
	h.t.Helper()
	entries := h.audit()
	if len(entries) == 0 {
		h.t.Fatal("expected an audit entry")
	}
	return entries[len(entries)-1]
}

func (h *harness) ban(p auth.Principal, target string) (gate.BanResult, error) {
	return h.svc.BanUser(context.Background(), p, gate.BanRequest{
		TargetID: target,
		Reason:   "repeated spam in the lobby",
		Duration: time.Hour,
	})
}
