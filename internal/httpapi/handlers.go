package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"parley.chat/internal/auth"
	"parley.chat/internal/gate"
	"parley.chat/internal/obs"
)

const serviceName = "parley-gate"

// Pinger is a dependency the service cannot work without.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every named dependency.
type ReadyProbe struct {
	Checks  map[string]Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Checks[name].Ping(ctx); err != nil {
			obs.SetReady(false)
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	obs.SetReady(true)
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP surface of the gate.
type API struct {
	gate       *gate.Service
	tokens     *auth.Tokens
	readyProbe readinessChecker
	version    string
	now        func() time.Time

	maxBody    int64
	rateBurst  int
	ratePerSec float64
}

type Option func(*API)

// WithBodyLimit caps request bodies at n bytes.
func WithBodyLimit(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithIPRateLimit sets the per-address token bucket applied to every route.
func WithIPRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

func New(svc *gate.Service, tokens *auth.Tokens, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		gate:       svc,
		tokens:     tokens,
		readyProbe: rp,
		version:    version,
		now:        time.Now,
		maxBody:    1 << 20,
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler assembles the router with the middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS)
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })
	r.Use(obs.Instrument)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Post("/v1/rooms/join", a.joinRoom)

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.Post("/v1/admin/bans", a.banUser)
		r.Post("/v1/admin/bans/{subjectID}/lift", a.unbanUser)
		r.Post("/v1/admin/timeouts", a.suspendAdmin)
		r.Post("/v1/admin/timeouts/{subjectID}/lift", a.liftSuspension)
		r.Post("/v1/admin/rooms/{roomID}/lock", a.lockRoom)
		r.Post("/v1/admin/rooms/{roomID}/unlock", a.unlockRoom)
		r.Post("/v1/admin/rooms/{roomID}/key", a.revealRoomKey)

		r.Post("/v1/2fa/setup", a.setupTwoFactor)
		r.Post("/v1/2fa/confirm", a.confirmTwoFactor)
		r.Post("/v1/2fa/verify", a.verifyTwoFactor)
		r.Post("/v1/2fa/disable", a.disableTwoFactor)

		r.Post("/v1/messages/check", a.checkMessage)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
