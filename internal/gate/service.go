// Package gate composes the authorizer, rate limiter, quota ledger and audit
// trail into the pipeline every sensitive operation goes through.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"parley.chat/internal/action"
	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/credential"
	"parley.chat/internal/flood"
	"parley.chat/internal/obs"
	"parley.chat/internal/quota"
	"parley.chat/internal/ratelimit"
	"parley.chat/internal/secret"
)

// Deps are the collaborators of a Service. All are required except Sealer,
// without which RevealRoomKey always fails.
type Deps struct {
	Authorizer *auth.Authorizer
	Limiter    *ratelimit.Limiter
	Quotas     *quota.Ledger
	Trail      *audit.Trail
	Verifier   *credential.Verifier
	Scanner    *secret.Scanner
	Sealer     *secret.Sealer
	Guard      *flood.Guard
	Bans       BanStore
	Rooms      RoomStore
	Timeouts   auth.TimeoutStore
}

type Service struct {
	authz    *auth.Authorizer
	limiter  *ratelimit.Limiter
	quotas   *quota.Ledger
	trail    *audit.Trail
	creds    *credential.Verifier
	scanner  *secret.Scanner
	sealer   *secret.Sealer
	guard    *flood.Guard
	bans     BanStore
	rooms    RoomStore
	timeouts auth.TimeoutStore
	validate *validator.Validate
	now      func() time.Time
	log      *logrus.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(d Deps, opts ...Option) (*Service, error) {
	switch {
	case d.Authorizer == nil, d.Limiter == nil, d.Quotas == nil, d.Trail == nil:
		return nil, errors.New("gate: authorizer, limiter, quotas and trail are required")
	case d.Verifier == nil, d.Scanner == nil, d.Guard == nil:
		return nil, errors.New("gate: verifier, scanner and guard are required")
	case d.Bans == nil, d.Rooms == nil, d.Timeouts == nil:
		return nil, errors.New("gate: ban, room and timeout stores are required")
	}
	s := &Service{
		authz:    d.Authorizer,
		limiter:  d.Limiter,
		quotas:   d.Quotas,
		trail:    d.Trail,
		creds:    d.Verifier,
		scanner:  d.Scanner,
		sealer:   d.Sealer,
		guard:    d.Guard,
		bans:     d.Bans,
		rooms:    d.Rooms,
		timeouts: d.Timeouts,
		validate: newValidator(),
		now:      time.Now,
		log:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// tierNone marks operations any authenticated subject may perform on itself.
const tierNone = auth.RoleUnknown

type operation struct {
	action     action.Type
	tier       auth.Role
	targetType string
	targetID   string
	// target runs after the capacity gates and before apply.
	target func(ctx context.Context, actor auth.State) error
	// apply performs the effect and returns the audit details.
	apply func(ctx context.Context, actor auth.State) (map[string]any, error)
}

// run drives op through authorization, rate limiting, quota, target
// validation, the effect, quota accounting and the audit trail. Every return
// after this point leaves exactly one audit entry.
func (s *Service) run(ctx context.Context, p auth.Principal, op operation) (err error) {
	if p.SubjectID == "" {
		return auth.ErrUnauthenticated
	}
	att := s.trail.Begin(audit.Entry{
		ActorID:    p.SubjectID,
		ActorRole:  p.Role.String(),
		Action:     op.action,
		TargetType: op.targetType,
		TargetID:   op.targetID,
	})
	defer func() {
		if err != nil {
			att.Fail(ctx, err)
			obs.ObserveGate(string(op.action), "denied")
		}
	}()

	actor, err := s.authorize(ctx, p, op.tier)
	if actor.SubjectID != "" {
		att.Actor(actor.SubjectID, actor.Role.String())
	}
	if err != nil {
		return err
	}

	res, err := s.limiter.Allow(ctx, op.action, actor.SubjectID)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return retry(ErrRateLimited, res.RetryAfter())
	}

	dec, err := s.quotas.Check(ctx, actor.SubjectID, actor.Role, op.action)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		return retry(fmt.Errorf("%w: %s", ErrQuotaExceeded, dec.Reason), dec.RetryAfter)
	}

	if op.target != nil {
		if err := op.target(ctx, actor); err != nil {
			return err
		}
	}

	details, err := op.apply(ctx, actor)
	if err != nil {
		return err
	}
	if details == nil {
		details = map[string]any{}
	}

	if err := s.quotas.Increment(ctx, actor.SubjectID, actor.Role, op.action); err != nil {
		// The effect is already durable; record the miss instead of failing the request.
		s.log.WithError(err).WithFields(logrus.Fields{
			"action":     string(op.action),
			"subject_id": actor.SubjectID,
		}).Warn("gate: quota increment failed")
		details["quota_recorded"] = false
	}
	att.Succeed(ctx, details)
	obs.ObserveGate(string(op.action), "allowed")
	return nil
}

func (s *Service) authorize(ctx context.Context, p auth.Principal, tier auth.Role) (auth.State, error) {
	switch tier {
	case auth.RoleSuperelevated:
		return s.authz.RequireSuperelevated(ctx, p.SubjectID)
	case auth.RoleElevated:
		return s.authz.RequireElevated(ctx, p.SubjectID)
	default:
		return auth.State{SubjectID: p.SubjectID, Role: p.Role}, nil
	}
}

// subjectTarget resolves targetID and applies the role partial order.
func (s *Service) subjectTarget(ctx context.Context, actor auth.State, targetID string) (auth.Subject, error) {
	target, err := s.authz.Target(ctx, actor, targetID)
	if errors.Is(err, auth.ErrNotFound) {
		return auth.Subject{}, fmt.Errorf("%w: subject %s", ErrNotFound, targetID)
	}
	return target, err
}
