package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"parley.chat/internal/action"
	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/ids"
)

type BanResult struct {
	BanID     string
	ExpiresAt time.Time
}

// BanUser bans a user. Elevated actors only; the target must be a plain user
// unless the actor is superelevated.
func (s *Service) BanUser(ctx context.Context, p auth.Principal, req BanRequest) (BanResult, error) {
	if err := s.check(req); err != nil {
		return BanResult{}, err
	}
	var out BanResult
	err := s.run(ctx, p, operation{
		action:     action.AdminBan,
		tier:       auth.RoleElevated,
		targetType: audit.TargetSubject,
		targetID:   req.TargetID,
		target: func(ctx context.Context, actor auth.State) error {
			_, err := s.subjectTarget(ctx, actor, req.TargetID)
			return err
		},
		apply: func(ctx context.Context, actor auth.State) (map[string]any, error) {
			now := s.now().UTC()
			ban := Ban{
				ID:        ids.NewAt(now),
				SubjectID: req.TargetID,
				Reason:    strings.TrimSpace(req.Reason),
				IssuedBy:  actor.SubjectID,
				IssuedAt:  now,
				ExpiresAt: now.Add(req.Duration),
				Active:    true,
			}
			if err := s.bans.CreateBan(ctx, ban); err != nil {
				return nil, fmt.Errorf("create ban: %w", err)
			}
			out = BanResult{BanID: ban.ID, ExpiresAt: ban.ExpiresAt}
			return map[string]any{
				"ban_id":           ban.ID,
				"reason":           ban.Reason,
				"duration_seconds": int64(req.Duration / time.Second),
				"expires_at":       ban.ExpiresAt.Format(time.RFC3339),
			}, nil
		},
	})
	return out, err
}

// UnbanUser lifts every active ban of the target.
func (s *Service) UnbanUser(ctx context.Context, p auth.Principal, req UnbanRequest) error {
	if err := s.check(req); err != nil {
		return err
	}
	return s.run(ctx, p, operation{
		action:     action.AdminUnban,
		tier:       auth.RoleElevated,
		targetType: audit.TargetSubject,
		targetID:   req.TargetID,
		target: func(ctx context.Context, actor auth.State) error {
			_, err := s.subjectTarget(ctx, actor, req.TargetID)
			return err
		},
		apply: func(ctx context.Context, actor auth.State) (map[string]any, error) {
			n, err := s.bans.LiftBans(ctx, req.TargetID, actor.SubjectID, s.now().UTC())
			if err != nil {
				return nil, fmt.Errorf("lift bans: %w", err)
			}
			if n == 0 {
				return nil, fmt.Errorf("%w: subject %s is not banned", ErrInvalidState, req.TargetID)
			}
			return map[string]any{"lifted": n, "reason": strings.TrimSpace(req.Reason)}, nil
		},
	})
}

type SuspendResult struct {
	TimeoutID string
	ExpiresAt time.Time
}

// SuspendAdmin places an elevated subject in timeout. Superelevated actors only.
func (s *Service) SuspendAdmin(ctx context.Context, p auth.Principal, req SuspendRequest) (SuspendResult, error) {
	if err := s.check(req); err != nil {
		return SuspendResult{}, err
	}
	var out SuspendResult
	err := s.run(ctx, p, operation{
		action:     action.AdminTimeout,
		tier:       auth.RoleSuperelevated,
		targetType: audit.TargetSubject,
		targetID:   req.TargetID,
		target: func(ctx context.Context, actor auth.State) error {
			target, err := s.subjectTarget(ctx, actor, req.TargetID)
			if err != nil {
				return err
			}
			return auth.CheckSuspendable(target)
		},
		apply: func(ctx context.Context, actor auth.State) (map[string]any, error) {
			now := s.now().UTC()
			t := auth.Timeout{
				ID:        ids.NewAt(now),
				SubjectID: req.TargetID,
				Reason:    strings.TrimSpace(req.Reason),
				IssuedBy:  actor.SubjectID,
				IssuedAt:  now,
				Duration:  req.Duration,
				ExpiresAt: now.Add(req.Duration),
				Active:    true,
			}
			if err := s.timeouts.CreateTimeout(ctx, t); err != nil {
				return nil, fmt.Errorf("create timeout: %w", err)
			}
			out = SuspendResult{TimeoutID: t.ID, ExpiresAt: t.ExpiresAt}
			return map[string]any{
				"timeout_id":       t.ID,
				"reason":           t.Reason,
				"duration_seconds": int64(req.Duration / time.Second),
				"expires_at":       t.ExpiresAt.Format(time.RFC3339),
			}, nil
		},
	})
	return out, err
}

// LiftSuspension ends every active timeout of an elevated subject.
func (s *Service) LiftSuspension(ctx context.Context, p auth.Principal, req LiftRequest) error {
	if err := s.check(req); err != nil {
		return err
	}
	return s.run(ctx, p, operation{
		action:     action.AdminTimeoutLift,
		tier:       auth.RoleSuperelevated,
		targetType: audit.TargetSubject,
		targetID:   req.TargetID,
		target: func(ctx context.Context, actor auth.State) error {
			target, err := s.subjectTarget(ctx, actor, req.TargetID)
			if err != nil {
				return err
			}
			return auth.CheckSuspendable(target)
		},
		apply: func(ctx context.Context, actor auth.State) (map[string]any, error) {
			n, err := s.timeouts.LiftTimeouts(ctx, req.TargetID, s.now().UTC())
			if err != nil {
				return nil, fmt.Errorf("lift timeouts: %w", err)
			}
			if n == 0 {
				return nil, fmt.Errorf("%w: subject %s is not suspended", ErrInvalidState, req.TargetID)
			}
			return map[string]any{"lifted": n, "reason": strings.TrimSpace(req.Reason)}, nil
		},
	})
}
