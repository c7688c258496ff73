package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parley.chat/internal/action"
	"parley.chat/internal/auth"
	"parley.chat/internal/flood"
)

// CheckMessage refuses banned senders, then runs the message through the
// per-subject rate limit, the flood guard and the content heuristics. Accepted
// texts join the sender's recent history.
func (s *Service) CheckMessage(ctx context.Context, p auth.Principal, req MessageRequest) (flood.Verdict, error) {
	if p.SubjectID == "" {
		return flood.Verdict{}, auth.ErrUnauthenticated
	}
	if err := s.check(req); err != nil {
		return flood.Verdict{}, err
	}

	ban, err := s.bans.ActiveBan(ctx, p.SubjectID, s.now())
	switch {
	case err == nil:
		return flood.Verdict{}, fmt.Errorf("%w until %s", ErrBanned, ban.ExpiresAt.UTC().Format(time.RFC3339))
	case errors.Is(err, ErrNotFound):
	default:
		return flood.Verdict{}, fmt.Errorf("load ban: %w", err)
	}

	res, err := s.limiter.Allow(ctx, action.MessageSend, p.SubjectID)
	if err != nil {
		return flood.Verdict{}, err
	}
	if !res.Allowed {
		return flood.Verdict{}, retry(ErrRateLimited, res.RetryAfter())
	}

	if dec := s.guard.Allow(p.SubjectID); !dec.Allowed {
		return flood.Verdict{}, retry(fmt.Errorf("%w: %s", ErrFlood, dec.Reason), dec.RetryAfter)
	}

	v := flood.Classify(req.Text, s.guard.Recent(p.SubjectID))
	if v.Spam {
		return v, fmt.Errorf("%w: %s", ErrRejectedContent, v.Reason)
	}
	s.guard.Remember(p.SubjectID, req.Text)
	return v, nil
}
