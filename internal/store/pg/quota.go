package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"parley.chat/internal/action"
	"parley.chat/internal/quota"
)

func (s *Store) QuotaUsage(ctx context.Context, subjectID string, a action.Type) (quota.Usage, error) {
	u := quota.Usage{SubjectID: subjectID, Action: a}
	err := s.db.QueryRowContext(ctx, `
		select count, period_start
		from admin_quotas
		where subject_id = $1 and action_type = $2
	`, subjectID, string(a)).Scan(&u.Count, &u.PeriodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Usage{}, quota.ErrNotFound
	}
	if err != nil {
		return quota.Usage{}, err
	}
	return u, nil
}

// IncrementQuota bumps the counter in one statement, restarting the period
// when the stored one has ended.
func (s *Store) IncrementQuota(ctx context.Context, subjectID string, a action.Type, period time.Duration, now time.Time) (quota.Usage, error) {
	u := quota.Usage{SubjectID: subjectID, Action: a}
	err := s.db.QueryRowContext(ctx, `
		insert into admin_quotas (subject_id, action_type, count, period_start)
		values ($1, $2, 1, $3)
		on conflict (subject_id, action_type) do update
		set count = case
				when admin_quotas.period_start + make_interval(secs => $4) <= excluded.period_start then 1
				else admin_quotas.count + 1
			end,
			period_start = case
				when admin_quotas.period_start + make_interval(secs => $4) <= excluded.period_start then excluded.period_start
				else admin_quotas.period_start
			end
		returning count, period_start
	`, subjectID, string(a), now, period.Seconds()).Scan(&u.Count, &u.PeriodStart)
	if err != nil {
		return quota.Usage{}, err
	}
	return u, nil
}
