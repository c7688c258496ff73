package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parley.chat/internal/auth"
)

// CreateSubject inserts a new subject. ErrConflict if the id is taken.
func (s *Store) CreateSubject(ctx context.Context, subj auth.Subject) error {
	if !subj.Role.Valid() {
		return fmt.Errorf("%w: role %s", auth.ErrInvalidInput, subj.Role)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into subjects (id, role, password_hash, created_at)
		values ($1, $2, $3, $4)
	`, subj.ID, subj.Role.String(), subj.PasswordHash, subj.CreatedAt)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) Subject(ctx context.Context, id string) (auth.Subject, error) {
	var (
		subj auth.Subject
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, role, password_hash, created_at
		from subjects
		where id = $1
	`, id).Scan(&subj.ID, &role, &subj.PasswordHash, &subj.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Subject{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Subject{}, err
	}
	if subj.Role, err = auth.ParseRole(role); err != nil {
		return auth.Subject{}, fmt.Errorf("subject %s: %w", id, err)
	}
	return subj, nil
}

func (s *Store) ActiveTimeout(ctx context.Context, subjectID string, now time.Time) (auth.Timeout, error) {
	var (
		t       auth.Timeout
		seconds int64
	)
	err := s.db.QueryRowContext(ctx, `
		select id, subject_id, reason, issued_by, issued_at, duration_seconds, expires_at, active
		from admin_timeouts
		where subject_id = $1 and active and expires_at > $2
		order by expires_at desc
		limit 1
	`, subjectID, now).Scan(&t.ID, &t.SubjectID, &t.Reason, &t.IssuedBy, &t.IssuedAt, &seconds, &t.ExpiresAt, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Timeout{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Timeout{}, err
	}
	t.Duration = time.Duration(seconds) * time.Second
	return t, nil
}

func (s *Store) CreateTimeout(ctx context.Context, t auth.Timeout) error {
	_, err := s.db.ExecContext(ctx, `
		insert into admin_timeouts (id, subject_id, reason, issued_by, issued_at, duration_seconds, expires_at, active)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.SubjectID, t.Reason, t.IssuedBy, t.IssuedAt, int64(t.Duration/time.Second), t.ExpiresAt, t.Active)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) LiftTimeouts(ctx context.Context, subjectID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update admin_timeouts
		set active = false
		where subject_id = $1 and active and expires_at > $2
	`, subjectID, at)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
