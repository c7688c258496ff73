package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"parley.chat/internal/gate"
	"parley.chat/internal/secret"
)

// CreateRoom inserts a room. ErrConflict if the id is taken.
func (s *Store) CreateRoom(ctx context.Context, r gate.Room) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rooms (id, name, private, key_hash, sealed_key)
		values ($1, $2, $3, $4, $5)
	`, r.ID, r.Name, r.Private, nullIfEmpty(r.KeyHash), r.SealedKey)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) Room(ctx context.Context, id string) (gate.Room, error) {
	var (
		r                      gate.Room
		lockedBy, reason, hash sql.NullString
		lockedAt               sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, private, locked, locked_by, lock_reason, locked_at, key_hash, sealed_key
		from rooms
		where id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Private, &r.Locked, &lockedBy, &reason, &lockedAt, &hash, &r.SealedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return gate.Room{}, gate.ErrNotFound
	}
	if err != nil {
		return gate.Room{}, err
	}
	r.LockedBy, r.LockReason, r.LockedAt, r.KeyHash = lockedBy.String, reason.String, lockedAt.Time, hash.String
	return r, nil
}

func (s *Store) SetRoomLock(ctx context.Context, id string, lock gate.RoomLock) error {
	var (
		by, reason sql.NullString
		at         sql.NullTime
	)
	if lock.Locked {
		by, reason, at = nullIfEmpty(lock.By), nullIfEmpty(lock.Reason), nullTime(lock.At)
	}
	res, err := s.db.ExecContext(ctx, `
		update rooms
		set locked = $2, locked_by = $3, lock_reason = $4, locked_at = $5
		where id = $1
	`, id, lock.Locked, by, reason, at)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return gate.ErrNotFound
	}
	return nil
}

// PrivateRoomKeys lists every private room with a stored key hash, ordered by id.
func (s *Store) PrivateRoomKeys(ctx context.Context) ([]secret.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, key_hash
		from rooms
		where private and key_hash is not null
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []secret.Candidate
	for rows.Next() {
		var c secret.Candidate
		if err := rows.Scan(&c.RoomID, &c.KeyHash); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateBan(ctx context.Context, b gate.Ban) error {
	_, err := s.db.ExecContext(ctx, `
		insert into bans (id, subject_id, reason, issued_by, issued_at, expires_at, active)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.SubjectID, b.Reason, b.IssuedBy, b.IssuedAt, b.ExpiresAt, b.Active)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) ActiveBan(ctx context.Context, subjectID string, now time.Time) (gate.Ban, error) {
	var b gate.Ban
	err := s.db.QueryRowContext(ctx, `
		select id, subject_id, reason, issued_by, issued_at, expires_at, active
		from bans
		where subject_id = $1 and active and expires_at > $2
		order by expires_at desc
		limit 1
	`, subjectID, now).Scan(&b.ID, &b.SubjectID, &b.Reason, &b.IssuedBy, &b.IssuedAt, &b.ExpiresAt, &b.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return gate.Ban{}, gate.ErrNotFound
	}
	if err != nil {
		return gate.Ban{}, err
	}
	return b, nil
}

func (s *Store) LiftBans(ctx context.Context, subjectID, liftedBy string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update bans
		set active = false, lifted_by = $2, lifted_at = $3
		where subject_id = $1 and active and expires_at > $3
	`, subjectID, liftedBy, at)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
