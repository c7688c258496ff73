package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"parley.chat/internal/credential"
)

func (s *Store) Credential(ctx context.Context, subjectID string) (credential.Credential, error) {
	var (
		cred      credential.Credential
		confirmed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select subject_id, secret, enabled, created_at, confirmed_at
		from totp_credentials
		where subject_id = $1
	`, subjectID).Scan(&cred.SubjectID, &cred.Secret, &cred.Enabled, &cred.CreatedAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotConfigured
	}
	if err != nil {
		return credential.Credential{}, err
	}
	cred.ConfirmedAt = confirmed.Time
	return cred, nil
}

// SavePendingCredential upserts a disabled credential and replaces the backup
// code digests in one transaction.
func (s *Store) SavePendingCredential(ctx context.Context, cred credential.Credential, digests [][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into totp_credentials (subject_id, secret, enabled, created_at)
		values ($1, $2, false, $3)
		on conflict (subject_id) do update
		set secret = excluded.secret, created_at = excluded.created_at, confirmed_at = null
		where totp_credentials.enabled = false
	`, cred.SubjectID, cred.Secret, cred.CreatedAt)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return credential.ErrAlreadyEnabled
	}

	if _, err := tx.ExecContext(ctx, `delete from backup_codes where subject_id = $1`, cred.SubjectID); err != nil {
		return err
	}
	for _, d := range digests {
		if _, err := tx.ExecContext(ctx, `
			insert into backup_codes (subject_id, code_digest)
			values ($1, $2)
		`, cred.SubjectID, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) EnableCredential(ctx context.Context, subjectID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update totp_credentials
		set enabled = true, confirmed_at = $2
		where subject_id = $1 and not enabled
	`, subjectID, at)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Credential(ctx, subjectID); err != nil {
		return err
	}
	return credential.ErrAlreadyEnabled
}

// ConsumeBackupCode deletes the digest; the row lock taken by the delete makes
// concurrent redemptions of the same code see exactly one affected row.
func (s *Store) ConsumeBackupCode(ctx context.Context, subjectID string, digest []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from backup_codes
		where subject_id = $1 and code_digest = $2
	`, subjectID, digest)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CountBackupCodes(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from backup_codes where subject_id = $1`, subjectID).Scan(&n)
	return n, err
}

func (s *Store) DeleteCredential(ctx context.Context, subjectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `delete from backup_codes where subject_id = $1`, subjectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from totp_credentials where subject_id = $1`, subjectID); err != nil {
		return err
	}
	return tx.Commit()
}
