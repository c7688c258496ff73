// Package pg persists subjects, timeouts, quotas, credentials, rooms, bans and
// the audit trail in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/credential"
	"parley.chat/internal/gate"
	"parley.chat/internal/quota"
	"parley.chat/internal/secret"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// ErrConflict is returned when an insert collides with an existing row.
var ErrConflict = errors.New("pg: conflict")

var (
	_ auth.SubjectStore = (*Store)(nil)
	_ auth.TimeoutStore = (*Store)(nil)
	_ credential.Store  = (*Store)(nil)
	_ quota.Store       = (*Store)(nil)
	_ audit.Store       = (*Store)(nil)
	_ secret.RoomStore  = (*Store)(nil)
	_ gate.BanStore     = (*Store)(nil)
	_ gate.RoomStore    = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isConflict(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgErrUniqueViolation || pgErr.Code == pgErrForeignKeyViolation)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
