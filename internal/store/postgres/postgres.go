// Package postgres implements the usage ledger on PostgreSQL.
//
// Counter and trial rows are serialized with SELECT ... FOR UPDATE inside a
// transaction bounded by SET LOCAL lock_timeout, so concurrent writes for the
// same user and endpoint queue instead of losing updates.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"

	"github.com/DukeRupert/riskquota/internal/store"
)

// PostgreSQL error codes mapped to store sentinels.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// DefaultLockTimeout bounds how long a write waits for a row lock.
const DefaultLockTimeout = 2 * time.Second

// Store is the PostgreSQL ledger.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New creates a Store on an open database handle.
func New(db *sql.DB, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{db: db, lockTimeout: lockTimeout}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction with a bounded lock wait. Any error from fn
// rolls the whole transaction back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return translateError(err)
	}

	if err = fn(tx); err != nil {
		return translateError(err)
	}

	if err = tx.Commit(); err != nil {
		return translateError(err)
	}
	return nil
}

// translateError maps driver errors to store sentinels, keeping the cause.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, pgErr.ConstraintName)
		}
	}
	return err
}

// inet converts an IP string into an INET parameter. An empty or malformed
// address is stored as NULL.
func inet(ip string) pqtype.Inet {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return pqtype.Inet{}
	}
	bits := 128
	if v4 := parsed.To4(); v4 != nil {
		parsed = v4
		bits = 32
	}
	return pqtype.Inet{
		IPNet: net.IPNet{IP: parsed, Mask: net.CIDRMask(bits, bits)},
		Valid: true,
	}
}

func inetString(v pqtype.Inet) string {
	if !v.Valid {
		return ""
	}
	return v.IPNet.IP.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
