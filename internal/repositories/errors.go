package repositories

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when optimistic locking fails
	ErrVersionConflict  = errors.New("version conflict: document was modified concurrently")
	ErrUnavailable      = errors.New("document store unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrClosed           = errors.New("watcher closed")
)

// IsTransient reports whether err is a store-level failure that resolves on
// its own (connectivity, deadlines, serialization conflicts).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientCode(pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTransientCode(code string) bool {
	switch code {
	case "40001", "40P01", "55P03", "57P01", "57P02", "57P03", "53300":
		return true
	}
	// class 08: connection exception
	return len(code) == 5 && code[:2] == "08"
}

// translatePgError maps driver errors onto the package sentinels so callers
// never need to know about SQLSTATE codes.
func translatePgError(err error, action string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return fmt.Errorf("failed to %s: %w: %s", action, ErrPermissionDenied, pgErr.Message)
		case pgErr.Code == "42601", pgErr.Code == "42703", pgErr.Code == "42883", pgErr.Code == "22P02":
			return fmt.Errorf("failed to %s: %w: %s", action, ErrInvalidQuery, pgErr.Message)
		case isTransientCode(pgErr.Code):
			return fmt.Errorf("failed to %s: %w: %w", action, ErrUnavailable, err)
		}
		return fmt.Errorf("failed to %s: %w", action, err)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("failed to %s: %w: %w", action, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}
