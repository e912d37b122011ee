package postgres

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// PostgreSQL error codes the adapter reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
	connectionExceptionClass = "08"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// isTransient reports failures a retry may fix: lost connections,
// serialization failures and server overload.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeTooManyConnections,
			codeAdminShutdown, codeCannotConnectNow:
			return true
		}
		return strings.HasPrefix(pgErr.Code, connectionExceptionClass)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// classify marks retryable driver errors with adapters.ErrTransient. Other
// errors pass through unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, adapters.ErrTransient) {
		return err
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", adapters.ErrConcurrencyConflict, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", adapters.ErrTransient, err)
	}
	return err
}
