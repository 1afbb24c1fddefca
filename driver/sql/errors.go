package sql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/tabula-io/tabula/driver"
)

// errorCoder is implemented by pq.Error and friends.
type errorCoder interface {
	Code() string
}

// errorNumberer is implemented by mysql.MySQLError via its Number field
// accessor on newer driver versions.
type errorNumberer interface {
	Number() uint16
}

// sqlStateError is implemented by pq.Error and pgx errors.
type sqlStateError interface {
	SQLState() string
}

// PostgreSQL SQLSTATE class 23 (integrity constraint violation).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgNotNullViolation    = "23502"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452
	mysqlCheckViolation   = 3819
)

func asError[T any](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}

// isConstraintError probes the back-end error for a constraint breach:
// typed interfaces first, string fallbacks for drivers exposing neither.
func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := asError[sqlStateError](err); ok {
		switch e.SQLState() {
		case pgUniqueViolation, pgForeignKeyViolation, pgCheckViolation, pgNotNullViolation:
			return true
		}
	}
	if e, ok := asError[errorCoder](err); ok {
		switch e.Code() {
		case pgUniqueViolation, pgForeignKeyViolation, pgCheckViolation, pgNotNullViolation:
			return true
		}
	}
	if e, ok := asError[errorNumberer](err); ok {
		switch e.Number() {
		case mysqlDuplicateEntry, mysqlForeignKeyParent, mysqlForeignKeyChild, mysqlCheckViolation:
			return true
		}
	}
	return containsAny(err.Error(),
		"Error 1062",                      // MySQL duplicate entry
		"violates unique constraint",      // Postgres
		"violates foreign key constraint", // Postgres
		"violates check constraint",       // Postgres
		"UNIQUE constraint failed",        // SQLite
		"FOREIGN KEY constraint failed",   // SQLite
		"CHECK constraint failed",         // SQLite
		"NOT NULL constraint failed",      // SQLite
	)
}

func isConnectionError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return containsAny(err.Error(),
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"database is closed",
	)
}

// classify wraps a back-end failure into the categorized driver error.
func classify(dialect string, err error) error {
	if err == nil {
		return nil
	}
	var derr *driver.Error
	if errors.As(err, &derr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return driver.WrapError(dialect, driver.CategoryTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return driver.WrapError(dialect, driver.CategoryNotFound, err)
	case isConstraintError(err):
		return driver.WrapError(dialect, driver.CategoryConstraint, err)
	case isConnectionError(err):
		return driver.WrapError(dialect, driver.CategoryConnection, err)
	default:
		return driver.WrapError(dialect, driver.CategoryOther, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
