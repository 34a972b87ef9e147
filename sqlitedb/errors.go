package sqlitedb

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"repohealth/models"
)

// Common errors. The not-found errors wrap models.ErrNotFound so callers can
// match either.
var (
	ErrRepositoryNotFound = fmt.Errorf("repository %w", models.ErrNotFound)
	ErrRunNotFound        = fmt.Errorf("run %w", models.ErrNotFound)
	ErrViewNotFound       = fmt.Errorf("repository view %w", models.ErrNotFound)
	ErrInvalidInput       = fmt.Errorf("invalid input")
	ErrDatabaseConnection = fmt.Errorf("database connection error")
	ErrTransactionFailed  = fmt.Errorf("transaction failed")
)

// activeRunColumn is what SQLite names in a violation of the partial unique
// index on active runs.
const activeRunColumn = "analysis_runs.repository_id"

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure, optionally restricted to one table column.
func isUniqueViolation(err error, column string) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT:
	default:
		return false
	}
	msg := sqliteErr.Error()
	if !strings.Contains(msg, "UNIQUE") {
		return false
	}
	return column == "" || strings.Contains(msg, column)
}
