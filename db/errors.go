package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

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

// isUniqueViolation reports whether err is a Postgres unique_violation,
// optionally restricted to one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if string(pqErr.Code) != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
