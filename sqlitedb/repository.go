package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"repohealth/models"
)

// UpsertRepository creates the repository on first sight and touches
// updated_at afterwards. Owner and name must already be normalized.
func (db *DB) UpsertRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	if name == "" || owner == "" {
		return nil, fmt.Errorf("%w: repository name and owner cannot be empty", ErrInvalidInput)
	}

	query := `
		INSERT INTO repositories (owner, name, full_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (full_name) DO UPDATE SET
			updated_at = excluded.updated_at
		RETURNING ` + repositoryColumns

	now := ts(time.Now())
	var row repositoryRow
	if err := db.conn.GetContext(ctx, &row, query, owner, name, owner+"/"+name, now, now); err != nil {
		return nil, fmt.Errorf("failed to store repository: %w", err)
	}
	return row.toModel(), nil
}

// SetDefaultBranch records the default branch reported by the provider.
func (db *DB) SetDefaultBranch(ctx context.Context, repositoryID int64, branch string) error {
	query := `UPDATE repositories SET default_branch = ?, updated_at = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, branch, ts(time.Now()), repositoryID)
	if err != nil {
		return fmt.Errorf("failed to update default branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrRepositoryNotFound, repositoryID)
	}
	return nil
}

// FindRepositoryBySlug looks a repository up by its normalized owner/name.
func (db *DB) FindRepositoryBySlug(ctx context.Context, fullName string) (*models.Repository, error) {
	if fullName == "" {
		return nil, fmt.Errorf("%w: repository slug cannot be empty", ErrInvalidInput)
	}
	return db.findRepository(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE full_name = ?`, fullName)
}

// FindRepositoryByID looks a repository up by its primary key.
func (db *DB) FindRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return db.findRepository(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
}

func (db *DB) findRepository(ctx context.Context, query string, arg interface{}) (*models.Repository, error) {
	var row repositoryRow
	if err := db.conn.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrRepositoryNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get repository %v: %w", arg, err)
	}
	return row.toModel(), nil
}
