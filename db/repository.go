package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repohealth/models"
)

// UpsertRepository creates the repository on first sight and touches
// updated_at afterwards. Owner and name must already be normalized.
func (db *DB) UpsertRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	if name == "" || owner == "" {
		return nil, fmt.Errorf("%w: repository name and owner cannot be empty", ErrInvalidInput)
	}

	safeLogInfo("Storing repository", zap.String("owner", owner), zap.String("name", name))
	query := `
		INSERT INTO repositories (owner, name, full_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (full_name) DO UPDATE SET
			updated_at = EXCLUDED.updated_at
		RETURNING ` + repositoryColumns

	var repo models.Repository
	now := time.Now().UTC()
	if err := db.conn.GetContext(ctx, &repo, query, owner, name, owner+"/"+name, now); err != nil {
		return nil, fmt.Errorf("failed to store repository: %w", err)
	}

	return &repo, nil
}

// SetDefaultBranch records the default branch reported by the provider.
func (db *DB) SetDefaultBranch(ctx context.Context, repositoryID int64, branch string) error {
	query := `UPDATE repositories SET default_branch = $2, updated_at = $3 WHERE id = $1`
	res, err := db.conn.ExecContext(ctx, query, repositoryID, branch, time.Now().UTC())
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
	return db.findRepository(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE full_name = $1`, fullName)
}

// FindRepositoryByID looks a repository up by its primary key.
func (db *DB) FindRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return db.findRepository(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id)
}

func (db *DB) findRepository(ctx context.Context, query string, arg interface{}) (*models.Repository, error) {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	var repo models.Repository
	if err := stmt.GetContext(ctx, &repo, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrRepositoryNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get repository %v: %w", arg, err)
	}
	return &repo, nil
}
