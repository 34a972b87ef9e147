package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"repohealth/models"
)

// UpsertRepositoryView replaces the read model row of a repository.
func (db *DB) UpsertRepositoryView(ctx context.Context, v *models.RepositoryView) error {
	query := `
		INSERT INTO repository_views (` + viewColumns + `)
		VALUES (
			:repository_id, :full_name, :run_id, :run_status, :score, :category,
			:confidence_score, :confidence_level, :profile, :stars, :description, :details, :computed_at
		)
		ON CONFLICT (repository_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			run_id = EXCLUDED.run_id,
			run_status = EXCLUDED.run_status,
			score = EXCLUDED.score,
			category = EXCLUDED.category,
			confidence_score = EXCLUDED.confidence_score,
			confidence_level = EXCLUDED.confidence_level,
			profile = EXCLUDED.profile,
			stars = EXCLUDED.stars,
			description = EXCLUDED.description,
			details = EXCLUDED.details,
			computed_at = EXCLUDED.computed_at`

	if _, err := db.conn.NamedExecContext(ctx, query, v); err != nil {
		return fmt.Errorf("failed to store repository view: %w", err)
	}

	safeLogInfo("Repository view stored",
		zap.String("repository", v.FullName),
		zap.Int("score", v.Score))
	return nil
}

// FindRepositoryView returns the read model row of a repository.
func (db *DB) FindRepositoryView(ctx context.Context, repositoryID int64) (*models.RepositoryView, error) {
	stmt, err := db.getStmt(ctx, `SELECT `+viewColumns+` FROM repository_views WHERE repository_id = $1`)
	if err != nil {
		return nil, err
	}

	var v models.RepositoryView
	if err := stmt.GetContext(ctx, &v, repositoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: repository %d", ErrViewNotFound, repositoryID)
		}
		return nil, fmt.Errorf("failed to get repository view: %w", err)
	}
	return &v, nil
}
