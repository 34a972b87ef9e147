package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"repohealth/logger"
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
			full_name = excluded.full_name,
			run_id = excluded.run_id,
			run_status = excluded.run_status,
			score = excluded.score,
			category = excluded.category,
			confidence_score = excluded.confidence_score,
			confidence_level = excluded.confidence_level,
			profile = excluded.profile,
			stars = excluded.stars,
			description = excluded.description,
			details = excluded.details,
			computed_at = excluded.computed_at`

	if _, err := db.conn.NamedExecContext(ctx, query, rowFromView(v)); err != nil {
		return fmt.Errorf("failed to store repository view: %w", err)
	}

	logger.Info("Repository view stored",
		zap.String("repository", v.FullName),
		zap.Int("score", v.Score))
	return nil
}

// FindRepositoryView returns the read model row of a repository.
func (db *DB) FindRepositoryView(ctx context.Context, repositoryID int64) (*models.RepositoryView, error) {
	var row viewRow
	err := db.conn.GetContext(ctx, &row, `SELECT `+viewColumns+` FROM repository_views WHERE repository_id = ?`, repositoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: repository %d", ErrViewNotFound, repositoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository view: %w", err)
	}
	return row.toModel(), nil
}
