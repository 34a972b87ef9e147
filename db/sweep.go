package db

import (
	"context"
	"fmt"
	"time"

	"repohealth/models"
)

// FindDueRetryRuns returns waiting runs whose next retry time has passed,
// oldest first.
func (db *DB) FindDueRetryRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT ` + runColumns + ` FROM analysis_runs
		WHERE run_state = 'waiting_retry' AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`

	var rows []runRow
	if err := db.conn.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch due retry runs: %w", err)
	}
	return rowsToRuns(rows)
}

// FindStalledRuns returns queued or running runs not touched since before.
func (db *DB) FindStalledRuns(ctx context.Context, before time.Time, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT ` + runColumns + ` FROM analysis_runs
		WHERE run_state IN ('queued', 'running') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	var rows []runRow
	if err := db.conn.SelectContext(ctx, &rows, query, before, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch stalled runs: %w", err)
	}
	return rowsToRuns(rows)
}
