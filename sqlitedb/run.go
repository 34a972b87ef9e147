package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"repohealth/logger"
	"repohealth/models"
)

const terminalStates = `('complete', 'failed', 'partial')`

// CreateRun inserts a new run. If the repository already has an active run
// it returns models.ErrActiveRunExists.
func (db *DB) CreateRun(ctx context.Context, run *models.Run) error {
	row, err := rowFromRun(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO analysis_runs (` + runColumns + `)
		VALUES (
			:id, :repository_id, :status, :run_state, :progress_step, :attempt_count,
			:next_retry_at, :lock_token, :locked_at, :metrics, :started_at, :updated_at,
			:completed_at, :error_code, :error_message
		)`

	if _, err := db.conn.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err, activeRunColumn) {
			return fmt.Errorf("repository %d: %w", run.RepositoryID, models.ErrActiveRunExists)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	logger.Info("Run created",
		zap.String("run_id", run.ID.String()),
		zap.Int64("repository_id", run.RepositoryID))
	return nil
}

// UpdateRun applies u to the run inside a transaction. Statements share one
// connection, so nothing interleaves between the read and the write.
// applied is false when the update was refused; the current run is still
// returned in that case.
func (db *DB) UpdateRun(ctx context.Context, id uuid.UUID, u models.RunUpdate) (*models.Run, bool, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var row runRow
	if err := tx.GetContext(ctx, &row, `SELECT `+runColumns+` FROM analysis_runs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, false, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	run, err := row.toModel()
	if err != nil {
		return nil, false, err
	}
	if !u.Allowed(run) {
		return run, false, nil
	}

	u.Apply(run)
	if err := writeRun(ctx, tx, run); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: failed to commit transaction: %v", ErrTransactionFailed, err)
	}
	return run, true, nil
}

func writeRun(ctx context.Context, tx *sqlx.Tx, run *models.Run) error {
	row, err := rowFromRun(run)
	if err != nil {
		return err
	}
	query := `
		UPDATE analysis_runs SET
			status = :status,
			run_state = :run_state,
			progress_step = :progress_step,
			attempt_count = :attempt_count,
			next_retry_at = :next_retry_at,
			lock_token = :lock_token,
			locked_at = :locked_at,
			metrics = :metrics,
			updated_at = :updated_at,
			completed_at = :completed_at,
			error_code = :error_code,
			error_message = :error_message
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	return nil
}

// AcquireRunLock claims the run for token. The claim succeeds when the run is
// not terminal and is unlocked, already held by token, or was locked before
// reclaimBefore. A zero reclaimBefore never reclaims.
func (db *DB) AcquireRunLock(ctx context.Context, id uuid.UUID, token string, now, reclaimBefore time.Time) (*models.Run, bool, error) {
	var reclaim timestamp
	if !reclaimBefore.IsZero() {
		reclaim = ts(reclaimBefore)
	}

	query := `
		UPDATE analysis_runs SET lock_token = ?, locked_at = ?, updated_at = ?
		WHERE id = ?
			AND run_state NOT IN ` + terminalStates + `
			AND (lock_token IS NULL OR lock_token = ? OR (? IS NOT NULL AND locked_at < ?))
		RETURNING ` + runColumns

	at := ts(now)
	var row runRow
	err := db.conn.GetContext(ctx, &row, query, token, at, at, id, token, reclaim, reclaim)
	if errors.Is(err, sql.ErrNoRows) {
		run, findErr := db.FindRunByID(ctx, id)
		return run, false, findErr
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock run %s: %w", id, err)
	}

	run, err := row.toModel()
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

// ReleaseRunLock clears the lock if token still holds it. updated_at is left
// alone so stall detection keeps its reference point.
func (db *DB) ReleaseRunLock(ctx context.Context, id uuid.UUID, token string) (bool, error) {
	query := `UPDATE analysis_runs SET lock_token = NULL, locked_at = NULL WHERE id = ? AND lock_token = ?`
	res, err := db.conn.ExecContext(ctx, query, id, token)
	if err != nil {
		return false, fmt.Errorf("failed to release lock of run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release lock of run %s: %w", id, err)
	}
	return n > 0, nil
}

// FindRunByID returns the run with the given id.
func (db *DB) FindRunByID(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	return db.findRun(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id = ?`, id)
}

// FindActiveRunForRepository returns the repository's queued, running or
// waiting run.
func (db *DB) FindActiveRunForRepository(ctx context.Context, repositoryID int64) (*models.Run, error) {
	return db.findRun(ctx, `
		SELECT `+runColumns+` FROM analysis_runs
		WHERE repository_id = ? AND run_state IN ('queued', 'running', 'waiting_retry')
		LIMIT 1`, repositoryID)
}

// FindLatestRunForRepository returns the most recently started run. Ties go
// to the run inserted last.
func (db *DB) FindLatestRunForRepository(ctx context.Context, repositoryID int64) (*models.Run, error) {
	return db.findRun(ctx, `
		SELECT `+runColumns+` FROM analysis_runs
		WHERE repository_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`, repositoryID)
}

func (db *DB) findRun(ctx context.Context, query string, arg interface{}) (*models.Run, error) {
	var row runRow
	if err := db.conn.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrRunNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toModel()
}

// FindDueRetryRuns returns waiting runs whose next retry time has passed,
// oldest first.
func (db *DB) FindDueRetryRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT ` + runColumns + ` FROM analysis_runs
		WHERE run_state = 'waiting_retry' AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?`

	var rows []runRow
	if err := db.conn.SelectContext(ctx, &rows, query, ts(now), limit); err != nil {
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
		WHERE run_state IN ('queued', 'running') AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`

	var rows []runRow
	if err := db.conn.SelectContext(ctx, &rows, query, ts(before), limit); err != nil {
		return nil, fmt.Errorf("failed to fetch stalled runs: %w", err)
	}
	return rowsToRuns(rows)
}
