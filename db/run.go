package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"repohealth/models"
)

// activeRunIndex is the partial unique index enforcing one active run per
// repository.
const activeRunIndex = "analysis_runs_one_active_per_repository"

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
		if isUniqueViolation(err, activeRunIndex) {
			return fmt.Errorf("repository %d: %w", run.RepositoryID, models.ErrActiveRunExists)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	safeLogInfo("Run created",
		zap.String("run_id", run.ID.String()),
		zap.Int64("repository_id", run.RepositoryID))
	return nil
}

// UpdateRun applies u to the run inside a transaction. The row is locked,
// checked against terminality and u.ExpectState, and written back whole.
// applied is false when the update was refused; the current run is still
// returned in that case.
func (db *DB) UpdateRun(ctx context.Context, id uuid.UUID, u models.RunUpdate) (*models.Run, bool, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	var row runRow
	if err := tx.GetContext(ctx, &row, `SELECT `+runColumns+` FROM analysis_runs WHERE id = $1 FOR UPDATE`, id); err != nil {
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
	var reclaim sql.NullTime
	if !reclaimBefore.IsZero() {
		reclaim = sql.NullTime{Time: reclaimBefore, Valid: true}
	}

	query := `
		UPDATE analysis_runs SET lock_token = $2, locked_at = $3, updated_at = $3
		WHERE id = $1
			AND run_state NOT IN ` + terminalStates + `
			AND (lock_token IS NULL OR lock_token = $2 OR ($4::timestamptz IS NOT NULL AND locked_at < $4))
		RETURNING ` + runColumns

	var row runRow
	err := db.conn.GetContext(ctx, &row, query, id, token, now, reclaim)
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
	query := `UPDATE analysis_runs SET lock_token = NULL, locked_at = NULL WHERE id = $1 AND lock_token = $2`
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
	return db.findRun(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id = $1`, id)
}

// FindActiveRunForRepository returns the repository's queued, running or
// waiting run.
func (db *DB) FindActiveRunForRepository(ctx context.Context, repositoryID int64) (*models.Run, error) {
	return db.findRun(ctx, `
		SELECT `+runColumns+` FROM analysis_runs
		WHERE repository_id = $1 AND run_state IN ('queued', 'running', 'waiting_retry')
		LIMIT 1`, repositoryID)
}

// FindLatestRunForRepository returns the most recently started run.
func (db *DB) FindLatestRunForRepository(ctx context.Context, repositoryID int64) (*models.Run, error) {
	return db.findRun(ctx, `
		SELECT `+runColumns+` FROM analysis_runs
		WHERE repository_id = $1
		ORDER BY started_at DESC
		LIMIT 1`, repositoryID)
}

func (db *DB) findRun(ctx context.Context, query string, arg interface{}) (*models.Run, error) {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	var row runRow
	if err := stmt.GetContext(ctx, &row, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrRunNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toModel()
}
