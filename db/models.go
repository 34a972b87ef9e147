package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"repohealth/models"
)

const runColumns = `id, repository_id, status, run_state, progress_step, attempt_count,
	next_retry_at, lock_token, locked_at, metrics, started_at, updated_at,
	completed_at, error_code, error_message`

const repositoryColumns = `id, owner, name, full_name, default_branch, created_at, updated_at`

const viewColumns = `repository_id, full_name, run_id, run_status, score, category,
	confidence_score, confidence_level, profile, stars, description, details, computed_at`

// runRow mirrors one analysis_runs row. Metrics is stored as jsonb.
type runRow struct {
	ID           uuid.UUID  `db:"id"`
	RepositoryID int64      `db:"repository_id"`
	Status       string     `db:"status"`
	RunState     string     `db:"run_state"`
	ProgressStep string     `db:"progress_step"`
	AttemptCount int        `db:"attempt_count"`
	NextRetryAt  *time.Time `db:"next_retry_at"`
	LockToken    *string    `db:"lock_token"`
	LockedAt     *time.Time `db:"locked_at"`
	Metrics      []byte     `db:"metrics"`
	StartedAt    time.Time  `db:"started_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	ErrorCode    *string    `db:"error_code"`
	ErrorMessage *string    `db:"error_message"`
}

func (r *runRow) toModel() (*models.Run, error) {
	run := &models.Run{
		ID:           r.ID,
		RepositoryID: r.RepositoryID,
		Status:       models.RunStatus(r.Status),
		RunState:     models.RunState(r.RunState),
		ProgressStep: models.ProgressStep(r.ProgressStep),
		AttemptCount: r.AttemptCount,
		NextRetryAt:  r.NextRetryAt,
		LockToken:    r.LockToken,
		LockedAt:     r.LockedAt,
		StartedAt:    r.StartedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
		ErrorMessage: r.ErrorMessage,
	}
	if r.ErrorCode != nil {
		code := models.ErrorCode(*r.ErrorCode)
		run.ErrorCode = &code
	}
	if len(r.Metrics) > 0 {
		var m models.MetricsSnapshot
		if err := json.Unmarshal(r.Metrics, &m); err != nil {
			return nil, fmt.Errorf("failed to decode metrics of run %s: %w", r.ID, err)
		}
		run.Metrics = &m
	}
	return run, nil
}

func rowFromRun(run *models.Run) (*runRow, error) {
	row := &runRow{
		ID:           run.ID,
		RepositoryID: run.RepositoryID,
		Status:       string(run.Status),
		RunState:     string(run.RunState),
		ProgressStep: string(run.ProgressStep),
		AttemptCount: run.AttemptCount,
		NextRetryAt:  run.NextRetryAt,
		LockToken:    run.LockToken,
		LockedAt:     run.LockedAt,
		StartedAt:    run.StartedAt,
		UpdatedAt:    run.UpdatedAt,
		CompletedAt:  run.CompletedAt,
		ErrorMessage: run.ErrorMessage,
	}
	if run.ErrorCode != nil {
		code := string(*run.ErrorCode)
		row.ErrorCode = &code
	}
	if run.Metrics != nil {
		data, err := json.Marshal(run.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metrics of run %s: %w", run.ID, err)
		}
		row.Metrics = data
	}
	return row, nil
}

func rowsToRuns(rows []runRow) ([]*models.Run, error) {
	runs := make([]*models.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
