package sqlitedb

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"repohealth/models"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// timestamp is a nullable UTC time stored as TEXT in timeLayout.
type timestamp struct {
	Time  time.Time
	Valid bool
}

func ts(t time.Time) timestamp {
	return timestamp{Time: t.UTC(), Valid: true}
}

func tsPtr(t *time.Time) timestamp {
	if t == nil {
		return timestamp{}
	}
	return ts(*t)
}

func (t timestamp) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Value implements driver.Valuer.
func (t timestamp) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time.UTC().Format(timeLayout), nil
}

// Scan implements sql.Scanner.
func (t *timestamp) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*t = timestamp{}
		return nil
	case time.Time:
		*t = ts(v)
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", src)
	}
}

func (t *timestamp) parse(s string) error {
	parsed, err := time.Parse(timeLayout, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = ts(parsed)
	return nil
}

const runColumns = `id, repository_id, status, run_state, progress_step, attempt_count,
	next_retry_at, lock_token, locked_at, metrics, started_at, updated_at,
	completed_at, error_code, error_message`

const repositoryColumns = `id, owner, name, full_name, default_branch, created_at, updated_at`

const viewColumns = `repository_id, full_name, run_id, run_status, score, category,
	confidence_score, confidence_level, profile, stars, description, details, computed_at`

type repositoryRow struct {
	ID            int64     `db:"id"`
	Owner         string    `db:"owner"`
	Name          string    `db:"name"`
	FullName      string    `db:"full_name"`
	DefaultBranch *string   `db:"default_branch"`
	CreatedAt     timestamp `db:"created_at"`
	UpdatedAt     timestamp `db:"updated_at"`
}

func (r *repositoryRow) toModel() *models.Repository {
	return &models.Repository{
		ID:            r.ID,
		Owner:         r.Owner,
		Name:          r.Name,
		FullName:      r.FullName,
		DefaultBranch: r.DefaultBranch,
		CreatedAt:     r.CreatedAt.Time,
		UpdatedAt:     r.UpdatedAt.Time,
	}
}

// runRow mirrors one analysis_runs row. Metrics is stored as JSON text.
type runRow struct {
	ID           uuid.UUID `db:"id"`
	RepositoryID int64     `db:"repository_id"`
	Status       string    `db:"status"`
	RunState     string    `db:"run_state"`
	ProgressStep string    `db:"progress_step"`
	AttemptCount int       `db:"attempt_count"`
	NextRetryAt  timestamp `db:"next_retry_at"`
	LockToken    *string   `db:"lock_token"`
	LockedAt     timestamp `db:"locked_at"`
	Metrics      *string   `db:"metrics"`
	StartedAt    timestamp `db:"started_at"`
	UpdatedAt    timestamp `db:"updated_at"`
	CompletedAt  timestamp `db:"completed_at"`
	ErrorCode    *string   `db:"error_code"`
	ErrorMessage *string   `db:"error_message"`
}

func (r *runRow) toModel() (*models.Run, error) {
	run := &models.Run{
		ID:           r.ID,
		RepositoryID: r.RepositoryID,
		Status:       models.RunStatus(r.Status),
		RunState:     models.RunState(r.RunState),
		ProgressStep: models.ProgressStep(r.ProgressStep),
		AttemptCount: r.AttemptCount,
		NextRetryAt:  r.NextRetryAt.ptr(),
		LockToken:    r.LockToken,
		LockedAt:     r.LockedAt.ptr(),
		StartedAt:    r.StartedAt.Time,
		UpdatedAt:    r.UpdatedAt.Time,
		CompletedAt:  r.CompletedAt.ptr(),
		ErrorMessage: r.ErrorMessage,
	}
	if r.ErrorCode != nil {
		code := models.ErrorCode(*r.ErrorCode)
		run.ErrorCode = &code
	}
	if r.Metrics != nil && *r.Metrics != "" {
		var m models.MetricsSnapshot
		if err := json.Unmarshal([]byte(*r.Metrics), &m); err != nil {
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
		NextRetryAt:  tsPtr(run.NextRetryAt),
		LockToken:    run.LockToken,
		LockedAt:     tsPtr(run.LockedAt),
		StartedAt:    ts(run.StartedAt),
		UpdatedAt:    ts(run.UpdatedAt),
		CompletedAt:  tsPtr(run.CompletedAt),
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
		metrics := string(data)
		row.Metrics = &metrics
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

type viewRow struct {
	RepositoryID    int64     `db:"repository_id"`
	FullName        string    `db:"full_name"`
	RunID           uuid.UUID `db:"run_id"`
	RunStatus       string    `db:"run_status"`
	Score           int       `db:"score"`
	Category        string    `db:"category"`
	ConfidenceScore int       `db:"confidence_score"`
	ConfidenceLevel string    `db:"confidence_level"`
	Profile         string    `db:"profile"`
	Stars           int       `db:"stars"`
	Description     *string   `db:"description"`
	Details         string    `db:"details"`
	ComputedAt      timestamp `db:"computed_at"`
}

func rowFromView(v *models.RepositoryView) *viewRow {
	details := "{}"
	if len(v.Details) > 0 {
		details = string(v.Details)
	}
	return &viewRow{
		RepositoryID:    v.RepositoryID,
		FullName:        v.FullName,
		RunID:           v.RunID,
		RunStatus:       string(v.RunStatus),
		Score:           v.Score,
		Category:        v.Category,
		ConfidenceScore: v.ConfidenceScore,
		ConfidenceLevel: v.ConfidenceLevel,
		Profile:         v.Profile,
		Stars:           v.Stars,
		Description:     v.Description,
		Details:         details,
		ComputedAt:      ts(v.ComputedAt),
	}
}

func (r *viewRow) toModel() *models.RepositoryView {
	return &models.RepositoryView{
		RepositoryID:    r.RepositoryID,
		FullName:        r.FullName,
		RunID:           r.RunID,
		RunStatus:       models.RunStatus(r.RunStatus),
		Score:           r.Score,
		Category:        r.Category,
		ConfidenceScore: r.ConfidenceScore,
		ConfidenceLevel: r.ConfidenceLevel,
		Profile:         r.Profile,
		Stars:           r.Stars,
		Description:     r.Description,
		Details:         json.RawMessage(r.Details),
		ComputedAt:      r.ComputedAt.Time,
	}
}
