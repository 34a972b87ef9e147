package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"repohealth/logger"
	"repohealth/models"
)

// StartResult is returned by StartOrReuseRun.
type StartResult struct {
	Repository *models.Repository `json:"repository"`
	Run        *models.Run        `json:"run"`
	Created    bool               `json:"created"`
}

// StartOrReuseRun returns the repository's active run, a recent complete run
// inside the freshness window (unless force is set), or a newly queued run.
// Losing the race to create a run returns the winner.
func (p *Processor) StartOrReuseRun(ctx context.Context, owner, project string, force bool) (*StartResult, error) {
	owner, name, fullName, err := models.NormalizeSlug(owner, project)
	if err != nil {
		return nil, err
	}

	repo, err := p.store.UpsertRepository(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repository %s: %w", fullName, err)
	}

	active, err := p.activeRun(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		logger.Debug("Reusing active run",
			zap.String("repository", fullName),
			zap.String("run_id", active.ID.String()))
		return &StartResult{Repository: repo, Run: active}, nil
	}

	now := p.now()
	if !force && p.cfg.FreshnessWindow > 0 {
		latest, err := p.store.FindLatestRunForRepository(ctx, repo.ID)
		switch {
		case err == nil:
			if isFresh(latest, now, p.cfg.FreshnessWindow) {
				logger.Debug("Reusing fresh run",
					zap.String("repository", fullName),
					zap.String("run_id", latest.ID.String()))
				return &StartResult{Repository: repo, Run: latest}, nil
			}
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("failed to load latest run of %s: %w", fullName, err)
		}
	}

	run := models.NewRun(repo.ID, now)
	if err := p.store.CreateRun(ctx, run); err != nil {
		if !errors.Is(err, models.ErrActiveRunExists) {
			return nil, fmt.Errorf("failed to create run for %s: %w", fullName, err)
		}
		winner, findErr := p.store.FindActiveRunForRepository(ctx, repo.ID)
		if errors.Is(findErr, models.ErrNotFound) {
			// The winner already finished.
			winner, findErr = p.store.FindLatestRunForRepository(ctx, repo.ID)
		}
		if findErr != nil {
			return nil, fmt.Errorf("failed to load concurrently created run for %s: %w", fullName, findErr)
		}
		logger.Info("Run created concurrently, returning existing run",
			zap.String("repository", fullName),
			zap.String("run_id", winner.ID.String()))
		return &StartResult{Repository: repo, Run: winner}, nil
	}

	logger.Info("Run queued",
		zap.String("repository", fullName),
		zap.String("run_id", run.ID.String()),
		zap.Bool("force", force))
	return &StartResult{Repository: repo, Run: run, Created: true}, nil
}

func (p *Processor) activeRun(ctx context.Context, repositoryID int64) (*models.Run, error) {
	run, err := p.store.FindActiveRunForRepository(ctx, repositoryID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active run: %w", err)
	}
	return run, nil
}

func isFresh(run *models.Run, now time.Time, window time.Duration) bool {
	if run.RunState != models.StateComplete || run.CompletedAt == nil {
		return false
	}
	return now.Sub(*run.CompletedAt) < window
}

// PrimeRun fetches base metrics and advances the run to commit_activity. It
// is a no-op for terminal runs, already primed runs, and runs locked by a
// different token. lockToken no longer holds the run when it returns.
func (p *Processor) PrimeRun(ctx context.Context, id uuid.UUID, lockToken string) (*models.Run, error) {
	defer p.release(ctx, id, lockToken)
	return p.prime(ctx, id, lockToken, time.Time{})
}

func (p *Processor) prime(ctx context.Context, id uuid.UUID, lockToken string, reclaimBefore time.Time) (*models.Run, error) {
	run, held, err := p.claim(ctx, id, lockToken, reclaimBefore)
	if err != nil {
		return nil, err
	}
	if !held || run.IsTerminal() {
		return run, nil
	}
	if run.Metrics != nil && run.ProgressStep != models.StepBootstrap {
		return run, nil
	}

	run, applied, err := p.store.UpdateRun(ctx, id, models.RunUpdate{
		Status:       models.Ptr(models.StatusRunning),
		RunState:     models.Ptr(models.StateRunning),
		ProgressStep: models.Ptr(models.StepMetrics),
		UpdatedAt:    p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark run %s running: %w", id, err)
	}
	if !applied {
		return run, nil
	}

	repo, err := p.store.FindRepositoryByID(ctx, run.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository of run %s: %w", id, err)
	}

	logger.Info("Fetching metrics",
		zap.String("run_id", id.String()),
		zap.String("repository", repo.FullName))

	snapshot, err := p.provider.FetchMetrics(ctx, repo.Owner, repo.Name)
	if err != nil {
		return p.failRun(ctx, id, models.CodeMetricsFetchFailed, err)
	}

	if snapshot.DefaultBranch != nil {
		if err := p.store.SetDefaultBranch(ctx, repo.ID, *snapshot.DefaultBranch); err != nil {
			logger.Warn("Failed to record default branch",
				zap.String("repository", repo.FullName),
				zap.Error(err))
		}
	}

	primed := snapshot.WithCommitActivity(models.CommitActivity{State: models.ActivityPending})
	run, applied, err = p.store.UpdateRun(ctx, id, models.RunUpdate{
		ProgressStep: models.Ptr(models.StepCommitActivity),
		AttemptCount: models.Ptr(0),
		Metrics:      primed,
		UpdatedAt:    p.now(),
		ExpectState:  models.Ptr(models.StateRunning),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store metrics of run %s: %w", id, err)
	}
	if applied {
		logger.Info("Metrics primed",
			zap.String("run_id", id.String()),
			zap.String("repository", repo.FullName),
			zap.Int("stars", primed.Stars))
	}
	return run, nil
}

// claim loads the run and, when lockToken is set, takes the advisory lock.
// held is false when another token owns the run.
func (p *Processor) claim(ctx context.Context, id uuid.UUID, lockToken string, reclaimBefore time.Time) (*models.Run, bool, error) {
	if lockToken == "" {
		run, err := p.store.FindRunByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return run, true, nil
	}

	run, ok, err := p.store.AcquireRunLock(ctx, id, lockToken, p.now(), reclaimBefore)
	if err != nil {
		return nil, false, err
	}
	if !ok && !run.IsTerminal() {
		logger.Debug("Run locked by another owner", zap.String("run_id", id.String()))
	}
	return run, ok, nil
}

// release drops lockToken's hold on the run, if it still has one. Runs that
// reached waiting_retry or a terminal state were already released on write.
func (p *Processor) release(ctx context.Context, id uuid.UUID, lockToken string) {
	if lockToken == "" {
		return
	}
	released, err := p.store.ReleaseRunLock(context.WithoutCancel(ctx), id, lockToken)
	if err != nil {
		logger.Warn("Failed to release run lock",
			zap.String("run_id", id.String()),
			zap.Error(err))
		return
	}
	if released {
		logger.Debug("Run lock released", zap.String("run_id", id.String()))
	}
}

// ProcessRun drives the run through to finalization, or to waiting_retry when
// retries are left to the fallback scan. Unexpected errors fail the run with
// analysis_failed and are returned.
func (p *Processor) ProcessRun(ctx context.Context, id uuid.UUID, lockToken string) error {
	_, err := p.process(ctx, id, lockToken, time.Time{})
	return err
}

// process returns the run as it was left. The lock taken for lockToken is
// released before returning.
func (p *Processor) process(ctx context.Context, id uuid.UUID, lockToken string, reclaimBefore time.Time) (*models.Run, error) {
	defer p.release(ctx, id, lockToken)

	run, err := p.prime(ctx, id, lockToken, reclaimBefore)
	if err != nil {
		return nil, p.abort(ctx, id, err)
	}
	if run.IsTerminal() || run.Metrics == nil || !holds(run, lockToken) {
		return run, nil
	}

	run, err = p.resolve(ctx, id, lockToken, reclaimBefore)
	if err != nil {
		return nil, p.abort(ctx, id, err)
	}
	return run, nil
}

func holds(run *models.Run, lockToken string) bool {
	if lockToken == "" {
		return true
	}
	return run.LockToken != nil && *run.LockToken == lockToken
}

// abort records err as analysis_failed unless the context was cancelled, in
// which case the run is left for the fallback scan.
func (p *Processor) abort(ctx context.Context, id uuid.UUID, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Run processing interrupted", zap.String("run_id", id.String()), zap.Error(err))
		return err
	}
	if _, failErr := p.failRun(context.WithoutCancel(ctx), id, models.CodeAnalysisFailed, err); failErr != nil {
		logger.Error("Failed to record run failure",
			zap.String("run_id", id.String()),
			zap.Error(failErr))
	}
	return err
}

// failRun finalizes the run as failed. The run is re-read first since it may
// have advanced since cause was raised.
func (p *Processor) failRun(ctx context.Context, id uuid.UUID, code models.ErrorCode, cause error) (*models.Run, error) {
	current, err := p.store.FindRunByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload run %s: %w", id, err)
	}
	if current.IsTerminal() {
		return current, nil
	}

	logger.Warn("Run failed",
		zap.String("run_id", id.String()),
		zap.String("error_code", string(code)),
		zap.Error(cause))

	return p.finalize(ctx, id, outcome{
		status:  models.StatusFailed,
		state:   models.StateFailed,
		code:    code,
		message: truncate(cause.Error(), maxErrorMessageLength),
	})
}

type outcome struct {
	status   models.RunStatus
	state    models.RunState
	snapshot *models.MetricsSnapshot
	attempts int
	code     models.ErrorCode
	message  string
}

// finalize writes the terminal state. A run that is already terminal is
// returned unchanged. Finalizers run only for the write that terminated the
// run.
func (p *Processor) finalize(ctx context.Context, id uuid.UUID, o outcome) (*models.Run, error) {
	now := p.now()
	u := models.RunUpdate{
		Status:         &o.status,
		RunState:       &o.state,
		ProgressStep:   models.Ptr(models.StepFinalize),
		ClearNextRetry: true,
		Metrics:        o.snapshot,
		CompletedAt:    &now,
		ReleaseLock:    true,
		UpdatedAt:      now,
	}
	if o.attempts > 0 {
		u.AttemptCount = &o.attempts
	}
	if o.code != "" {
		u.ErrorCode = &o.code
		u.ErrorMessage = &o.message
	}

	run, applied, err := p.store.UpdateRun(ctx, id, u)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize run %s: %w", id, err)
	}
	if !applied {
		logger.Debug("Run already finalized", zap.String("run_id", id.String()))
		return run, nil
	}

	logger.Info("Run finalized",
		zap.String("run_id", id.String()),
		zap.String("run_state", string(run.RunState)),
		zap.String("error_code", string(o.code)),
		zap.Int("attempt", run.AttemptCount))

	for _, f := range p.finalizers {
		if err := f.RunFinalized(ctx, run); err != nil {
			logger.Warn("Finalize side effect failed",
				zap.String("run_id", id.String()),
				zap.Error(err))
		}
	}
	return run, nil
}
