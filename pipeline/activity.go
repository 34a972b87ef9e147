package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"repohealth/logger"
	"repohealth/models"
)

// ResolveCommitActivity runs the bounded retry loop for the commit activity
// dataset. It only relies on persisted state, so any process may call it to
// resume a waiting run. With inline retries disabled it returns after
// persisting waiting_retry; a run whose retry is not yet due is returned
// untouched. lockToken no longer holds the run when it returns.
func (p *Processor) ResolveCommitActivity(ctx context.Context, id uuid.UUID, lockToken string) (*models.Run, error) {
	defer p.release(ctx, id, lockToken)
	return p.resolve(ctx, id, lockToken, time.Time{})
}

func (p *Processor) resolve(ctx context.Context, id uuid.UUID, lockToken string, reclaimBefore time.Time) (*models.Run, error) {
	// Attempt count this loop scheduled before sleeping, or -1. Only that
	// retry may be taken before its next_retry_at.
	scheduled := -1
	for {
		run, held, err := p.claim(ctx, id, lockToken, reclaimBefore)
		if err != nil {
			return nil, err
		}
		if !held || run.IsTerminal() {
			return run, nil
		}
		if run.Metrics == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotPrimed, id)
		}

		switch run.RunState {
		case models.StateWaitingRetry:
			if run.AttemptCount != scheduled && run.NextRetryAt != nil && run.NextRetryAt.After(p.now()) {
				return run, nil
			}
			var applied bool
			run, applied, err = p.store.UpdateRun(ctx, id, models.RunUpdate{
				RunState:       models.Ptr(models.StateRunning),
				ProgressStep:   models.Ptr(models.StepCommitActivity),
				ClearNextRetry: true,
				UpdatedAt:      p.now(),
				ExpectState:    models.Ptr(models.StateWaitingRetry),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to claim run %s: %w", id, err)
			}
			if !applied {
				// Someone else resumed it first.
				return run, nil
			}
		case models.StateRunning:
		default:
			return run, nil
		}

		next, wait, err := p.attempt(ctx, run, lockToken)
		if err != nil || !p.cfg.InlineRetry || wait == 0 || next.RunState != models.StateWaitingRetry {
			return next, err
		}

		if err := p.sleep(ctx, wait); err != nil {
			logger.Info("Retry left to fallback scan",
				zap.String("run_id", id.String()),
				zap.Error(err))
			return next, nil
		}
		scheduled = next.AttemptCount
	}
}

// attempt makes one provider call and persists its outcome. For a transient
// outcome with attempts left it returns the waiting run and the delay before
// the next attempt.
func (p *Processor) attempt(ctx context.Context, run *models.Run, lockToken string) (*models.Run, time.Duration, error) {
	repo, err := p.store.FindRepositoryByID(ctx, run.RepositoryID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load repository of run %s: %w", run.ID, err)
	}

	n := run.AttemptCount + 1
	result := p.provider.FetchActivityHistory(ctx, repo.Owner, repo.Name)
	now := p.now()

	logger.Info("Commit activity attempt",
		zap.String("run_id", run.ID.String()),
		zap.String("repository", repo.FullName),
		zap.Int("attempt", n),
		zap.String("status", string(result.Status)))

	ca := models.CommitActivity{State: models.ActivityPending}
	if run.Metrics.CommitActivity != nil {
		ca = *run.Metrics.CommitActivity.Clone()
	}
	ca.Attempts = n
	ca.LastAttemptedAt = &now

	switch {
	case result.Status == models.ActivityStatusReady:
		ca.State = models.ActivityReady
		ca.Weekly = result.Weeks
		ca.ErrorMessage = nil
		if ca.Weekly == nil {
			ca.Weekly = []models.WeeklyCommits{}
		}
		done, err := p.finalize(ctx, run.ID, outcome{
			status:   models.StatusComplete,
			state:    models.StateComplete,
			snapshot: run.Metrics.WithCommitActivity(ca),
			attempts: n,
		})
		return done, 0, err

	case result.Status.Retryable() && n < p.MaxAttempts():
		delay := p.cfg.RetrySchedule[n-1]
		nextAt := now.Add(delay)
		if result.Message != "" {
			ca.ErrorMessage = models.Ptr(result.Message)
		}
		waiting, applied, err := p.store.UpdateRun(ctx, run.ID, models.RunUpdate{
			RunState:     models.Ptr(models.StateWaitingRetry),
			ProgressStep: models.Ptr(models.StepCommitActivity),
			AttemptCount: &n,
			NextRetryAt:  &nextAt,
			Metrics:      run.Metrics.WithCommitActivity(ca),
			ReleaseLock:  lockToken != "",
			UpdatedAt:    now,
			ExpectState:  models.Ptr(models.StateRunning),
		})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to schedule retry of run %s: %w", run.ID, err)
		}
		if !applied {
			return waiting, 0, nil
		}
		logger.Info("Commit activity retry scheduled",
			zap.String("run_id", run.ID.String()),
			zap.Int("attempt", n),
			zap.Duration("delay", delay),
			zap.String("run_state", string(waiting.RunState)))
		return waiting, delay, nil

	case result.Status.Retryable():
		ca.State = models.ActivityFailed
		ca.ErrorMessage = models.Ptr(msgActivityRetryLimit)
		done, err := p.finalize(ctx, run.ID, outcome{
			status:   models.StatusPartial,
			state:    models.StatePartial,
			snapshot: run.Metrics.WithCommitActivity(ca),
			attempts: n,
			code:     models.CodeCommitActivityRetryLimit,
			message:  msgActivityRetryLimit,
		})
		return done, 0, err

	default:
		ca.State = models.ActivityFailed
		ca.ErrorMessage = models.Ptr(msgActivityUnavailable)
		done, err := p.finalize(ctx, run.ID, outcome{
			status:   models.StatusPartial,
			state:    models.StatePartial,
			snapshot: run.Metrics.WithCommitActivity(ca),
			attempts: n,
			code:     models.CodeCommitActivityUnavailable,
			message:  msgActivityUnavailable,
		})
		return done, 0, err
	}
}
