package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"repohealth/confidence"
	"repohealth/logger"
	"repohealth/models"
	"repohealth/scoring"
)

// Status is the poller-facing read model of a repository.
type Status struct {
	Repository *models.Repository `json:"repository"`
	LatestRun  *models.Run        `json:"latestRun"`
	ViewReady  bool               `json:"viewReady"`
	Score      *scoring.Result    `json:"score,omitempty"`
	Confidence *confidence.Result `json:"confidence,omitempty"`
}

// GetStatus returns the repository, its latest run and whether the read model
// reflects that run. Score and confidence are included once the latest run is
// terminal.
func (p *Processor) GetStatus(ctx context.Context, owner, project string) (*Status, error) {
	_, _, fullName, err := models.NormalizeSlug(owner, project)
	if err != nil {
		return nil, err
	}

	repo, err := p.store.FindRepositoryBySlug(ctx, fullName)
	if err != nil {
		return nil, err
	}

	status := &Status{Repository: repo}
	latest, err := p.store.FindLatestRunForRepository(ctx, repo.ID)
	if errors.Is(err, models.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run of %s: %w", fullName, err)
	}
	status.LatestRun = latest

	view, err := p.store.FindRepositoryView(ctx, repo.ID)
	switch {
	case err == nil:
		status.ViewReady = view.RunID == latest.ID
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("failed to load view of %s: %w", fullName, err)
	}

	if latest.IsTerminal() {
		now := p.now()
		if latest.Metrics != nil {
			score := scoring.CalculateScore(scoring.InputFromSnapshot(latest.Metrics), now, p.cfg.Profile)
			status.Score = &score
		}
		conf := confidence.Evaluate(confidence.InputFromRun(latest), now)
		status.Confidence = &conf
	}
	return status, nil
}

// Invalidator drops cached status payloads.
type Invalidator interface {
	Invalidate(ctx context.Context, fullName string) error
}

// ViewSyncer refreshes the repository read model and the status cache after
// a run finalizes.
type ViewSyncer struct {
	repos   RepositoryStore
	views   ViewStore
	cache   Invalidator
	profile scoring.Profile
	now     func() time.Time
}

// NewViewSyncer creates a syncer. cache may be nil.
func NewViewSyncer(repos RepositoryStore, views ViewStore, cache Invalidator, profile scoring.Profile) *ViewSyncer {
	return &ViewSyncer{
		repos:   repos,
		views:   views,
		cache:   cache,
		profile: profile,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunFinalized implements Finalizer. Runs without metrics keep the previous
// view; the cache is invalidated either way.
func (v *ViewSyncer) RunFinalized(ctx context.Context, run *models.Run) error {
	repo, err := v.repos.FindRepositoryByID(ctx, run.RepositoryID)
	if err != nil {
		return fmt.Errorf("failed to load repository of run %s: %w", run.ID, err)
	}

	var syncErr error
	if run.Metrics != nil {
		view, err := BuildView(repo, run, v.profile, v.now())
		if err != nil {
			syncErr = err
		} else if err := v.views.UpsertRepositoryView(ctx, view); err != nil {
			syncErr = fmt.Errorf("failed to store view of %s: %w", repo.FullName, err)
		} else {
			logger.Debug("Repository view synced",
				zap.String("repository", repo.FullName),
				zap.Int("score", view.Score))
		}
	}

	if v.cache != nil {
		if err := v.cache.Invalidate(ctx, repo.FullName); err != nil {
			return errors.Join(syncErr, err)
		}
	}
	return syncErr
}

type viewDetails struct {
	Score      scoring.Result    `json:"score"`
	Confidence confidence.Result `json:"confidence"`
}

// BuildView computes the read model row of a finalized run.
func BuildView(repo *models.Repository, run *models.Run, profile scoring.Profile, now time.Time) (*models.RepositoryView, error) {
	if run.Metrics == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotPrimed, run.ID)
	}

	score := scoring.CalculateScore(scoring.InputFromSnapshot(run.Metrics), now, profile)
	conf := confidence.Evaluate(confidence.InputFromRun(run), now)

	details, err := json.Marshal(viewDetails{Score: score, Confidence: conf})
	if err != nil {
		return nil, fmt.Errorf("failed to encode view details of %s: %w", repo.FullName, err)
	}

	return &models.RepositoryView{
		RepositoryID:    repo.ID,
		FullName:        repo.FullName,
		RunID:           run.ID,
		RunStatus:       run.Status,
		Score:           score.Score,
		Category:        string(score.Category),
		ConfidenceScore: conf.Score,
		ConfidenceLevel: string(conf.Level),
		Profile:         profile.ID(),
		Stars:           run.Metrics.Stars,
		Description:     run.Metrics.Description,
		Details:         details,
		ComputedAt:      now,
	}, nil
}
