// Package memstore is an in-memory store for repositories, analysis runs and
// the repository read model. It enforces the same invariants as the SQL
// stores and backs the pipeline and API tests, where wrappers inject races
// and write failures around it.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"repohealth/models"
)

// Store is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	nextID int64
	seq    int64
	repos  map[int64]*models.Repository
	slugs  map[string]int64
	runs   map[uuid.UUID]*entry
	views  map[int64]*models.RepositoryView
	now    func() time.Time
}

type entry struct {
	run *models.Run
	seq int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		repos: make(map[int64]*models.Repository),
		slugs: make(map[string]int64),
		runs:  make(map[uuid.UUID]*entry),
		views: make(map[int64]*models.RepositoryView),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// UpsertRepository creates the repository on first sight.
func (s *Store) UpsertRepository(_ context.Context, owner, name string) (*models.Repository, error) {
	if owner == "" || name == "" {
		return nil, fmt.Errorf("%w: owner and name are required", models.ErrInvalidSlug)
	}
	fullName := owner + "/" + name

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.slugs[fullName]; ok {
		repo := s.repos[id]
		repo.UpdatedAt = now
		return cloneRepository(repo), nil
	}

	s.nextID++
	repo := &models.Repository{
		ID:        s.nextID,
		Owner:     owner,
		Name:      name,
		FullName:  fullName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.repos[repo.ID] = repo
	s.slugs[fullName] = repo.ID
	return cloneRepository(repo), nil
}

func (s *Store) SetDefaultBranch(_ context.Context, repositoryID int64, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[repositoryID]
	if !ok {
		return fmt.Errorf("repository %d: %w", repositoryID, models.ErrNotFound)
	}
	repo.DefaultBranch = &branch
	repo.UpdatedAt = s.now()
	return nil
}

func (s *Store) FindRepositoryBySlug(_ context.Context, fullName string) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.slugs[fullName]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", fullName, models.ErrNotFound)
	}
	return cloneRepository(s.repos[id]), nil
}

func (s *Store) FindRepositoryByID(_ context.Context, id int64) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, ok := s.repos[id]
	if !ok {
		return nil, fmt.Errorf("repository %d: %w", id, models.ErrNotFound)
	}
	return cloneRepository(repo), nil
}

// CreateRun inserts run. A second active run for the same repository is
// rejected with models.ErrActiveRunExists.
func (s *Store) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repos[run.RepositoryID]; !ok {
		return fmt.Errorf("repository %d: %w", run.RepositoryID, models.ErrNotFound)
	}
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.RunState.IsActive() && s.activeRun(run.RepositoryID) != nil {
		return fmt.Errorf("repository %d: %w", run.RepositoryID, models.ErrActiveRunExists)
	}

	s.seq++
	s.runs[run.ID] = &entry{run: cloneRun(run), seq: s.seq}
	return nil
}

// UpdateRun applies u unless the run is terminal or its state does not match
// u.ExpectState. The current run is returned either way.
func (s *Store) UpdateRun(_ context.Context, id uuid.UUID, u models.RunUpdate) (*models.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return nil, false, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	if !u.Allowed(e.run) {
		return cloneRun(e.run), false, nil
	}
	u.Apply(e.run)
	return cloneRun(e.run), true, nil
}

// AcquireRunLock claims the run for token when it is unlocked, already held
// by token, or was locked before a non-zero reclaimBefore.
func (s *Store) AcquireRunLock(_ context.Context, id uuid.UUID, token string, now, reclaimBefore time.Time) (*models.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return nil, false, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	run := e.run
	if run.IsTerminal() {
		return cloneRun(run), false, nil
	}

	free := run.LockToken == nil || *run.LockToken == token
	stale := !reclaimBefore.IsZero() && run.LockedAt != nil && run.LockedAt.Before(reclaimBefore)
	if !free && !stale {
		return cloneRun(run), false, nil
	}

	t := token
	at := now
	run.LockToken = &t
	run.LockedAt = &at
	run.UpdatedAt = now
	return cloneRun(run), true, nil
}

// ReleaseRunLock clears the lock if token still holds it. It reports whether
// a lock was released.
func (s *Store) ReleaseRunLock(_ context.Context, id uuid.UUID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	run := e.run
	if run.LockToken == nil || *run.LockToken != token {
		return false, nil
	}
	run.LockToken = nil
	run.LockedAt = nil
	return true, nil
}

func (s *Store) FindRunByID(_ context.Context, id uuid.UUID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	return cloneRun(e.run), nil
}

func (s *Store) FindActiveRunForRepository(_ context.Context, repositoryID int64) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.activeRun(repositoryID)
	if run == nil {
		return nil, fmt.Errorf("active run for repository %d: %w", repositoryID, models.ErrNotFound)
	}
	return cloneRun(run), nil
}

// FindLatestRunForRepository returns the most recently started run. Ties go
// to the run created last.
func (s *Store) FindLatestRunForRepository(_ context.Context, repositoryID int64) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *entry
	for _, e := range s.runs {
		if e.run.RepositoryID != repositoryID {
			continue
		}
		if latest == nil ||
			e.run.StartedAt.After(latest.run.StartedAt) ||
			(e.run.StartedAt.Equal(latest.run.StartedAt) && e.seq > latest.seq) {
			latest = e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("run for repository %d: %w", repositoryID, models.ErrNotFound)
	}
	return cloneRun(latest.run), nil
}

// FindDueRetryRuns returns waiting runs whose retry time has passed, oldest
// retry first.
func (s *Store) FindDueRetryRuns(_ context.Context, now time.Time, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Run
	for _, e := range s.runs {
		r := e.run
		if r.RunState == models.StateWaitingRetry && r.NextRetryAt != nil && !r.NextRetryAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	return cloneRuns(due, limit), nil
}

// FindStalledRuns returns queued or running runs last updated before before.
func (s *Store) FindStalledRuns(_ context.Context, before time.Time, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stalled []*models.Run
	for _, e := range s.runs {
		r := e.run
		if (r.RunState == models.StateQueued || r.RunState == models.StateRunning) && r.UpdatedAt.Before(before) {
			stalled = append(stalled, r)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].UpdatedAt.Before(stalled[j].UpdatedAt) })
	return cloneRuns(stalled, limit), nil
}

func (s *Store) UpsertRepositoryView(_ context.Context, v *models.RepositoryView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.views[v.RepositoryID] = cloneView(v)
	return nil
}

func (s *Store) FindRepositoryView(_ context.Context, repositoryID int64) (*models.RepositoryView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.views[repositoryID]
	if !ok {
		return nil, fmt.Errorf("repository view %d: %w", repositoryID, models.ErrNotFound)
	}
	return cloneView(v), nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// activeRun must be called with s.mu held.
func (s *Store) activeRun(repositoryID int64) *models.Run {
	for _, e := range s.runs {
		if e.run.RepositoryID == repositoryID && e.run.RunState.IsActive() {
			return e.run
		}
	}
	return nil
}

func cloneRuns(runs []*models.Run, limit int) []*models.Run {
	if len(runs) > limit {
		runs = runs[:limit]
	}
	out := make([]*models.Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, cloneRun(r))
	}
	return out
}

func cloneRun(r *models.Run) *models.Run {
	c := *r
	c.NextRetryAt = clonePtr(r.NextRetryAt)
	c.LockToken = clonePtr(r.LockToken)
	c.LockedAt = clonePtr(r.LockedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.ErrorCode = clonePtr(r.ErrorCode)
	c.ErrorMessage = clonePtr(r.ErrorMessage)
	c.Metrics = r.Metrics.Clone()
	return &c
}

func cloneRepository(r *models.Repository) *models.Repository {
	c := *r
	c.DefaultBranch = clonePtr(r.DefaultBranch)
	return &c
}

func cloneView(v *models.RepositoryView) *models.RepositoryView {
	c := *v
	c.Description = clonePtr(v.Description)
	if v.Details != nil {
		c.Details = append([]byte(nil), v.Details...)
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
