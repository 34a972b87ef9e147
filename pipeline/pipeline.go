// Package pipeline drives analysis runs through their lifecycle: start or
// reuse a run, prime base metrics, resolve commit activity with bounded
// retries, finalize, and resume abandoned runs from persisted state.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"repohealth/models"
	"repohealth/scoring"
)

// RepositoryStore is the repository persistence the pipeline needs.
type RepositoryStore interface {
	UpsertRepository(ctx context.Context, owner, name string) (*models.Repository, error)
	SetDefaultBranch(ctx context.Context, repositoryID int64, branch string) error
	FindRepositoryBySlug(ctx context.Context, fullName string) (*models.Repository, error)
	FindRepositoryByID(ctx context.Context, id int64) (*models.Repository, error)
}

// RunStore is the run persistence the pipeline needs. UpdateRun must refuse
// writes to terminal runs and honor RunUpdate.ExpectState.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, id uuid.UUID, u models.RunUpdate) (*models.Run, bool, error)
	AcquireRunLock(ctx context.Context, id uuid.UUID, token string, now, reclaimBefore time.Time) (*models.Run, bool, error)
	ReleaseRunLock(ctx context.Context, id uuid.UUID, token string) (bool, error)
	FindRunByID(ctx context.Context, id uuid.UUID) (*models.Run, error)
	FindActiveRunForRepository(ctx context.Context, repositoryID int64) (*models.Run, error)
	FindLatestRunForRepository(ctx context.Context, repositoryID int64) (*models.Run, error)
	FindDueRetryRuns(ctx context.Context, now time.Time, limit int) ([]*models.Run, error)
	FindStalledRuns(ctx context.Context, before time.Time, limit int) ([]*models.Run, error)
}

// ViewStore persists the repository read model.
type ViewStore interface {
	UpsertRepositoryView(ctx context.Context, v *models.RepositoryView) error
	FindRepositoryView(ctx context.Context, repositoryID int64) (*models.RepositoryView, error)
}

// Store is implemented by db.DB, sqlitedb.DB and memstore.Store.
type Store interface {
	RepositoryStore
	RunStore
	ViewStore
}

// Provider fetches repository data from the code host.
type Provider interface {
	FetchMetrics(ctx context.Context, owner, project string) (*models.MetricsSnapshot, error)
	FetchActivityHistory(ctx context.Context, owner, project string) models.ActivityResult
}

// Finalizer is notified after a run reaches a terminal state. Errors are
// logged and never change the run's outcome.
type Finalizer interface {
	RunFinalized(ctx context.Context, run *models.Run) error
}

// DefaultRetrySchedule holds the delays between commit activity attempts.
// Its length is the attempt budget.
var DefaultRetrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	13 * time.Second,
}

const (
	DefaultFreshnessWindow = 6 * time.Hour
	DefaultLockStaleAfter  = 15 * time.Minute
	DefaultScanWorkers     = 5

	maxErrorMessageLength = 500
)

// Config tunes the processor.
type Config struct {
	// RetrySchedule[k-1] is the delay after attempt k.
	RetrySchedule []time.Duration
	// InlineRetry sleeps between attempts in the calling goroutine instead of
	// leaving the run in waiting_retry for the fallback scan.
	InlineRetry bool
	// FreshnessWindow is how long a complete run is reused. Zero disables reuse.
	FreshnessWindow time.Duration
	// LockStaleAfter is when the fallback scan may reclaim a lock or re-drive a
	// stalled run.
	LockStaleAfter time.Duration
	ScanWorkers    int
	Profile        scoring.Profile
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RetrySchedule:   append([]time.Duration(nil), DefaultRetrySchedule...),
		FreshnessWindow: DefaultFreshnessWindow,
		LockStaleAfter:  DefaultLockStaleAfter,
		ScanWorkers:     DefaultScanWorkers,
		Profile:         scoring.DefaultProfile(),
	}
}

func (c Config) validate() error {
	if len(c.RetrySchedule) == 0 {
		return fmt.Errorf("%w: retry schedule must not be empty", ErrInvalidConfig)
	}
	for i, d := range c.RetrySchedule {
		if d < 0 {
			return fmt.Errorf("%w: retry delay %d is negative", ErrInvalidConfig, i+1)
		}
	}
	if c.FreshnessWindow < 0 || c.LockStaleAfter < 0 {
		return fmt.Errorf("%w: windows must not be negative", ErrInvalidConfig)
	}
	return c.Profile.Validate()
}

// Processor runs the analysis state machine. It keeps no per-run state in
// memory; every step starts from the persisted run.
type Processor struct {
	store      Store
	provider   Provider
	cfg        Config
	finalizers []Finalizer
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithSleeper replaces the sleep used between inline retries.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = sleep }
}

// WithFinalizers registers side effects run after finalization.
func WithFinalizers(f ...Finalizer) Option {
	return func(p *Processor) { p.finalizers = append(p.finalizers, f...) }
}

// NewProcessor creates a processor.
func NewProcessor(store Store, provider Provider, cfg Config, opts ...Option) (*Processor, error) {
	if store == nil || provider == nil {
		return nil, fmt.Errorf("%w: store and provider are required", ErrInvalidConfig)
	}
	if cfg.ScanWorkers <= 0 {
		cfg.ScanWorkers = DefaultScanWorkers
	}
	if cfg.Profile.Name == "" {
		cfg.Profile = scoring.DefaultProfile()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Processor{
		store:    store,
		provider: provider,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MaxAttempts is the commit activity attempt budget.
func (p *Processor) MaxAttempts() int {
	return len(p.cfg.RetrySchedule)
}

// Profile returns the scoring profile used for status reads.
func (p *Processor) Profile() scoring.Profile {
	return p.cfg.Profile
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
