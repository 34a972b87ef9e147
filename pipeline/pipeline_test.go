package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"repohealth/memstore"
	"repohealth/models"
)

// MockProvider is a mock implementation of the metrics provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) FetchMetrics(ctx context.Context, owner, project string) (*models.MetricsSnapshot, error) {
	args := m.Called(ctx, owner, project)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MetricsSnapshot), args.Error(1)
}

func (m *MockProvider) FetchActivityHistory(ctx context.Context, owner, project string) models.ActivityResult {
	args := m.Called(ctx, owner, project)
	return args.Get(0).(models.ActivityResult)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingFinalizer struct {
	mu   sync.Mutex
	runs []*models.Run
	err  error
}

func (f *recordingFinalizer) RunFinalized(_ context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return f.err
}

func (f *recordingFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type harness struct {
	p         *Processor
	store     *memstore.Store
	provider  *MockProvider
	clock     *fakeClock
	finalizer *recordingFinalizer
	sleeps    []time.Duration
}

var t0 = time.Date(2025, time.April, 2, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, memstore.New(), configure)
}

func newHarnessWithStore(t *testing.T, store Store, configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		provider:  &MockProvider{},
		clock:     &fakeClock{t: t0},
		finalizer: &recordingFinalizer{},
	}
	if ms, ok := store.(*memstore.Store); ok {
		h.store = ms
	}

	cfg := DefaultConfig()
	cfg.InlineRetry = true
	if configure != nil {
		configure(&cfg)
	}

	p, err := NewProcessor(store, h.provider, cfg,
		WithClock(h.clock.Now),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			h.clock.Advance(d)
			return nil
		}),
		WithFinalizers(h.finalizer),
	)
	require.NoError(t, err)
	h.p = p
	return h
}

func snapshot() *models.MetricsSnapshot {
	commit := t0.AddDate(0, 0, -3)
	release := t0.AddDate(0, -1, 0)
	return &models.MetricsSnapshot{
		Stars:                     1500,
		Forks:                     120,
		DefaultBranch:             models.Ptr("main"),
		OpenIssuesPercent:         models.Ptr(20.0),
		MedianIssueResolutionDays: models.Ptr(6.0),
		LastCommitAt:              &commit,
		LastReleaseAt:             &release,
		Releases:                  []models.Release{{TagName: "v1.2.0", PublishedAt: release}},
		CommitsLast90Days:         40,
		MergedPRsLast90Days:       12,
		IssuesCreatedLastYear:     30,
		FetchedAt:                 t0,
	}
}

var (
	ready       = models.ActivityResult{Status: models.ActivityStatusReady, Weeks: []models.WeeklyCommits{{WeekStart: t0, TotalCommits: 4}}}
	computing   = models.ActivityResult{Status: models.ActivityStatusComputing}
	unavailable = models.ActivityResult{Status: models.ActivityStatusUnavailable, Message: "404 Not Found"}
)

func (h *harness) start(t *testing.T) *models.Run {
	t.Helper()
	res, err := h.p.StartOrReuseRun(context.Background(), "Acme", "Widget", false)
	require.NoError(t, err)
	return res.Run
}

func (h *harness) run(t *testing.T, id uuid.UUID) *models.Run {
	t.Helper()
	run, err := h.store.FindRunByID(context.Background(), id)
	require.NoError(t, err)
	return run
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(memstore.New(), &MockProvider{}, Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProcessor(nil, &MockProvider{}, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.RetrySchedule = []time.Duration{time.Second, -time.Second}
	_, err = NewProcessor(memstore.New(), &MockProvider{}, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p, err := NewProcessor(memstore.New(), &MockProvider{}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 6, p.MaxAttempts())
}

func TestStartOrReuseRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.p.StartOrReuseRun(ctx, "Acme", "Widget", false)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "acme/widget", first.Repository.FullName)
	assert.Equal(t, models.StateQueued, first.Run.RunState)
	assert.Equal(t, models.StepBootstrap, first.Run.ProgressStep)

	second, err := h.p.StartOrReuseRun(ctx, "acme", "widget", true)
	require.NoError(t, err)
	assert.False(t, second.Created, "active run is reused even when forced")
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Equal(t, first.Repository.ID, second.Repository.ID)

	_, err = h.p.StartOrReuseRun(ctx, "", "widget", false)
	assert.ErrorIs(t, err, models.ErrInvalidSlug)
}

func TestStartOrReuseRunFreshnessWindow(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FreshnessWindow = time.Hour })
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready)

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))

	reused, err := h.p.StartOrReuseRun(ctx, "acme", "widget", false)
	require.NoError(t, err)
	assert.False(t, reused.Created)
	assert.Equal(t, run.ID, reused.Run.ID)

	forced, err := h.p.StartOrReuseRun(ctx, "acme", "widget", true)
	require.NoError(t, err)
	assert.True(t, forced.Created)
	require.NoError(t, h.p.ProcessRun(ctx, forced.Run.ID, ""))

	h.clock.Advance(2 * time.Hour)
	expired, err := h.p.StartOrReuseRun(ctx, "acme", "widget", false)
	require.NoError(t, err)
	assert.True(t, expired.Created)
}

func TestStartOrReuseRunPartialIsNotReused(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(unavailable)

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))

	next, err := h.p.StartOrReuseRun(ctx, "acme", "widget", false)
	require.NoError(t, err)
	assert.True(t, next.Created)
}

// racingStore lets another caller win the insert race.
type racingStore struct {
	*memstore.Store
	winner *models.Run
}

func (s *racingStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.winner = models.NewRun(run.RepositoryID, run.StartedAt)
	if err := s.Store.CreateRun(ctx, s.winner); err != nil {
		return err
	}
	return s.Store.CreateRun(ctx, run)
}

func TestStartOrReuseRunRecoversFromRace(t *testing.T) {
	store := &racingStore{Store: memstore.New()}
	h := newHarnessWithStore(t, store, nil)

	res, err := h.p.StartOrReuseRun(context.Background(), "acme", "widget", false)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, store.winner.ID, res.Run.ID)
}

// finishedRaceStore lets another caller win the insert race and finish its
// run before the loser looks it up.
type finishedRaceStore struct {
	*memstore.Store
	winner *models.Run
}

func (s *finishedRaceStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.winner = models.NewRun(run.RepositoryID, run.StartedAt)
	if err := s.Store.CreateRun(ctx, s.winner); err != nil {
		return err
	}
	done := run.StartedAt
	if _, _, err := s.Store.UpdateRun(ctx, s.winner.ID, models.RunUpdate{
		Status:      models.Ptr(models.StatusComplete),
		RunState:    models.Ptr(models.StateComplete),
		CompletedAt: &done,
		UpdatedAt:   done,
	}); err != nil {
		return err
	}
	return fmt.Errorf("repository %d: %w", run.RepositoryID, models.ErrActiveRunExists)
}

func TestStartOrReuseRunWinnerAlreadyFinished(t *testing.T) {
	store := &finishedRaceStore{Store: memstore.New()}
	h := newHarnessWithStore(t, store, nil)

	res, err := h.p.StartOrReuseRun(context.Background(), "acme", "widget", true)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, store.winner.ID, res.Run.ID)
	assert.Equal(t, models.StateComplete, res.Run.RunState)
}

func TestProcessRunComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil).Once()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready).Once()

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "token-a"))

	got := h.run(t, run.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, models.StateComplete, got.RunState)
	assert.Equal(t, models.StepFinalize, got.ProgressStep)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.ErrorCode)
	assert.Nil(t, got.LockToken)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0, *got.CompletedAt)

	ca := got.Metrics.CommitActivity
	require.NotNil(t, ca)
	assert.Equal(t, models.ActivityReady, ca.State)
	assert.Equal(t, 1, ca.Attempts)
	assert.Len(t, ca.Weekly, 1)

	repo, err := h.store.FindRepositoryByID(ctx, run.RepositoryID)
	require.NoError(t, err)
	assert.Equal(t, "main", *repo.DefaultBranch)

	assert.Equal(t, 1, h.finalizer.count())
	assert.Empty(t, h.sleeps)
	h.provider.AssertExpectations(t)
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing)

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))

	h.provider.AssertNumberOfCalls(t, "FetchActivityHistory", h.p.MaxAttempts())
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 5 * time.Second, 8 * time.Second,
	}, h.sleeps)

	got := h.run(t, run.ID)
	assert.Equal(t, models.StatusPartial, got.Status)
	assert.Equal(t, models.StatePartial, got.RunState)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.CodeCommitActivityRetryLimit, *got.ErrorCode)
	assert.Equal(t, msgActivityRetryLimit, *got.ErrorMessage)
	assert.Equal(t, 6, got.AttemptCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, models.ActivityFailed, got.Metrics.CommitActivity.State)
	assert.Equal(t, 6, got.Metrics.CommitActivity.Attempts)
}

func TestUnavailableShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(unavailable)

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))

	h.provider.AssertNumberOfCalls(t, "FetchActivityHistory", 1)
	assert.Empty(t, h.sleeps)

	got := h.run(t, run.ID)
	assert.Equal(t, models.StatusPartial, got.Status)
	assert.Equal(t, models.CodeCommitActivityUnavailable, *got.ErrorCode)
	assert.Equal(t, msgActivityUnavailable, *got.ErrorMessage)
	assert.NotEqual(t, msgActivityRetryLimit, *got.ErrorMessage)
	assert.Equal(t, models.ActivityFailed, got.Metrics.CommitActivity.State)
}

func TestTransientThenReady(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing).Twice()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").
		Return(models.ActivityResult{Status: models.ActivityStatusError, Message: "timeout"}).Once()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready).Once()

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "token-a"))

	got := h.run(t, run.ID)
	assert.Equal(t, models.StateComplete, got.RunState)
	assert.Equal(t, 4, got.AttemptCount)
	assert.Nil(t, got.Metrics.CommitActivity.ErrorMessage)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, h.sleeps)
}

func TestScheduledRetryResumedByFallbackScan(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InlineRetry = false })
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil).Once()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing).Once()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready).Once()

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "token-a"))

	waiting := h.run(t, run.ID)
	assert.Equal(t, models.StatusRunning, waiting.Status)
	assert.Equal(t, models.StateWaitingRetry, waiting.RunState)
	assert.Equal(t, models.StepCommitActivity, waiting.ProgressStep)
	assert.Equal(t, 1, waiting.AttemptCount)
	require.NotNil(t, waiting.NextRetryAt)
	assert.Equal(t, t0.Add(time.Second), *waiting.NextRetryAt)
	assert.Nil(t, waiting.LockToken, "lock is released while waiting")

	n, err := h.p.RunFallbackScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry is not due yet")

	h.clock.Advance(time.Second)
	n, err = h.p.RunFallbackScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := h.run(t, run.ID)
	assert.Equal(t, models.StateComplete, done.RunState)
	assert.Equal(t, 2, done.AttemptCount)
	assert.Empty(t, h.sleeps)
	h.provider.AssertExpectations(t)
}

func TestResolveCommitActivityNotDue(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InlineRetry = false })
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing).Once()

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))

	got, err := h.p.ResolveCommitActivity(ctx, run.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateWaitingRetry, got.RunState)
	h.provider.AssertNumberOfCalls(t, "FetchActivityHistory", 1)
}

func TestRetryNotDueReleasesLock(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InlineRetry = false })
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil).Once()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing).Once()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready).Once()

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "worker-a"))
	require.Equal(t, models.StateWaitingRetry, h.run(t, run.ID).RunState)

	// A caller with a fresh token arrives before the retry is due.
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "cli-token"))
	got := h.run(t, run.ID)
	assert.Equal(t, models.StateWaitingRetry, got.RunState)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.LockToken)
	assert.Nil(t, got.LockedAt)

	resolved, err := h.p.ResolveCommitActivity(ctx, run.ID, "cli-token")
	require.NoError(t, err)
	assert.Equal(t, models.StateWaitingRetry, resolved.RunState)
	assert.Nil(t, h.run(t, run.ID).LockToken)

	h.clock.Advance(5 * time.Second)
	n, err := h.p.RunFallbackScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := h.run(t, run.ID)
	assert.Equal(t, models.StateComplete, done.RunState)
	assert.Equal(t, 2, done.AttemptCount)
	h.provider.AssertExpectations(t)
}

func TestInlineRetryHonorsConcurrentReschedule(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing)

	scanner, err := NewProcessor(h.store, h.provider, DefaultConfig(), WithClock(h.clock.Now))
	require.NoError(t, err)

	run := h.start(t)
	h.p.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		h.clock.Advance(d)
		if len(h.sleeps) > 1 {
			return nil
		}
		// Another worker takes the due retry while this one sleeps.
		_, err := scanner.ResolveCommitActivity(ctx, run.ID, "scanner")
		return err
	}

	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "worker-a"))

	h.provider.AssertNumberOfCalls(t, "FetchActivityHistory", 2)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)

	got := h.run(t, run.ID)
	assert.Equal(t, models.StateWaitingRetry, got.RunState)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, t0.Add(3*time.Second), *got.NextRetryAt)
	assert.Nil(t, got.LockToken)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready)

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))
	before := h.run(t, run.ID)

	h.clock.Advance(time.Hour)
	got, err := h.p.finalize(ctx, run.ID, outcome{
		status:  models.StatusFailed,
		state:   models.StateFailed,
		code:    models.CodeAnalysisFailed,
		message: "late failure",
	})
	require.NoError(t, err)
	assert.Equal(t, before, got)
	assert.Equal(t, 1, h.finalizer.count())

	_, err = h.p.failRun(ctx, run.ID, models.CodeAnalysisFailed, errors.New("late"))
	require.NoError(t, err)
	assert.Equal(t, models.StateComplete, h.run(t, run.ID).RunState)

	// Terminal runs are not primed or resolved again.
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "token-b"))
	h.provider.AssertNumberOfCalls(t, "FetchMetrics", 1)
	h.provider.AssertNumberOfCalls(t, "FetchActivityHistory", 1)
}

func TestPrimeRunLockMismatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run := h.start(t)
	_, ok, err := h.store.AcquireRunLock(ctx, run.ID, "owner-b", t0, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.p.PrimeRun(ctx, run.ID, "owner-a")
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, got.RunState)
	assert.Equal(t, "owner-b", *got.LockToken)

	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "owner-a"))
	h.provider.AssertNotCalled(t, "FetchMetrics", mock.Anything, mock.Anything, mock.Anything)
	h.provider.AssertNotCalled(t, "FetchActivityHistory", mock.Anything, mock.Anything, mock.Anything)
}

func TestPrimeRunIsNoOpOncePrimed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil).Once()

	run := h.start(t)
	primed, err := h.p.PrimeRun(ctx, run.ID, "token-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, primed.Status)
	assert.Equal(t, models.StepCommitActivity, primed.ProgressStep)
	assert.Equal(t, 0, primed.AttemptCount)
	assert.Equal(t, models.ActivityPending, primed.Metrics.CommitActivity.State)

	again, err := h.p.PrimeRun(ctx, run.ID, "token-a")
	require.NoError(t, err)
	assert.Equal(t, primed.Metrics, again.Metrics)
	h.provider.AssertNumberOfCalls(t, "FetchMetrics", 1)
	assert.Nil(t, h.run(t, run.ID).LockToken, "lock is released on return")
}

func TestMetricsFetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").
		Return(nil, errors.New("repository not found"))

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))

	got := h.run(t, run.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.StateFailed, got.RunState)
	assert.Equal(t, models.CodeMetricsFetchFailed, *got.ErrorCode)
	assert.Equal(t, "repository not found", *got.ErrorMessage)
	assert.Nil(t, got.Metrics)
	h.provider.AssertNotCalled(t, "FetchActivityHistory", mock.Anything, mock.Anything, mock.Anything)
}

// faultyStore fails when a retry is scheduled.
type faultyStore struct {
	*memstore.Store
}

func (s *faultyStore) UpdateRun(ctx context.Context, id uuid.UUID, u models.RunUpdate) (*models.Run, bool, error) {
	if u.RunState != nil && *u.RunState == models.StateWaitingRetry {
		return nil, false, errors.New("injected write failure: " + strings.Repeat("x", 600))
	}
	return s.Store.UpdateRun(ctx, id, u)
}

func TestUnexpectedErrorFailsRun(t *testing.T) {
	inner := memstore.New()
	h := newHarnessWithStore(t, &faultyStore{Store: inner}, nil)
	h.store = inner
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing)

	run := h.start(t)
	err := h.p.ProcessRun(ctx, run.ID, "")
	require.Error(t, err)

	got := h.run(t, run.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.CodeAnalysisFailed, *got.ErrorCode)
	assert.Contains(t, *got.ErrorMessage, "injected write failure")
	assert.Len(t, []rune(*got.ErrorMessage), maxErrorMessageLength)
	assert.NotNil(t, got.Metrics, "primed metrics are kept")
}

func TestFallbackScanRecoversStalledRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready)

	repo, err := h.store.UpsertRepository(ctx, "acme", "widget")
	require.NoError(t, err)
	stale := t0.Add(-time.Hour)
	run := models.NewRun(repo.ID, stale)
	require.NoError(t, h.store.CreateRun(ctx, run))
	_, ok, err := h.store.AcquireRunLock(ctx, run.ID, "crashed-worker", stale, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.p.RunFallbackScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.run(t, run.ID)
	assert.Equal(t, models.StateComplete, got.RunState)
	assert.Nil(t, got.LockToken)
}

func TestFallbackScanLeavesFreshLocks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	repo, err := h.store.UpsertRepository(ctx, "acme", "widget")
	require.NoError(t, err)
	run := models.NewRun(repo.ID, t0.Add(-time.Hour))
	require.NoError(t, h.store.CreateRun(ctx, run))
	_, _, err = h.store.AcquireRunLock(ctx, run.ID, "busy-worker", t0.Add(-time.Minute), time.Time{})
	require.NoError(t, err)

	n, err := h.p.RunFallbackScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = h.p.RunFallbackScan(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFallbackScanCountsOnlyAdvancedRuns(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InlineRetry = false })
	ctx := context.Background()
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(computing).Once()
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready).Once()

	run := h.start(t)
	require.NoError(t, h.p.ProcessRun(ctx, run.ID, "worker-a"))

	// Someone else holds the due run.
	_, ok, err := h.store.AcquireRunLock(ctx, run.ID, "busy-worker", t0, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	h.clock.Advance(time.Second)

	n, err := h.p.RunFallbackScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, models.StateWaitingRetry, h.run(t, run.ID).RunState)
	h.provider.AssertNumberOfCalls(t, "FetchActivityHistory", 1)

	released, err := h.store.ReleaseRunLock(ctx, run.ID, "busy-worker")
	require.NoError(t, err)
	require.True(t, released)

	n, err = h.p.RunFallbackScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StateComplete, h.run(t, run.ID).RunState)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	syncer := NewViewSyncer(h.store, h.store, nil, h.p.Profile())
	syncer.now = h.clock.Now
	h.p.finalizers = append(h.p.finalizers, syncer)
	h.provider.On("FetchMetrics", mock.Anything, "acme", "widget").Return(snapshot(), nil)
	h.provider.On("FetchActivityHistory", mock.Anything, "acme", "widget").Return(ready)

	_, err := h.p.GetStatus(ctx, "acme", "widget")
	assert.ErrorIs(t, err, models.ErrNotFound)

	run := h.start(t)
	status, err := h.p.GetStatus(ctx, "ACME", "widget")
	require.NoError(t, err)
	assert.Equal(t, run.ID, status.LatestRun.ID)
	assert.False(t, status.ViewReady)
	assert.Nil(t, status.Score)
	assert.Nil(t, status.Confidence)

	require.NoError(t, h.p.ProcessRun(ctx, run.ID, ""))
	status, err = h.p.GetStatus(ctx, "acme", "widget")
	require.NoError(t, err)
	assert.True(t, status.ViewReady)
	require.NotNil(t, status.Score)
	require.NotNil(t, status.Confidence)
	assert.Equal(t, 100, status.Confidence.Score)

	view, err := h.store.FindRepositoryView(ctx, run.RepositoryID)
	require.NoError(t, err)
	assert.Equal(t, status.Score.Score, view.Score)
	assert.Equal(t, "default@1", view.Profile)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "héé", truncate("hééllo", 3))
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := NewScheduler(h.p, 5*time.Millisecond, 10).Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
