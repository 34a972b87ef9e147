package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"repohealth/memstore"
	"repohealth/models"
	"repohealth/pipeline"
)

// MockRunner is a mock implementation of Runner
type MockRunner struct {
	mock.Mock
}

var _ Runner = (*MockRunner)(nil)

func (m *MockRunner) StartOrReuseRun(ctx context.Context, owner, project string, force bool) (*pipeline.StartResult, error) {
	args := m.Called(ctx, owner, project, force)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.StartResult), args.Error(1)
}

func (m *MockRunner) ProcessRun(ctx context.Context, id uuid.UUID, lockToken string) error {
	args := m.Called(ctx, id, lockToken)
	return args.Error(0)
}

func (m *MockRunner) GetStatus(ctx context.Context, owner, project string) (*pipeline.Status, error) {
	args := m.Called(ctx, owner, project)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Status), args.Error(1)
}

// mapCache stores JSON payloads in memory.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, fullName string, dst interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return false, c.getErr
	}
	data, ok := c.entries[fullName]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dst)
}

func (c *mapCache) Set(_ context.Context, fullName string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fullName] = data
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, fullName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fullName)
	return nil
}

// readyProvider returns a complete snapshot and ready commit activity.
type readyProvider struct{}

func (readyProvider) FetchMetrics(_ context.Context, _, _ string) (*models.MetricsSnapshot, error) {
	now := time.Now().UTC()
	commit := now.AddDate(0, 0, -2)
	release := now.AddDate(0, -1, 0)
	return &models.MetricsSnapshot{
		Stars:                     2500,
		DefaultBranch:             models.Ptr("main"),
		OpenIssuesPercent:         models.Ptr(25.0),
		MedianIssueResolutionDays: models.Ptr(9.0),
		LastCommitAt:              &commit,
		LastReleaseAt:             &release,
		Releases:                  []models.Release{{TagName: "v2.0.0", PublishedAt: release}},
		CommitsLast90Days:         60,
		MergedPRsLast90Days:       20,
		FetchedAt:                 now,
	}, nil
}

func (readyProvider) FetchActivityHistory(_ context.Context, _, _ string) models.ActivityResult {
	return models.ActivityResult{
		Status: models.ActivityStatusReady,
		Weeks:  []models.WeeklyCommits{{WeekStart: time.Now().UTC().AddDate(0, 0, -7), TotalCommits: 9}},
	}
}

func newPipelineServer(t *testing.T, opts ...Option) (*Server, *gin.Engine, *mapCache) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	c := newMapCache()
	cfg := pipeline.DefaultConfig()
	syncer := pipeline.NewViewSyncer(store, store, c, cfg.Profile)
	p, err := pipeline.NewProcessor(store, readyProvider{}, cfg, pipeline.WithFinalizers(syncer))
	require.NoError(t, err)

	srv := NewServer(p, append([]Option{WithCache(c)}, opts...)...)
	return srv, srv.Router(), c
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		checks         map[string]HealthCheck
		expectedStatus int
		expectedState  string
	}{
		{
			name:           "no dependencies",
			expectedStatus: http.StatusOK,
			expectedState:  "ok",
		},
		{
			name: "healthy dependencies",
			checks: map[string]HealthCheck{
				"database": func(context.Context) error { return nil },
			},
			expectedStatus: http.StatusOK,
			expectedState:  "ok",
		},
		{
			name: "failing dependency",
			checks: map[string]HealthCheck{
				"database": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			for name, check := range tt.checks {
				opts = append(opts, WithHealthCheck(name, check))
			}
			r := NewServer(&MockRunner{}, opts...).Router()

			w := do(r, http.MethodGet, "/health")
			assert.Equal(t, tt.expectedStatus, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.expectedState, body["status"])
			if len(tt.checks) == 0 {
				assert.NotContains(t, body, "services")
			}
		})
	}
}

func TestAnalyzeThenStatus(t *testing.T) {
	srv, r, c := newPipelineServer(t)

	w := do(r, http.MethodPost, "/api/v1/repos/Acme/Widgets/analyze")
	require.Equal(t, http.StatusAccepted, w.Code)

	var started struct {
		Run     models.Run `json:"run"`
		Created bool       `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.True(t, started.Created)
	assert.Equal(t, models.StatusQueued, started.Run.Status)

	srv.Wait()

	w = do(r, http.MethodGet, "/api/v1/repos/acme/widgets/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	var st pipeline.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "acme/widgets", st.Repository.FullName)
	require.NotNil(t, st.LatestRun)
	assert.Equal(t, started.Run.ID, st.LatestRun.ID)
	assert.Equal(t, models.StatusComplete, st.LatestRun.Status)
	assert.True(t, st.ViewReady)
	require.NotNil(t, st.Score)
	require.NotNil(t, st.Confidence)
	assert.Contains(t, c.entries, "acme/widgets")

	w = do(r, http.MethodGet, "/api/v1/repos/acme/widgets/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	// A second analyze inside the freshness window reuses the complete run.
	w = do(r, http.MethodPost, "/api/v1/repos/acme/widgets/analyze")
	require.Equal(t, http.StatusAccepted, w.Code)
	var reused analyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reused))
	assert.False(t, reused.Created)
	assert.Equal(t, started.Run.ID, reused.Run.ID)
}

func TestAnalyzeForceCreatesNewRun(t *testing.T) {
	srv, r, _ := newPipelineServer(t)

	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/api/v1/repos/acme/widgets/analyze").Code)
	srv.Wait()

	w := do(r, http.MethodPost, "/api/v1/repos/acme/widgets/analyze?force=true")
	require.Equal(t, http.StatusAccepted, w.Code)
	var forced analyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &forced))
	assert.True(t, forced.Created)
	srv.Wait()
}

func TestFinalizeInvalidatesCachedStatus(t *testing.T) {
	srv, r, c := newPipelineServer(t)

	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/api/v1/repos/acme/widgets/analyze").Code)
	srv.Wait()
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/repos/acme/widgets/status").Code)
	require.Contains(t, c.entries, "acme/widgets")

	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/api/v1/repos/acme/widgets/analyze?force=1").Code)
	srv.Wait()
	assert.NotContains(t, c.entries, "acme/widgets")
}

func TestErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		method         string
		path           string
		setup          func(m *MockRunner)
		expectedStatus int
	}{
		{
			name:   "analyze invalid slug",
			method: http.MethodPost,
			path:   "/api/v1/repos/acme/%20/analyze",
			setup: func(m *MockRunner) {
				m.On("StartOrReuseRun", mock.Anything, "acme", " ", false).
					Return(nil, fmt.Errorf("%w: blank", models.ErrInvalidSlug))
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "analyze bad force flag",
			method:         http.MethodPost,
			path:           "/api/v1/repos/acme/widgets/analyze?force=maybe",
			setup:          func(*MockRunner) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:   "analyze store failure",
			method: http.MethodPost,
			path:   "/api/v1/repos/acme/widgets/analyze",
			setup: func(m *MockRunner) {
				m.On("StartOrReuseRun", mock.Anything, "acme", "widgets", false).
					Return(nil, errors.New("connection reset"))
			},
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:   "status unknown repository",
			method: http.MethodGet,
			path:   "/api/v1/repos/acme/ghost/status",
			setup: func(m *MockRunner) {
				m.On("GetStatus", mock.Anything, "acme", "ghost").
					Return(nil, fmt.Errorf("repository acme/ghost: %w", models.ErrNotFound))
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "status invalid slug",
			method:         http.MethodGet,
			path:           "/api/v1/repos/%20/widgets/status",
			setup:          func(*MockRunner) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:   "status store failure",
			method: http.MethodGet,
			path:   "/api/v1/repos/acme/widgets/status",
			setup: func(m *MockRunner) {
				m.On("GetStatus", mock.Anything, "acme", "widgets").
					Return(nil, errors.New("timeout"))
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &MockRunner{}
			tt.setup(m)
			r := NewServer(m).Router()

			w := do(r, tt.method, tt.path)
			assert.Equal(t, tt.expectedStatus, w.Code)
			m.AssertExpectations(t)
		})
	}
}

func TestAnalyzeReusedRunIsNotProcessed(t *testing.T) {
	gin.SetMode(gin.TestMode)

	run := models.NewRun(1, time.Now())
	m := &MockRunner{}
	m.On("StartOrReuseRun", mock.Anything, "acme", "widgets", false).Return(&pipeline.StartResult{
		Repository: &models.Repository{ID: 1, FullName: "acme/widgets"},
		Run:        run,
	}, nil)

	srv := NewServer(m)
	w := do(srv.Router(), http.MethodPost, "/api/v1/repos/acme/widgets/analyze")
	srv.Wait()

	assert.Equal(t, http.StatusAccepted, w.Code)
	m.AssertNotCalled(t, "ProcessRun", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackgroundProcessingUsesBaseContextAndFreshToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	base, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := models.NewRun(1, time.Now())
	m := &MockRunner{}
	m.On("StartOrReuseRun", mock.Anything, "acme", "widgets", true).Return(&pipeline.StartResult{
		Repository: &models.Repository{ID: 1, FullName: "acme/widgets"},
		Run:        run,
		Created:    true,
	}, nil)
	m.On("ProcessRun", base, run.ID, mock.MatchedBy(func(token string) bool {
		_, err := uuid.Parse(token)
		return err == nil
	})).Return(errors.New("provider down"))

	srv := NewServer(m, WithBaseContext(base))
	w := do(srv.Router(), http.MethodPost, "/api/v1/repos/acme/widgets/analyze?force=true")
	srv.Wait()

	assert.Equal(t, http.StatusAccepted, w.Code)
	m.AssertExpectations(t)
}

func TestStatusCacheReadErrorFallsThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	st := &pipeline.Status{Repository: &models.Repository{ID: 1, FullName: "acme/widgets"}}
	m := &MockRunner{}
	m.On("GetStatus", mock.Anything, "acme", "widgets").Return(st, nil)

	c := newMapCache()
	c.getErr = errors.New("redis down")
	r := NewServer(m, WithCache(c)).Router()

	w := do(r, http.MethodGet, "/api/v1/repos/acme/widgets/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"repository":{"id":1,"owner":"","name":"","fullName":"acme/widgets","createdAt":"0001-01-01T00:00:00Z","updatedAt":"0001-01-01T00:00:00Z"},"latestRun":null,"viewReady":false}`, w.Body.String())
	m.AssertExpectations(t)
}
