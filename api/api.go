// Package api exposes the analysis pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"repohealth/logger"
	"repohealth/models"
	"repohealth/pipeline"
)

// Runner is the pipeline surface the handlers call.
type Runner interface {
	StartOrReuseRun(ctx context.Context, owner, project string, force bool) (*pipeline.StartResult, error)
	ProcessRun(ctx context.Context, id uuid.UUID, lockToken string) error
	GetStatus(ctx context.Context, owner, project string) (*pipeline.Status, error)
}

// StatusCache is a read-through cache of status payloads.
type StatusCache interface {
	Get(ctx context.Context, fullName string, dst interface{}) (bool, error)
	Set(ctx context.Context, fullName string, v interface{}) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server holds the handlers and tracks runs processed in the background.
type Server struct {
	runner Runner
	cache  StatusCache
	checks map[string]HealthCheck
	// base outlives requests; cancelling it stops background processing.
	base context.Context
	wg   sync.WaitGroup
	now  func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCache enables the status cache.
func WithCache(c StatusCache) Option {
	return func(s *Server) { s.cache = c }
}

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithBaseContext sets the parent context of background processing.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.base = ctx }
}

// NewServer creates a Server.
func NewServer(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		checks: make(map[string]HealthCheck),
		base:   context.Background(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1/repos/:owner/:project")
	v1.POST("/analyze", s.analyze)
	v1.GET("/status", s.status)
	return r
}

// Wait blocks until background processing started by analyze has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

type analyzeResponse struct {
	Run     *models.Run `json:"run"`
	Created bool        `json:"created"`
}

func (s *Server) analyze(c *gin.Context) {
	force, err := parseBool(c.Query("force"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
		return
	}

	owner, project := c.Param("owner"), c.Param("project")
	res, err := s.runner.StartOrReuseRun(c.Request.Context(), owner, project, force)
	if err != nil {
		writeError(c, err)
		return
	}

	if res.Created {
		s.process(res.Run.ID, res.Repository.FullName)
	}

	c.JSON(http.StatusAccepted, analyzeResponse{Run: res.Run, Created: res.Created})
}

// process drives a new run in the background under a fresh lock token.
func (s *Server) process(id uuid.UUID, fullName string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.ProcessRun(s.base, id, uuid.NewString()); err != nil {
			logger.Warn("Background run processing failed",
				zap.String("run_id", id.String()),
				zap.String("repository", fullName),
				zap.Error(err))
		}
	}()
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	owner, project := c.Param("owner"), c.Param("project")

	_, _, fullName, err := models.NormalizeSlug(owner, project)
	if err != nil {
		writeError(c, err)
		return
	}

	if s.cache != nil {
		var cached pipeline.Status
		hit, err := s.cache.Get(ctx, fullName, &cached)
		if err != nil {
			logger.Warn("Status cache read failed", zap.String("repository", fullName), zap.Error(err))
		}
		if hit {
			c.Header("X-Cache", "HIT")
			c.JSON(http.StatusOK, &cached)
			return
		}
	}

	st, err := s.runner.GetStatus(ctx, owner, project)
	if err != nil {
		writeError(c, err)
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, fullName, st); err != nil {
			logger.Warn("Status cache write failed", zap.String("repository", fullName), zap.Error(err))
		}
		c.Header("X-Cache", "MISS")
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	services := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			services[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		services[name] = "ok"
	}

	resp := gin.H{"status": status}
	if len(services) > 0 {
		resp["services"] = services
		resp["timestamp"] = s.now().UTC().Format(time.RFC3339)
	}
	c.JSON(code, resp)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidSlug):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
	default:
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
