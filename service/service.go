// Package service wires configuration, storage, the GitHub client, the status
// cache and the pipeline into a running application.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"repohealth/api"
	"repohealth/cache"
	"repohealth/config"
	"repohealth/db"
	"repohealth/github"
	"repohealth/logger"
	"repohealth/models"
	"repohealth/pipeline"
	"repohealth/scoring"
	"repohealth/sqlitedb"
)

// Service errors
var (
	ErrServiceInit     = fmt.Errorf("service initialization error")
	ErrServiceShutdown = fmt.Errorf("service shutdown error")
)

const shutdownTimeout = 30 * time.Second

// Store is the persistence a service owns.
type Store interface {
	pipeline.Store
	Close() error
}

// Deps overrides the collaborators New would otherwise build from config.
type Deps struct {
	Store    Store
	Provider pipeline.Provider
	Cache    *cache.Cache
}

// Service represents the main application service
type Service struct {
	config    *config.Config
	store     Store
	cache     *cache.Cache
	processor *pipeline.Processor
	scheduler *pipeline.Scheduler
	server    *api.Server
	checks    map[string]api.HealthCheck
	ctx       context.Context
	cancel    context.CancelFunc
}

// New builds the service from cfg. Zero fields of deps are built from cfg.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	profile := scoring.DefaultProfile()
	if cfg.ScoringProfile != "" {
		var err error
		profile, err = scoring.LoadProfile(cfg.ScoringProfile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrServiceInit, err)
		}
	}

	checks := make(map[string]api.HealthCheck)

	store := deps.Store
	if store == nil {
		var err error
		store, err = openStore(cfg, checks)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to initialize store: %v", ErrServiceInit, err)
		}
	}

	provider := deps.Provider
	if provider == nil {
		client, err := github.NewClient(github.Config{
			Token:             cfg.GitHubToken,
			BaseURL:           cfg.GitHubAPIURL,
			GraphQLURL:        cfg.GitHubGraphQLURL,
			RequestTimeout:    cfg.FetchTimeout,
			RequestsPerSecond: cfg.GitHubRPS,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("%w: failed to initialize GitHub client: %v", ErrServiceInit, err)
		}
		provider = client
	}

	statusCache := deps.Cache
	if statusCache == nil {
		var err error
		statusCache, err = cache.New(cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			logger.Warn("Continuing without status cache", zap.Error(err))
		}
	}
	if statusCache.Enabled() {
		checks["redis"] = statusCache.HealthCheck
	}

	pcfg := pipeline.Config{
		RetrySchedule:   cfg.RetrySchedule,
		InlineRetry:     cfg.InlineRetry,
		FreshnessWindow: cfg.FreshnessWindow,
		LockStaleAfter:  cfg.LockStaleAfter,
		ScanWorkers:     cfg.ScanWorkers,
		Profile:         profile,
	}
	syncer := pipeline.NewViewSyncer(store, store, invalidator(statusCache), profile)
	processor, err := pipeline.NewProcessor(store, provider, pcfg, pipeline.WithFinalizers(syncer))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w: %v", ErrServiceInit, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("Service initialized successfully",
		zap.String("store", cfg.Store),
		zap.Bool("cache_enabled", statusCache.Enabled()),
		zap.String("scoring_profile", profile.ID()),
		zap.Bool("inline_retry", cfg.InlineRetry),
		zap.Int("max_attempts", processor.MaxAttempts()))

	return &Service{
		config:    cfg,
		store:     store,
		cache:     statusCache,
		processor: processor,
		scheduler: pipeline.NewScheduler(processor, cfg.ScanInterval, cfg.ScanLimit),
		checks:    checks,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func openStore(cfg *config.Config, checks map[string]api.HealthCheck) (Store, error) {
	switch cfg.Store {
	case config.StoreSQLite, config.StoreMemory:
		path := cfg.SQLitePath
		if cfg.Store == config.StoreMemory {
			path = sqlitedb.MemoryPath
		}
		database, err := sqlitedb.Open(path)
		if err != nil {
			return nil, err
		}
		checks["database"] = database.Ping
		return database, nil
	default:
		database, err := db.New(db.Options{
			DSN:             cfg.PostgresDSN,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		checks["database"] = database.Ping
		return database, nil
	}
}

// invalidator avoids handing a typed nil to the view syncer.
func invalidator(c *cache.Cache) pipeline.Invalidator {
	if !c.Enabled() {
		return nil
	}
	return c
}

// Processor exposes the pipeline for one-shot commands.
func (s *Service) Processor() *pipeline.Processor {
	return s.processor
}

// Start serves HTTP and runs the fallback scan scheduler until SIGINT or
// SIGTERM.
func (s *Service) Start() error {
	go s.waitForShutdown()
	return s.Run(s.ctx)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP API on ln and the scheduler until ctx is done, then
// shuts both down gracefully.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []api.Option{api.WithBaseContext(ctx)}
	if s.cache.Enabled() {
		opts = append(opts, api.WithCache(s.cache))
	}
	for name, check := range s.checks {
		opts = append(opts, api.WithHealthCheck(name, check))
	}
	s.server = api.NewServer(s.processor, opts...)

	if s.config.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Handler:           s.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerDone := s.scheduler.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("%w: %v", ErrServiceShutdown, err))
	}

	cancel()
	<-schedulerDone
	s.server.Wait()

	logger.Info("Server exited")
	return runErr
}

// waitForShutdown waits for the shutdown signal
func (s *Service) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		s.cancel()
	case <-s.ctx.Done():
	}
}

// Analyze starts or reuses a run, drives a new or still active run to
// completion in the calling goroutine, and returns the resulting status.
func (s *Service) Analyze(ctx context.Context, owner, project string, force bool) (*pipeline.Status, error) {
	res, err := s.processor.StartOrReuseRun(ctx, owner, project, force)
	if err != nil {
		return nil, err
	}

	if !res.Run.IsTerminal() {
		if err := s.processor.ProcessRun(ctx, res.Run.ID, uuid.NewString()); err != nil {
			return nil, fmt.Errorf("failed to process run %s: %w", res.Run.ID, err)
		}
	}

	return s.processor.GetStatus(ctx, res.Repository.Owner, res.Repository.Name)
}

// Status returns the current status of a repository.
func (s *Service) Status(ctx context.Context, owner, project string) (*pipeline.Status, error) {
	return s.processor.GetStatus(ctx, owner, project)
}

// Scan runs one fallback scan pass.
func (s *Service) Scan(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.config.ScanLimit
	}
	return s.processor.RunFallbackScan(ctx, limit)
}

// Close performs cleanup operations
func (s *Service) Close() error {
	logger.Info("Closing service")
	s.cancel()

	var errs []error
	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %v", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrServiceShutdown, errors.Join(errs...))
	}
	return nil
}

// IsNotFound reports whether err means the repository is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, github.ErrRepositoryNotFound)
}
