package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"repohealth/logger"
	"repohealth/models"
)

// RunFallbackScan resumes waiting runs whose retry is due and re-drives runs
// that stalled in queued or running longer than LockStaleAfter. Each run is
// processed under a fresh lock token; locks older than LockStaleAfter are
// reclaimed. It returns the number of runs the scan advanced; runs still
// locked by another owner or not yet due are not counted.
func (p *Processor) RunFallbackScan(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("%w: scan limit must be positive", ErrInvalidConfig)
	}

	now := p.now()
	candidates, err := p.store.FindDueRetryRuns(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to find due retry runs: %w", err)
	}

	var reclaimBefore time.Time
	if p.cfg.LockStaleAfter > 0 {
		reclaimBefore = now.Add(-p.cfg.LockStaleAfter)
		if len(candidates) < limit {
			stalled, err := p.store.FindStalledRuns(ctx, reclaimBefore, limit-len(candidates))
			if err != nil {
				return 0, fmt.Errorf("failed to find stalled runs: %w", err)
			}
			candidates = append(candidates, stalled...)
		}
	}

	if len(candidates) == 0 {
		return 0, nil
	}

	logger.Info("Fallback scan resuming runs", zap.Int("count", len(candidates)))

	// Process runs concurrently with a worker pool
	sem := make(chan struct{}, p.cfg.ScanWorkers)
	errChan := make(chan error, len(candidates))
	var (
		wg      sync.WaitGroup
		resumed atomic.Int64
	)

	for _, run := range candidates {
		wg.Add(1)
		go func(run *models.Run) {
			defer wg.Done()
			sem <- struct{}{}        // Acquire semaphore
			defer func() { <-sem }() // Release semaphore

			token := uuid.NewString()
			after, err := p.process(ctx, run.ID, token, reclaimBefore)
			if err != nil {
				errChan <- fmt.Errorf("error resuming run %s: %w", run.ID, err)
				return
			}
			if advanced(run, after) {
				resumed.Add(1)
			}
		}(run)
	}

	wg.Wait()
	close(errChan)

	// Collect errors
	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}

	n := int(resumed.Load())
	if len(errs) > 0 {
		return n, fmt.Errorf("errors occurred while resuming runs: %v", errs)
	}
	return n, nil
}

// advanced reports whether after moved past the candidate the scan found.
func advanced(before, after *models.Run) bool {
	if after == nil {
		return false
	}
	return after.RunState != before.RunState ||
		after.ProgressStep != before.ProgressStep ||
		after.AttemptCount != before.AttemptCount
}

// Scheduler triggers the fallback scan on a fixed interval.
type Scheduler struct {
	processor *Processor
	interval  time.Duration
	limit     int
}

// NewScheduler creates a scheduler.
func NewScheduler(processor *Processor, interval time.Duration, limit int) *Scheduler {
	return &Scheduler{processor: processor, interval: interval, limit: limit}
}

// Start runs the scan loop in a goroutine until ctx is done. The returned
// channel is closed when the loop exits.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

// Run blocks, scanning every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("Fallback scan scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("limit", s.limit))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Fallback scan scheduler stopped")
			return
		case <-ticker.C:
			n, err := s.processor.RunFallbackScan(ctx, s.limit)
			if err != nil {
				logger.Error("Error during fallback scan", zap.Error(err))
			}
			if n > 0 {
				logger.Info("Fallback scan finished", zap.Int("resumed", n))
			}
		}
	}
}
