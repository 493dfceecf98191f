// Package sched runs the CA's periodic jobs.
//
// Each job gets a single-slot guard: if a run is still going when its
// next tick arrives, the tick is skipped instead of queued. Slow jobs
// therefore never pile up behind themselves.
package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task. Errors are logged, not fatal.
type Job func(ctx context.Context) error

// Scheduler owns a set of periodic jobs and their goroutines.
type Scheduler struct {
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// New creates a stopped scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{logger: logger, ctx: ctx, cancel: cancel}
}

// Every registers a job running at the given interval, after an initial
// offset. The offset staggers jobs so they do not all fire together at
// startup. Register before or after Start; jobs run until Stop.
func (s *Scheduler) Every(name string, interval, offset time.Duration, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	busy := make(chan struct{}, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-time.After(offset):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		run := func() {
			select {
			case busy <- struct{}{}:
			default:
				s.logger.Debug("job still running, tick skipped", zap.String("job", name))
				return
			}
			defer func() { <-busy }()
			if err := job(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
			}
		}

		run()
		for {
			select {
			case <-ticker.C:
				run()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels all jobs and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
