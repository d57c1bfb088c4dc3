// Package scheduler runs the background maintenance loops: stale-session
// sweeping and notification retention. Both are janitorial; sync
// correctness never depends on either running.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/caredock/caresync/internal/logging"
)

// SessionSweeper marks sessions with expired heartbeats stale.
type SessionSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// NotificationPurger removes delivered notifications past their
// retention age.
type NotificationPurger interface {
	PurgeAged(ctx context.Context, maxAge time.Duration) (int, error)
}

// Config holds the maintenance cadences.
type Config struct {
	// SweepInterval is how often stale sessions are swept. Default: 5m.
	SweepInterval time.Duration

	// PurgeInterval is how often delivered notifications are purged.
	// Default: 1h.
	PurgeInterval time.Duration

	// MaxAge is how long delivered notifications are kept. Default: 24h.
	MaxAge time.Duration
}

// Scheduler owns the maintenance goroutines.
type Scheduler struct {
	sessions  SessionSweeper
	notifier  NotificationPurger
	config    Config
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewScheduler creates a maintenance scheduler. Either dependency may be
// nil; its loop is skipped.
func NewScheduler(sessions SessionSweeper, notifier NotificationPurger, config Config) *Scheduler {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = time.Hour
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	return &Scheduler{
		sessions: sessions,
		notifier: notifier,
		config:   config,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the maintenance loops. Starting a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	if s.sessions != nil {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}
	if s.notifier != nil {
		s.wg.Add(1)
		go s.purgeLoop(ctx)
	}

	logging.Info("maintenance scheduler started", map[string]interface{}{
		"sweep_interval": s.config.SweepInterval.String(),
		"purge_interval": s.config.PurgeInterval.String(),
		"max_age":        s.config.MaxAge.String(),
	})
}

// Stop halts the loops and waits for them to finish. A stopped scheduler
// stays stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logging.Info("maintenance scheduler stopped")
}

// IsRunning reports whether the loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// sweepLoop marks stale sessions on a fixed cadence.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			swept, err := s.sessions.SweepStale(ctx)
			if err != nil {
				logging.Error("session sweep failed", err)
				continue
			}
			if swept > 0 {
				logging.Info("stale sessions swept", map[string]interface{}{
					"count": swept,
				})
			}
		}
	}
}

// purgeLoop removes aged delivered notifications on a fixed cadence.
func (s *Scheduler) purgeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			purged, err := s.notifier.PurgeAged(ctx, s.config.MaxAge)
			if err != nil {
				logging.Error("notification purge failed", err)
				continue
			}
			if purged > 0 {
				logging.Info("aged notifications purged", map[string]interface{}{
					"count": purged,
				})
			}
		}
	}
}
