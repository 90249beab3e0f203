// Package cleanup provides snapshot retention enforcement.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/studyhall/tutord/pkg/config"
	"github.com/studyhall/tutord/pkg/store"
)

// Service periodically enforces retention policies:
//   - Deletes terminal session snapshots past the retention window
//   - Deletes stale non-terminal snapshots whose session died without
//     completing (e.g. across a host crash)
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	snaps  store.Store
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, snaps store.Store) *Service {
	return &Service{
		config: cfg,
		snaps:  snaps,
		logger: slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"stale_after", s.config.StaleAfter,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.retireTerminalSnapshots(ctx)
	s.retireStaleSnapshots(ctx)
}

func (s *Service) retireTerminalSnapshots(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.SessionRetentionDays)
	count, err := s.snaps.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: terminal snapshot sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted terminal snapshots", "count", count)
	}
}

func (s *Service) retireStaleSnapshots(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.StaleAfter)
	count, err := s.snaps.DeleteStaleBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: stale snapshot sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted stale snapshots", "count", count)
	}
}
