// Package cleanup enforces retention: a background loop that archives
// stale sessions and discards their permission grants. All operations
// are idempotent; running several loom processes against one store is
// safe.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

const (
	// DefaultRetention is how long an inactive session survives.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultInterval between sweeps.
	DefaultInterval = time.Hour
)

// Service is the retention sweeper.
type Service struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a sweeper; zero durations take the defaults.
func NewService(s store.Store, retention, interval time.Duration, logger *slog.Logger) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, retention: retention, interval: interval, logger: logger}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("cleanup service started", "retention", s.retention, "interval", s.interval)
}

// Stop signals the loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("cleanup sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("cleanup sweep archived sessions", "count", n)
			}
		}
	}
}

// Sweep archives every idle or stopped session not updated within the
// retention window and deletes its grants. Returns how many sessions
// were archived.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessions(ctx, models.SessionFilters{})
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := time.Now().Add(-s.retention)
	archived := 0
	for _, session := range sessions {
		if session.Status != models.StatusIdle && session.Status != models.StatusStopped {
			continue
		}
		if session.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.ArchiveSession(ctx, session.ID); err != nil {
			s.logger.Error("failed to archive stale session", "session_id", session.ID, "error", err)
			continue
		}
		if err := s.store.DeleteGrants(ctx, session.ID); err != nil {
			s.logger.Error("failed to delete grants for stale session", "session_id", session.ID, "error", err)
		}
		archived++
	}
	return archived, nil
}
