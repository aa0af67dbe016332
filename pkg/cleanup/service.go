// Package cleanup enforces data retention: durable events and decided
// checkpoints past the retention window are purged on a schedule.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// CheckpointPurger removes decided checkpoints past the cutoff.
type CheckpointPurger interface {
	PurgeDecidedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EventPurger removes durable event rows past the cutoff.
type EventPurger interface {
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Service runs the retention sweep. All operations are idempotent and safe
// to run from multiple pods.
type Service struct {
	checkpoints CheckpointPurger
	events      EventPurger
	retention   time.Duration
	interval    time.Duration
	log         *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. interval <= 0 defaults to hourly.
func NewService(checkpoints CheckpointPurger, events EventPurger,
	retention, interval time.Duration, log *slog.Logger) *Service {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		checkpoints: checkpoints,
		events:      events,
		retention:   retention,
		interval:    interval,
		log:         log,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.log.Info("Cleanup service started",
		"retention", s.retention, "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass.
func (s *Service) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)

	if s.checkpoints != nil {
		count, err := s.checkpoints.PurgeDecidedBefore(ctx, cutoff)
		if err != nil {
			s.log.Error("Retention: checkpoint purge failed", "error", err)
		} else if count > 0 {
			s.log.Info("Retention: purged decided checkpoints", "count", count)
		}
	}

	if s.events != nil {
		count, err := s.events.PurgeEventsBefore(ctx, cutoff)
		if err != nil {
			s.log.Error("Retention: event purge failed", "error", err)
		} else if count > 0 {
			s.log.Info("Retention: purged durable events", "count", count)
		}
	}
}
