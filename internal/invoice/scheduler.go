package invoice

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler periodically scans the watch folder and runs a batch of due
// jobs. Retry backoff is honoured through each job's NextAttemptAt.
type Scheduler struct {
	service  *Service
	interval time.Duration
}

func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	return &Scheduler{service: service, interval: interval}
}

// Run ticks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one scan and one batch
func (s *Scheduler) Tick(ctx context.Context) Summary {
	if _, err := s.service.ScanFolder(ctx); err != nil {
		slog.Error("Folder scan failed", "error", err)
	}
	summary, err := s.service.RunBatch(ctx)
	if err != nil {
		slog.Error("Batch failed", "error", err)
	}
	return summary
}
