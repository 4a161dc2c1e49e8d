package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// OrphanSweeper periodically retries storage deletions that failed
// during a request delete. Keys that keep failing stay in the table for
// an operator once they hit the retry ceiling.
type OrphanSweeper struct {
	logger    *slog.Logger
	repo      ports.Repository
	blobs     ports.BlobStore
	schedule  string
	batchSize int
}

func NewOrphanSweeper(logger *slog.Logger, repo ports.Repository, blobs ports.BlobStore, schedule string, batchSize int) *OrphanSweeper {
	if schedule == "" {
		schedule = "@hourly"
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OrphanSweeper{
		logger:    logger,
		repo:      repo,
		blobs:     blobs,
		schedule:  schedule,
		batchSize: batchSize,
	}
}

// Run installs the cron schedule and blocks until ctx is cancelled.
func (s *OrphanSweeper) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("orphan sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// Sweep processes one batch of due orphans. Exported so operators (and
// tests) can trigger a pass outside the schedule.
func (s *OrphanSweeper) Sweep(ctx context.Context) error {
	orphans, err := s.repo.ListDueOrphans(ctx, s.batchSize, domain.OrphanMaxRetries)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	deleted, failed := 0, 0
	for _, o := range orphans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.blobs.Delete(ctx, o.S3Key); err != nil {
			failed++
			if merr := s.repo.MarkOrphanFailed(ctx, o.ID, err.Error()); merr != nil {
				s.logger.Error("failed to record orphan failure", "orphan_id", o.ID, "error", merr)
			}
			continue
		}
		deleted++
		if merr := s.repo.MarkOrphanDeleted(ctx, o.ID, time.Now().UTC()); merr != nil {
			s.logger.Error("failed to record orphan deletion", "orphan_id", o.ID, "error", merr)
		}
	}
	s.logger.Info("orphan sweep finished", "deleted", deleted, "failed", failed, "batch", len(orphans))
	return nil
}
