package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/metrics"
	"github.com/timmy/teachermon/internal/storage"
)

// reapBatch bounds the jobs handled by one retention sweep.
const reapBatch = 500

// Reaper purges frames whose retention window has elapsed. Reports,
// transcripts and covers are never touched.
type Reaper struct {
	jobs    JobStore
	quota   *QuotaService
	store   storage.ArtifactStore
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewReaper creates a new Reaper.
func NewReaper(jobs JobStore, quota *QuotaService, store storage.ArtifactStore, m *metrics.Metrics, log *logger.Logger) *Reaper {
	return &Reaper{jobs: jobs, quota: quota, store: store, metrics: m, logger: log}
}

// ReapStats holds statistics for one retention sweep.
type ReapStats struct {
	Expired       int
	Purged        int
	Failed        int
	ReleasedBytes int64
}

// CleanupExpiredFrames deletes the frames of every job whose frames expired
// at or before now. The row update is conditional on the frames still being
// recorded, so the matching quota release happens at most once per job even
// when sweeps overlap. Per-job failures are logged and skipped.
func (r *Reaper) CleanupExpiredFrames(ctx context.Context, now time.Time) (*ReapStats, error) {
	ctx = logger.SetComponent(ctx, "reaper")
	stats := &ReapStats{}

	jobs, err := r.jobs.ListExpiredFrames(ctx, now, reapBatch)
	if err != nil {
		return stats, fmt.Errorf("failed to list expired frames: %w", err)
	}
	stats.Expired = len(jobs)

	for i := range jobs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := r.purge(ctx, &jobs[i], now, stats); err != nil {
			stats.Failed++
			r.logger.WithError(err).WithField(logger.FieldJobID, jobs[i].ID).Error("Failed to purge frames")
		}
	}

	if stats.Expired > 0 {
		r.logger.WithFields(logger.Fields{
			"expired":  stats.Expired,
			"purged":   stats.Purged,
			"failed":   stats.Failed,
			"released": humanize.IBytes(uint64(stats.ReleasedBytes)),
		}).Info("Retention sweep completed")
	}
	return stats, nil
}

func (r *Reaper) purge(ctx context.Context, job *domain.AnalysisJob, now time.Time, stats *ReapStats) error {
	if !job.FramesExpired(now) {
		return nil
	}
	if _, err := r.store.DeleteArea(ctx, job.ID, storage.AreaFrames); err != nil {
		return fmt.Errorf("failed to delete frames: %w", err)
	}

	released := job.FramesBytes
	ok, err := r.jobs.MarkFramesPurged(ctx, job.ID, released, now)
	if err != nil {
		return err
	}
	if !ok {
		// Another sweep or a deletion got there first.
		return nil
	}
	job.PurgeFrames(now)

	if err := r.quota.Release(ctx, job.OwnerID, released); err != nil {
		return err
	}
	stats.Purged++
	stats.ReleasedBytes += released
	r.metrics.FramesPurged(released)
	return nil
}
